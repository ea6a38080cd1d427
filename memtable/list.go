package memtable

import (
	"github.com/twlk9/streamindex/keys"
)

// List is an immutable view over the active memtable and the frozen ones
// waiting to be flushed, newest first.
type List []*MemTable

// Get returns the position from the newest memtable that holds k.
func (l List) Get(k keys.Key) (int64, bool) {
	for _, mt := range l {
		if pos, ok := mt.Get(k); ok {
			return pos, true
		}
	}
	return 0, false
}

// Len returns the total number of staged entries, counting shadowed keys
// once per memtable.
func (l List) Len() int {
	n := 0
	for _, mt := range l {
		n += mt.Len()
	}
	return n
}

// Scan merges the entries inside r from every memtable into one ascending
// sequence, newest memtable winning on equal keys.
func (l List) Scan(r keys.Range) []keys.Entry {
	var merged []keys.Entry
	seen := make(map[keys.Key]struct{})
	for _, mt := range l {
		mt.Scan(r, func(e keys.Entry) bool {
			if _, ok := seen[e.Key]; !ok {
				seen[e.Key] = struct{}{}
				merged = append(merged, e)
			}
			return true
		})
	}
	sortEntries(merged)
	return merged
}
