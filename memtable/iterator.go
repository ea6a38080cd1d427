package memtable

import (
	"slices"

	"github.com/twlk9/streamindex/keys"
)

// Iterator walks a sorted snapshot of a memtable. It satisfies the entry
// source interface the table writer consumes.
type Iterator struct {
	entries []keys.Entry
	pos     int
}

// NewIterator snapshots mt. Entries added afterwards are not seen.
func (mt *MemTable) NewIterator() *Iterator {
	return &Iterator{entries: mt.Entries(), pos: -1}
}

// Next advances the iterator and reports whether an entry is available.
func (it *Iterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

// Entry returns the current entry.
func (it *Iterator) Entry() keys.Entry { return it.entries[it.pos] }

// Err always returns nil; a memtable snapshot cannot fail.
func (it *Iterator) Err() error { return nil }

// Len returns the number of entries in the snapshot.
func (it *Iterator) Len() int { return len(it.entries) }

func sortEntries(es []keys.Entry) {
	slices.SortFunc(es, func(a, b keys.Entry) int {
		return a.Key.Compare(b.Key)
	})
}
