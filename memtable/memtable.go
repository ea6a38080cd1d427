// Package memtable stages index entries in memory until they are written
// out as a sorted table.
package memtable

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/twlk9/streamindex/keys"
)

type orderedMap = skipmap.FuncMap[keys.Key, int64]

// MemTable is a concurrent ordered map from key to log position. Adding a
// key that is already present replaces its position. Once frozen it
// rejects further writes and can be flushed.
type MemTable struct {
	m      *orderedMap
	frozen atomic.Bool

	// maxPos is the highest position added, or -1.
	maxPos atomic.Int64
}

// New returns an empty memtable.
func New() *MemTable {
	mt := &MemTable{
		m: skipmap.NewFunc[keys.Key, int64](func(a, b keys.Key) bool {
			return a.Less(b)
		}),
	}
	mt.maxPos.Store(-1)
	return mt
}

// Add stages pos for k. It returns false if the memtable is frozen.
func (mt *MemTable) Add(k keys.Key, pos int64) bool {
	if mt.frozen.Load() {
		return false
	}
	mt.m.Store(k, pos)
	for {
		cur := mt.maxPos.Load()
		if pos <= cur || mt.maxPos.CompareAndSwap(cur, pos) {
			break
		}
	}
	return true
}

// Get returns the staged position for k.
func (mt *MemTable) Get(k keys.Key) (int64, bool) {
	return mt.m.Load(k)
}

// Len returns the number of distinct keys.
func (mt *MemTable) Len() int {
	return mt.m.Len()
}

// Empty reports whether nothing has been staged.
func (mt *MemTable) Empty() bool {
	return mt.m.Len() == 0
}

// MaxPosition returns the highest staged position, or -1 when empty.
func (mt *MemTable) MaxPosition() int64 {
	return mt.maxPos.Load()
}

// Freeze marks the memtable immutable.
func (mt *MemTable) Freeze() {
	mt.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (mt *MemTable) Frozen() bool {
	return mt.frozen.Load()
}

// Entries returns a sorted copy of the staged entries.
func (mt *MemTable) Entries() []keys.Entry {
	out := make([]keys.Entry, 0, mt.m.Len())
	mt.m.Range(func(k keys.Key, pos int64) bool {
		out = append(out, keys.Entry{Key: k, Position: pos})
		return true
	})
	return out
}

// Scan calls fn for every entry inside r in ascending order until fn
// returns false.
func (mt *MemTable) Scan(r keys.Range, fn func(keys.Entry) bool) {
	mt.m.Range(func(k keys.Key, pos int64) bool {
		if k.Less(r.Start) {
			return true
		}
		if r.End.Less(k) {
			return false
		}
		return fn(keys.Entry{Key: k, Position: pos})
	})
}
