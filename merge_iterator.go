package streamindex

import (
	"container/heap"
	"sort"

	"github.com/twlk9/streamindex/keys"
)

// entryIterator is a restartable ascending walk over one source: a table
// or a memtable snapshot.
type entryIterator interface {
	SeekToFirst()
	Seek(k keys.Key)
	Next()
	Valid() bool
	Entry() keys.Entry
	Error() error
	Close() error
}

// sourceHeap orders source indexes by their current key. Ties go to the
// lower index, which callers use for the newer source.
type sourceHeap struct {
	srcs []entryIterator
	idx  []int
}

func (h *sourceHeap) Len() int { return len(h.idx) }

func (h *sourceHeap) Less(i, j int) bool {
	a, b := h.idx[i], h.idx[j]
	if c := h.srcs[a].Entry().Key.Compare(h.srcs[b].Entry().Key); c != 0 {
		return c < 0
	}
	return a < b
}

func (h *sourceHeap) Swap(i, j int) { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }

func (h *sourceHeap) Push(x any) { h.idx = append(h.idx, x.(int)) }

func (h *sourceHeap) Pop() any {
	n := len(h.idx)
	x := h.idx[n-1]
	h.idx = h.idx[:n-1]
	return x
}

// MergeIterator merges sorted sources into one ascending sequence in which
// every key appears once, taken from the newest source holding it. Sources
// are given newest first.
type MergeIterator struct {
	h     sourceHeap
	cur   keys.Entry
	valid bool
	err   error
}

func newMergeIterator(sources []entryIterator) *MergeIterator {
	return &MergeIterator{
		h: sourceHeap{srcs: sources, idx: make([]int, 0, len(sources))},
	}
}

// SeekToFirst positions at the smallest key over all sources.
func (it *MergeIterator) SeekToFirst() {
	it.reset(func(s entryIterator) { s.SeekToFirst() })
}

// Seek positions at the first key >= k.
func (it *MergeIterator) Seek(k keys.Key) {
	it.reset(func(s entryIterator) { s.Seek(k) })
}

func (it *MergeIterator) reset(position func(entryIterator)) {
	it.err = nil
	it.h.idx = it.h.idx[:0]
	for i, s := range it.h.srcs {
		position(s)
		if err := s.Error(); err != nil {
			it.fail(err)
			return
		}
		if s.Valid() {
			it.h.idx = append(it.h.idx, i)
		}
	}
	heap.Init(&it.h)
	it.step()
}

// Next advances to the next distinct key.
func (it *MergeIterator) Next() {
	if !it.valid {
		return
	}
	it.step()
}

// step takes the top entry and moves every source past its key.
func (it *MergeIterator) step() {
	if it.h.Len() == 0 {
		it.valid = false
		return
	}
	it.cur = it.h.srcs[it.h.idx[0]].Entry()
	it.valid = true

	for it.h.Len() > 0 {
		top := it.h.srcs[it.h.idx[0]]
		if top.Entry().Key != it.cur.Key {
			break
		}
		top.Next()
		if err := top.Error(); err != nil {
			it.fail(err)
			return
		}
		if top.Valid() {
			heap.Fix(&it.h, 0)
		} else {
			heap.Pop(&it.h)
		}
	}
}

func (it *MergeIterator) fail(err error) {
	it.err = err
	it.valid = false
	it.h.idx = it.h.idx[:0]
}

// Valid reports whether the iterator is positioned at an entry.
func (it *MergeIterator) Valid() bool { return it.valid }

// Entry returns the current entry.
func (it *MergeIterator) Entry() keys.Entry { return it.cur }

// Key returns the current key.
func (it *MergeIterator) Key() keys.Key { return it.cur.Key }

// Error returns the first source error hit.
func (it *MergeIterator) Error() error { return it.err }

// Close closes every source.
func (it *MergeIterator) Close() error {
	var first error
	for _, s := range it.h.srcs {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	it.valid = false
	return first
}

// sliceIterator walks a sorted in-memory snapshot, typically of a memtable.
type sliceIterator struct {
	entries []keys.Entry
	pos     int
}

func newSliceIterator(entries []keys.Entry) *sliceIterator {
	return &sliceIterator{entries: entries, pos: len(entries)}
}

func (s *sliceIterator) SeekToFirst() { s.pos = 0 }

func (s *sliceIterator) Seek(k keys.Key) {
	s.pos = sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Key.Compare(k) >= 0
	})
}

func (s *sliceIterator) Next() {
	if s.pos < len(s.entries) {
		s.pos++
	}
}

func (s *sliceIterator) Valid() bool       { return s.pos < len(s.entries) }
func (s *sliceIterator) Entry() keys.Entry { return s.entries[s.pos] }
func (s *sliceIterator) Error() error      { return nil }
func (s *sliceIterator) Close() error      { return nil }
