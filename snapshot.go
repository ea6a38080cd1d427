package streamindex

import (
	"sync/atomic"

	"github.com/twlk9/streamindex/keys"
	"github.com/twlk9/streamindex/memtable"
)

// Snapshot pins one published IndexMap and the memtables staged at the time
// it was taken. Tables referenced by a pinned map are not reclaimed until
// the snapshot is released, even if a merge replaces them. The active
// memtable is read live, so entries added after the snapshot may show up
// in its staged reads; Map never changes.
type Snapshot struct {
	idx      *Index
	m        *IndexMap
	mems     memtable.List
	epoch    uint64
	released atomic.Bool
}

// Snapshot pins the current state. Callers must Release it.
func (i *Index) Snapshot() *Snapshot {
	e := i.epochs.Enter()
	mems := i.memtables()
	return &Snapshot{
		idx:   i,
		m:     i.current.Load(),
		mems:  mems,
		epoch: e,
	}
}

// Map returns the pinned IndexMap. It is valid until Release.
func (s *Snapshot) Map() *IndexMap { return s.m }

// Checkpoints returns the checkpoints of the pinned map.
func (s *Snapshot) Checkpoints() Checkpoints { return s.m.Checkpoints() }

// Lookup consults staged entries, newest first, and then the tables.
func (s *Snapshot) Lookup(k keys.Key) (int64, bool, error) {
	if pos, ok := s.mems.Get(k); ok {
		return pos, true, nil
	}
	return s.m.Lookup(k)
}

// Range returns the entries of stream with versions in [from, to].
func (s *Snapshot) Range(stream uint64, from, to int64) ([]keys.Entry, error) {
	r := keys.StreamRange(stream, from, to)
	return collectRange(s.m.sources(s.staged(r), &stream), r)
}

// LatestEntry returns the highest version of stream, staged or flushed.
func (s *Snapshot) LatestEntry(stream uint64) (keys.Entry, bool, error) {
	r := keys.StreamRange(stream, keys.MinVersion, keys.MaxVersion)
	return latestEntry(s.m.sources(s.staged(r), &stream), stream)
}

// InOrder iterates staged and flushed entries together. The iterator does
// not outlive the snapshot.
func (s *Snapshot) InOrder() *Iterator {
	staged := make([][]keys.Entry, 0, len(s.mems))
	for _, mt := range s.mems {
		staged = append(staged, mt.Entries())
	}
	return newIterator(s.m.sources(staged, nil), nil)
}

func (s *Snapshot) staged(r keys.Range) [][]keys.Entry {
	es := s.mems.Scan(r)
	if len(es) == 0 {
		return nil
	}
	return [][]keys.Entry{es}
}

// Release unpins the snapshot. Safe to call more than once.
func (s *Snapshot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.idx.epochs.Exit(s.epoch)
	if s.idx.epochs.Pending() > 0 {
		s.idx.epochs.TryCleanup()
	}
}
