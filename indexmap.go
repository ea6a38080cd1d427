package streamindex

import (
	"fmt"
	"slices"

	"github.com/twlk9/streamindex/keys"
	"github.com/twlk9/streamindex/sstable"
)

// IndexMap is one immutable snapshot of the index: the tables of every
// level plus the checkpoints. Level 0 holds the newest tables and within a
// level tables are ordered newest first. Every mutation returns a new
// IndexMap and leaves the receiver untouched, so a snapshot can be read
// from any number of goroutines without locking.
type IndexMap struct {
	levels      [][]*sstable.Table
	checkpoints Checkpoints
}

// Empty returns the map of an index that has nothing indexed: no levels
// and both checkpoints at -1.
func Empty() *IndexMap {
	return &IndexMap{checkpoints: NoCheckpoints}
}

// PrepareCheckpoint returns the prepare watermark, -1 if never set.
func (m *IndexMap) PrepareCheckpoint() int64 { return m.checkpoints.Prepare }

// CommitCheckpoint returns the commit watermark, -1 if never set.
func (m *IndexMap) CommitCheckpoint() int64 { return m.checkpoints.Commit }

// Checkpoints returns both watermarks.
func (m *IndexMap) Checkpoints() Checkpoints { return m.checkpoints }

// NumLevels returns the number of levels, including empty trailing ones.
func (m *IndexMap) NumLevels() int { return len(m.levels) }

// NumTables returns the number of tables over all levels.
func (m *IndexMap) NumTables() int {
	n := 0
	for _, level := range m.levels {
		n += len(level)
	}
	return n
}

// NumEntries returns the total entry count over all tables. Keys shadowed
// across tables are counted once per table.
func (m *IndexMap) NumEntries() uint64 {
	var n uint64
	for _, t := range m.Tables() {
		n += t.Count()
	}
	return n
}

// Levels returns the table names of each level, newest first.
func (m *IndexMap) Levels() [][]string {
	out := make([][]string, len(m.levels))
	for i, level := range m.levels {
		names := make([]string, len(level))
		for j, t := range level {
			names[j] = t.Name()
		}
		out[i] = names
	}
	return out
}

// Level returns the tables of level n, newest first.
func (m *IndexMap) Level(n int) []*sstable.Table {
	if n < 0 || n >= len(m.levels) {
		return nil
	}
	return slices.Clone(m.levels[n])
}

// Tables returns every table in lookup order: level 0 first, newest first
// within a level.
func (m *IndexMap) Tables() []*sstable.Table {
	out := make([]*sstable.Table, 0, m.NumTables())
	for _, level := range m.levels {
		out = append(out, level...)
	}
	return out
}

// GetAllFilenames returns the path of every referenced table, sorted.
func (m *IndexMap) GetAllFilenames() []string {
	names := make([]string, 0, m.NumTables())
	for _, t := range m.Tables() {
		names = append(names, t.Path())
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Lookup returns the position of k from the newest table that holds it.
func (m *IndexMap) Lookup(k keys.Key) (int64, bool, error) {
	for _, t := range m.Tables() {
		pos, ok, err := t.Lookup(k)
		if err != nil {
			return 0, false, fmt.Errorf("lookup %s in %s: %w", k, t.Name(), err)
		}
		if ok {
			return pos, true, nil
		}
	}
	return 0, false, nil
}

// InOrder returns an iterator over every indexed entry in ascending key
// order. Keys present in several tables appear once with the newest
// position. The iterator is unpositioned; call SeekToFirst to (re)start.
func (m *IndexMap) InOrder() *Iterator {
	return newIterator(m.sources(nil, nil), nil)
}

// Range returns the entries of stream with versions in [from, to],
// ascending, newest position winning.
func (m *IndexMap) Range(stream uint64, from, to int64) ([]keys.Entry, error) {
	return collectRange(m.sources(nil, &stream), keys.StreamRange(stream, from, to))
}

// LatestEntry returns the highest version indexed for stream.
func (m *IndexMap) LatestEntry(stream uint64) (keys.Entry, bool, error) {
	return latestEntry(m.sources(nil, &stream), stream)
}

// sources returns iterators over staged entries (newest memtable first)
// followed by every table in lookup order. When stream is set, tables whose
// filter rules the stream out are skipped.
func (m *IndexMap) sources(staged [][]keys.Entry, stream *uint64) []entryIterator {
	srcs := make([]entryIterator, 0, len(staged)+m.NumTables())
	for _, es := range staged {
		srcs = append(srcs, newSliceIterator(es))
	}
	for _, t := range m.Tables() {
		if stream != nil && !t.MayContainStream(*stream) {
			continue
		}
		srcs = append(srcs, t.NewIterator())
	}
	return srcs
}

func collectRange(srcs []entryIterator, r keys.Range) ([]keys.Entry, error) {
	it := newMergeIterator(srcs)
	defer it.Close()

	var out []keys.Entry
	for it.Seek(r.Start); it.Valid() && r.Contains(it.Key()); it.Next() {
		out = append(out, it.Entry())
	}
	return out, it.Error()
}

func latestEntry(srcs []entryIterator, stream uint64) (keys.Entry, bool, error) {
	it := newMergeIterator(srcs)
	defer it.Close()

	var (
		last  keys.Entry
		found bool
	)
	for it.Seek(keys.Key{Stream: stream, Version: keys.MinVersion}); it.Valid() && it.Key().Stream == stream; it.Next() {
		last, found = it.Entry(), true
	}
	return last, found, it.Error()
}

// AddTable returns a map with t prepended to level 0.
func (m *IndexMap) AddTable(t *sstable.Table) *IndexMap {
	levels := m.cloneLevels(1)
	levels[0] = slices.Insert(levels[0], 0, t)
	return &IndexMap{levels: levels, checkpoints: m.checkpoints}
}

// AdvanceCheckpoints returns a map with new checkpoints. It fails with
// ErrInvalidCheckpoint if prepare < commit or either value moves backwards.
func (m *IndexMap) AdvanceCheckpoints(prepare, commit int64) (*IndexMap, error) {
	next, err := m.checkpoints.Advance(Checkpoints{Prepare: prepare, Commit: commit})
	if err != nil {
		return m, err
	}
	return &IndexMap{levels: m.levels, checkpoints: next}, nil
}

// replaceLevel returns a map where every table of level is removed and out
// is prepended to target.
func (m *IndexMap) replaceLevel(level, target int, out *sstable.Table) *IndexMap {
	levels := m.cloneLevels(target + 1)
	levels[level] = nil
	levels[target] = slices.Insert(levels[target], 0, out)
	return &IndexMap{levels: levels, checkpoints: m.checkpoints}
}

// cloneLevels copies the level slices so they can be edited, growing to at
// least n levels.
func (m *IndexMap) cloneLevels(n int) [][]*sstable.Table {
	levels := make([][]*sstable.Table, max(n, len(m.levels)))
	for i, level := range m.levels {
		levels[i] = slices.Clone(level)
	}
	return levels
}

func (m *IndexMap) manifest() *manifest {
	return &manifest{checkpoints: m.checkpoints, levels: m.Levels()}
}

// SaveToFile persists the map's manifest at path through a temporary file
// and an atomic rename. Every referenced table must already be durable.
func (m *IndexMap) SaveToFile(path string) error {
	return writeFileAtomic(path, m.manifest().encode())
}

// Close closes every table handle of the map. Only for maps obtained
// directly from FromFile; maps published by an Index are owned by it.
func (m *IndexMap) Close() error {
	var first error
	for _, t := range m.Tables() {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Iterator is the ordered enumeration returned by InOrder.
type Iterator struct {
	*MergeIterator
	release func()
}

func newIterator(srcs []entryIterator, release func()) *Iterator {
	return &Iterator{MergeIterator: newMergeIterator(srcs), release: release}
}

// Close releases the iterator's sources and, for snapshot iterators, the
// snapshot pin taken for it.
func (it *Iterator) Close() error {
	err := it.MergeIterator.Close()
	if it.release != nil {
		it.release()
		it.release = nil
	}
	return err
}
