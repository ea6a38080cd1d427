package streamindex

import (
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/twlk9/streamindex/keys"
	"github.com/twlk9/streamindex/sstable"
)

func entry(stream string, version, pos int64) keys.Entry {
	return keys.Entry{Key: keys.New(stream, version), Position: pos}
}

// writeTable writes entries, in any order, to a fresh table in dir.
func writeTable(t *testing.T, dir string, entries ...keys.Entry) *sstable.Table {
	t.Helper()
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b keys.Entry) int { return a.Key.Compare(b.Key) })
	tbl, err := sstable.WriteNew(NewTablePath(dir), sstable.SliceSource(sorted), sstable.WriterOptions{EntriesPerBlock: 4})
	if err != nil {
		t.Fatalf("Failed to write table: %v", err)
	}
	return tbl
}

func testOptions(t *testing.T) *Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Path = t.TempDir()
	opts.DisableBackgroundMerge = true
	opts.EntriesPerBlock = 4
	opts.Logger = slog.New(slog.DiscardHandler)
	return opts
}

func testMerger(dir string, maxTables int) *Merger {
	opts := DefaultOptions()
	opts.Path = dir
	opts.MaxTablesPerLevel = maxTables
	opts.EntriesPerBlock = 4
	opts.Logger = slog.New(slog.DiscardHandler)
	return NewMerger(opts, nil)
}

// collect drains it from the start and closes it.
func collect(t *testing.T, it *Iterator) []keys.Entry {
	t.Helper()
	defer it.Close()
	var out []keys.Entry
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out = append(out, it.Entry())
	}
	if err := it.Error(); err != nil {
		t.Fatalf("Iterator error: %v", err)
	}
	return out
}

func alwaysValid(string) bool { return true }

// stateValidator tracks what an index should hold and checks reads agree.
type stateValidator struct {
	idx   *Index
	t     *testing.T
	known map[keys.Key]int64
	mu    sync.RWMutex
}

func newStateValidator(t *testing.T, idx *Index) *stateValidator {
	return &stateValidator{idx: idx, t: t, known: make(map[keys.Key]int64)}
}

func (sv *stateValidator) add(stream string, version, pos int64) {
	sv.t.Helper()
	k := keys.New(stream, version)
	if err := sv.idx.AddKey(k, pos); err != nil {
		sv.t.Fatalf("AddKey(%s@%d) failed: %v", stream, version, err)
	}
	sv.mu.Lock()
	sv.known[k] = pos
	sv.mu.Unlock()
}

// validate checks every tracked key by lookup and that an ordered scan
// yields exactly the tracked set.
func (sv *stateValidator) validate() {
	sv.t.Helper()
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	for k, want := range sv.known {
		got, err := sv.idx.LookupKey(k)
		if err != nil {
			sv.t.Fatalf("LookupKey(%v) failed: %v", k, err)
		}
		if got != want {
			sv.t.Fatalf("LookupKey(%v) = %d, want %d", k, got, want)
		}
	}

	got := collect(sv.t, sv.idx.InOrder())
	if len(got) != len(sv.known) {
		sv.t.Fatalf("InOrder yielded %d entries, want %d", len(got), len(sv.known))
	}
	for i, e := range got {
		if i > 0 && !got[i-1].Key.Less(e.Key) {
			sv.t.Fatalf("InOrder out of order at %d: %v then %v", i, got[i-1].Key, e.Key)
		}
		if want, ok := sv.known[e.Key]; !ok || want != e.Position {
			sv.t.Fatalf("InOrder entry %v has position %d, want %d (tracked %v)", e.Key, e.Position, want, ok)
		}
	}
}
