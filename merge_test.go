package streamindex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/twlk9/streamindex/keys"
	"github.com/twlk9/streamindex/sstable"
)

func TestMergeTables(t *testing.T) {
	dir := t.TempDir()
	oldest := writeTable(t, dir, entry("a", 0, 1), entry("a", 1, 2), entry("b", 0, 3))
	middle := writeTable(t, dir, entry("a", 1, 20), entry("c", 0, 30))
	newest := writeTable(t, dir, entry("a", 0, 100), entry("c", 0, 300), entry("d", 5, 400))
	for _, tbl := range []*sstable.Table{oldest, middle, newest} {
		defer tbl.Close()
	}

	out, err := MergeTables(context.Background(), []*sstable.Table{newest, middle, oldest},
		NewTablePath(dir), sstable.WriterOptions{EntriesPerBlock: 2})
	if err != nil {
		t.Fatalf("MergeTables failed: %v", err)
	}
	defer out.Close()

	want := collect(t, Empty().AddTable(oldest).AddTable(middle).AddTable(newest).InOrder())
	got := collect(t, Empty().AddTable(out).InOrder())
	if !slices.Equal(got, want) {
		t.Errorf("Merged = %v, want %v", got, want)
	}
	if out.Count() != 5 {
		t.Errorf("Output holds %d entries, want 5 distinct keys", out.Count())
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Key.Less(got[i].Key) {
			t.Fatalf("Output not strictly ascending at %d", i)
		}
	}
}

func TestMergeOverflowing_NothingToDo(t *testing.T) {
	dir := t.TempDir()
	tbl := writeTable(t, dir, entry("a", 0, 1))
	defer tbl.Close()

	m := Empty().AddTable(tbl)
	next, results, err := m.MergeOverflowing(context.Background(), testMerger(dir, 2))
	if err != nil {
		t.Fatalf("MergeOverflowing failed: %v", err)
	}
	if next != m || len(results) != 0 {
		t.Errorf("Expected the same map and no merges, got %d merges", len(results))
	}
}

func TestMergeOverflowing_Cascade(t *testing.T) {
	dir := t.TempDir()
	mg := testMerger(dir, 2)

	m := Empty()
	var lastResults []MergeResult
	for i := range 9 {
		tbl := writeTable(t, dir, entry("s", int64(i), int64(i)))
		m = m.AddTable(tbl)

		var err error
		m, lastResults, err = m.MergeOverflowing(context.Background(), mg)
		if err != nil {
			t.Fatalf("MergeOverflowing after table %d failed: %v", i, err)
		}
	}
	defer m.Close()

	// The ninth table overflows level 0 into a third level 1 table, which
	// overflows level 1 into level 2 in the same call.
	if len(lastResults) != 2 {
		t.Fatalf("Expected 2 merges in the last call, got %d", len(lastResults))
	}
	if lastResults[0].Level != 0 || lastResults[0].Target != 1 ||
		lastResults[1].Level != 1 || lastResults[1].Target != 2 {
		t.Errorf("Unexpected merge sequence %+v", lastResults)
	}
	if len(m.Level(0)) != 0 || len(m.Level(1)) != 0 || len(m.Level(2)) != 1 {
		t.Errorf("Unexpected layout %v", m.Levels())
	}
	if got := collect(t, m.InOrder()); len(got) != 9 {
		t.Errorf("Expected 9 entries after cascading, got %d", len(got))
	}
}

func TestMergeOverflowing_LastLevelMergesInPlace(t *testing.T) {
	dir := t.TempDir()
	mg := testMerger(dir, 1)
	mg.Policy.MaxLevels = 2

	a := writeTable(t, dir, entry("s", 1, 1))
	b := writeTable(t, dir, entry("s", 1, 2), entry("s", 2, 3))
	m := &IndexMap{levels: [][]*sstable.Table{nil, {b, a}}, checkpoints: NoCheckpoints}

	next, results, err := m.MergeOverflowing(context.Background(), mg)
	if err != nil {
		t.Fatalf("MergeOverflowing failed: %v", err)
	}
	defer next.Close()
	defer a.Close()
	defer b.Close()

	if len(results) != 1 || results[0].Level != 1 || results[0].Target != 1 {
		t.Fatalf("Expected one in-place merge of level 1, got %+v", results)
	}
	if next.NumLevels() != 2 || len(next.Level(1)) != 1 {
		t.Errorf("Unexpected layout %v", next.Levels())
	}
	if pos, _, _ := next.Lookup(keys.New("s", 1)); pos != 2 {
		t.Errorf("Lookup = %d, want newest position 2", pos)
	}
}

func dirEntryNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestMergeOverflowing_FailureLeavesMapUntouched(t *testing.T) {
	dir := t.TempDir()
	mg := testMerger(dir, 2)

	m := Empty()
	for i := range 3 {
		m = m.AddTable(writeTable(t, dir,
			entry("s", int64(3*i), 1), entry("s", int64(3*i+1), 2), entry("s", int64(3*i+2), 3)))
	}
	defer m.Close()
	before := dirEntryNames(t, dir)
	levels := m.Levels()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	next, results, err := m.MergeOverflowing(ctx, mg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if next != m || results != nil {
		t.Error("A failed merge must return the original map and no results")
	}
	if !slices.EqualFunc(m.Levels(), levels, func(a, b []string) bool { return slices.Equal(a, b) }) {
		t.Errorf("Map changed: %v, was %v", m.Levels(), levels)
	}
	if after := dirEntryNames(t, dir); !slices.Equal(after, before) {
		t.Errorf("Directory changed from %v to %v", before, after)
	}
	if got := collect(t, m.InOrder()); len(got) != 9 {
		t.Errorf("Expected the 9 original entries to stay readable, got %d", len(got))
	}
}

// batchEntries turns generated ints into the distinct entries of one table.
// Later duplicates within a batch win, like a memtable.
func batchEntries(batch []int, base int64) []keys.Entry {
	byKey := make(map[keys.Key]int64)
	for j, v := range batch {
		byKey[keys.New("stream-"+strconv.Itoa(v%4), int64(v/4))] = base + int64(j)
	}
	out := make([]keys.Entry, 0, len(byKey))
	for k, pos := range byKey {
		out = append(out, keys.Entry{Key: k, Position: pos})
	}
	return out
}

func TestMergeProperties(t *testing.T) {
	for _, threshold := range []int{2, 4} {
		t.Run("threshold="+strconv.Itoa(threshold), func(t *testing.T) {
			parameters := gopter.DefaultTestParameters()
			parameters.MinSuccessfulTests = 25
			properties := gopter.NewProperties(parameters)
			root := t.TempDir()

			properties.Property("merging preserves the shadow-resolved union", prop.ForAll(
				func(batches [][]int) bool {
					dir, err := os.MkdirTemp(root, "run")
					if err != nil {
						return false
					}
					mg := testMerger(dir, threshold)
					model := make(map[keys.Key]int64)

					var opened []*sstable.Table
					defer func() {
						for _, tbl := range opened {
							tbl.Close()
						}
					}()

					m := Empty()
					for i, batch := range batches {
						es := batchEntries(batch, int64(i)*1000)
						for _, e := range es {
							model[e.Key] = e.Position
						}
						tbl := writeTable(t, dir, es...)
						opened = append(opened, tbl)

						var results []MergeResult
						m, results, err = m.AddTable(tbl).MergeOverflowing(context.Background(), mg)
						if err != nil {
							return false
						}
						opened = append(opened, outputs(results)...)

						for level := range m.NumLevels() - 1 {
							if len(m.Level(level)) > mg.Policy.MaxTablesForLevel(level) {
								return false
							}
						}
					}

					got := collect(t, m.InOrder())
					if len(got) != len(model) {
						return false
					}
					for i, e := range got {
						if i > 0 && !got[i-1].Key.Less(e.Key) {
							return false
						}
						if model[e.Key] != e.Position {
							return false
						}
						if pos, ok, err := m.Lookup(e.Key); err != nil || !ok || pos != e.Position {
							return false
						}
					}

					// Every referenced file is in the directory and nothing else
					// with the table extension is missing from the map.
					live := make(map[string]bool)
					for _, p := range m.GetAllFilenames() {
						live[filepath.Base(p)] = true
					}
					for _, name := range dirEntryNames(t, dir) {
						if strings.HasSuffix(name, ".tmp") {
							return false
						}
					}
					for name := range live {
						if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
							return false
						}
					}
					return true
				},
				gen.SliceOfN(10, gen.SliceOfN(6, gen.IntRange(0, 47))),
			))

			properties.TestingRun(t)
		})
	}
}
