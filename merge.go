package streamindex

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/twlk9/streamindex/keys"
	"github.com/twlk9/streamindex/sstable"
)

// MergeResult describes one merge performed by MergeOverflowing.
type MergeResult struct {
	Level    int              // level whose tables were merged
	Target   int              // level the output was placed in
	Inputs   []*sstable.Table // retired tables, newest first
	Output   *sstable.Table
	Duration time.Duration
}

// Merger writes merge outputs for an index directory.
type Merger struct {
	Dir    string
	Policy MergePolicy

	// Writer options; Compression is replaced per target level.
	Writer sstable.WriterOptions

	// Options, if set, picks Writer.Compression by target level.
	Options *Options

	Logger *slog.Logger
}

// NewMerger builds a merger from index options.
func NewMerger(opts *Options, cache *sstable.BlockCache) *Merger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Merger{
		Dir:    opts.Path,
		Policy: opts.MergePolicy(),
		Writer: sstable.WriterOptions{
			EntriesPerBlock:    opts.EntriesPerBlock,
			BloomFalsePositive: opts.bloomRate(),
			Open:               sstable.OpenOptions{Cache: cache, Logger: logger},
			Logger:             logger,
		},
		Options: opts,
		Logger:  logger,
	}
}

// NewTablePath returns a fresh table path inside dir.
func NewTablePath(dir string) string {
	return filepath.Join(dir, uuid.NewString()+sstable.FileExt)
}

func (mg *Merger) writerOptions(level int, expected uint64) sstable.WriterOptions {
	w := mg.Writer
	if mg.Options != nil {
		w.Compression = mg.Options.CompressionForLevel(level)
	}
	w.ExpectedEntries = uint(expected)
	return w
}

// MergeTables k-way merges tables, given newest first, into a new table at
// path. Every key is written once with the position from the newest table
// holding it. ctx is checked once per output block; after the input is
// exhausted the write completes regardless.
func MergeTables(ctx context.Context, tables []*sstable.Table, path string, opts sstable.WriterOptions) (*sstable.Table, error) {
	srcs := make([]entryIterator, len(tables))
	var expected uint64
	for i, t := range tables {
		srcs[i] = t.NewIterator()
		expected += t.Count()
	}
	if opts.ExpectedEntries == 0 {
		opts.ExpectedEntries = uint(expected)
	}
	every := opts.EntriesPerBlock
	if every <= 0 {
		every = sstable.DefaultEntriesPerBlock
	}

	it := newMergeIterator(srcs)
	defer it.Close()
	return sstable.WriteNew(path, &mergeSource{ctx: ctx, it: it, every: every}, opts)
}

// mergeSource feeds a MergeIterator to the table writer.
type mergeSource struct {
	ctx     context.Context
	it      *MergeIterator
	started bool
	every   int
	n       int
	err     error
}

func (s *mergeSource) Next() bool {
	if s.err != nil {
		return false
	}
	if !s.started {
		s.started = true
		s.it.SeekToFirst()
	} else {
		s.it.Next()
	}
	if s.n++; s.n%s.every == 0 {
		if err := s.ctx.Err(); err != nil {
			s.err = err
			return false
		}
	}
	return s.it.Valid()
}

func (s *mergeSource) Entry() keys.Entry { return s.it.Entry() }

func (s *mergeSource) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.it.Error()
}

// MergeOverflowing merges every level holding more tables than the policy
// allows. Levels are visited once each from 0 upward, so a merge that
// overflows the next level is handled in the same call and the number of
// merges is bounded by the number of levels.
//
// On success it returns the new map and one result per merge; the inputs
// of those results are no longer referenced. On failure it returns m itself
// and removes every table it wrote.
func (m *IndexMap) MergeOverflowing(ctx context.Context, mg *Merger) (*IndexMap, []MergeResult, error) {
	var (
		cur     = m
		results []MergeResult
		written []*sstable.Table
	)
	for level := 0; level < len(cur.levels); level++ {
		tables := cur.levels[level]
		if !mg.Policy.Overflows(level, len(tables)) {
			continue
		}
		target := mg.Policy.TargetLevel(level)

		start := time.Now()
		var expected uint64
		for _, t := range tables {
			expected += t.Count()
		}
		out, err := MergeTables(ctx, tables, NewTablePath(mg.Dir), mg.writerOptions(target, expected))
		if err != nil {
			for _, t := range written {
				t.Close()
				os.Remove(t.Path())
			}
			return m, nil, fmt.Errorf("merge level %d: %w", level, err)
		}
		written = append(written, out)

		results = append(results, MergeResult{
			Level:    level,
			Target:   target,
			Inputs:   tables,
			Output:   out,
			Duration: time.Since(start),
		})
		mg.Logger.Info("merged level", "level", level, "target", target,
			"inputs", len(tables), "output", out.Name(), "entries", out.Count(),
			"duration", time.Since(start))

		cur = cur.replaceLevel(level, target, out)
	}
	return cur, results, nil
}
