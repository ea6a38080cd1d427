package streamindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/twlk9/streamindex/epoch"
	"github.com/twlk9/streamindex/keys"
	"github.com/twlk9/streamindex/memtable"
	"github.com/twlk9/streamindex/sstable"
)

// Index owns an index directory: it stages added entries in memtables,
// flushes them into level 0 tables, merges overflowing levels in the
// background and publishes every change as a new IndexMap snapshot.
//
// Reads never lock. Mutations (flush, merge, checkpoint advance) go through
// a single writer path one at a time.
type Index struct {
	opts         *Options
	manifestPath string
	logger       *slog.Logger
	locker       Locker
	epochs       *epoch.Manager
	cache        *sstable.BlockCache
	merger       *Merger
	metrics      *metrics

	current atomic.Pointer[IndexMap]

	// memMu guards the memtable set. Add holds it shared.
	memMu  sync.RWMutex
	active *memtable.MemTable
	imm    []*memtable.MemTable // frozen, newest first

	// mutMu is the single writer path.
	mutMu sync.Mutex

	wakeupChan chan struct{}
	closeChan  chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// Open opens or creates the index in opts.Path. The persisted map is
// loaded with FromFile, so a missing or untrustworthy manifest yields an
// empty index with both checkpoints at -1.
func Open(opts *Options) (*Index, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts = opts.Clone()
	if opts.Logger == nil {
		opts.Logger = DefaultLogger()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	locker, err := newFileLocker(opts.Path)
	if err != nil {
		return nil, err
	}
	if err := locker.Lock(); err != nil {
		return nil, err
	}

	idx := &Index{
		opts:         opts,
		manifestPath: filepath.Join(opts.Path, ManifestFileName),
		logger:       opts.Logger,
		locker:       locker,
		epochs:       epoch.NewManager(opts.Logger),
		cache:        sstable.NewBlockCache(opts.BlockCacheSize),
		metrics:      newMetrics(opts.Registerer),
		active:       memtable.New(),
		wakeupChan:   make(chan struct{}, 1),
		closeChan:    make(chan struct{}),
	}
	idx.merger = NewMerger(opts, idx.cache)

	validator := opts.TableValidator
	if validator == nil {
		validator = func(path string) bool { return sstable.Verify(path) == nil }
	}
	m, reason := LoadWithReason(idx.manifestPath, validator,
		WithOpenOptions(sstable.OpenOptions{SkipChecksum: true, Cache: idx.cache, Logger: opts.Logger}),
		WithLogger(opts.Logger))
	if reason == nil {
		idx.logger.Info("index map loaded", "path", opts.Path,
			"levels", m.NumLevels(), "tables", m.NumTables(), "checkpoints", m.Checkpoints())
	}
	for _, t := range m.Tables() {
		idx.epochs.Register(t.Name(), reclaimTable(t))
	}
	idx.current.Store(m)
	idx.metrics.observeMap(m)

	if !opts.DisableBackgroundMerge {
		ctx, cancel := context.WithCancel(context.Background())
		idx.cancel = cancel
		idx.wg.Add(1)
		go idx.worker(ctx)

		// Thresholds may have been lowered since the map was saved.
		idx.schedule()
	}
	return idx, nil
}

// reclaimTable closes and deletes a table once no reader can reach it.
func reclaimTable(t *sstable.Table) epoch.CleanupFunc {
	return func() error {
		closeErr := t.Close()
		if err := os.Remove(t.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return closeErr
	}
}

func (i *Index) checkOpen() error {
	if i.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Add stages the position of version of streamID.
func (i *Index) Add(streamID string, version, position int64) error {
	return i.AddKey(keys.New(streamID, version), position)
}

// AddKey stages position for k. Adding a key again replaces its staged
// position; a later flush shadows any older table.
func (i *Index) AddKey(k keys.Key, position int64) error {
	if err := i.checkOpen(); err != nil {
		return err
	}
	if !keys.IsValidPosition(position) {
		return fmt.Errorf("%w: %d", ErrInvalidPosition, position)
	}

	// Close sets closed before its final rotate takes memMu, so an add
	// that still sees it open here is flushed by Close.
	i.memMu.RLock()
	if i.closed.Load() {
		i.memMu.RUnlock()
		return ErrClosed
	}
	i.active.Add(k, position)
	full := i.active.Len() >= i.opts.MemTableMaxEntries
	i.memMu.RUnlock()
	i.metrics.stagedEntries.Inc()

	if full {
		i.rotate(false)
		i.schedule()
	}
	return nil
}

// AddEntries stages a batch. It stops at the first invalid entry; entries
// before it stay staged.
func (i *Index) AddEntries(entries []keys.Entry) error {
	for _, e := range entries {
		if err := i.AddKey(e.Key, e.Position); err != nil {
			return err
		}
	}
	return nil
}

// rotate freezes the active memtable when it is full, or whenever it holds
// anything if force is set.
func (i *Index) rotate(force bool) {
	i.memMu.Lock()
	defer i.memMu.Unlock()
	if i.active.Empty() || (!force && i.active.Len() < i.opts.MemTableMaxEntries) {
		return
	}
	i.active.Freeze()
	i.imm = slices.Insert(i.imm, 0, i.active)
	i.active = memtable.New()
}

// memtables returns the active memtable followed by the frozen ones.
func (i *Index) memtables() memtable.List {
	i.memMu.RLock()
	defer i.memMu.RUnlock()
	l := make(memtable.List, 0, len(i.imm)+1)
	l = append(l, i.active)
	return append(l, i.imm...)
}

// Flush writes every staged entry to level 0, merges overflowing levels and
// saves the manifest. It waits for any mutation in progress. If only the
// merge fails, the flushed tables are still published and the merge error
// is returned.
func (i *Index) Flush(ctx context.Context) error {
	if err := i.checkOpen(); err != nil {
		return err
	}
	i.mutMu.Lock()
	defer i.mutMu.Unlock()
	return i.flushLocked(ctx, true, nil)
}

// AdvanceCheckpoints records that the log is indexed up to prepare and
// commit. Staged entries are flushed first so the saved checkpoints never
// run ahead of the saved tables. The new checkpoints are visible to the
// next Snapshot and to the next FromFile of the manifest.
func (i *Index) AdvanceCheckpoints(ctx context.Context, prepare, commit int64) error {
	if err := i.checkOpen(); err != nil {
		return err
	}
	i.mutMu.Lock()
	defer i.mutMu.Unlock()

	cp := Checkpoints{Prepare: prepare, Commit: commit}
	if _, err := i.current.Load().checkpoints.Advance(cp); err != nil {
		return err
	}
	return i.flushLocked(ctx, true, &cp)
}

// Compact runs the merge loop now. It fails with ErrMutationInProgress
// rather than wait for another mutation.
func (i *Index) Compact(ctx context.Context) error {
	if err := i.checkOpen(); err != nil {
		return err
	}
	if !i.mutMu.TryLock() {
		return ErrMutationInProgress
	}
	defer i.mutMu.Unlock()

	cur := i.current.Load()
	next, results, err := cur.MergeOverflowing(ctx, i.merger)
	if err != nil {
		i.metrics.mergeFailures.Inc()
		return err
	}
	if len(results) == 0 {
		return nil
	}
	return i.commitLocked(next, outputs(results), results, 0)
}

// flushLocked writes frozen memtables (and the active one if rotateActive)
// as level 0 tables oldest first, applies cp, merges and publishes.
// Caller holds mutMu.
func (i *Index) flushLocked(ctx context.Context, rotateActive bool, cp *Checkpoints) error {
	if rotateActive {
		i.rotate(true)
	}
	i.memMu.RLock()
	pending := slices.Clone(i.imm)
	i.memMu.RUnlock()

	cur := i.current.Load()
	next := cur
	var (
		created []*sstable.Table
		flushed uint64
	)
	discard := func(err error) error {
		removeTables(created)
		return err
	}
	for j := len(pending) - 1; j >= 0; j-- {
		mt := pending[j]
		t, err := sstable.WriteNew(NewTablePath(i.opts.Path), mt.NewIterator(),
			i.merger.writerOptions(0, uint64(mt.Len())))
		if err != nil {
			return discard(fmt.Errorf("flush memtable: %w", err))
		}
		created = append(created, t)
		flushed += t.Count()
		next = next.AddTable(t)
	}
	if cp != nil {
		var err error
		if next, err = next.AdvanceCheckpoints(cp.Prepare, cp.Commit); err != nil {
			return discard(err)
		}
	}

	// The flush stands on its own when the merge fails; the merge is
	// retried on the next trigger.
	merged, results, mergeErr := next.MergeOverflowing(ctx, i.merger)
	if mergeErr != nil {
		i.metrics.mergeFailures.Inc()
		mergeErr = fmt.Errorf("merge after flush: %w", mergeErr)
	} else {
		next = merged
		created = append(created, outputs(results)...)
	}

	if next == cur {
		return mergeErr
	}
	if err := i.commitLocked(next, created, results, len(pending)); err != nil {
		return err
	}
	if len(pending) > 0 {
		i.metrics.flushes.Add(float64(len(pending)))
		i.metrics.flushedEntries.Add(float64(flushed))
		i.logger.Info("flushed memtables", "memtables", len(pending), "entries", flushed,
			"tables", next.NumTables())
	}
	return mergeErr
}

// commitLocked saves next, publishes it and drops the flushed memtables.
// On a failed save the tables created for next are removed and the
// published map is unchanged. Caller holds mutMu.
func (i *Index) commitLocked(next *IndexMap, created []*sstable.Table, results []MergeResult, flushed int) error {
	if err := next.SaveToFile(i.manifestPath); err != nil {
		removeTables(created)
		return fmt.Errorf("save index map: %w", err)
	}

	for _, t := range created {
		i.epochs.Register(t.Name(), reclaimTable(t))
	}
	i.current.Store(next)

	if flushed > 0 {
		i.memMu.Lock()
		i.imm = i.imm[:len(i.imm)-flushed]
		i.memMu.Unlock()
		i.metrics.stagedEntries.Set(float64(i.memtables().Len()))
	}

	for _, r := range results {
		for _, t := range r.Inputs {
			i.epochs.Retire(t.Name())
		}
	}
	i.epochs.Advance()
	i.epochs.TryCleanup()

	i.metrics.observeMap(next)
	i.metrics.observeMerges(results)
	i.metrics.pendingReclaims.Set(float64(i.epochs.Pending()))
	return nil
}

func outputs(results []MergeResult) []*sstable.Table {
	out := make([]*sstable.Table, 0, len(results))
	for _, r := range results {
		out = append(out, r.Output)
	}
	return out
}

func removeTables(tables []*sstable.Table) {
	for _, t := range tables {
		t.Close()
		os.Remove(t.Path())
	}
}

// schedule wakes the worker without blocking.
func (i *Index) schedule() {
	if i.opts.DisableBackgroundMerge || i.closed.Load() {
		return
	}
	select {
	case i.wakeupChan <- struct{}{}:
	default:
	}
}

// worker flushes rotated memtables and merges overflowing levels.
func (i *Index) worker(ctx context.Context) {
	defer i.wg.Done()
	i.logger.Debug("index worker started")
	for {
		select {
		case <-i.closeChan:
			i.logger.Debug("index worker shutting down")
			return
		case <-i.wakeupChan:
			i.mutMu.Lock()
			err := i.flushLocked(ctx, false, nil)
			i.mutMu.Unlock()
			if err != nil && ctx.Err() == nil {
				i.logger.Error("background flush failed", "error", err)
			}
		}
	}
}

// Lookup returns the position of version of streamID, or ErrNotFound.
func (i *Index) Lookup(streamID string, version int64) (int64, error) {
	return i.LookupKey(keys.New(streamID, version))
}

// LookupKey returns the position of k, or ErrNotFound. Staged entries are
// consulted before tables.
func (i *Index) LookupKey(k keys.Key) (int64, error) {
	if err := i.checkOpen(); err != nil {
		return 0, err
	}
	s := i.Snapshot()
	defer s.Release()

	pos, ok, err := s.Lookup(k)
	switch {
	case err != nil:
		i.metrics.lookups.WithLabelValues("error").Inc()
		return 0, err
	case !ok:
		i.metrics.lookups.WithLabelValues("miss").Inc()
		return 0, ErrNotFound
	}
	i.metrics.lookups.WithLabelValues("hit").Inc()
	return pos, nil
}

// Range returns the entries of streamID with versions in [from, to].
func (i *Index) Range(streamID string, from, to int64) ([]keys.Entry, error) {
	if err := i.checkOpen(); err != nil {
		return nil, err
	}
	s := i.Snapshot()
	defer s.Release()
	return s.Range(keys.StreamHash(streamID), from, to)
}

// LatestEntry returns the highest indexed version of streamID, or ErrNotFound.
func (i *Index) LatestEntry(streamID string) (keys.Entry, error) {
	if err := i.checkOpen(); err != nil {
		return keys.Entry{}, err
	}
	s := i.Snapshot()
	defer s.Release()
	e, ok, err := s.LatestEntry(keys.StreamHash(streamID))
	if err != nil {
		return keys.Entry{}, err
	}
	if !ok {
		return keys.Entry{}, ErrNotFound
	}
	return e, nil
}

// InOrder returns an ordered iterator over staged and flushed entries. It
// pins its own snapshot until closed.
func (i *Index) InOrder() *Iterator {
	s := i.Snapshot()
	it := s.InOrder()
	it.release = s.Release
	return it
}

// Checkpoints returns the published checkpoints.
func (i *Index) Checkpoints() Checkpoints {
	return i.current.Load().Checkpoints()
}

// Stats describes the published state of an index.
type Stats struct {
	Levels          [][]string
	Tables          int
	TableEntries    uint64
	StagedEntries   int
	Checkpoints     Checkpoints
	PendingReclaims int
}

// Stats returns a summary of the current snapshot.
func (i *Index) Stats() Stats {
	s := i.Snapshot()
	defer s.Release()
	return Stats{
		Levels:          s.m.Levels(),
		Tables:          s.m.NumTables(),
		TableEntries:    s.m.NumEntries(),
		StagedEntries:   s.mems.Len(),
		Checkpoints:     s.m.Checkpoints(),
		PendingReclaims: i.epochs.Pending(),
	}
}

// Close stops the worker, flushes staged entries and releases every table
// and the directory lock. Snapshots must be released before Close.
func (i *Index) Close() error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(i.closeChan)
	if i.cancel != nil {
		i.cancel()
	}
	i.wg.Wait()

	i.mutMu.Lock()
	defer i.mutMu.Unlock()

	var errs []error
	if err := i.flushLocked(context.Background(), true, nil); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	i.epochs.Drain()
	if err := i.current.Load().Close(); err != nil {
		errs = append(errs, err)
	}
	i.cache.Close()
	if err := i.locker.Unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
