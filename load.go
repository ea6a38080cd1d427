package streamindex

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/twlk9/streamindex/sstable"
)

// ErrTableRejected is the load reason when the validator refuses a table.
var ErrTableRejected = errors.New("table rejected by validator")

type loadConfig struct {
	dir         string
	open        sstable.OpenOptions
	logger      *slog.Logger
	concurrency int
}

// LoadOption configures FromFile and LoadWithReason.
type LoadOption func(*loadConfig)

// WithTableDir sets the directory table names are resolved against. The
// default is the directory of the manifest.
func WithTableDir(dir string) LoadOption {
	return func(c *loadConfig) { c.dir = dir }
}

// WithOpenOptions sets how referenced tables are opened.
func WithOpenOptions(o sstable.OpenOptions) LoadOption {
	return func(c *loadConfig) { c.open = o }
}

// WithLogger sets the logger that reports fallbacks to the empty map.
func WithLogger(l *slog.Logger) LoadOption {
	return func(c *loadConfig) { c.logger = l }
}

// WithConcurrency bounds how many tables are validated and opened at once.
func WithConcurrency(n int) LoadOption {
	return func(c *loadConfig) { c.concurrency = n }
}

// FromFile loads the map persisted at path. It never fails: a missing or
// unreadable manifest, a manifest that does not parse or whose hash or
// version is wrong, a table isValidTable rejects, or a table that does not
// open all yield Empty(). isValidTable receives each table's path and may
// be called from several goroutines at once.
//
// The returned map owns its open tables; Close it when done.
func FromFile(path string, isValidTable func(path string) bool, opts ...LoadOption) *IndexMap {
	m, _ := LoadWithReason(path, isValidTable, opts...)
	return m
}

// LoadWithReason is FromFile that also reports why it fell back to the
// empty map. The map is never nil; err is nil only when the manifest was
// loaded as written.
func LoadWithReason(path string, isValidTable func(path string) bool, opts ...LoadOption) (*IndexMap, error) {
	cfg := loadConfig{
		dir:         filepath.Dir(path),
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	m, err := load(path, isValidTable, &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.logger.Info("no index manifest, starting empty", "path", path)
		} else {
			cfg.logger.Warn("index manifest unusable, starting empty", "path", path, "error", err)
		}
		return Empty(), err
	}
	return m, nil
}

func load(path string, isValidTable func(string) bool, cfg *loadConfig) (*IndexMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	man, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}

	type slot struct{ level, pos int }
	var (
		slots []slot
		paths []string
	)
	for l, names := range man.levels {
		for i, name := range names {
			slots = append(slots, slot{l, i})
			paths = append(paths, filepath.Join(cfg.dir, name))
		}
	}

	tables := make([]*sstable.Table, len(paths))
	var g errgroup.Group
	g.SetLimit(max(cfg.concurrency, 1))
	for i, p := range paths {
		g.Go(func() error {
			if isValidTable != nil && !isValidTable(p) {
				return fmt.Errorf("%w: %s", ErrTableRejected, p)
			}
			t, err := sstable.Open(p, cfg.open)
			if err != nil {
				return err
			}
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, t := range tables {
			if t != nil {
				t.Close()
			}
		}
		return nil, err
	}

	levels := make([][]*sstable.Table, len(man.levels))
	for l, names := range man.levels {
		levels[l] = make([]*sstable.Table, len(names))
	}
	for i, s := range slots {
		levels[s.level][s.pos] = tables[i]
	}
	return &IndexMap{levels: levels, checkpoints: man.checkpoints}, nil
}
