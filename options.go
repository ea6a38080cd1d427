package streamindex

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/twlk9/streamindex/compression"
	"github.com/twlk9/streamindex/sstable"
)

const (
	KiB = 1024
	MiB = KiB * 1024
)

// Default values
var (
	DefaultMaxTablesPerLevel          = 4
	DefaultLevelTableMultiplier       = 1
	DefaultMaxLevels                  = 8
	DefaultMemTableMaxEntries         = 1 << 20
	DefaultEntriesPerBlock            = sstable.DefaultEntriesPerBlock
	DefaultBloomFalsePositive         = sstable.DefaultBloomFalsePositive
	DefaultBlockCacheSize       int64 = 8 * MiB

	// maxEntriesPerBlock keeps a stored block inside the largest read buffer class.
	maxEntriesPerBlock = 2048
)

// Options holds configuration options for an Index.
type Options struct {
	// Directory holding the manifest, the table files and the LOCK file
	Path string

	// MaxTablesPerLevel is the table count level 0 may hold before it is
	// merged into level 1.
	MaxTablesPerLevel int

	// LevelTableMultiplier scales the threshold per level:
	// level n holds MaxTablesPerLevel * LevelTableMultiplier^n tables.
	// 1 keeps every level at the same threshold.
	LevelTableMultiplier int

	// MaxLevels bounds the depth. The last level merges into itself.
	MaxLevels int

	// Number of staged entries that rotates the active memtable
	MemTableMaxEntries int

	// Entries per table data block
	EntriesPerBlock int

	// Bloom filter false positive rate. Zero disables the filter.
	BloomFalsePositive float64

	// BlockCacheSize is the capacity of the decoded block cache in bytes.
	// Zero disables caching.
	BlockCacheSize int64

	// DisableBackgroundMerge stops the worker from flushing rotated
	// memtables and merging on its own; Flush and Compact still work.
	DisableBackgroundMerge bool

	// TieredCompression picks the block codec by the level a table is
	// written to. Merges write with the config of their target level.
	TieredCompression *compression.Tiered

	// TableValidator decides on open whether a table referenced by the
	// manifest may be used. It receives the table's path. Nil verifies every
	// table's checksums with sstable.Verify.
	TableValidator func(path string) bool

	// Registerer receives the index metrics. Nil uses a private registry.
	Registerer prometheus.Registerer

	// Structured logger
	Logger *slog.Logger
}

// DefaultOptions returns a new Options struct with the defaults.
func DefaultOptions() *Options {
	return &Options{
		MaxTablesPerLevel:    DefaultMaxTablesPerLevel,
		LevelTableMultiplier: DefaultLevelTableMultiplier,
		MaxLevels:            DefaultMaxLevels,
		MemTableMaxEntries:   DefaultMemTableMaxEntries,
		EntriesPerBlock:      DefaultEntriesPerBlock,
		BloomFalsePositive:   DefaultBloomFalsePositive,
		BlockCacheSize:       DefaultBlockCacheSize,
		TieredCompression:    compression.DefaultTiered(),
		Logger:               DefaultLogger(),
	}
}

// Validate checks if the options are valid and returns an error if not.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.MaxTablesPerLevel < 1 {
		return ErrInvalidMaxTablesPerLevel
	}
	if o.LevelTableMultiplier < 1 {
		return ErrInvalidLevelTableMultiplier
	}
	if o.MaxLevels < 1 || o.MaxLevels > maxManifestLevels {
		return ErrInvalidMaxLevels
	}
	if o.MemTableMaxEntries < 1 {
		return ErrInvalidMemTableMaxEntries
	}
	if o.EntriesPerBlock < 1 || o.EntriesPerBlock > maxEntriesPerBlock {
		return ErrInvalidEntriesPerBlock
	}
	if o.BloomFalsePositive < 0 || o.BloomFalsePositive >= 1 {
		return ErrInvalidBloomFalsePositive
	}
	if o.BlockCacheSize < 0 {
		return ErrInvalidBlockCacheSize
	}
	return nil
}

// Clone creates a copy of the options. Pointer fields are shared.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

// MergePolicy returns the level thresholds these options describe.
func (o *Options) MergePolicy() MergePolicy {
	return MergePolicy{
		MaxTablesPerLevel:    o.MaxTablesPerLevel,
		LevelTableMultiplier: o.LevelTableMultiplier,
		MaxLevels:            o.MaxLevels,
	}
}

// MaxTablesForLevel returns how many tables level may hold before it is merged.
func (o *Options) MaxTablesForLevel(level int) int {
	return o.MergePolicy().MaxTablesForLevel(level)
}

// CompressionForLevel returns the codec used for tables written to level.
func (o *Options) CompressionForLevel(level int) compression.Config {
	if o.TieredCompression != nil {
		return o.TieredCompression.ForLevel(level)
	}
	return compression.S2DefaultConfig()
}

// bloomRate converts the options' rate to the writer's convention where a
// negative value disables the filter.
func (o *Options) bloomRate() float64 {
	if o.BloomFalsePositive == 0 {
		return -1
	}
	return o.BloomFalsePositive
}

// MergePolicy decides when a level has overflowed.
type MergePolicy struct {
	MaxTablesPerLevel    int
	LevelTableMultiplier int
	MaxLevels            int
}

// MaxTablesForLevel returns MaxTablesPerLevel * LevelTableMultiplier^level,
// saturating instead of overflowing.
func (p MergePolicy) MaxTablesForLevel(level int) int {
	n := max(p.MaxTablesPerLevel, 1)
	for range level {
		if p.LevelTableMultiplier <= 1 {
			break
		}
		if n > math.MaxInt/p.LevelTableMultiplier {
			return math.MaxInt
		}
		n *= p.LevelTableMultiplier
	}
	return n
}

// Overflows reports whether a level holding count tables owes a merge.
func (p MergePolicy) Overflows(level, count int) bool {
	return count > p.MaxTablesForLevel(level)
}

// TargetLevel is where the merge of level goes: the next level, or the
// level itself once it is the last one.
func (p MergePolicy) TargetLevel(level int) int {
	if level >= p.MaxLevels-1 {
		return level
	}
	return level + 1
}

// fileOptions is the YAML shape of Options. Unset fields keep their defaults.
type fileOptions struct {
	Path                   string   `yaml:"path"`
	MaxTablesPerLevel      *int     `yaml:"max_tables_per_level" validate:"omitempty,min=1"`
	LevelTableMultiplier   *int     `yaml:"level_table_multiplier" validate:"omitempty,min=1"`
	MaxLevels              *int     `yaml:"max_levels" validate:"omitempty,min=1,max=64"`
	MemTableMaxEntries     *int     `yaml:"memtable_max_entries" validate:"omitempty,min=1"`
	EntriesPerBlock        *int     `yaml:"entries_per_block" validate:"omitempty,min=1,max=2048"`
	BloomFalsePositive     *float64 `yaml:"bloom_false_positive" validate:"omitempty,min=0,lt=1"`
	BlockCacheSize         *int64   `yaml:"block_cache_size" validate:"omitempty,min=0"`
	DisableBackgroundMerge bool     `yaml:"disable_background_merge"`
	Compression            *struct {
		Hot       string `yaml:"hot" validate:"omitempty,oneof=none snappy s2 zstd"`
		Cold      string `yaml:"cold" validate:"omitempty,oneof=none snappy s2 zstd"`
		HotLevels int    `yaml:"hot_levels" validate:"min=0"`
	} `yaml:"compression"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

var validate = validator.New()

// LoadOptions reads a YAML options file on top of DefaultOptions. A missing
// file yields the defaults. Path, when absent from the file, defaults to the
// directory containing it.
func LoadOptions(path string) (*Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			opts.Path = filepath.Dir(path)
			return opts, nil
		}
		return nil, fmt.Errorf("read options %s: %w", path, err)
	}

	var fo fileOptions
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := validate.Struct(&fo); err != nil {
		return nil, fmt.Errorf("invalid options %s: %w", path, err)
	}
	if err := fo.apply(opts); err != nil {
		return nil, fmt.Errorf("invalid options %s: %w", path, err)
	}
	if opts.Path == "" {
		opts.Path = filepath.Dir(path)
	}
	return opts, opts.Validate()
}

func (fo *fileOptions) apply(o *Options) error {
	o.Path = fo.Path
	setIf(&o.MaxTablesPerLevel, fo.MaxTablesPerLevel)
	setIf(&o.LevelTableMultiplier, fo.LevelTableMultiplier)
	setIf(&o.MaxLevels, fo.MaxLevels)
	setIf(&o.MemTableMaxEntries, fo.MemTableMaxEntries)
	setIf(&o.EntriesPerBlock, fo.EntriesPerBlock)
	setIf(&o.BloomFalsePositive, fo.BloomFalsePositive)
	setIf(&o.BlockCacheSize, fo.BlockCacheSize)
	o.DisableBackgroundMerge = fo.DisableBackgroundMerge

	if c := fo.Compression; c != nil {
		tiered := compression.DefaultTiered()
		if c.Hot != "" {
			t, err := compression.ParseType(c.Hot)
			if err != nil {
				return err
			}
			tiered.Hot = configFor(t)
		}
		if c.Cold != "" {
			t, err := compression.ParseType(c.Cold)
			if err != nil {
				return err
			}
			tiered.Cold = configFor(t)
		}
		tiered.HotLevels = c.HotLevels
		o.TieredCompression = tiered
	}

	switch fo.LogLevel {
	case "debug":
		o.Logger = getLogger(slog.LevelDebug)
	case "info":
		o.Logger = getLogger(slog.LevelInfo)
	case "error":
		o.Logger = getLogger(slog.LevelError)
	}
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func configFor(t compression.Type) compression.Config {
	switch t {
	case compression.Snappy:
		return compression.SnappyConfig()
	case compression.S2:
		return compression.S2DefaultConfig()
	case compression.Zstd:
		return compression.ZstdBalancedConfig()
	default:
		return compression.NoCompressionConfig()
	}
}

// Helpful Logger functions
func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
