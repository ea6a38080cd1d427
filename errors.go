package streamindex

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/twlk9/streamindex/sstable"
)

// Error definitions for the index. Table-level conditions share the
// sstable sentinels so errors.Is works across both packages.
var (
	// ErrNotFound is returned when a key has no entry in the index
	ErrNotFound = errors.New("entry not found")

	// ErrTableNotFound is returned when a referenced table file is absent
	ErrTableNotFound = sstable.ErrNotFound

	// ErrCorruptTable is returned when a table fails its format or checksum checks
	ErrCorruptTable = sstable.ErrCorrupt

	// ErrCorruptManifest is returned when the index map manifest cannot be trusted
	ErrCorruptManifest = errors.New("corrupt index manifest")

	// ErrInvalidCheckpoint is returned for a non-monotonic checkpoint or prepare < commit
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")

	// ErrIO is returned when a read or write fails
	ErrIO = sstable.ErrIO

	// ErrDiskFull is returned when a write fails for lack of space
	ErrDiskFull = sstable.ErrDiskFull

	// ErrOutOfOrder is returned when a table is fed unsorted entries
	ErrOutOfOrder = sstable.ErrOutOfOrder

	// ErrMutationInProgress is returned by Compact when another mutation holds the writer path
	ErrMutationInProgress = errors.New("index mutation in progress")

	// ErrClosed is returned when operating on a closed index
	ErrClosed = errors.New("index is closed")

	// ErrIndexLocked is returned when another process holds the index directory
	ErrIndexLocked = errors.New("index is already open by another process")

	// ErrInvalidPosition is returned when adding an entry with a negative log position
	ErrInvalidPosition = errors.New("invalid log position")

	// Configuration validation errors
	ErrInvalidPath                 = errors.New("invalid index path")
	ErrInvalidMaxTablesPerLevel    = errors.New("invalid max tables per level")
	ErrInvalidLevelTableMultiplier = errors.New("invalid level table multiplier")
	ErrInvalidMaxLevels            = errors.New("invalid max levels")
	ErrInvalidMemTableMaxEntries   = errors.New("invalid memtable max entries")
	ErrInvalidEntriesPerBlock      = errors.New("invalid entries per block")
	ErrInvalidBloomFalsePositive   = errors.New("invalid bloom false positive rate")
	ErrInvalidBlockCacheSize       = errors.New("invalid block cache size")
)

// classifyIO wraps an OS error with ErrDiskFull or ErrIO.
func classifyIO(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s: %w: %w", op, ErrDiskFull, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
