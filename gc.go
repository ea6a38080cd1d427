package streamindex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/twlk9/streamindex/sstable"
)

// CollectGarbage deletes table files in the index directory that the
// published map does not reference and no reader can still reach, plus
// temporary files left by an interrupted write. Tables newer than the
// manifest are kept, since they may belong to a mutation that has not
// saved yet. It returns the removed paths.
func (i *Index) CollectGarbage() ([]string, error) {
	if err := i.checkOpen(); err != nil {
		return nil, err
	}
	i.mutMu.Lock()
	defer i.mutMu.Unlock()

	live := make(map[string]struct{})
	for _, name := range i.current.Load().GetAllFilenames() {
		live[filepath.Base(name)] = struct{}{}
	}

	var cutoff int64
	if fi, err := os.Stat(i.manifestPath); err == nil {
		cutoff = fi.ModTime().UnixNano()
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat index map: %w", err)
	}

	entries, err := os.ReadDir(i.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("read index dir: %w", err)
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".tmp"):
		case sstable.IsTableFile(name):
			if _, ok := live[name]; ok {
				continue
			}
			// Retired tables are removed by their own reclamation.
			if i.epochs.Exists(name) {
				continue
			}
			fi, err := e.Info()
			if err != nil || fi.ModTime().UnixNano() > cutoff {
				continue
			}
		default:
			continue
		}

		path := filepath.Join(i.opts.Path, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			i.logger.Warn("garbage collection failed", "path", path, "error", err)
			continue
		}
		removed = append(removed, path)
	}

	if len(removed) > 0 {
		i.metrics.garbageCollected.Add(float64(len(removed)))
		i.logger.Info("removed orphaned index files", "count", len(removed))
	}
	return removed, nil
}
