package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/twlk9/streamindex"
	"github.com/twlk9/streamindex/keys"
	"github.com/twlk9/streamindex/sstable"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "list":
		err = listCommand(args)
	case "dump":
		err = dumpCommand(args)
	case "verify":
		err = verifyCommand(args)
	case "lookup":
		err = lookupCommand(args)
	case "latest":
		err = latestCommand(args)
	case "compact":
		err = compactCommand(args)
	case "gc":
		err = gcCommand(args)
	case "version":
		fmt.Printf("esindex-cli version %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`esindex-cli - Command line tool for inspecting stream index directories

Usage:
  esindex-cli <command> [options]

Commands:
  list <index_path>                          List levels, tables and checkpoints
  dump <index_path> <table>                  Dump the entries of one table file
  verify <index_path>                        Verify the manifest and every table checksum
  lookup <index_path> <stream> <version>     Print the log position of one event
  latest <index_path> <stream>               Print the highest indexed version of a stream
  compact <index_path>                       Merge every overflowing level
  gc <index_path>                            Remove unreferenced table files
  version                                    Show version information
  help                                       Show this help message

Examples:
  esindex-cli list /var/lib/events/index
  esindex-cli dump /var/lib/events/index 0b1f...e2.ptable
  esindex-cli lookup /var/lib/events/index orders-42 17

`)
}

func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func requireDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("index directory does not exist: %s", path)
	}
	return nil
}

// loadMap reads the manifest without taking the directory lock, so it works
// next to a running owner.
func loadMap(dir string, verify bool) (*streamindex.IndexMap, error) {
	if err := requireDir(dir); err != nil {
		return nil, err
	}
	validator := func(string) bool { return true }
	if verify {
		validator = func(path string) bool {
			if err := sstable.Verify(path); err != nil {
				fmt.Printf("✗ %s: %v\n", filepath.Base(path), err)
				return false
			}
			return true
		}
	}
	return streamindex.LoadWithReason(filepath.Join(dir, streamindex.ManifestFileName), validator,
		streamindex.WithLogger(cliLogger()))
}

func openIndex(dir string) (*streamindex.Index, error) {
	if err := requireDir(dir); err != nil {
		return nil, err
	}
	opts := streamindex.DefaultOptions()
	opts.Path = dir
	opts.DisableBackgroundMerge = true
	opts.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	idx, err := streamindex.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %v", err)
	}
	return idx, nil
}

func listCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("list command requires index path")
	}
	m, err := loadMap(args[0], false)
	if err != nil {
		return fmt.Errorf("failed to load index map: %v", err)
	}
	defer m.Close()

	fmt.Printf("Index: %s\n", args[0])
	fmt.Printf("Checkpoints: prepare=%d commit=%d\n", m.PrepareCheckpoint(), m.CommitCheckpoint())
	fmt.Printf("Total tables: %d, entries: %d\n\n", m.NumTables(), m.NumEntries())

	for level := range m.NumLevels() {
		tables := m.Level(level)
		if len(tables) == 0 {
			continue
		}
		var size int64
		for _, t := range tables {
			size += t.Size()
		}
		fmt.Printf("Level %d (%d tables, %s):\n", level, len(tables), formatBytes(uint64(size)))
		for _, t := range tables {
			first := "<empty>"
			if k, ok := t.FirstKey(); ok {
				first = k.String()
			}
			fmt.Printf("  %-44s %10d entries %10s  %-6s first=%s\n",
				t.Name(), t.Count(), formatBytes(uint64(t.Size())), t.Compression(), first)
		}
		fmt.Println()
	}
	return nil
}

func dumpCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("dump command requires index path and table name")
	}
	path := filepath.Join(args[0], args[1])
	if !sstable.IsTableFile(args[1]) {
		path += sstable.FileExt
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("table file does not exist: %s", path)
	}

	t, err := sstable.Open(path, sstable.OpenOptions{Logger: cliLogger()})
	if err != nil {
		return fmt.Errorf("failed to open table: %v", err)
	}
	defer t.Close()

	fmt.Printf("Table: %s\n", path)
	fmt.Printf("File size: %s, entries: %d, compression: %s, filter: %v\n\n",
		formatBytes(uint64(t.Size())), t.Count(), t.Compression(), t.HasFilter())
	fmt.Printf("%-8s %-16s %-20s %s\n", "Index", "Stream", "Version", "Position")
	fmt.Println("------------------------------------------------------------------")

	it := t.NewIterator()
	defer it.Close()
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		count++
		e := it.Entry()
		fmt.Printf("%-8d %016x %-20d %d\n", count, e.Key.Stream, e.Key.Version, e.Position)
		if count >= 1000 {
			fmt.Printf("... (showing first 1000 entries, table holds %d)\n", t.Count())
			break
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("iterator error: %v", err)
	}
	return nil
}

func verifyCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("verify command requires index path")
	}
	fmt.Printf("Verifying index: %s\n", args[0])
	m, err := loadMap(args[0], true)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("No index map present; the index would start empty")
			return nil
		}
		return fmt.Errorf("index map rejected, the index would start empty: %v", err)
	}
	defer m.Close()

	it := m.InOrder()
	defer it.Close()
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		count++
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("iterator error during verification: %v", err)
	}

	fmt.Printf("✓ %d tables across %d levels\n", m.NumTables(), m.NumLevels())
	fmt.Printf("✓ %d distinct keys readable in order\n", count)
	fmt.Printf("✓ Checkpoints prepare=%d commit=%d\n", m.PrepareCheckpoint(), m.CommitCheckpoint())
	return nil
}

func lookupCommand(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("lookup command requires index path, stream and version")
	}
	ver, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version: %s", args[2])
	}
	m, err := loadMap(args[0], false)
	if err != nil {
		return fmt.Errorf("failed to load index map: %v", err)
	}
	defer m.Close()

	k := keys.New(args[1], ver)
	pos, ok, err := m.Lookup(k)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("%s@%d not found\n", args[1], ver)
		return nil
	}
	fmt.Printf("%s@%d -> %d\n", args[1], ver, pos)
	return nil
}

func latestCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("latest command requires index path and stream")
	}
	m, err := loadMap(args[0], false)
	if err != nil {
		return fmt.Errorf("failed to load index map: %v", err)
	}
	defer m.Close()

	e, ok, err := m.LatestEntry(keys.StreamHash(args[1]))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("%s has no indexed events\n", args[1])
		return nil
	}
	fmt.Printf("%s latest version %d at position %d\n", args[1], e.Key.Version, e.Position)
	return nil
}

func compactCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("compact command requires index path")
	}
	idx, err := openIndex(args[0])
	if err != nil {
		return err
	}
	defer idx.Close()

	before := idx.Stats()
	if err := idx.Compact(context.Background()); err != nil {
		return fmt.Errorf("compaction failed: %v", err)
	}
	after := idx.Stats()
	fmt.Printf("Before: %s\n", describeLevels(before.Levels))
	fmt.Printf("After:  %s\n", describeLevels(after.Levels))
	return nil
}

func gcCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("gc command requires index path")
	}
	idx, err := openIndex(args[0])
	if err != nil {
		return err
	}
	defer idx.Close()

	removed, err := idx.CollectGarbage()
	if err != nil {
		return err
	}
	for _, p := range removed {
		fmt.Printf("removed %s\n", filepath.Base(p))
	}
	fmt.Printf("Removed %d files\n", len(removed))
	return nil
}

func describeLevels(levels [][]string) string {
	if len(levels) == 0 {
		return "empty"
	}
	s := ""
	for i, l := range levels {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("L%d=%d", i, len(l))
	}
	return s
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
