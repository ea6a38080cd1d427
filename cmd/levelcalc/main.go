// levelcalc simulates how flushed tables spread across index levels under a
// merge policy and reports the resulting layout and write amplification.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/twlk9/streamindex"
	"github.com/twlk9/streamindex/keys"
)

type Config struct {
	TotalEntries         int64 // entries indexed over the simulated lifetime
	EntriesPerFlush      int64 // entries per level 0 table
	MaxTablesPerLevel    int
	LevelTableMultiplier int
	MaxLevels            int
}

func main() {
	reader := bufio.NewReader(os.Stdin)
	defaults := streamindex.DefaultOptions()
	cfg := Config{
		TotalEntries:         100_000_000,
		EntriesPerFlush:      int64(defaults.MemTableMaxEntries),
		MaxTablesPerLevel:    defaults.MaxTablesPerLevel,
		LevelTableMultiplier: defaults.LevelTableMultiplier,
		MaxLevels:            defaults.MaxLevels,
	}

	fmt.Println("Index Level Calculator")
	fmt.Println("======================")
	fmt.Println("Press Enter to accept defaults shown in brackets.")
	fmt.Println()

	cfg.TotalEntries = promptInt64(reader, "Total entries", cfg.TotalEntries)
	cfg.EntriesPerFlush = promptInt64(reader, "Entries per flush", cfg.EntriesPerFlush)
	cfg.MaxTablesPerLevel = int(promptInt64(reader, "Max tables per level", int64(cfg.MaxTablesPerLevel)))
	cfg.LevelTableMultiplier = int(promptInt64(reader, "Level table multiplier", int64(cfg.LevelTableMultiplier)))
	cfg.MaxLevels = int(promptInt64(reader, "Max levels", int64(cfg.MaxLevels)))

	if cfg.EntriesPerFlush < 1 || cfg.TotalEntries < 1 {
		fmt.Fprintln(os.Stderr, "entries must be positive")
		os.Exit(1)
	}
	fmt.Println()
	printLayout(cfg, simulate(cfg))
}

func promptInt64(reader *bufio.Reader, prompt string, defaultVal int64) int64 {
	fmt.Printf("%s [%d]: ", prompt, defaultVal)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ReplaceAll(input, "_", ""))
	if input == "" {
		return defaultVal
	}
	val, err := strconv.ParseInt(input, 10, 64)
	if err != nil || val < 1 {
		return defaultVal
	}
	return val
}

type result struct {
	levels  [][]int64 // entry count per table, newest first
	flushes int64
	merges  int64
	written int64 // entries written by flushes and merges
}

// simulate runs the merge loop the index runs after every flush, assuming
// distinct keys so merged tables hold the sum of their inputs.
func simulate(cfg Config) result {
	policy := streamindex.MergePolicy{
		MaxTablesPerLevel:    cfg.MaxTablesPerLevel,
		LevelTableMultiplier: cfg.LevelTableMultiplier,
		MaxLevels:            cfg.MaxLevels,
	}
	var r result
	for remaining := cfg.TotalEntries; remaining > 0; remaining -= cfg.EntriesPerFlush {
		n := min(remaining, cfg.EntriesPerFlush)
		if len(r.levels) == 0 {
			r.levels = append(r.levels, nil)
		}
		r.levels[0] = append([]int64{n}, r.levels[0]...)
		r.flushes++
		r.written += n

		for level := 0; level < len(r.levels); level++ {
			if !policy.Overflows(level, len(r.levels[level])) {
				continue
			}
			var merged int64
			for _, c := range r.levels[level] {
				merged += c
			}
			target := policy.TargetLevel(level)
			for len(r.levels) <= target {
				r.levels = append(r.levels, nil)
			}
			r.levels[level] = nil
			r.levels[target] = append([]int64{merged}, r.levels[target]...)
			r.merges++
			r.written += merged
		}
	}
	return r
}

func printLayout(cfg Config, r result) {
	fmt.Println("Level Layout")
	fmt.Println("============")
	fmt.Printf("%-8s  %12s  %10s  %16s  %12s\n", "Level", "Max Tables", "Tables", "Entries", "Size")
	fmt.Printf("%-8s  %12s  %10s  %16s  %12s\n", "-----", "----------", "------", "-------", "----")

	policy := streamindex.MergePolicy{
		MaxTablesPerLevel:    cfg.MaxTablesPerLevel,
		LevelTableMultiplier: cfg.LevelTableMultiplier,
		MaxLevels:            cfg.MaxLevels,
	}
	var tables int
	for level, ts := range r.levels {
		var entries int64
		for _, c := range ts {
			entries += c
		}
		tables += len(ts)
		fmt.Printf("L%-7d  %12d  %10d  %16d  %12s\n", level, policy.MaxTablesForLevel(level),
			len(ts), entries, formatSize(entries*keys.EncodedEntryLen))
	}

	fmt.Println()
	fmt.Printf("Flushes:             %d\n", r.flushes)
	fmt.Printf("Merges:              %d\n", r.merges)
	fmt.Printf("Tables per lookup:   %d (worst case)\n", tables)
	fmt.Printf("Write amplification: %.2fx\n", float64(r.written)/float64(cfg.TotalEntries))
}

func formatSize(bytes int64) string {
	switch {
	case bytes >= streamindex.MiB*1024:
		return fmt.Sprintf("%.1fGB", float64(bytes)/float64(streamindex.MiB*1024))
	case bytes >= streamindex.MiB:
		return fmt.Sprintf("%.1fMB", float64(bytes)/float64(streamindex.MiB))
	case bytes >= streamindex.KiB:
		return fmt.Sprintf("%.1fKB", float64(bytes)/float64(streamindex.KiB))
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
