package streamindex

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestManifest_EncodeDecode(t *testing.T) {
	m := &manifest{
		checkpoints: Checkpoints{Prepare: 1 << 40, Commit: 12},
		levels: [][]string{
			{"b.ptable", "a.ptable"},
			nil,
			{"c.ptable"},
		},
	}
	got, err := decodeManifest(m.encode())
	if err != nil {
		t.Fatalf("decodeManifest failed: %v", err)
	}
	if got.checkpoints != m.checkpoints {
		t.Errorf("Checkpoints = %v, want %v", got.checkpoints, m.checkpoints)
	}
	if len(got.levels) != 3 || !slices.Equal(got.levels[0], m.levels[0]) ||
		len(got.levels[1]) != 0 || !slices.Equal(got.levels[2], m.levels[2]) {
		t.Errorf("Levels = %v, want %v", got.levels, m.levels)
	}
}

func TestManifest_RejectsBadContent(t *testing.T) {
	tests := []struct {
		name string
		m    *manifest
	}{
		{"duplicate table", &manifest{checkpoints: NoCheckpoints, levels: [][]string{{"a.ptable"}, {"a.ptable"}}}},
		{"wrong extension", &manifest{checkpoints: NoCheckpoints, levels: [][]string{{"a.sst"}}}},
		{"path in name", &manifest{checkpoints: NoCheckpoints, levels: [][]string{{"../a.ptable"}}}},
		{"name too long", &manifest{checkpoints: NoCheckpoints, levels: [][]string{{strings.Repeat("x", 300) + ".ptable"}}}},
		{"prepare behind commit", &manifest{checkpoints: Checkpoints{Prepare: 1, Commit: 2}}},
		{"checkpoint below sentinel", &manifest{checkpoints: Checkpoints{Prepare: -5, Commit: -5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeManifest(tt.m.encode())
			if !errors.Is(err, ErrCorruptManifest) {
				t.Errorf("Expected ErrCorruptManifest, got %v", err)
			}
		})
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFileName)

	for _, content := range []string{"first", "second"} {
		if err := writeFileAtomic(path, []byte(content)); err != nil {
			t.Fatalf("writeFileAtomic failed: %v", err)
		}
		got, err := os.ReadFile(path)
		if err != nil || string(got) != content {
			t.Fatalf("Read back %q, %v, want %q", got, err, content)
		}
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Temporary file left behind: %v", err)
	}
}

func TestWriteFileAtomic_FailureWrapsIO(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFileName)
	// A directory where the temporary file should go.
	if err := os.MkdirAll(filepath.Join(path+".tmp", "x"), 0755); err != nil {
		t.Fatal(err)
	}

	err := writeFileAtomic(path, []byte("data"))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("Expected ErrIO, got %v", err)
	}
	if msg := err.Error(); !strings.HasPrefix(msg, "create manifest: i/o error") || strings.Contains(msg, "table") {
		t.Errorf("Unexpected error text %q", msg)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Manifest must not exist after a failed write")
	}
}
