package streamindex

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestFileLocking(t *testing.T) {
	dir := t.TempDir()

	first, err := newFileLocker(dir)
	if err != nil {
		t.Fatalf("newFileLocker failed: %v", err)
	}
	if err := first.Lock(); err != nil {
		t.Fatalf("First Lock failed: %v", err)
	}

	second, err := newFileLocker(dir)
	if err != nil {
		t.Fatalf("newFileLocker failed: %v", err)
	}
	if err := second.Lock(); !errors.Is(err, ErrIndexLocked) {
		t.Fatalf("Second Lock = %v, want ErrIndexLocked", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	third, err := newFileLocker(dir)
	if err != nil {
		t.Fatalf("newFileLocker failed: %v", err)
	}
	if err := third.Lock(); err != nil {
		t.Fatalf("Lock after release failed: %v", err)
	}
	if err := third.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
}

func TestFileLocking_RecordsHolder(t *testing.T) {
	dir := t.TempDir()
	l, err := newFileLocker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Lock(); err != nil {
		t.Fatal(err)
	}
	defer l.Unlock()

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("LOCK holds %q, want our pid", got)
	}

	other, err := newFileLocker(dir)
	if err != nil {
		t.Fatal(err)
	}
	err = other.Lock()
	if !errors.Is(err, ErrIndexLocked) || !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Errorf("Second Lock = %v, want ErrIndexLocked naming the holder", err)
	}
}
