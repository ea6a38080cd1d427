//go:build !windows

package streamindex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the file inside the index directory that holds the flock.
// While held it contains the owner's process id.
const LockFileName = "LOCK"

// Locker guards an index directory against a second owner.
type Locker interface {
	// Lock acquires the lock without blocking.
	Lock() error
	// Unlock releases the lock.
	Unlock() error
}

type fileLocker struct {
	path string
	file *os.File
}

func newFileLocker(dir string) (Locker, error) {
	path := filepath.Join(dir, LockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return &fileLocker{path: path, file: file}, nil
}

// Lock takes an exclusive, non-blocking flock and records our pid. A lock
// held elsewhere, including by another Index in this process, fails with
// ErrIndexLocked naming the holder when it is known. The file is closed on
// failure.
func (l *fileLocker) Lock() error {
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		holder := l.holder()
		l.file.Close()
		if holder > 0 {
			return fmt.Errorf("%w (pid %d)", ErrIndexLocked, holder)
		}
		return ErrIndexLocked
	}
	if err != nil {
		l.file.Close()
		return fmt.Errorf("acquire index lock: %w", err)
	}

	if err := l.file.Truncate(0); err == nil {
		l.file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return nil
}

func (l *fileLocker) holder() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}

// Unlock clears the pid, releases the flock and closes the file.
func (l *fileLocker) Unlock() error {
	l.file.Truncate(0)
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("release index lock: %w", err)
	}
	return l.file.Close()
}
