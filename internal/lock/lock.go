// Package lock guards a session directory against concurrent engines. Two
// engines syncing the same session would double-send typing signals and
// read receipts, so the second one must refuse to start.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeldError is returned when another engine holds the session lock.
type HeldError struct {
	PID  int
	Path string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("session locked by engine PID %d (%s)", e.PID, e.Path)
}

// Lock is an acquired session lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive flock on the session directory's lock file.
// Returns HeldError when another process already holds it.
func Acquire(sessionDir string) (*Lock, error) {
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(sessionDir, "LOCK")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid := ownerPID(path)
		_ = f.Close()
		return nil, &HeldError{PID: pid, Path: path}
	}

	if err := writeOwner(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the file. Safe on a nil receiver and
// safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so a crashing successor never reads stale owner
	// info from an unlocked file.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// writeOwner records who holds the lock, for the error message the next
// contender prints.
func writeOwner(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\nsince=%s\n",
		os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

func ownerPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(after)
			return pid
		}
	}
	return 0
}
