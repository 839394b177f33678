package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireWritesOwner(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	data, err := os.ReadFile(filepath.Join(dir, "LOCK"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.Contains(string(data), "pid="+strconv.Itoa(os.Getpid())) {
		t.Errorf("lock file = %q, want our pid", data)
	}
}

func TestSecondEngineIsRefused(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(dir)
	if err == nil {
		t.Fatal("second Acquire() succeeded, want refusal")
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("error = %T %v, want HeldError", err, err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("held.PID = %d, want %d", held.PID, os.Getpid())
	}
}

func TestReleaseRemovesFileAndAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "LOCK")); !os.IsNotExist(err) {
		t.Error("lock file left behind after release")
	}

	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
	_ = l2.Release()
}

func TestReleaseIsIdempotentAndNilSafe(t *testing.T) {
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}

	l, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
