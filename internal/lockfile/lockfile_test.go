package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "engine.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Acquire err = %v, want ErrAlreadyLocked", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestAcquireRecordsPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "engine.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	if got, want := HolderPID(path), os.Getpid(); got != want {
		t.Fatalf("HolderPID = %d, want %d", got, want)
	}
}

func TestHolderPIDMissingFile(t *testing.T) {
	t.Parallel()

	if got := HolderPID(filepath.Join(t.TempDir(), "absent.lock")); got != 0 {
		t.Fatalf("HolderPID = %d, want 0", got)
	}
}

func TestAcquireRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Acquire("  "); err == nil {
		t.Fatalf("Acquire with empty path succeeded, want error")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "engine.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}
