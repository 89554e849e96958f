// Package lockfile guards the engine state directory with an advisory file
// lock. The sqlite store, the keystore, and the upload directory all assume a
// single writer; holding engine.lock keeps a second client process out.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrAlreadyLocked indicates another process holds the lock.
var ErrAlreadyLocked = errors.New("lock already held")

// Lock is a held advisory lock. Release it before deleting the state dir.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive non-blocking lock on path, creating the file if
// needed. It returns ErrAlreadyLocked when another process holds it.
func Acquire(path string) (*Lock, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing lock path")
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Best-effort: record our pid so a stuck lock can be traced by hand.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: p, f: f}, nil
}

// HolderPID reads the pid recorded in the lock file at path. It returns 0 when
// the file is absent or unreadable; the pid is advisory and may be stale.
func HolderPID(path string) int {
	b, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid < 0 {
		return 0
	}
	return pid
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	// Unlock first; close always.
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
