// Package lock provides the host-wide session lock: an exclusive,
// non-blocking flock on a file that records the owning session ID.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrHeld is matched by errors.Is when another session owns the lock.
var ErrHeld = errors.New("session lock held")

// HeldError reports who holds the lock.
type HeldError struct {
	Path  string
	Owner string
}

func (e *HeldError) Error() string {
	owner := e.Owner
	if owner == "" {
		owner = "unknown session"
	}
	return fmt.Sprintf("another deployment is running (%s holds %s)", owner, e.Path)
}

func (e *HeldError) Is(target error) bool { return target == ErrHeld }

// Lock is a held session lock. The zero value is not usable.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without waiting and writes owner into it.
func Acquire(path, owner string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, &HeldError{Path: path, Owner: Owner(path)}
		}
		return nil, fmt.Errorf("lock error: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(owner+"\n"), 0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	return &Lock{path: path, f: f}, nil
}

// Path is the lock file location.
func (l *Lock) Path() string { return l.path }

// Release clears the owner and drops the lock. The file is left in place.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// Owner returns the session ID recorded in the lock file, if any.
func Owner(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
