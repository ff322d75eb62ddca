// Package flock provides a POSIX advisory file lock. The key store takes it
// around multi-file writes so concurrent processes sharing a store directory
// do not interleave.
package flock

import (
	"context"
	"sync"
)

// Lock is an exclusive advisory lock on a path. The zero value is not
// usable; create one with New. A single Lock also serializes goroutines
// within the process.
type Lock struct {
	path string
	fd   int
	mu   sync.Mutex
}

// New returns a lock on the given path. The file is created on first Lock
// if it does not exist.
func New(path string) *Lock {
	return &Lock{path: path}
}

// LockContext acquires the lock, waiting until it is free or ctx is done.
// If it returns nil the caller must call Unlock.
func (l *Lock) LockContext(ctx context.Context) error {
	done := make(chan error)
	go func() {
		err := l.acquire()
		select {
		case done <- err:
		default:
			// The caller gave up while we were waiting; do not keep
			// the lock nobody will release.
			if err == nil {
				l.release()
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return l.release()
}
