// Package lock provides distributed mutual exclusion for workflows that
// must run singly, such as the knowledge-base sync. Locks are leased:
// a crashed holder's lock expires on its own, and release is fenced by
// token so a stale holder cannot free a successor's lock.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHeld is returned by Acquire when another holder owns the lock.
	// Callers surface this as an immediate conflict; there is no wait.
	ErrHeld = errors.New("lock already held")

	// ErrNotHeld is returned by Release when the lock does not exist or
	// is owned by a different token.
	ErrNotHeld = errors.New("lock not held by this token")
)

// Lock is a held lease.
type Lock struct {
	Name      string
	Token     string
	ExpiresAt time.Time
}

// Manager acquires and releases named locks.
type Manager interface {
	// Acquire takes the named lock for the lease duration, returning
	// ErrHeld without blocking when someone else holds it.
	Acquire(ctx context.Context, name string, lease time.Duration) (Lock, error)

	// Release frees the lock if token still owns it.
	Release(ctx context.Context, l Lock) error
}

// Key returns the storage key for a lock name.
func Key(name string) string {
	return "lock:" + name
}
