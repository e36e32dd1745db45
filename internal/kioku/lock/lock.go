// Package lock provides the advisory lock that keeps retry passes from
// overlapping when several kioku processes share one retry queue.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrHeld is returned by Acquire when another holder owns the lock.
var ErrHeld = errors.New("lock: held by another owner")

// Lease is an acquired lock.
type Lease interface {
	// Release gives the lock up. Releasing a lease that has expired or was
	// taken over is not an error.
	Release(ctx context.Context) error
}

// Locker acquires named locks that expire after ttl.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Noop is a Locker that always succeeds. It is used when no shared lock
// backend is configured; the store's claim lease still prevents two passes
// from working the same entry.
type Noop struct{}

var _ Locker = Noop{}

// Acquire implements Locker.
func (Noop) Acquire(context.Context, string, time.Duration) (Lease, error) {
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(context.Context) error { return nil }
