// Package lock provides lease-based distributed mutual exclusion. A lease
// expires on its own, so a crashed holder can never deadlock the fleet;
// the lease TTL must exceed the longest operation run under the lock.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned by TryAcquire when another holder owns a
// live lease on the lock.
var ErrNotAcquired = errors.New("lock is held")

const pollInterval = 250 * time.Millisecond

// Manager hands out leases on named locks with at most one live holder
// fleet-wide per name.
type Manager interface {
	// TryAcquire attempts one acquisition and returns ErrNotAcquired on
	// contention.
	TryAcquire(ctx context.Context, name string, ttl time.Duration, owner string) (*Lease, error)
	// Acquire blocks until the lock is acquired or ctx is done.
	Acquire(ctx context.Context, name string, ttl time.Duration, owner string) (*Lease, error)
}

// Lease is one scoped acquisition. Release it when the guarded work is
// done; an unreleased lease simply expires at ExpiresAt.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time

	release func(ctx context.Context) error
}

func (l *Lease) Release(ctx context.Context) error {
	if l.release == nil {
		return nil
	}
	return l.release(ctx)
}

// awaitAcquire polls try until it succeeds, ctx expires, or try fails
// with something other than contention.
func awaitAcquire(ctx context.Context, try func(context.Context) (*Lease, error)) (*Lease, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		lease, err := try(ctx)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
