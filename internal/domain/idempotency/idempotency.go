package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLocked is returned by Locker.Acquire when another holder owns the key.
	ErrLocked = errors.New("idempotency: key is locked")
	// ErrLeaseLost is returned by Lease.Extend once the key has a new holder.
	ErrLeaseLost = errors.New("idempotency: lease lost")
)

// KeyStore remembers which side effects have been applied.
type KeyStore interface {
	// Claim records key and reports true only for the first caller.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets a claim whose side effect did not land.
	Release(ctx context.Context, key string) error
}

// Lease is an exclusive hold on a key. Release is safe to call more than once.
type Lease interface {
	// Extend pushes expiry to ttl from now while the lease is still held.
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out exclusive, expiring leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
