// Package lock provides the global run lock: a named lease that admits one
// run at a time across the fleet. Holding the lock gates starting a run, not
// every shard claim; shard ownership is enforced by conditional writes on
// the record store.
package lock

import (
	"context"
	"time"
)

// Lease describes a held lock.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Locker is the global run lock contract. Implementations live in this
// package (postgres, object, memory).
type Locker interface {
	// Acquire takes the lock when it is free or expired. A lock held by
	// another live owner returns model.ErrLockHeld. Re-acquiring a lock
	// already held by owner refreshes the lease.
	Acquire(ctx context.Context, name, owner string, lease time.Duration) (*Lease, error)

	// Renew extends the lease. Renewing a lock held by someone else, or no
	// longer held at all, returns model.ErrNotOwner. Any worker of the run
	// may renew, not only the acquirer.
	Renew(ctx context.Context, name, owner string, lease time.Duration) error

	// Release frees the lock if owner holds it. Releasing a lock that is
	// already free or owned elsewhere is a no-op, so release retries and
	// racing releases at run end are safe.
	Release(ctx context.Context, name, owner string) error
}
