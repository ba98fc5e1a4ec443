// Package distlock provides distributed locks over the coordinator (Redis).
// Locks carry a random ownership token; release and extension are
// compare-and-set Lua scripts so a lock held by another process is never
// released by accident.
package distlock

import (
	"context"
)

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}
