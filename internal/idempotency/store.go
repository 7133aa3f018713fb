package idempotency

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks Store

import (
	"context"
	"time"
)

// Store holds idempotency entries shared by every instance. All three
// operations are atomic per key.
type Store interface {
	// Begin returns the cached response when one exists, reports IN-FLIGHT
	// when another owner holds the lease, and otherwise writes an IN-FLIGHT
	// marker for owner that expires after lockTTL.
	Begin(ctx context.Context, key, owner string, lockTTL time.Duration) (BeginResult, error)
	// Complete stores resp for ttl if owner still holds the lease. A lost
	// lease yields sentinel.ErrConflict and leaves the entry untouched.
	Complete(ctx context.Context, key, owner string, resp Response, ttl time.Duration) error
	// Release returns the key to ABSENT if owner still holds the lease.
	Release(ctx context.Context, key, owner string) error
}
