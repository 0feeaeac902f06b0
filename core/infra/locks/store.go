// Package locks provides TTL-bounded leases used to elect a single process
// for periodic maintenance (reaping, retention sweeps).
package locks

import (
	"context"
	"time"
)

// Lease captures the current holder of a resource.
type Lease struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store manages leases. Release and Renew only act while owner still holds
// the resource.
type Store interface {
	TryAcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, owner string) error
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, resource string) (*Lease, error)
}
