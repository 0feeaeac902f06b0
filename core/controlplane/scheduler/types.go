// Package scheduler moves jobs through their lifecycle: submission and
// cancellation, the queue worker pool, the liveness reaper and the retention
// sweeper. Every status change goes through the store's compare-and-swap and
// is then published to the relay.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/cordum/tenantgate/core/jobs"
)

const storeOpTimeout = 2 * time.Second

// ErrUnavailable means the job was recorded but could not be queued.
var ErrUnavailable = errors.New("job queue unavailable")

// Publisher receives an event for every job status transition.
type Publisher interface {
	Publish(ev jobs.Event) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(jobs.Event) error { return nil }

// Locker is a TTL-bounded mutual exclusion shared by worker processes.
type Locker interface {
	TryAcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource, owner string) error
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
}

// IndexedStore is a job store that can list jobs by status age.
type IndexedStore interface {
	jobs.Store
	ListByStatus(ctx context.Context, status jobs.Status, before time.Time, offset, limit int64) ([]*jobs.Job, error)
}

// RetentionStore deletes completed jobs.
type RetentionStore interface {
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time, limit int64) (int, error)
}
