package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/infra/metrics"
	"github.com/cordum/tenantgate/core/infra/queue"
	"github.com/cordum/tenantgate/core/jobs"
)

const (
	reaperLockKey      = "reaper"
	reaperBatch        = 200
	fallbackTimeout    = time.Minute
	defaultReaperEvery = 15 * time.Second
)

type ReaperConfig struct {
	Interval  time.Duration
	QueuedTTL time.Duration
	// Owner identifies this process in the reaper lease. Random when empty.
	Owner string
}

// Reaper reclaims running jobs whose worker went away and expires jobs that
// waited in a queue longer than QueuedTTL. Only one process reaps per tick.
type Reaper struct {
	store     IndexedStore
	locker    Locker
	queue     queue.Dispatcher
	registry  *jobs.Registry
	publisher Publisher
	metrics   metrics.Metrics
	cfg       ReaperConfig
	token     string
	now       func() time.Time
}

func NewReaper(store IndexedStore, locker Locker, q queue.Dispatcher, registry *jobs.Registry, publisher Publisher, m metrics.Metrics, cfg ReaperConfig) *Reaper {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReaperEvery
	}
	return &Reaper{
		store:     store,
		locker:    locker,
		queue:     q,
		registry:  registry,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		token:     leaseOwner(cfg.Owner),
		now:       time.Now,
	}
}

// Start runs the reaper loop until the context is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	tickLoop(ctx, r.cfg.Interval, func(ctx context.Context) {
		runLeader(ctx, "reaper", r.locker, reaperLockKey, r.token, r.cfg.Interval*2, r.Tick)
	})
}

// Tick performs one reaping pass.
func (r *Reaper) Tick(ctx context.Context) {
	r.reclaimRunning(ctx)
	if r.cfg.QueuedTTL > 0 {
		r.expireQueued(ctx)
	}
}

func (r *Reaper) limits(jobType string) (time.Duration, int) {
	if def, ok := r.registry.Lookup(jobType); ok {
		return def.Timeout, def.MaxAttempts
	}
	return fallbackTimeout, 1
}

func (r *Reaper) minTimeout() time.Duration {
	shortest := fallbackTimeout
	for _, name := range r.registry.Types() {
		if def, ok := r.registry.Lookup(name); ok && def.Timeout < shortest {
			shortest = def.Timeout
		}
	}
	return shortest
}

func (r *Reaper) reclaimRunning(ctx context.Context) {
	now := r.now()
	rc := &reclaimer{component: "reaper", store: r.store, queue: r.queue, publisher: r.publisher, metrics: r.metrics, now: r.now}
	overdue, err := r.overdueRunning(ctx, now)
	if err != nil {
		logging.Error("reaper", "list running jobs", "error", err)
	}
	for _, o := range overdue {
		rc.reclaim(ctx, o.job, o.timeout, o.maxAttempts)
	}
}

type overdueJob struct {
	job         *jobs.Job
	timeout     time.Duration
	maxAttempts int
}

// overdueRunning walks the whole running index up to the shortest type
// timeout. Jobs of longer-timeout types that are still healthy sit in the
// same window, so the index is read page by page before anything is
// reclaimed; reclaiming removes entries and would shift the offsets.
func (r *Reaper) overdueRunning(ctx context.Context, now time.Time) ([]overdueJob, error) {
	before := now.Add(-r.minTimeout())
	var out []overdueJob
	for offset := int64(0); ; offset += reaperBatch {
		records, err := r.store.ListByStatus(ctx, jobs.StatusRunning, before, offset, reaperBatch)
		if err != nil {
			return out, err
		}
		if len(records) == 0 {
			return out, nil
		}
		for _, job := range records {
			timeout, maxAttempts := r.limits(job.Type)
			if job.StartedAt == nil || now.Sub(*job.StartedAt) < timeout {
				continue
			}
			out = append(out, overdueJob{job: job, timeout: timeout, maxAttempts: maxAttempts})
		}
	}
}

func (r *Reaper) expireQueued(ctx context.Context) {
	now := r.now()
	for {
		records, err := r.store.ListByStatus(ctx, jobs.StatusQueued, now.Add(-r.cfg.QueuedTTL), 0, reaperBatch)
		if err != nil {
			logging.Error("reaper", "list queued jobs", "error", err)
			return
		}
		progressed := 0
		for _, job := range records {
			if r.expire(ctx, job) {
				progressed++
			}
		}
		if len(records) < reaperBatch || progressed == 0 {
			return
		}
	}
}

func (r *Reaper) expire(ctx context.Context, job *jobs.Job) bool {
	ref := queue.Ref{JobID: job.ID, Queue: job.Queue, Priority: job.Priority}
	if _, err := r.queue.Remove(ctx, ref); err != nil {
		logging.Warn("reaper", "remove expired queue entry", "job_id", job.ID, "error", err)
	}
	msg := fmt.Sprintf("expired after %s in queue", r.cfg.QueuedTTL)
	updated, err := r.store.Transition(ctx, job.ID, jobs.StatusQueued, jobs.StatusExpired, jobs.Update{Error: msg})
	if err != nil {
		if !errors.Is(err, jobs.ErrConflict) && !errors.Is(err, jobs.ErrNotFound) {
			logging.Error("reaper", "expire queued job", "job_id", job.ID, "error", err)
			return false
		}
		return true
	}
	logging.Info("reaper", "queued job expired", "job_id", job.ID, "tenant", job.TenantID)
	r.metrics.IncJobsReclaimed(job.Type, outcomeExpired)
	r.metrics.IncJobsCompleted(job.Type, string(jobs.StatusExpired))
	publish(r.publisher, updated, r.now())
	return true
}
