package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/infra/metrics"
	"github.com/cordum/tenantgate/core/infra/queue"
	"github.com/cordum/tenantgate/core/jobs"
)

const (
	outcomeRequeued = "requeued"
	outcomeFailed   = "failed"
	outcomeExpired  = "expired"
)

// reclaimer handles a running job that overran its timeout: back to the
// queue while attempts remain, failed with a TimeoutError after that.
type reclaimer struct {
	component string
	store     jobs.Store
	queue     queue.Dispatcher
	publisher Publisher
	metrics   metrics.Metrics
	now       func() time.Time
}

func (r *reclaimer) reclaim(ctx context.Context, job *jobs.Job, timeout time.Duration, maxAttempts int) {
	if job.Attempts < maxAttempts {
		updated, err := r.store.Transition(ctx, job.ID, jobs.StatusRunning, jobs.StatusQueued, jobs.Update{Attempts: job.Attempts})
		if err != nil {
			r.logLost(job, "requeue", err)
			return
		}
		ref := queue.Ref{JobID: updated.ID, Queue: updated.Queue, Priority: updated.Priority}
		if err := r.queue.Enqueue(ctx, ref); err != nil {
			// Left queued; the queued TTL expires it if it is never re-added.
			logging.Error(r.component, "re-enqueue failed", "job_id", job.ID, "error", err)
		}
		logging.Warn(r.component, "job timed out; requeued",
			"job_id", job.ID,
			"tenant", job.TenantID,
			"attempt", job.Attempts,
			"max_attempts", maxAttempts,
		)
		r.metrics.IncJobsReclaimed(job.Type, outcomeRequeued)
		publish(r.publisher, updated, r.now())
		return
	}

	terr := &jobs.TimeoutError{Timeout: timeout, Attempts: job.Attempts}
	updated, err := r.store.Transition(ctx, job.ID, jobs.StatusRunning, jobs.StatusFailed, jobs.Update{Error: terr.Error(), Attempts: job.Attempts})
	if err != nil {
		r.logLost(job, "fail", err)
		return
	}
	logging.Warn(r.component, "job timed out; attempts exhausted",
		"job_id", job.ID,
		"tenant", job.TenantID,
		"attempts", job.Attempts,
	)
	r.metrics.IncJobsReclaimed(job.Type, outcomeFailed)
	r.metrics.IncJobsCompleted(job.Type, string(jobs.StatusFailed))
	publish(r.publisher, updated, r.now())
}

func (r *reclaimer) logLost(job *jobs.Job, action string, err error) {
	if errors.Is(err, jobs.ErrConflict) || errors.Is(err, jobs.ErrNotFound) {
		logging.Debug(r.component, "reclaim lost race", "job_id", job.ID, "action", action)
		return
	}
	logging.Error(r.component, "reclaim failed", "job_id", job.ID, "action", action, "error", err)
}
