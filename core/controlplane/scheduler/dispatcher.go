package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/infra/metrics"
	"github.com/cordum/tenantgate/core/infra/queue"
	"github.com/cordum/tenantgate/core/jobs"
)

const cancelledMessage = "cancelled before start"

// Submission is a tenant's request to run a job.
type Submission struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority,omitempty"`
}

// Dispatcher validates submissions, records them and queues them.
type Dispatcher struct {
	store     jobs.Store
	queue     queue.Dispatcher
	registry  *jobs.Registry
	publisher Publisher
	metrics   metrics.Metrics
	now       func() time.Time
}

func NewDispatcher(store jobs.Store, q queue.Dispatcher, registry *jobs.Registry, publisher Publisher, m metrics.Metrics) *Dispatcher {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Dispatcher{
		store:     store,
		queue:     q,
		registry:  registry,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
	}
}

// Submit creates a queued job and appends it to its type's queue. The queued
// state is not published: the caller learns it from the response.
func (d *Dispatcher) Submit(ctx context.Context, tenantID string, sub Submission) (*jobs.Job, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant required", jobs.ErrInvalidPayload)
	}
	priority, err := jobs.ParsePriority(sub.Priority)
	if err != nil {
		return nil, err
	}
	def, err := d.registry.Validate(sub.Type, sub.Payload)
	if err != nil {
		return nil, err
	}
	payload := sub.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	job := jobs.New(tenantID, def.Name, payload, priority, def.Queue, d.now())
	if err := d.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ref := queue.Ref{JobID: job.ID, Queue: job.Queue, Priority: job.Priority}
	if err := d.queue.Enqueue(ctx, ref); err != nil {
		logging.Error("scheduler", "enqueue failed", "job_id", job.ID, "tenant", tenantID, "error", err)
		d.abandon(ctx, job, "enqueue failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	d.metrics.IncJobsSubmitted(job.Type, string(job.Priority))
	logging.Info("scheduler", "job submitted",
		"job_id", job.ID,
		"tenant", tenantID,
		"type", job.Type,
		"queue", job.Queue,
		"priority", job.Priority,
	)
	return job, nil
}

// abandon expires a job that never made it into a queue so it does not sit
// queued until the reaper's TTL.
func (d *Dispatcher) abandon(ctx context.Context, job *jobs.Job, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
	defer cancel()
	if _, err := d.store.Transition(ctx, job.ID, jobs.StatusQueued, jobs.StatusExpired, jobs.Update{Error: reason}); err != nil {
		logging.Error("scheduler", "expire unqueued job", "job_id", job.ID, "error", err)
	}
}

// Cancel prevents a queued job from starting. Jobs that are already running
// or finished return jobs.ErrConflict; there is no preemption.
func (d *Dispatcher) Cancel(ctx context.Context, tenantID, jobID string) (*jobs.Job, error) {
	job, err := d.store.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusQueued {
		return nil, fmt.Errorf("%w: job %s is %s", jobs.ErrConflict, jobID, job.Status)
	}
	ref := queue.Ref{JobID: job.ID, Queue: job.Queue, Priority: job.Priority}
	if _, err := d.queue.Remove(ctx, ref); err != nil {
		logging.Warn("scheduler", "remove queue entry", "job_id", jobID, "error", err)
	}
	updated, err := d.store.Transition(ctx, jobID, jobs.StatusQueued, jobs.StatusExpired, jobs.Update{Error: cancelledMessage})
	if err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			return nil, fmt.Errorf("%w: job %s was claimed", jobs.ErrConflict, jobID)
		}
		return nil, err
	}
	logging.Info("scheduler", "job cancelled", "job_id", jobID, "tenant", tenantID)
	d.metrics.IncJobsCompleted(updated.Type, string(updated.Status))
	publish(d.publisher, updated, d.now())
	return updated, nil
}

func publish(p Publisher, job *jobs.Job, at time.Time) {
	if err := p.Publish(jobs.UpdateEvent(job, at)); err != nil {
		logging.Warn("scheduler", "publish job update", "job_id", job.ID, "status", job.Status, "error", err)
	}
}
