package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/tenantgate/core/infra/config"
	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/infra/metrics"
	"github.com/cordum/tenantgate/core/infra/queue"
	"github.com/cordum/tenantgate/core/jobs"
)

const (
	defaultBlockTimeout = 2 * time.Second
	errorBackoff        = 500 * time.Millisecond
)

type PoolConfig struct {
	WorkerID     string
	Groups       []config.WorkerGroup
	BlockTimeout time.Duration
}

// Pool runs the worker loops: dequeue, claim by compare-and-swap, execute,
// record the outcome. Each transition is published.
type Pool struct {
	store     jobs.Store
	queue     queue.Dispatcher
	registry  *jobs.Registry
	publisher Publisher
	metrics   metrics.Metrics
	cfg       PoolConfig
	now       func() time.Time
	reclaimer *reclaimer
}

func NewPool(store jobs.Store, q queue.Dispatcher, registry *jobs.Registry, publisher Publisher, m metrics.Metrics, cfg PoolConfig) *Pool {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	p := &Pool{
		store:     store,
		queue:     q,
		registry:  registry,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
	p.reclaimer = &reclaimer{component: "worker", store: store, queue: q, publisher: publisher, metrics: m, now: p.now}
	return p
}

// Run starts every worker and blocks until ctx is cancelled and all of them
// have returned. A job interrupted by shutdown stays running for the reaper.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.cfg.Groups) == 0 {
		return errors.New("worker pool: no worker groups configured")
	}
	for gi, group := range p.cfg.Groups {
		if len(group.Queues) == 0 || group.Concurrency <= 0 {
			return fmt.Errorf("worker pool: group %d has no queues or concurrency", gi)
		}
	}
	var wg sync.WaitGroup
	for gi, group := range p.cfg.Groups {
		for i := 0; i < group.Concurrency; i++ {
			id := fmt.Sprintf("%s/%d.%d", p.cfg.WorkerID, gi, i)
			queues := append([]string(nil), group.Queues...)
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.loop(ctx, id, queues)
			}()
		}
		logging.Info("worker", "worker group started", "queues", group.Queues, "concurrency", group.Concurrency)
	}
	wg.Wait()
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID string, queues []string) {
	for ctx.Err() == nil {
		if _, err := p.Poll(ctx, queues); err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Error("worker", "poll failed", "worker", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
		}
	}
}

// Poll takes at most one entry from queues and processes it. It reports
// whether an entry was taken; a lost claim still counts as taken.
func (p *Pool) Poll(ctx context.Context, queues []string) (bool, error) {
	ref, ok, err := p.queue.Dequeue(ctx, queues, p.cfg.BlockTimeout)
	if err != nil || !ok {
		return false, err
	}

	job, err := p.store.Transition(ctx, ref.JobID, jobs.StatusQueued, jobs.StatusRunning, jobs.Update{})
	if err != nil {
		if errors.Is(err, jobs.ErrConflict) || errors.Is(err, jobs.ErrNotFound) {
			logging.Debug("worker", "discarding stale queue entry", "job_id", ref.JobID, "queue", ref.Queue)
			return true, nil
		}
		// Entry is gone but the job is still queued: put it back.
		if requeueErr := p.queue.Enqueue(context.WithoutCancel(ctx), ref); requeueErr != nil {
			logging.Error("worker", "restore queue entry", "job_id", ref.JobID, "error", requeueErr)
		}
		return true, fmt.Errorf("claim job %s: %w", ref.JobID, err)
	}
	p.metrics.IncJobsClaimed(job.Type)
	publish(p.publisher, job, p.now())

	p.execute(ctx, job)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, job *jobs.Job) {
	def, ok := p.registry.Lookup(job.Type)
	if !ok {
		p.finish(ctx, job, nil, &jobs.HandlerError{Msg: fmt.Sprintf("no handler registered for type %q", job.Type)})
		return
	}

	logging.Info("worker", "job started", "job_id", job.ID, "tenant", job.TenantID, "type", job.Type, "attempt", job.Attempts)
	runCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	start := time.Now()
	result, err := runHandler(runCtx, def, job)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()
	p.metrics.ObserveJobDuration(job.Type, time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		logging.Warn("worker", "job interrupted by shutdown", "job_id", job.ID)
		return
	}
	if err != nil && timedOut {
		storeCtx, cancelStore := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
		defer cancelStore()
		p.reclaimer.reclaim(storeCtx, job, def.Timeout, def.MaxAttempts)
		return
	}
	p.finish(ctx, job, result, err)
}

// runHandler converts a handler panic into a HandlerError.
func runHandler(ctx context.Context, def *jobs.Definition, job *jobs.Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("worker", "handler panic", "job_id", job.ID, "type", job.Type, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = &jobs.HandlerError{Msg: fmt.Sprint(r), Panic: true}
		}
	}()
	return def.Run(ctx, job)
}

func (p *Pool) finish(ctx context.Context, job *jobs.Job, result []byte, runErr error) {
	to := jobs.StatusSucceeded
	upd := jobs.Update{Result: result, Attempts: job.Attempts}
	if runErr != nil {
		to = jobs.StatusFailed
		upd = jobs.Update{Error: runErr.Error(), Attempts: job.Attempts}
	} else if len(upd.Result) == 0 {
		upd.Result = []byte("null")
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
	defer cancel()
	updated, err := p.store.Transition(storeCtx, job.ID, jobs.StatusRunning, to, upd)
	if err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			logging.Warn("worker", "job reclaimed before completion; result dropped", "job_id", job.ID, "status", to)
			return
		}
		logging.Error("worker", "record job outcome", "job_id", job.ID, "status", to, "error", err)
		return
	}
	p.metrics.IncJobsCompleted(job.Type, string(to))
	if runErr != nil {
		logging.Warn("worker", "job failed", "job_id", job.ID, "tenant", job.TenantID, "error", runErr)
	} else {
		logging.Info("worker", "job succeeded", "job_id", job.ID, "tenant", job.TenantID)
	}
	publish(p.publisher, updated, p.now())
}
