package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/tenantgate/core/infra/config"
	"github.com/cordum/tenantgate/core/infra/locks"
	"github.com/cordum/tenantgate/core/infra/memory"
	"github.com/cordum/tenantgate/core/infra/queue"
	"github.com/cordum/tenantgate/core/jobs"
)

type echoPayload struct {
	Msg   string `json:"msg"`
	Fail  bool   `json:"fail,omitempty"`
	Panic bool   `json:"panic,omitempty"`
}

type echoResult struct {
	Echo string `json:"echo"`
}

type recorder struct {
	mu     sync.Mutex
	events []jobs.Event
}

func (r *recorder) Publish(ev jobs.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) statuses(jobID string) []jobs.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []jobs.Status
	for _, ev := range r.events {
		if ev.JobID == jobID {
			out = append(out, ev.Status)
		}
	}
	return out
}

type harness struct {
	mr       *miniredis.Miniredis
	store    *memory.RedisJobStore
	locks    *locks.RedisStore
	queue    *queue.RedisQueue
	registry *jobs.Registry
	events   *recorder
	disp     *Dispatcher
	pool     *Pool

	mu  sync.Mutex
	ran []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		mr:       mr,
		store:    memory.NewRedisJobStore(client),
		locks:    locks.NewRedisStore(client),
		queue:    queue.NewRedisQueue(client),
		registry: jobs.NewRegistry(),
		events:   &recorder{},
	}
	jobs.MustRegister(h.registry, "echo", jobs.TypeOptions{Timeout: 5 * time.Second, MaxAttempts: 2},
		func(ctx context.Context, job *jobs.Job, p echoPayload) (echoResult, error) {
			h.mu.Lock()
			h.ran = append(h.ran, job.ID)
			h.mu.Unlock()
			if p.Panic {
				panic("exploded")
			}
			if p.Fail {
				return echoResult{}, &jobs.HandlerError{Msg: "asked to fail"}
			}
			return echoResult{Echo: p.Msg}, nil
		})
	jobs.MustRegister(h.registry, "slow", jobs.TypeOptions{Queue: "slow", Timeout: 50 * time.Millisecond, MaxAttempts: 2},
		func(ctx context.Context, job *jobs.Job, p struct{}) (echoResult, error) {
			<-ctx.Done()
			return echoResult{}, ctx.Err()
		})
	h.disp = NewDispatcher(h.store, h.queue, h.registry, h.events, nil)
	h.pool = NewPool(h.store, h.queue, h.registry, h.events, nil, PoolConfig{
		WorkerID:     "test",
		Groups:       []config.WorkerGroup{{Queues: []string{"default", "slow"}, Concurrency: 2}},
		BlockTimeout: time.Second,
	})
	return h
}

func (h *harness) submit(t *testing.T, tenant, jobType, payload, priority string) *jobs.Job {
	t.Helper()
	job, err := h.disp.Submit(context.Background(), tenant, Submission{
		Type:     jobType,
		Payload:  json.RawMessage(payload),
		Priority: priority,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", jobType, err)
	}
	return job
}

func (h *harness) get(t *testing.T, tenant, id string) *jobs.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), tenant, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return job
}

func (h *harness) poll(t *testing.T, queues ...string) {
	t.Helper()
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	ok, err := h.pool.Poll(context.Background(), queues)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !ok {
		t.Fatalf("expected a queue entry")
	}
}

func (h *harness) depth(t *testing.T, name string) int64 {
	t.Helper()
	d, err := h.queue.Depth(context.Background(), name)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	var total int64
	for _, n := range d {
		total += n
	}
	return total
}

// failingQueue rejects every enqueue.
type failingQueue struct {
	queue.Dispatcher
}

func (failingQueue) Enqueue(context.Context, queue.Ref) error {
	return errors.New("redis down")
}

func equalStatuses(got []jobs.Status, want ...jobs.Status) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func refFor(job *jobs.Job) queue.Ref {
	return queue.Ref{JobID: job.ID, Queue: job.Queue, Priority: job.Priority}
}
