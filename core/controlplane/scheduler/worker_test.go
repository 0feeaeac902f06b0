package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cordum/tenantgate/core/infra/config"
	"github.com/cordum/tenantgate/core/jobs"
)

func TestPoolClaimsInPriorityOrder(t *testing.T) {
	h := newHarness(t)
	low := h.submit(t, "t1", "echo", `{"msg":"low"}`, "low")
	high1 := h.submit(t, "t1", "echo", `{"msg":"high1"}`, "high")
	normal := h.submit(t, "t1", "echo", `{"msg":"normal"}`, "normal")
	high2 := h.submit(t, "t1", "echo", `{"msg":"high2"}`, "high")

	for i := 0; i < 4; i++ {
		h.poll(t)
	}
	want := []string{high1.ID, high2.ID, normal.ID, low.ID}
	if len(h.ran) != len(want) {
		t.Fatalf("expected %d runs, got %d", len(want), len(h.ran))
	}
	for i := range want {
		if h.ran[i] != want[i] {
			t.Fatalf("run %d: expected %s got %s", i, want[i], h.ran[i])
		}
	}
}

func TestPoolSucceedsAndPublishesEachTransition(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t, "t1", "echo", `{"msg":"hello"}`, "")
	h.poll(t)

	got := h.get(t, "t1", job.ID)
	if got.Status != jobs.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", got.Status, got.Error)
	}
	var res echoResult
	if err := json.Unmarshal(got.Result, &res); err != nil || res.Echo != "hello" {
		t.Fatalf("unexpected result %s: %v", got.Result, err)
	}
	if got.Attempts != 1 || got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("expected timestamps and one attempt: %#v", got)
	}
	if s := h.events.statuses(job.ID); !equalStatuses(s, jobs.StatusRunning, jobs.StatusSucceeded) {
		t.Fatalf("expected running then succeeded, got %v", s)
	}
}

func TestPoolRecordsHandlerErrorsAndPanics(t *testing.T) {
	h := newHarness(t)
	failed := h.submit(t, "t1", "echo", `{"fail":true}`, "")
	panicked := h.submit(t, "t1", "echo", `{"panic":true}`, "")
	after := h.submit(t, "t1", "echo", `{"msg":"still alive"}`, "")
	h.poll(t)
	h.poll(t)
	h.poll(t)

	if got := h.get(t, "t1", failed.ID); got.Status != jobs.StatusFailed || got.Error != "asked to fail" {
		t.Fatalf("unexpected failed job %#v", got)
	}
	got := h.get(t, "t1", panicked.ID)
	if got.Status != jobs.StatusFailed || !strings.HasPrefix(got.Error, "handler panic: exploded") {
		t.Fatalf("unexpected panicked job %#v", got)
	}
	if got := h.get(t, "t1", after.ID); got.Status != jobs.StatusSucceeded {
		t.Fatalf("worker should keep going after a panic, got %s", got.Status)
	}
}

func TestPoolDiscardsStaleEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.submit(t, "t1", "echo", `{"msg":"x"}`, "")
	if _, err := h.store.Transition(ctx, job.ID, jobs.StatusQueued, jobs.StatusRunning, jobs.Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	h.poll(t)

	if len(h.ran) != 0 {
		t.Fatalf("stale entry must not run the handler")
	}
	if got := h.get(t, "t1", job.ID); got.Attempts != 1 || got.Status != jobs.StatusRunning {
		t.Fatalf("stale entry must not mutate the job: %#v", got)
	}
	if s := h.events.statuses(job.ID); len(s) != 0 {
		t.Fatalf("no events expected, got %v", s)
	}
}

func TestPoolHandlerTimeoutRequeuesThenFails(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t, "t1", "slow", `{}`, "")

	h.poll(t, "slow")
	got := h.get(t, "t1", job.ID)
	if got.Status != jobs.StatusQueued || got.Attempts != 1 {
		t.Fatalf("expected requeue after first timeout, got %#v", got)
	}
	if d := h.depth(t, "slow"); d != 1 {
		t.Fatalf("expected job back in queue, got depth %d", d)
	}

	h.poll(t, "slow")
	got = h.get(t, "t1", job.ID)
	if got.Status != jobs.StatusFailed || got.Attempts != 2 {
		t.Fatalf("expected failure on final attempt, got %#v", got)
	}
	if !strings.Contains(got.Error, "timed out after 50ms (attempt 2)") {
		t.Fatalf("unexpected timeout error %q", got.Error)
	}
	want := []jobs.Status{jobs.StatusRunning, jobs.StatusQueued, jobs.StatusRunning, jobs.StatusFailed}
	if s := h.events.statuses(job.ID); !equalStatuses(s, want...) {
		t.Fatalf("expected %v, got %v", want, s)
	}
}

func TestPoolUnknownTypeFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := jobs.New("t1", "retired", json.RawMessage(`{}`), jobs.PriorityNormal, "default", time.Now())
	if err := h.store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.queue.Enqueue(ctx, refFor(job)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.poll(t)
	got := h.get(t, "t1", job.ID)
	if got.Status != jobs.StatusFailed || !strings.Contains(got.Error, "no handler registered") {
		t.Fatalf("unexpected job %#v", got)
	}
}

func TestPoolRunDrainsAndStops(t *testing.T) {
	h := newHarness(t)
	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, h.submit(t, "t1", "echo", `{"msg":"x"}`, "").ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		finished := 0
		for _, id := range ids {
			if h.get(t, "t1", id).Status == jobs.StatusSucceeded {
				finished++
			}
		}
		if finished == len(ids) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d/%d jobs finished", finished, len(ids))
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not stop")
	}
}

func TestPoolRunRequiresGroups(t *testing.T) {
	h := newHarness(t)
	p := NewPool(h.store, h.queue, h.registry, nil, nil, PoolConfig{Groups: []config.WorkerGroup{{Queues: nil, Concurrency: 1}}})
	if err := p.Run(context.Background()); err == nil {
		t.Fatalf("expected invalid group error")
	}
	p = NewPool(h.store, h.queue, h.registry, nil, nil, PoolConfig{})
	if err := p.Run(context.Background()); err == nil {
		t.Fatalf("expected missing groups error")
	}
}
