package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cordum/tenantgate/core/jobs"
)

func TestSweeperDeletesPastHorizon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	done := h.submit(t, "t1", "echo", `{"msg":"a"}`, "")
	pending := h.submit(t, "t1", "echo", `{"msg":"b"}`, "low")
	h.poll(t) // runs done (normal beats low)

	sw := NewSweeper(h.store, h.locks, SweeperConfig{Horizon: time.Hour, BatchSize: 1})
	if n := sw.Sweep(ctx); n != 0 {
		t.Fatalf("nothing is past the horizon yet, deleted %d", n)
	}

	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := sw.Sweep(ctx); n != 1 {
		t.Fatalf("expected one deletion, got %d", n)
	}
	if _, err := h.store.Get(ctx, "t1", done.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected swept job gone, got %v", err)
	}
	if got := h.get(t, "t1", pending.ID); got.Status != jobs.StatusQueued {
		t.Fatalf("unfinished job must survive, got %s", got.Status)
	}
}
