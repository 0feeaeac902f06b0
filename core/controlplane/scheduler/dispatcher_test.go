package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cordum/tenantgate/core/jobs"
)

func TestSubmitQueuesWithoutPublishing(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t, "t1", "echo", `{"msg":"hi"}`, "")

	if job.Status != jobs.StatusQueued || job.Priority != jobs.PriorityNormal || job.Queue != "default" {
		t.Fatalf("unexpected job %#v", job)
	}
	stored := h.get(t, "t1", job.ID)
	if stored.Status != jobs.StatusQueued {
		t.Fatalf("expected stored queued job, got %s", stored.Status)
	}
	if d := h.depth(t, "default"); d != 1 {
		t.Fatalf("expected one queue entry, got %d", d)
	}
	if got := h.events.statuses(job.ID); len(got) != 0 {
		t.Fatalf("queued must not be published, got %v", got)
	}
}

func TestSubmitRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := map[string]Submission{
		"unregistered type": {Type: "nope", Payload: json.RawMessage(`{}`)},
		"unknown field":     {Type: "echo", Payload: json.RawMessage(`{"bogus":1}`)},
		"bad priority":      {Type: "echo", Payload: json.RawMessage(`{}`), Priority: "urgent"},
	}
	for name, sub := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.disp.Submit(ctx, "t1", sub)
			if !errors.Is(err, jobs.ErrInvalidPayload) {
				t.Fatalf("expected invalid payload, got %v", err)
			}
		})
	}
	if _, err := h.disp.Submit(ctx, "", Submission{Type: "echo"}); !errors.Is(err, jobs.ErrInvalidPayload) {
		t.Fatalf("expected tenant to be required, got %v", err)
	}
	if d := h.depth(t, "default"); d != 0 {
		t.Fatalf("rejected submissions must not be queued, got %d", d)
	}
}

func TestSubmitEnqueueFailure(t *testing.T) {
	h := newHarness(t)
	disp := NewDispatcher(h.store, failingQueue{h.queue}, h.registry, h.events, nil)
	_, err := disp.Submit(context.Background(), "t1", Submission{Type: "echo", Payload: json.RawMessage(`{"msg":"x"}`)})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	page, err := h.store.List(context.Background(), "t1", jobs.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Jobs) != 1 || page.Jobs[0].Status != jobs.StatusExpired {
		t.Fatalf("expected the unqueued job to be expired, got %#v", page.Jobs)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t)
	job := h.submit(t, "t1", "echo", `{"msg":"hi"}`, "high")

	got, err := h.disp.Cancel(context.Background(), "t1", job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != jobs.StatusExpired || got.Error != cancelledMessage {
		t.Fatalf("unexpected cancelled job %#v", got)
	}
	if d := h.depth(t, "default"); d != 0 {
		t.Fatalf("expected queue entry removed, got %d", d)
	}
	if s := h.events.statuses(job.ID); !equalStatuses(s, jobs.StatusExpired) {
		t.Fatalf("expected one expired event, got %v", s)
	}

	if _, err := h.disp.Cancel(context.Background(), "t1", job.ID); !errors.Is(err, jobs.ErrConflict) {
		t.Fatalf("second cancel should conflict, got %v", err)
	}
}

func TestCancelRunningAndForeignJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.submit(t, "t1", "echo", `{"msg":"hi"}`, "")
	if _, err := h.store.Transition(ctx, job.ID, jobs.StatusQueued, jobs.StatusRunning, jobs.Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := h.disp.Cancel(ctx, "t2", job.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("foreign tenant must see not found, got %v", err)
	}
	if _, err := h.disp.Cancel(ctx, "t1", job.ID); !errors.Is(err, jobs.ErrConflict) {
		t.Fatalf("running job cancel should conflict, got %v", err)
	}
	if got := h.get(t, "t1", job.ID); got.Status != jobs.StatusRunning {
		t.Fatalf("running job must be untouched, got %s", got.Status)
	}
}
