package echo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cordum/tenantgate/core/jobs"
)

func TestEchoReturnsMessage(t *testing.T) {
	reg := jobs.NewRegistry()
	if err := Register(reg, "worker-a", jobs.TypeOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	def, err := reg.Validate(TypeName, json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	job := &jobs.Job{ID: "j1", Type: TypeName, Attempts: 2, Payload: json.RawMessage(`{"message":"hi"}`)}
	out, err := def.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Message != "hi" || res.ProcessedBy != "worker-a" || res.Attempt != 2 {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestEchoFailAndDelay(t *testing.T) {
	h := handler("w")
	if _, err := h(context.Background(), &jobs.Job{ID: "j"}, Payload{Fail: true}); err != ErrForced {
		t.Fatalf("expected forced failure, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h(ctx, &jobs.Job{ID: "j"}, Payload{DelayMS: 5000}); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestEchoSchema(t *testing.T) {
	reg := jobs.NewRegistry()
	if err := Register(reg, "w", jobs.TypeOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, bad := range []string{`{"delay_ms":-1}`, `{"delay_ms":60000}`, `{"other":1}`} {
		if _, err := reg.Validate(TypeName, json.RawMessage(bad)); err == nil {
			t.Fatalf("expected %s to be rejected", bad)
		}
	}
}
