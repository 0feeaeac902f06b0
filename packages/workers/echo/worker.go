// Package echo is a diagnostics job type: it returns its payload, optionally
// after a delay or with a forced failure, so operators can exercise the
// queue end to end.
package echo

import (
	"context"
	"errors"
	"time"

	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/jobs"
)

const (
	TypeName = "echo"

	maxDelay = 30 * time.Second
)

var payloadSchema = []byte(`{
  "type": "object",
  "properties": {
    "message": {"type": "string", "maxLength": 4096},
    "delay_ms": {"type": "integer", "minimum": 0, "maximum": 30000},
    "fail": {"type": "boolean"}
  },
  "additionalProperties": false
}`)

type Payload struct {
	Message string `json:"message"`
	DelayMS int    `json:"delay_ms,omitempty"`
	Fail    bool   `json:"fail,omitempty"`
}

type Result struct {
	Message     string    `json:"message"`
	ProcessedBy string    `json:"processed_by"`
	Attempt     int       `json:"attempt"`
	CompletedAt time.Time `json:"completed_at"`
}

var ErrForced = errors.New("echo: forced failure")

// Register binds "echo" for a worker identified by workerID.
func Register(reg *jobs.Registry, workerID string, opts jobs.TypeOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = maxDelay + 5*time.Second
	}
	opts.Schema = payloadSchema
	return jobs.Register(reg, TypeName, opts, handler(workerID))
}

func handler(workerID string) func(context.Context, *jobs.Job, Payload) (Result, error) {
	return func(ctx context.Context, job *jobs.Job, p Payload) (Result, error) {
		logging.Debug("worker-echo", "received", "job_id", job.ID, "tenant_id", job.TenantID, "attempt", job.Attempts)
		if p.DelayMS > 0 {
			t := time.NewTimer(time.Duration(p.DelayMS) * time.Millisecond)
			select {
			case <-ctx.Done():
				t.Stop()
				return Result{}, ctx.Err()
			case <-t.C:
			}
		}
		if p.Fail {
			return Result{}, ErrForced
		}
		return Result{
			Message:     p.Message,
			ProcessedBy: workerID,
			Attempt:     job.Attempts,
			CompletedAt: time.Now().UTC(),
		}, nil
	}
}
