// Package jobs defines the job model shared by the gateway, the store and
// the worker pool: statuses and their allowed edges, priorities, the error
// taxonomy, the typed handler registry and the relay event.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning: true,
		StatusExpired: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusQueued:    true,
	},
}

// CanTransition reports whether from->to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusExpired
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusExpired:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists priorities in strict polling order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority maps a caller hint to a priority; empty means normal.
func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityLow:
		return PriorityLow, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidPayload, raw)
}

// Job is the durable record of one unit of tenant work.
type Job struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Type        string          `json:"type"`
	Status      Status          `json:"status"`
	Priority    Priority        `json:"priority"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// New builds a queued job with a fresh id.
func New(tenantID, jobType string, payload json.RawMessage, priority Priority, queue string, now time.Time) *Job {
	return &Job{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Type:      jobType,
		Status:    StatusQueued,
		Priority:  priority,
		Queue:     queue,
		Payload:   payload,
		CreatedAt: now.UTC(),
	}
}

// Update carries the fields a transition may set alongside the status.
//
// Attempts, when non-zero, fences the transition to one claim: it fails with
// ErrConflict unless the stored attempt counter still equals it, so a worker
// whose claim was reclaimed and re-claimed cannot complete the newer run.
type Update struct {
	Result   json.RawMessage
	Error    string
	Attempts int
}

// ListOptions pages through a tenant's jobs, newest first.
type ListOptions struct {
	Limit  int
	Cursor string
}

type Page struct {
	Jobs       []*Job `json:"jobs"`
	Total      int64  `json:"total"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// Store is the durable job record. Every tenant-facing read takes the
// caller's tenant; Transition is the only write after Create.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, tenantID, jobID string) (*Job, error)
	List(ctx context.Context, tenantID string, opts ListOptions) (Page, error)
	Transition(ctx context.Context, jobID string, from, to Status, upd Update) (*Job, error)
}
