package jobs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound covers both absent jobs and jobs owned by another tenant.
	ErrNotFound = errors.New("job not found")
	// ErrConflict means the stored status did not match the expected one.
	ErrConflict = errors.New("job status conflict")
	// ErrInvalidPayload rejects unregistered types and payloads failing their schema.
	ErrInvalidPayload = errors.New("invalid payload")
)

// HandlerError is a failure raised by (or recovered from) a job handler.
type HandlerError struct {
	Msg   string
	Panic bool
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return "handler panic: " + e.Msg
	}
	return e.Msg
}

// TimeoutError is recorded by the reaper when a job exhausts its attempts.
type TimeoutError struct {
	Timeout  time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s (attempt %d)", e.Timeout, e.Attempts)
}

// IsConflict reports whether err is a failed compare-and-swap.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
