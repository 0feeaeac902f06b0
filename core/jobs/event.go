package jobs

import (
	"encoding/json"
	"time"
)

const EventJobUpdate = "job_update"

// Event is pushed to subscribers of the job's tenant on every transition.
type Event struct {
	Type     string          `json:"type"`
	JobID    string          `json:"job_id"`
	TenantID string          `json:"tenant_id"`
	JobType  string          `json:"job_type"`
	Status   Status          `json:"status"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	At       time.Time       `json:"at"`
}

func UpdateEvent(job *Job, at time.Time) Event {
	return Event{
		Type:     EventJobUpdate,
		JobID:    job.ID,
		TenantID: job.TenantID,
		JobType:  job.Type,
		Status:   job.Status,
		Attempts: job.Attempts,
		Error:    job.Error,
		Result:   job.Result,
		At:       at.UTC(),
	}
}
