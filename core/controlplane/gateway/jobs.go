package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cordum/tenantgate/core/controlplane/scheduler"
	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/jobs"
	"github.com/cordum/tenantgate/core/tenant"
)

type submitJobResponse struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

type listJobsResponse struct {
	Jobs       []*jobs.Job `json:"jobs"`
	Total      int64       `json:"total"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.IDFromContext(r.Context())
	var sub scheduler.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&sub); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if sub.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	job, err := s.disp.Submit(r.Context(), tenantID, sub)
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, submitJobResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), tenant.IDFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := jobs.ListOptions{Cursor: r.URL.Query().Get("cursor")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = limit
	}
	page, err := s.jobs.List(r.Context(), tenant.IDFromContext(r.Context()), opts)
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	if page.Jobs == nil {
		page.Jobs = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: page.Jobs, Total: page.Total, NextCursor: page.NextCursor})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.disp.Cancel(r.Context(), tenant.IDFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// writeJobError maps the job error taxonomy onto HTTP. Not-owned and absent
// jobs are indistinguishable.
func (s *Server) writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, jobs.ErrConflict):
		http.Error(w, "job already started or finished", http.StatusConflict)
	case errors.Is(err, scheduler.ErrUnavailable):
		logging.Error("gateway", "job backend unavailable", "path", r.URL.Path, "error", err)
		http.Error(w, "job queue unavailable", http.StatusServiceUnavailable)
	default:
		logging.Error("gateway", "job request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
