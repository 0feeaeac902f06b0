// Package client talks to a tenantgate gateway: the /jobs API over HTTP and
// the job_update stream over a reconnecting websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/tenantgate/core/jobs"
)

// Client is a minimal HTTP client for the gateway.
type Client struct {
	BaseURL string
	APIKey  string
	// Host overrides the Host header, for subdomain tenancy behind a
	// loopback or load balancer address.
	Host string
	// Tenant, when set, is sent as the first path segment.
	Tenant     string
	HTTPClient *http.Client
}

// New returns a client with a default HTTP timeout.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// StatusError is a non-2xx gateway answer. Message is the plain-text body.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// IsNotFound reports a 404, which covers both absent jobs and jobs owned by
// another tenant.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

type SubmitRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority jobs.Priority   `json:"priority,omitempty"`
}

type SubmitResponse struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

type ListResponse struct {
	Jobs       []*jobs.Job `json:"jobs"`
	Total      int64       `json:"total"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.Tenant != "" {
		base += "/" + url.PathEscape(c.Tenant)
	}
	return base + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	if c.Host != "" {
		req.Host = c.Host
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// Submit enqueues a job and returns its id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if strings.TrimSpace(req.Type) == "" {
		return nil, fmt.Errorf("job type required")
	}
	var out SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id required")
	}
	var out jobs.Job
	if err := c.doJSON(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns one page of the tenant's jobs, newest first.
func (c *Client) List(ctx context.Context, limit int, cursor string) (*ListResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out ListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel expires a job that has not started yet.
func (c *Client) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id required")
	}
	var out jobs.Job
	if err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait polls until the job reaches a terminal status or ctx ends.
func (c *Client) Wait(ctx context.Context, jobID string, interval time.Duration) (*jobs.Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
