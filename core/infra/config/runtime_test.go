package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRuntimeValid(t *testing.T) {
	cfg := DefaultRuntime()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.Retention.Horizon)
	assert.Equal(t, []string{"default"}, cfg.Queues())
	assert.Contains(t, cfg.Tenant.ReservedLabels, "www")
}

func TestLoadRuntimeEmptyPath(t *testing.T) {
	cfg, err := LoadRuntime("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRuntime(), cfg)
}

func TestLoadRuntimeMissingFile(t *testing.T) {
	cfg, err := LoadRuntime(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 24*time.Hour, cfg.Retention.Horizon)
}

func TestLoadRuntimePartial(t *testing.T) {
	data := []byte(`
workers:
  - queues: [mockups]
    concurrency: 8
  - queues: [default, mockups]
    concurrency: 1
job_types:
  mockup:
    queue: mockups
    timeout: 45s
  thumbnail:
    queue: mockups
    max_attempts: 5
retention:
  horizon: 2h
relay:
  base_delay: 500ms
  max_delay: 5s
  max_attempts: 4
routes:
  - prefix: /api/catalog
    target: http://catalog:8080
tenant:
  reserved_labels: [www, static]
`)
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadRuntime(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"mockups", "default"}, cfg.Queues())
	assert.Equal(t, JobTypeConfig{Queue: "mockups", Timeout: 45 * time.Second, MaxAttempts: 3}, cfg.JobTypes["mockup"])
	assert.Equal(t, JobTypeConfig{Queue: "mockups", Timeout: time.Minute, MaxAttempts: 5}, cfg.JobTypes["thumbnail"])
	assert.Equal(t, 2*time.Hour, cfg.Retention.Horizon)
	assert.Equal(t, 10*time.Minute, cfg.Retention.SweepInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.BaseDelay)
	assert.Equal(t, 4, cfg.Relay.MaxAttempts)
	assert.Equal(t, 64, cfg.Relay.BufferSize)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "http://catalog:8080", cfg.Routes[0].Target)
	assert.Equal(t, []string{"www", "static"}, cfg.Tenant.ReservedLabels)
}

func TestParseRuntimeInvalid(t *testing.T) {
	cases := map[string]string{
		"syntax":           "workers: [",
		"zero concurrency": "workers:\n  - queues: [default]\n    concurrency: 0\n",
		"unserved queue":   "job_types:\n  mockup:\n    queue: nowhere\n",
		"bad backoff":      "relay:\n  base_delay: 10s\n  max_delay: 1s\n",
		"duplicate prefix": "routes:\n  - {prefix: /a, target: http://x}\n  - {prefix: /a, target: http://y}\n",
		"relative prefix":  "routes:\n  - {prefix: a, target: http://x}\n",
		"negative max":     "job_types:\n  echo:\n    max_attempts: -1\n",
		"negative timeout": "job_types:\n  echo:\n    timeout: -1s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRuntime([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseRuntimeBlank(t *testing.T) {
	cfg, err := ParseRuntime([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultRuntime(), cfg)
}
