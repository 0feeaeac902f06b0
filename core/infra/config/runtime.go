package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtime is the YAML-backed tuning surface: queues, job types, retention,
// reaper cadence, relay backoff, proxy routes and tenant resolution.
type Runtime struct {
	Workers   []WorkerGroup            `yaml:"workers"`
	JobTypes  map[string]JobTypeConfig `yaml:"job_types"`
	Retention RetentionConfig          `yaml:"retention"`
	Reaper    ReaperConfig             `yaml:"reaper"`
	Relay     RelayConfig              `yaml:"relay"`
	Routes    []RouteConfig            `yaml:"routes"`
	Tenant    TenantConfig             `yaml:"tenant"`
	Worker    WorkerConfig             `yaml:"worker"`
}

// WorkerGroup runs Concurrency workers, each polling every listed queue.
type WorkerGroup struct {
	Queues      []string `yaml:"queues"`
	Concurrency int      `yaml:"concurrency"`
}

type JobTypeConfig struct {
	Queue       string        `yaml:"queue"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type RetentionConfig struct {
	Horizon       time.Duration `yaml:"horizon"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	BatchSize     int64         `yaml:"batch_size"`
}

type ReaperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	QueuedTTL time.Duration `yaml:"queued_ttl"`
}

type RelayConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	BufferSize  int           `yaml:"buffer_size"`
}

type RouteConfig struct {
	Prefix      string `yaml:"prefix"`
	Target      string `yaml:"target"`
	StripPrefix bool   `yaml:"strip_prefix"`
}

type TenantConfig struct {
	ReservedLabels []string      `yaml:"reserved_labels"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheSize      int           `yaml:"cache_size"`
}

type WorkerConfig struct {
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// DefaultRuntime returns the configuration used when no file is supplied.
func DefaultRuntime() *Runtime {
	return &Runtime{
		Workers: []WorkerGroup{{Queues: []string{"default"}, Concurrency: 4}},
		JobTypes: map[string]JobTypeConfig{
			"mockup": {Queue: "default", Timeout: 2 * time.Minute, MaxAttempts: 3},
			"echo":   {Queue: "default", Timeout: 30 * time.Second, MaxAttempts: 1},
		},
		Retention: RetentionConfig{Horizon: 24 * time.Hour, SweepInterval: 10 * time.Minute, BatchSize: 500},
		Reaper:    ReaperConfig{Interval: 15 * time.Second, QueuedTTL: time.Hour},
		Relay:     RelayConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 10, BufferSize: 64},
		Tenant:    TenantConfig{ReservedLabels: []string{"www", "api", "admin"}, CacheTTL: time.Minute, CacheSize: 1024},
		Worker:    WorkerConfig{BlockTimeout: 2 * time.Second},
	}
}

// LoadRuntime loads a YAML runtime file; an empty path yields defaults.
// A missing file yields defaults together with the read error.
func LoadRuntime(path string) (*Runtime, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRuntime(), nil
	}
	// #nosec G304 -- runtime config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultRuntime(), fmt.Errorf("read runtime config: %w", err)
		}
		return nil, fmt.Errorf("read runtime config: %w", err)
	}
	return ParseRuntime(data)
}

// ParseRuntime parses YAML bytes, fills unset sections from defaults and validates.
func ParseRuntime(data []byte) (*Runtime, error) {
	cfg := DefaultRuntime()
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	var parsed Runtime
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse runtime config: %w", err)
	}
	merge(cfg, &parsed)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func merge(dst, src *Runtime) {
	if len(src.Workers) > 0 {
		dst.Workers = src.Workers
	}
	for name, jt := range src.JobTypes {
		base, ok := dst.JobTypes[name]
		if !ok {
			base = JobTypeConfig{Queue: "default", Timeout: time.Minute, MaxAttempts: 1}
		}
		if jt.Queue != "" {
			base.Queue = jt.Queue
		}
		if jt.Timeout != 0 {
			base.Timeout = jt.Timeout
		}
		if jt.MaxAttempts != 0 {
			base.MaxAttempts = jt.MaxAttempts
		}
		dst.JobTypes[name] = base
	}
	if src.Retention.Horizon != 0 {
		dst.Retention.Horizon = src.Retention.Horizon
	}
	if src.Retention.SweepInterval != 0 {
		dst.Retention.SweepInterval = src.Retention.SweepInterval
	}
	if src.Retention.BatchSize != 0 {
		dst.Retention.BatchSize = src.Retention.BatchSize
	}
	if src.Reaper.Interval != 0 {
		dst.Reaper.Interval = src.Reaper.Interval
	}
	if src.Reaper.QueuedTTL != 0 {
		dst.Reaper.QueuedTTL = src.Reaper.QueuedTTL
	}
	if src.Relay.BaseDelay != 0 {
		dst.Relay.BaseDelay = src.Relay.BaseDelay
	}
	if src.Relay.MaxDelay != 0 {
		dst.Relay.MaxDelay = src.Relay.MaxDelay
	}
	if src.Relay.MaxAttempts != 0 {
		dst.Relay.MaxAttempts = src.Relay.MaxAttempts
	}
	if src.Relay.BufferSize != 0 {
		dst.Relay.BufferSize = src.Relay.BufferSize
	}
	if len(src.Routes) > 0 {
		dst.Routes = src.Routes
	}
	if src.Tenant.ReservedLabels != nil {
		dst.Tenant.ReservedLabels = src.Tenant.ReservedLabels
	}
	if src.Tenant.CacheTTL != 0 {
		dst.Tenant.CacheTTL = src.Tenant.CacheTTL
	}
	if src.Tenant.CacheSize != 0 {
		dst.Tenant.CacheSize = src.Tenant.CacheSize
	}
	if src.Worker.BlockTimeout != 0 {
		dst.Worker.BlockTimeout = src.Worker.BlockTimeout
	}
}

// Validate rejects configurations the worker or gateway cannot run with.
func (r *Runtime) Validate() error {
	served := map[string]bool{}
	for i, g := range r.Workers {
		if g.Concurrency <= 0 {
			return fmt.Errorf("workers[%d]: concurrency must be positive", i)
		}
		if len(g.Queues) == 0 {
			return fmt.Errorf("workers[%d]: at least one queue required", i)
		}
		for _, q := range g.Queues {
			if strings.TrimSpace(q) == "" {
				return fmt.Errorf("workers[%d]: empty queue name", i)
			}
			served[q] = true
		}
	}
	for name, jt := range r.JobTypes {
		if jt.Timeout <= 0 {
			return fmt.Errorf("job_types.%s: timeout must be positive", name)
		}
		if jt.MaxAttempts <= 0 {
			return fmt.Errorf("job_types.%s: max_attempts must be positive", name)
		}
		if !served[jt.Queue] {
			return fmt.Errorf("job_types.%s: queue %q has no workers", name, jt.Queue)
		}
	}
	if r.Retention.Horizon <= 0 || r.Retention.SweepInterval <= 0 || r.Retention.BatchSize <= 0 {
		return fmt.Errorf("retention: horizon, sweep_interval and batch_size must be positive")
	}
	if r.Reaper.Interval <= 0 || r.Reaper.QueuedTTL <= 0 {
		return fmt.Errorf("reaper: interval and queued_ttl must be positive")
	}
	if r.Relay.BaseDelay <= 0 || r.Relay.MaxDelay < r.Relay.BaseDelay {
		return fmt.Errorf("relay: base_delay must be positive and not exceed max_delay")
	}
	if r.Relay.MaxAttempts <= 0 || r.Relay.BufferSize <= 0 {
		return fmt.Errorf("relay: max_attempts and buffer_size must be positive")
	}
	seen := map[string]bool{}
	for i, rt := range r.Routes {
		if !strings.HasPrefix(rt.Prefix, "/") {
			return fmt.Errorf("routes[%d]: prefix must start with /", i)
		}
		if strings.TrimSpace(rt.Target) == "" {
			return fmt.Errorf("routes[%d]: target required", i)
		}
		if seen[rt.Prefix] {
			return fmt.Errorf("routes[%d]: duplicate prefix %q", i, rt.Prefix)
		}
		seen[rt.Prefix] = true
	}
	if r.Worker.BlockTimeout <= 0 {
		return fmt.Errorf("worker: block_timeout must be positive")
	}
	return nil
}

// Queues returns every queue name served by a worker group, in first-seen order.
func (r *Runtime) Queues() []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range r.Workers {
		for _, q := range g.Queues {
			if !seen[q] {
				seen[q] = true
				out = append(out, q)
			}
		}
	}
	return out
}
