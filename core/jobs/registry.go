package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cordum/tenantgate/core/infra/config"
	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/infra/schema"
)

const (
	DefaultQueue       = "default"
	defaultTimeout     = time.Minute
	defaultMaxAttempts = 1
)

// TypeOptions binds a job type to its queue, limits and payload schema.
type TypeOptions struct {
	Queue       string
	Timeout     time.Duration
	MaxAttempts int
	// Schema is a JSON Schema document the payload must satisfy. Optional.
	Schema []byte
}

// Definition is a registered job type.
type Definition struct {
	Name        string
	Queue       string
	Timeout     time.Duration
	MaxAttempts int

	schema *schema.Schema
	decode func(json.RawMessage) error
	run    func(ctx context.Context, job *Job) (json.RawMessage, error)
}

// Run decodes the payload and invokes the typed handler, encoding its result.
func (d *Definition) Run(ctx context.Context, job *Job) (json.RawMessage, error) {
	return d.run(ctx, job)
}

// Registry maps job type names to typed handlers.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]*Definition{}}
}

// Register binds name to fn. P is decoded from the job payload and R is
// encoded as the job result.
func Register[P, R any](reg *Registry, name string, opts TypeOptions, fn func(ctx context.Context, job *Job, payload P) (R, error)) error {
	if name == "" {
		return fmt.Errorf("job type name required")
	}
	if fn == nil {
		return fmt.Errorf("job type %s: nil handler", name)
	}
	def := &Definition{
		Name:        name,
		Queue:       opts.Queue,
		Timeout:     opts.Timeout,
		MaxAttempts: opts.MaxAttempts,
	}
	if def.Queue == "" {
		def.Queue = DefaultQueue
	}
	if def.Timeout <= 0 {
		def.Timeout = defaultTimeout
	}
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = defaultMaxAttempts
	}
	if len(opts.Schema) > 0 {
		compiled, err := schema.Compile("jobs/"+name, opts.Schema)
		if err != nil {
			return fmt.Errorf("job type %s: %w", name, err)
		}
		def.schema = compiled
	}
	def.decode = func(raw json.RawMessage) error {
		_, err := decodePayload[P](raw)
		return err
	}
	def.run = func(ctx context.Context, job *Job) (json.RawMessage, error) {
		payload, err := decodePayload[P](job.Payload)
		if err != nil {
			return nil, &HandlerError{Msg: err.Error()}
		}
		out, err := fn(ctx, job, payload)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, &HandlerError{Msg: fmt.Sprintf("encode result: %v", err)}
		}
		return data, nil
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.defs[name]; exists {
		return fmt.Errorf("job type %s already registered", name)
	}
	reg.defs[name] = def
	return nil
}

// MustRegister is Register for handler wiring at process start.
func MustRegister[P, R any](reg *Registry, name string, opts TypeOptions, fn func(ctx context.Context, job *Job, payload P) (R, error)) {
	if err := Register(reg, name, opts, fn); err != nil {
		panic(err)
	}
}

func decodePayload[P any](raw json.RawMessage) (P, error) {
	var payload P
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Types returns registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks a submission before any state is written.
func (r *Registry) Validate(jobType string, payload json.RawMessage) (*Definition, error) {
	def, ok := r.Lookup(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: unregistered job type %q", ErrInvalidPayload, jobType)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if def.schema != nil {
		if err := def.schema.Validate([]byte(payload)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := def.decode(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return def, nil
}

// Apply overrides queue and limits from runtime configuration.
func (r *Registry) Apply(types map[string]config.JobTypeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, cfg := range types {
		def, ok := r.defs[name]
		if !ok {
			logging.Warn("jobs", "config names unregistered job type", "type", name)
			continue
		}
		if cfg.Queue != "" {
			def.Queue = cfg.Queue
		}
		if cfg.Timeout > 0 {
			def.Timeout = cfg.Timeout
		}
		if cfg.MaxAttempts > 0 {
			def.MaxAttempts = cfg.MaxAttempts
		}
	}
}
