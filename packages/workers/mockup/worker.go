// Package mockup renders product mockups: a tenant's artwork placed on a
// template. Rendering itself is delegated to a Renderer; the worker owns
// validation, the render manifest and the result artifact.
package mockup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/infra/memory"
	"github.com/cordum/tenantgate/core/jobs"
)

const (
	TypeName = "mockup"

	defaultFormat = "png"
	defaultCanvas = 1200
)

var payloadSchema = []byte(`{
  "type": "object",
  "required": ["template_id", "image_url"],
  "properties": {
    "template_id": {"type": "string", "minLength": 1},
    "image_url": {"type": "string", "minLength": 1},
    "format": {"type": "string", "enum": ["png", "jpeg", "webp"]},
    "placement": {
      "type": "object",
      "properties": {
        "x": {"type": "integer", "minimum": 0},
        "y": {"type": "integer", "minimum": 0},
        "width": {"type": "integer", "minimum": 1},
        "height": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`)

type Placement struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Payload struct {
	TemplateID string     `json:"template_id"`
	ImageURL   string     `json:"image_url"`
	Placement  *Placement `json:"placement,omitempty"`
	Format     string     `json:"format,omitempty"`
}

type Result struct {
	MockupURL  string    `json:"mockup_url"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Format     string    `json:"format"`
	RenderedAt time.Time `json:"rendered_at"`
}

// Manifest is the render description stored as the job's result artifact.
type Manifest struct {
	JobID      string    `json:"job_id"`
	TenantID   string    `json:"tenant_id"`
	TemplateID string    `json:"template_id"`
	ImageURL   string    `json:"image_url"`
	Placement  Placement `json:"placement"`
	Format     string    `json:"format"`
	Canvas     int       `json:"canvas"`
	Attempt    int       `json:"attempt"`
}

// Renderer turns a manifest into pixels. The default renderer only waits
// RenderDelay; real backends plug in here.
type Renderer interface {
	Render(ctx context.Context, m Manifest) error
}

type RendererFunc func(ctx context.Context, m Manifest) error

func (f RendererFunc) Render(ctx context.Context, m Manifest) error { return f(ctx, m) }

type Options struct {
	Artifacts   memory.ArtifactStore
	Renderer    Renderer
	RenderDelay time.Duration
	Canvas      int
	// Now is overridable for tests.
	Now func() time.Time
}

type Worker struct {
	artifacts memory.ArtifactStore
	renderer  Renderer
	canvas    int
	now       func() time.Time
}

func New(opts Options) (*Worker, error) {
	if opts.Artifacts == nil {
		return nil, fmt.Errorf("mockup: artifact store required")
	}
	w := &Worker{artifacts: opts.Artifacts, renderer: opts.Renderer, canvas: opts.Canvas, now: opts.Now}
	if w.canvas <= 0 {
		w.canvas = defaultCanvas
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.renderer == nil {
		delay := opts.RenderDelay
		w.renderer = RendererFunc(func(ctx context.Context, _ Manifest) error {
			if delay <= 0 {
				return nil
			}
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		})
	}
	return w, nil
}

// Register binds the mockup type on the default queue.
func Register(reg *jobs.Registry, w *Worker, opts jobs.TypeOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	opts.Schema = payloadSchema
	return jobs.Register(reg, TypeName, opts, w.Handle)
}

func (w *Worker) Handle(ctx context.Context, job *jobs.Job, p Payload) (Result, error) {
	m := Manifest{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		TemplateID: p.TemplateID,
		ImageURL:   p.ImageURL,
		Format:     p.Format,
		Canvas:     w.canvas,
		Attempt:    job.Attempts,
	}
	if m.Format == "" {
		m.Format = defaultFormat
	}
	if p.Placement != nil {
		m.Placement = *p.Placement
	} else {
		m.Placement = Placement{Width: w.canvas, Height: w.canvas}
	}
	if m.Placement.X+m.Placement.Width > w.canvas || m.Placement.Y+m.Placement.Height > w.canvas {
		return Result{}, fmt.Errorf("placement %dx%d at (%d,%d) exceeds %dpx canvas",
			m.Placement.Width, m.Placement.Height, m.Placement.X, m.Placement.Y, w.canvas)
	}

	if err := w.renderer.Render(ctx, m); err != nil {
		return Result{}, fmt.Errorf("render %s: %w", p.TemplateID, err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return Result{}, err
	}
	ptr, err := w.artifacts.PutResult(ctx, job.ID, data)
	if err != nil {
		return Result{}, err
	}
	logging.Info("worker-mockup", "mockup rendered",
		"job_id", job.ID, "tenant_id", job.TenantID, "template_id", p.TemplateID, "artifact", ptr)

	return Result{
		MockupURL:  ptr,
		Width:      m.Placement.Width,
		Height:     m.Placement.Height,
		Format:     m.Format,
		RenderedAt: w.now().UTC(),
	}, nil
}
