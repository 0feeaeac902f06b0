// Package gateway is the tenant-facing HTTP surface: tenant resolution, the
// jobs API, the status stream and prefix routing to backend services.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cordum/tenantgate/core/controlplane/relay"
	"github.com/cordum/tenantgate/core/controlplane/scheduler"
	"github.com/cordum/tenantgate/core/infra/locks"
	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/infra/metrics"
	"github.com/cordum/tenantgate/core/infra/queue"
	"github.com/cordum/tenantgate/core/jobs"
	"github.com/cordum/tenantgate/core/tenant"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// BusStatus reports event bus connectivity for /api/v1/status.
type BusStatus interface {
	IsConnected() bool
	Status() string
	ConnectedURL() string
}

// LeaseReader reports who holds a maintenance lease.
type LeaseReader interface {
	Get(ctx context.Context, resource string) (*locks.Lease, error)
}

type Options struct {
	Resolver   *tenant.Resolver
	Jobs       jobs.Store
	Dispatcher *scheduler.Dispatcher
	Queue      queue.Dispatcher
	Queues     []string
	Hub        *relay.Hub
	Router     *Router
	Bus        BusStatus
	Leases     LeaseReader
	Metrics    metrics.GatewayMetrics

	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
}

type Server struct {
	resolver *tenant.Resolver
	jobs     jobs.Store
	disp     *scheduler.Dispatcher
	queue    queue.Dispatcher
	queues   []string
	hub      *relay.Hub
	router   *Router
	bus      BusStatus
	leases   LeaseReader
	metrics  metrics.GatewayMetrics
	limiter  *tenantLimiter
	origins  map[string]struct{}
	allowAll bool
	started  time.Time
}

func New(opts Options) (*Server, error) {
	if opts.Resolver == nil || opts.Jobs == nil || opts.Dispatcher == nil || opts.Hub == nil {
		return nil, errors.New("gateway: resolver, job store, dispatcher and hub are required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Router == nil {
		r, err := NewRouter(nil, nil, opts.Metrics)
		if err != nil {
			return nil, err
		}
		opts.Router = r
	}
	origins, allowAll := parseOrigins(opts.AllowedOrigins)
	return &Server{
		resolver: opts.Resolver,
		jobs:     opts.Jobs,
		disp:     opts.Dispatcher,
		queue:    opts.Queue,
		queues:   opts.Queues,
		hub:      opts.Hub,
		router:   opts.Router,
		bus:      opts.Bus,
		leases:   opts.Leases,
		metrics:  opts.Metrics,
		limiter:  newTenantLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		origins:  origins,
		allowAll: allowAll,
		started:  time.Now(),
	}, nil
}

// Handler returns the full middleware chain: CORS, tenant resolution, rate
// limiting, then the route table. Anything the table does not own goes to
// the prefix router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	mux.HandleFunc("POST /jobs", s.instrumented("/jobs", s.handleSubmitJob))
	mux.HandleFunc("GET /jobs", s.instrumented("/jobs", s.handleListJobs))
	mux.HandleFunc("GET /jobs/{id}", s.instrumented("/jobs/{id}", s.handleGetJob))
	mux.HandleFunc("POST /jobs/{id}/cancel", s.instrumented("/jobs/{id}/cancel", s.handleCancelJob))

	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream",
		relay.NewStreamHandler(s.hub, func(r *http.Request) bool { return isAllowedOrigin(r, s.origins, s.allowAll) }).ServeHTTP))

	mux.HandleFunc("/", s.instrumented("proxy", s.router.ServeHTTP))

	untenanted := func(r *http.Request) bool {
		return r.Method == http.MethodOptions || r.URL.Path == "/health" || r.URL.Path == "/api/v1/status"
	}
	resolved := tenant.Middleware(s.resolver, untenanted)(rateLimitMiddleware(s.limiter, mux))
	return corsMiddleware(s.origins, s.allowAll, resolved)
}

// Run serves the API on addr and metrics on metricsAddr until ctx is done,
// then shuts both down and closes live streams.
func (s *Server) Run(ctx context.Context, addr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if metricsAddr != "" {
		go func() {
			logging.Info("gateway", "metrics listening", "addr", metricsAddr+"/metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("gateway", "metrics server error", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway", "http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("gateway", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("gateway", "http shutdown", "error", err)
	}
	if metricsAddr != "" {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()

	natsStatus := map[string]any{"connected": false, "status": "DISABLED", "url": ""}
	if s.bus != nil {
		natsStatus = map[string]any{
			"connected": s.bus.IsConnected(),
			"status":    s.bus.Status(),
			"url":       s.bus.ConnectedURL(),
		}
	}

	redisOK := false
	redisErr := ""
	if p, ok := s.jobs.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			redisErr = err.Error()
		} else {
			redisOK = true
		}
	} else {
		redisErr = "job store has no health check"
	}

	depths := map[string]map[jobs.Priority]int64{}
	if s.queue != nil {
		for _, name := range s.queues {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			d, err := s.queue.Depth(ctx, name)
			cancel()
			if err != nil {
				logging.Warn("gateway", "queue depth", "queue", name, "error", err)
				continue
			}
			depths[name] = d
		}
	}

	leaders := map[string]*locks.Lease{}
	if s.leases != nil {
		for _, resource := range scheduler.LeaderResources() {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			lease, err := s.leases.Get(ctx, resource)
			cancel()
			if err != nil {
				logging.Warn("gateway", "read lease", "resource", resource, "error", err)
				continue
			}
			leaders[resource] = lease
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": int64(now.Sub(s.started).Seconds()),
		"nats":           natsStatus,
		"redis":          map[string]any{"ok": redisOK, "error": redisErr},
		"queues":         depths,
		"stream":         map[string]any{"subscribers": s.hub.Len()},
		"leaders":        leaders,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("gateway", "encode response", "error", err)
	}
}
