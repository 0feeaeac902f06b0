package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cordum/tenantgate/core/controlplane/relay"
	"github.com/cordum/tenantgate/core/controlplane/scheduler"
	"github.com/cordum/tenantgate/core/infra/config"
	"github.com/cordum/tenantgate/core/infra/locks"
	"github.com/cordum/tenantgate/core/infra/memory"
	"github.com/cordum/tenantgate/core/infra/queue"
	"github.com/cordum/tenantgate/core/jobs"
	"github.com/cordum/tenantgate/core/tenant"
	"github.com/cordum/tenantgate/packages/workers/catalog"
)

type mockupPayload struct {
	TemplateID string `json:"template_id"`
}

type mockupResult struct {
	MockupURL string `json:"mockup_url"`
}

type seenRequest struct {
	Method   string
	Path     string
	RawQuery string
	TenantID string
	Body     string
}

type backend struct {
	*httptest.Server
	mu   sync.Mutex
	last seenRequest
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.last = seenRequest{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			TenantID: r.Header.Get(HeaderTenantID),
			Body:     string(body),
		}
		b.mu.Unlock()
		w.Header().Set("X-Backend", "templates")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("backend:" + r.URL.Path))
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) lastRequest() seenRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

type testEnv struct {
	mr        *miniredis.Miniredis
	store     *memory.RedisJobStore
	artifacts *memory.RedisStore
	locks     *locks.RedisStore
	queue     *queue.RedisQueue
	hub       *relay.Hub
	pool      *scheduler.Pool
	backend   *backend
	srv       *httptest.Server
}

type envOptions struct {
	rps   float64
	burst int
	// catalog serves the production job types instead of the stub mockup.
	catalog bool
}

func newEnv(t *testing.T, eo envOptions) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	reg := tenant.NewRedisRegistry(client)
	for _, tn := range []tenant.Tenant{
		{ID: "t1", Subdomain: "acme"},
		{ID: "t2", Subdomain: "globex"},
		{ID: "t3", Subdomain: "frozen", Status: tenant.StatusSuspended},
	} {
		if err := reg.Put(ctx, tn); err != nil {
			t.Fatalf("seed tenant: %v", err)
		}
	}
	if err := reg.AddAPIKey(ctx, "t1", "key-1"); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	env := &testEnv{
		mr:        mr,
		store:     memory.NewRedisJobStore(client),
		artifacts: memory.NewRedisStore(client, time.Hour),
		locks:     locks.NewRedisStore(client),
		queue:     queue.NewRedisQueue(client),
		hub:       relay.NewHub(16, nil),
		backend:   newBackend(t),
	}

	registry := jobs.NewRegistry()
	if eo.catalog {
		registry, err = catalog.Build(config.DefaultRuntime(), env.artifacts, "test-worker")
		if err != nil {
			t.Fatalf("catalog: %v", err)
		}
	} else {
		jobs.MustRegister(registry, "mockup", jobs.TypeOptions{Timeout: 5 * time.Second},
			func(ctx context.Context, job *jobs.Job, p mockupPayload) (mockupResult, error) {
				return mockupResult{MockupURL: "https://cdn.example.com/" + p.TemplateID + "/" + job.ID + ".png"}, nil
			})
	}
	disp := scheduler.NewDispatcher(env.store, env.queue, registry, env.hub, nil)
	env.pool = scheduler.NewPool(env.store, env.queue, registry, env.hub, nil, scheduler.PoolConfig{
		Groups:       []config.WorkerGroup{{Queues: []string{jobs.DefaultQueue}, Concurrency: 1}},
		BlockTimeout: time.Second,
	})
	router, err := NewRouter([]config.RouteConfig{
		{Prefix: "/api/templates", Target: env.backend.URL},
	}, http.DefaultTransport, nil)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	gw, err := New(Options{
		Resolver:       tenant.NewResolver(reg, tenant.ResolverOptions{BaseDomain: "example.com", ReservedLabels: []string{"www"}}),
		Jobs:           env.store,
		Dispatcher:     disp,
		Queue:          env.queue,
		Queues:         []string{jobs.DefaultQueue},
		Hub:            env.hub,
		Router:         router,
		Leases:         env.locks,
		RateLimitRPS:   eo.rps,
		RateLimitBurst: eo.burst,
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	env.srv = httptest.NewServer(gw.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

type response struct {
	Status int
	Header http.Header
	Body   string
}

func (e *testEnv) do(t *testing.T, method, host, path, body string, headers ...string) response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Host = host
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return response{Status: resp.StatusCode, Header: resp.Header, Body: string(data)}
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return v
}
