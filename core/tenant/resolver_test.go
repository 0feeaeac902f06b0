package tenant

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu      sync.Mutex
	byID    map[string]*Tenant
	keys    map[string]string
	calls   int
	failErr error
}

func newFakeRegistry(tenants ...Tenant) *fakeRegistry {
	f := &fakeRegistry{byID: map[string]*Tenant{}, keys: map[string]string{}}
	for i := range tenants {
		t := tenants[i]
		f.byID[t.ID] = &t
	}
	return f
}

func (f *fakeRegistry) LookupByID(_ context.Context, id string) (*Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	if t, ok := f.byID[id]; ok {
		return t, nil
	}
	return nil, ErrTenantNotFound
}

func (f *fakeRegistry) LookupBySubdomain(_ context.Context, label string) (*Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	for _, t := range f.byID {
		if t.Subdomain == label {
			return t, nil
		}
	}
	return nil, ErrTenantNotFound
}

func (f *fakeRegistry) LookupByAPIKey(_ context.Context, key string) (*Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if id, ok := f.keys[key]; ok {
		return f.byID[id], nil
	}
	return nil, ErrTenantNotFound
}

func (f *fakeRegistry) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testRegistry() *fakeRegistry {
	reg := newFakeRegistry(
		Tenant{ID: "t1", Subdomain: "acme", Status: StatusActive},
		Tenant{ID: "t2", Subdomain: "globex", Status: StatusActive},
		Tenant{ID: "t3", Subdomain: "frozen", Status: StatusSuspended},
	)
	reg.keys["secret-key"] = "t2"
	return reg
}

func TestResolveOrder(t *testing.T) {
	r := NewResolver(testRegistry(), ResolverOptions{ReservedLabels: []string{"www"}})
	cases := []struct {
		name       string
		host       string
		path       string
		apiKey     string
		wantTenant string
		wantSource Source
		wantPrefix string
	}{
		{"subdomain", "acme.shop.example.com", "/jobs", "", "t1", SourceSubdomain, ""},
		{"subdomain with port", "acme.shop.example.com:8443", "/t2/jobs", "", "t1", SourceSubdomain, ""},
		{"path when no subdomain", "shop.example.com", "/t2/jobs", "", "t2", SourcePath, "/t2"},
		{"reserved label falls to path", "www.shop.example.com", "/t1", "", "t1", SourcePath, "/t1"},
		{"numeric label falls to path", "123.shop.example.com", "/t1/x", "", "t1", SourcePath, "/t1"},
		{"loopback falls to path", "localhost:8081", "/t2/jobs", "", "t2", SourcePath, "/t2"},
		{"ip host falls to path", "127.0.0.1:8081", "/t1/jobs", "", "t1", SourcePath, "/t1"},
		{"unknown subdomain falls to path", "nobody.shop.example.com", "/t2", "", "t2", SourcePath, "/t2"},
		{"api key last", "localhost", "/jobs", "secret-key", "t2", SourceAPIKey, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://placeholder"+tc.path, nil)
			req.Host = tc.host
			if tc.apiKey != "" {
				req.Header.Set(HeaderAPIKey, tc.apiKey)
			}
			res, err := r.Resolve(req)
			require.NoError(t, err)
			assert.Equal(t, tc.wantTenant, res.TenantID())
			assert.Equal(t, tc.wantSource, res.Source)
			assert.Equal(t, tc.wantPrefix, res.PathPrefix)
		})
	}
}

func TestResolveFailures(t *testing.T) {
	r := NewResolver(testRegistry(), ResolverOptions{ReservedLabels: []string{"www"}})
	cases := map[string]struct{ host, path, key string }{
		"nothing usable":   {"localhost", "/jobs", ""},
		"unknown api key":  {"localhost", "/jobs", "nope"},
		"reserved only":    {"www.example.com", "/", ""},
		"suspended tenant": {"frozen.example.com", "/t1", ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://x"+tc.path, nil)
			req.Host = tc.host
			if tc.key != "" {
				req.Header.Set(HeaderAPIKey, tc.key)
			}
			_, err := r.Resolve(req)
			assert.True(t, errors.Is(err, ErrTenantNotFound), "got %v", err)
		})
	}
}

func TestResolveRegistryError(t *testing.T) {
	reg := testRegistry()
	reg.failErr = errors.New("db down")
	r := NewResolver(reg, ResolverOptions{})
	req := httptest.NewRequest("GET", "http://acme.example.com/jobs", nil)
	_, err := r.Resolve(req)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTenantNotFound))
}

func TestResolveCachesLookups(t *testing.T) {
	reg := testRegistry()
	r := NewResolver(reg, ResolverOptions{CacheTTL: time.Minute})
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "http://acme.example.com/jobs", nil)
		res, err := r.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, "t1", res.TenantID())
	}
	assert.Equal(t, 1, reg.callCount())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "http://localhost/unknown", nil)
		_, err := r.Resolve(req)
		require.Error(t, err)
	}
	assert.Equal(t, 2, reg.callCount(), "misses are cached too")
}

func TestResolveCacheExpires(t *testing.T) {
	reg := testRegistry()
	r := NewResolver(reg, ResolverOptions{CacheTTL: 20 * time.Millisecond})
	req := httptest.NewRequest("GET", "http://acme.example.com/", nil)
	_, err := r.Resolve(req)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = r.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.callCount())
}

func TestSubdomainLabelWithBaseDomain(t *testing.T) {
	r := NewResolver(testRegistry(), ResolverOptions{BaseDomain: "shop.example.com", ReservedLabels: []string{"www"}})
	cases := map[string]string{
		"acme.shop.example.com":     "acme",
		"ACME.Shop.Example.com:443": "acme",
		"shop.example.com":          "",
		"a.b.shop.example.com":      "",
		"acme.other.com":            "",
		"www.shop.example.com":      "",
		"42.shop.example.com":       "",
		"[::1]:8080":                "",
		"acme.shop.example.com.":    "acme",
	}
	for host, want := range cases {
		got, ok := r.SubdomainLabel(host)
		assert.Equal(t, want, got, host)
		assert.Equal(t, want != "", ok, host)
	}
}

func TestAPIKeyFromSubprotocol(t *testing.T) {
	r := NewResolver(testRegistry(), ResolverOptions{})
	req := httptest.NewRequest("GET", "http://localhost/api/v1/stream", nil)
	enc := base64.RawURLEncoding.EncodeToString([]byte("secret-key"))
	req.Header.Set("Sec-WebSocket-Protocol", "json, "+SubprotocolAPIKeyPrefix+enc)
	res, err := r.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "t2", res.TenantID())
	assert.Equal(t, SourceAPIKey, res.Source)
}

func TestHashAPIKey(t *testing.T) {
	assert.Len(t, HashAPIKey("x"), 64)
	assert.NotEqual(t, HashAPIKey("x"), HashAPIKey("y"))
}
