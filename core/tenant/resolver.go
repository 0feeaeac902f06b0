package tenant

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Source string

const (
	SourceSubdomain Source = "subdomain"
	SourcePath      Source = "path"
	SourceAPIKey    Source = "api_key"

	HeaderAPIKey = "X-API-Key"
	// WebSocket clients cannot set headers; they may offer the key as a
	// subprotocol "tenantgate-api-key.<base64url(key)>".
	SubprotocolAPIKeyPrefix = "tenantgate-api-key."

	defaultCacheTTL  = time.Minute
	defaultCacheSize = 1024
)

// Resolution is the outcome of a successful resolve.
type Resolution struct {
	Tenant *Tenant
	Source Source
	// PathPrefix is "/<segment>" when the tenant came from the path.
	PathPrefix string
}

func (r Resolution) TenantID() string {
	if r.Tenant == nil {
		return ""
	}
	return r.Tenant.ID
}

type ResolverOptions struct {
	// BaseDomain, when set, is the apex under which tenant labels live
	// (acme.<BaseDomain>). When empty the leftmost label of any host with
	// three or more labels is used.
	BaseDomain     string
	ReservedLabels []string
	CacheTTL       time.Duration
	CacheSize      int
}

// Resolver derives a tenant from subdomain, then first path segment, then
// API key. Lookups, including misses, are cached for CacheTTL.
type Resolver struct {
	registry   Registry
	baseDomain string
	reserved   map[string]bool
	cache      *expirable.LRU[string, *Tenant]
}

func NewResolver(registry Registry, opts ResolverOptions) *Resolver {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	reserved := make(map[string]bool, len(opts.ReservedLabels))
	for _, l := range opts.ReservedLabels {
		reserved[strings.ToLower(strings.TrimSpace(l))] = true
	}
	return &Resolver{
		registry:   registry,
		baseDomain: strings.ToLower(strings.Trim(opts.BaseDomain, ".")),
		reserved:   reserved,
		cache:      expirable.NewLRU[string, *Tenant](size, nil, ttl),
	}
}

// Resolve returns the request's tenant or an error wrapping ErrTenantNotFound.
// Other errors mean the registry itself failed.
func (r *Resolver) Resolve(req *http.Request) (Resolution, error) {
	ctx := req.Context()

	if label, ok := r.SubdomainLabel(req.Host); ok {
		t, err := r.lookup(ctx, "sub:"+label, func(ctx context.Context) (*Tenant, error) {
			return r.registry.LookupBySubdomain(ctx, label)
		})
		if err != nil {
			return Resolution{}, err
		}
		if t != nil {
			return finish(t, Resolution{Tenant: t, Source: SourceSubdomain})
		}
	}

	if seg := firstSegment(req.URL.Path); seg != "" {
		t, err := r.lookup(ctx, "id:"+seg, func(ctx context.Context) (*Tenant, error) {
			return r.registry.LookupByID(ctx, seg)
		})
		if err != nil {
			return Resolution{}, err
		}
		if t != nil {
			return finish(t, Resolution{Tenant: t, Source: SourcePath, PathPrefix: "/" + seg})
		}
	}

	if key := apiKeyFromRequest(req); key != "" {
		hash := HashAPIKey(key)
		t, err := r.lookup(ctx, "key:"+hash, func(ctx context.Context) (*Tenant, error) {
			return r.registry.LookupByAPIKey(ctx, key)
		})
		if err != nil {
			return Resolution{}, err
		}
		if t != nil {
			return finish(t, Resolution{Tenant: t, Source: SourceAPIKey})
		}
	}

	return Resolution{}, ErrTenantNotFound
}

func finish(t *Tenant, res Resolution) (Resolution, error) {
	if !t.Active() {
		return Resolution{}, fmt.Errorf("%w: tenant %s is %s", ErrTenantNotFound, t.ID, t.Status)
	}
	return res, nil
}

// lookup returns (nil, nil) on a registry miss.
func (r *Resolver) lookup(ctx context.Context, key string, fetch func(context.Context) (*Tenant, error)) (*Tenant, error) {
	if t, ok := r.cache.Get(key); ok {
		return t, nil
	}
	t, err := fetch(ctx)
	if errors.Is(err, ErrTenantNotFound) {
		r.cache.Add(key, nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenant registry: %w", err)
	}
	r.cache.Add(key, t)
	return t, nil
}

// SubdomainLabel extracts a usable tenant label from a Host header value.
// Loopback and IP hosts, reserved labels and numeric-only labels are rejected.
func (r *Resolver) SubdomainLabel(host string) (string, bool) {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[].")
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return "", false
	}
	if net.ParseIP(host) != nil {
		return "", false
	}

	var label string
	if r.baseDomain != "" {
		rest, ok := strings.CutSuffix(host, "."+r.baseDomain)
		if !ok || rest == "" || strings.Contains(rest, ".") {
			return "", false
		}
		label = rest
	} else {
		parts := strings.Split(host, ".")
		if len(parts) < 3 {
			return "", false
		}
		label = parts[0]
	}

	if label == "" || r.reserved[label] || isNumeric(label) {
		return "", false
	}
	return label, true
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	seg, _, _ := strings.Cut(path, "/")
	return seg
}

func apiKeyFromRequest(req *http.Request) string {
	if key := strings.TrimSpace(req.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	for _, proto := range websocketProtocols(req) {
		if enc, ok := strings.CutPrefix(proto, SubprotocolAPIKeyPrefix); ok {
			if raw, err := base64.RawURLEncoding.DecodeString(enc); err == nil && len(raw) > 0 {
				return string(raw)
			}
		}
	}
	return ""
}

func websocketProtocols(req *http.Request) []string {
	var out []string
	for _, h := range req.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
