package gateway

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cordum/tenantgate/core/infra/config"
	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/infra/metrics"
	"github.com/cordum/tenantgate/core/tenant"
)

// HeaderTenantID carries the resolved tenant to backends. Any inbound value
// is discarded.
const HeaderTenantID = "X-Tenant-ID"

type route struct {
	prefix string
	target *url.URL
	strip  bool
	proxy  *httputil.ReverseProxy
}

// Router forwards requests to the backend whose path prefix is the longest
// match, attaching the resolved tenant. It does nothing else.
type Router struct {
	routes  []*route
	metrics metrics.GatewayMetrics
}

// NewRouter builds the static prefix table. transport defaults to an
// otelhttp-instrumented http.DefaultTransport.
func NewRouter(cfgs []config.RouteConfig, transport http.RoundTripper, m metrics.GatewayMetrics) (*Router, error) {
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	if m == nil {
		m = metrics.Noop{}
	}
	rt := &Router{metrics: m}
	seen := map[string]bool{}
	for _, c := range cfgs {
		prefix := strings.TrimSpace(c.Prefix)
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", c.Prefix)
		}
		if len(prefix) > 1 {
			prefix = strings.TrimSuffix(prefix, "/")
		}
		if seen[prefix] {
			return nil, fmt.Errorf("duplicate route prefix %q", prefix)
		}
		seen[prefix] = true
		target, err := url.Parse(c.Target)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("route %s: invalid target %q", prefix, c.Target)
		}
		r := &route{prefix: prefix, target: target, strip: c.StripPrefix}
		r.proxy = &httputil.ReverseProxy{
			Rewrite:      r.rewrite,
			Transport:    transport,
			ErrorHandler: r.proxyError,
		}
		rt.routes = append(rt.routes, r)
	}
	sort.SliceStable(rt.routes, func(i, j int) bool {
		return len(rt.routes[i].prefix) > len(rt.routes[j].prefix)
	})
	return rt, nil
}

// Match returns the prefix and target of the route serving path.
func (rt *Router) Match(path string) (prefix string, target *url.URL, ok bool) {
	if r := rt.match(path); r != nil {
		return r.prefix, r.target, true
	}
	return "", nil, false
}

func (rt *Router) match(path string) *route {
	for _, r := range rt.routes {
		if r.prefix == "/" || path == r.prefix || strings.HasPrefix(path, r.prefix+"/") {
			return r
		}
	}
	return nil
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r := rt.match(req.URL.Path)
	if r == nil {
		http.Error(w, "unmatched", http.StatusNotFound)
		return
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	r.proxy.ServeHTTP(rec, req)
	rt.metrics.IncProxied(r.prefix, strconv.Itoa(rec.status))
}

func (r *route) rewrite(pr *httputil.ProxyRequest) {
	if r.strip && r.prefix != "/" {
		pr.Out.URL.Path = stripRoutePrefix(pr.Out.URL.Path, r.prefix)
		if pr.Out.URL.RawPath != "" {
			pr.Out.URL.RawPath = stripRoutePrefix(pr.Out.URL.RawPath, r.prefix)
		}
	}
	pr.SetURL(r.target)
	pr.SetXForwarded()
	pr.Out.Header.Del(HeaderTenantID)
	if id := tenant.IDFromContext(pr.In.Context()); id != "" {
		pr.Out.Header.Set(HeaderTenantID, id)
	}
}

func (r *route) proxyError(w http.ResponseWriter, req *http.Request, err error) {
	logging.Warn("gateway", "proxy error", "prefix", r.prefix, "target", r.target.Host, "path", req.URL.Path, "error", err)
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func stripRoutePrefix(path, prefix string) string {
	p := strings.TrimPrefix(path, prefix)
	if p == "" {
		return "/"
	}
	return p
}
