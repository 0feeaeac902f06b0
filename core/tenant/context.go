package tenant

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/cordum/tenantgate/core/infra/logging"
)

type ctxKey struct{}

func WithResolution(ctx context.Context, res Resolution) context.Context {
	return context.WithValue(ctx, ctxKey{}, res)
}

func FromContext(ctx context.Context) (Resolution, bool) {
	res, ok := ctx.Value(ctxKey{}).(Resolution)
	return res, ok && res.Tenant != nil
}

// IDFromContext returns the resolved tenant id or "".
func IDFromContext(ctx context.Context) string {
	res, _ := FromContext(ctx)
	return res.TenantID()
}

// Middleware resolves the tenant for every request. Unresolvable requests get
// 404 and registry failures 503; neither reaches next. A tenant taken from the
// path has its segment stripped so downstream routing sees /jobs, not /acme/jobs.
func Middleware(resolver *Resolver, skip func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip != nil && skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			res, err := resolver.Resolve(r)
			if err != nil {
				if errors.Is(err, ErrTenantNotFound) {
					http.Error(w, "tenant not found", http.StatusNotFound)
					return
				}
				logging.Error("tenant", "resolve failed", "host", r.Host, "path", r.URL.Path, "error", err)
				http.Error(w, "tenant registry unavailable", http.StatusServiceUnavailable)
				return
			}
			if res.Source == SourcePath {
				r = stripPrefix(r, res.PathPrefix)
			}
			next.ServeHTTP(w, r.WithContext(WithResolution(r.Context(), res)))
		})
	}
}

func stripPrefix(r *http.Request, prefix string) *http.Request {
	r2 := r.Clone(r.Context())
	p := strings.TrimPrefix(r.URL.Path, prefix)
	if p == "" {
		p = "/"
	}
	r2.URL.Path = p
	if r.URL.RawPath != "" {
		rp := strings.TrimPrefix(r.URL.RawPath, prefix)
		if rp == "" {
			rp = "/"
		}
		r2.URL.RawPath = rp
	}
	return r2
}
