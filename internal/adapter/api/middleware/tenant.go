package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/V4T54L/tenancy/internal/domain"
)

type tenantKey struct{}

// Resolver maps a request to a tenant id.
type Resolver interface {
	IsCentral(host string) bool
	Resolve(ctx context.Context, sig domain.RequestSignature) (string, error)
}

// WithTenant stores a resolved tenant id in ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFromContext returns the tenant resolved for the request, if any.
// Requests to central hosts carry none.
func TenantFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey{}).(string)
	return id, ok && id != ""
}

// Tenant resolves every request before the handler runs. Central hosts pass
// through untouched, unknown tenants get 404 and resolution failures 503.
func Tenant(resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver.IsCentral(r.Host) {
				next.ServeHTTP(w, r)
				return
			}

			id, err := resolver.Resolve(r.Context(), domain.RequestSignature{Host: r.Host, Path: r.URL.Path})
			switch {
			case errors.Is(err, domain.ErrTenantNotFound):
				http.Error(w, "Not Found: unknown tenant", http.StatusNotFound)
				return
			case err != nil:
				logger.Error("tenant resolution failed", "host", r.Host, "path", r.URL.Path, "error", err)
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), id)))
		})
	}
}
