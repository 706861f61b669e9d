package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/tenancy/internal/adapter/api/handler"
	"github.com/V4T54L/tenancy/internal/adapter/api/middleware"
)

// AdminRouterDeps collects what the admin router serves.
type AdminRouterDeps struct {
	Token    string
	Tenants  *handler.TenantHandler
	Status   *handler.StatusHandler
	Events   http.Handler
	Gatherer prometheus.Gatherer
}

// NewAdminRouter creates and configures the HTTP router for admin operations.
// /health and /metrics are open; everything under /admin requires the token.
func NewAdminRouter(deps AdminRouterDeps, logger *slog.Logger) http.Handler {
	admin := http.NewServeMux()

	// Tenants
	admin.HandleFunc("GET /admin/tenants", deps.Tenants.List)
	admin.HandleFunc("POST /admin/tenants", deps.Tenants.Create)
	admin.HandleFunc("GET /admin/tenants/{id}", deps.Tenants.Get)
	admin.HandleFunc("PATCH /admin/tenants/{id}", deps.Tenants.Update)
	admin.HandleFunc("DELETE /admin/tenants/{id}", deps.Tenants.Delete)
	admin.HandleFunc("PUT /admin/tenants/{id}/credentials", deps.Tenants.ReplaceCredentials)

	// Provisioning
	admin.HandleFunc("GET /admin/tenants/{id}/provision", deps.Tenants.ProvisionStatus)
	admin.HandleFunc("POST /admin/tenants/{id}/provision/retry", deps.Tenants.RetryProvision)

	// Pools and monitoring
	admin.HandleFunc("GET /admin/pools/{id}", deps.Status.PoolStats)
	admin.HandleFunc("GET /admin/monitor/{id}", deps.Status.MonitorSnapshot)
	if deps.Events != nil {
		admin.Handle("GET /admin/events", deps.Events)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", deps.Status.HealthCheck)
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/admin/", middleware.BearerToken(deps.Token, logger)(admin))

	return middleware.Logging(logger)(mux)
}
