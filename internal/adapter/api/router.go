package api

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/tenancy/internal/adapter/api/handler"
	"github.com/V4T54L/tenancy/internal/adapter/api/middleware"
)

// NewTenantRouter creates the router for tenant-facing traffic. Every request
// is resolved to a tenant before it reaches a handler; app, when not nil,
// receives everything the built-in routes don't match.
func NewTenantRouter(
	logger *slog.Logger,
	resolver middleware.Resolver,
	status *handler.StatusHandler,
	app http.Handler,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /whoami", status.WhoAmI)
	if app != nil {
		mux.Handle("/", app)
	}

	tenant := middleware.Tenant(resolver, logger)
	root := http.NewServeMux()
	// Health stays reachable when the landlord is down.
	root.HandleFunc("GET /health", status.HealthCheck)
	root.Handle("/", tenant(mux))

	return middleware.Logging(logger)(root)
}
