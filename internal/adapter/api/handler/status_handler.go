package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/V4T54L/tenancy/internal/adapter/api/middleware"
	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/internal/usecase"
)

// Connections runs work against a tenant database and reports pool state.
type Connections interface {
	WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, h domain.Handle) error) error
	Stats(tenantID string) domain.PoolStats
}

// Monitor exposes a tenant's rolling counters.
type Monitor interface {
	Snapshot(tenantID string) usecase.TenantCounters
}

// StatusHandler serves health, pool and monitor views plus the tenant-side
// whoami probe.
type StatusHandler struct {
	conns   Connections
	monitor Monitor
	timeout time.Duration
	logger  *slog.Logger
}

func NewStatusHandler(conns Connections, monitor Monitor, timeout time.Duration, logger *slog.Logger) *StatusHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StatusHandler{conns: conns, monitor: monitor, timeout: timeout, logger: logger.With("component", "status_handler")}
}

// HealthCheck is a simple health check endpoint.
func (h *StatusHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// PoolStats reports one tenant's bucket.
// GET /admin/pools/{id}
func (h *StatusHandler) PoolStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.conns.Stats(r.PathValue("id")))
}

// MonitorSnapshot reports one tenant's monitoring window.
// GET /admin/monitor/{id}
func (h *StatusHandler) MonitorSnapshot(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.monitor.Snapshot(r.PathValue("id")))
}

type whoamiResponse struct {
	TenantID string `json:"tenant_id"`
	Database string `json:"database"`
	Latency  string `json:"latency"`
}

// WhoAmI reports which tenant database the request was routed to by asking
// the database itself.
// GET /whoami on a tenant host
func (h *StatusHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		respondWithJSON(w, http.StatusOK, whoamiResponse{})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := whoamiResponse{TenantID: tenantID}
	start := time.Now()
	err := h.conns.WithTenant(ctx, tenantID, func(ctx context.Context, db domain.Handle) error {
		return db.QueryRowContext(ctx, "SELECT current_database()").Scan(&resp.Database)
	})
	if err != nil {
		status := statusFor(err)
		h.logger.Error("tenant database probe failed", "tenant_id", tenantID, "error", err)
		respondWithJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}
	resp.Latency = time.Since(start).String()
	respondWithJSON(w, http.StatusOK, resp)
}
