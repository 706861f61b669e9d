package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/tenancy/internal/adapter/api/handler"
	"github.com/V4T54L/tenancy/internal/adapter/api/middleware"
	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/internal/usecase"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubResolver struct{}

func (stubResolver) IsCentral(host string) bool { return host == "admin.example.com" }

func (stubResolver) Resolve(ctx context.Context, sig domain.RequestSignature) (string, error) {
	if sig.Host == "acme.example.com" {
		return "acme", nil
	}
	return "", domain.ErrTenantNotFound
}

type stubConnections struct{}

func (stubConnections) WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, h domain.Handle) error) error {
	return nil
}

func (stubConnections) Stats(tenantID string) domain.PoolStats { return domain.PoolStats{TenantID: tenantID} }

type stubMonitor struct{}

func (stubMonitor) Snapshot(tenantID string) usecase.TenantCounters {
	return usecase.TenantCounters{TenantID: tenantID}
}

type stubAdmin struct{ handler.TenantAdmin }

func (stubAdmin) List(ctx context.Context, filter domain.TenantFilter) ([]domain.Tenant, error) {
	return []domain.Tenant{{ID: "acme"}}, nil
}

func TestTenantRouter(t *testing.T) {
	status := handler.NewStatusHandler(stubConnections{}, stubMonitor{}, time.Second, discardLogger())
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := middleware.TenantFromContext(r.Context())
		w.Write([]byte("app:" + id))
	})
	router := NewTenantRouter(discardLogger(), stubResolver{}, status, app)

	tests := []struct {
		name       string
		host       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"Tenant App", "acme.example.com", "/dashboard", http.StatusOK, "app:acme"},
		{"Central App", "admin.example.com", "/dashboard", http.StatusOK, "app:"},
		{"Unknown Tenant", "nobody.example.com", "/dashboard", http.StatusNotFound, ""},
		{"Health Skips Resolution", "nobody.example.com", "/health", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Host = tt.host
			rr := httptest.NewRecorder()

			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rr.Body.String())
			}
		})
	}
}

func TestAdminRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "tenancy_test_total", Help: "test"}))

	router := NewAdminRouter(AdminRouterDeps{
		Token:    "s3cret",
		Tenants:  handler.NewTenantHandler(stubAdmin{}, discardLogger()),
		Status:   handler.NewStatusHandler(stubConnections{}, stubMonitor{}, time.Second, discardLogger()),
		Gatherer: reg,
	}, discardLogger())

	do := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, do("/admin/tenants", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("/admin/tenants", "wrong").Code)

	rr := do("/admin/tenants", "s3cret")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"id":"acme"`)

	assert.Equal(t, http.StatusOK, do("/admin/pools/acme", "s3cret").Code)
	assert.Equal(t, http.StatusOK, do("/health", "").Code)

	rr = do("/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "tenancy_test_total"))
}
