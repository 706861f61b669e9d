package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/V4T54L/tenancy/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResolver struct {
	central map[string]bool
	tenants map[string]string
	err     error
}

func (f fakeResolver) IsCentral(host string) bool { return f.central[host] }

func (f fakeResolver) Resolve(ctx context.Context, sig domain.RequestSignature) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.tenants[sig.Host]; ok {
		return id, nil
	}
	return "", domain.ErrTenantNotFound
}

func echoTenant() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := TenantFromContext(r.Context())
		if !ok {
			id = "central"
		}
		w.Write([]byte(id))
	})
}

func TestTenant(t *testing.T) {
	resolver := fakeResolver{
		central: map[string]bool{"admin.example.com": true},
		tenants: map[string]string{"acme.example.com": "acme"},
	}

	testCases := []struct {
		name       string
		resolver   fakeResolver
		host       string
		wantStatus int
		wantBody   string
	}{
		{"Resolved Tenant", resolver, "acme.example.com", http.StatusOK, "acme"},
		{"Central Host Passes Through", resolver, "admin.example.com", http.StatusOK, "central"},
		{"Unknown Host", resolver, "nobody.example.com", http.StatusNotFound, ""},
		{"Landlord Down", fakeResolver{err: errors.New("connection refused")}, "acme.example.com", http.StatusServiceUnavailable, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := Tenant(tc.resolver, discardLogger())(echoTenant())
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Host = tc.host
			rr := httptest.NewRecorder()

			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			if tc.wantBody != "" && rr.Body.String() != tc.wantBody {
				t.Errorf("expected body %q, got %q", tc.wantBody, rr.Body.String())
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	testCases := []struct {
		name       string
		configured string
		header     string
		wantStatus int
	}{
		{"Valid Token", "s3cret", "Bearer s3cret", http.StatusNoContent},
		{"Wrong Token", "s3cret", "Bearer guess", http.StatusUnauthorized},
		{"Missing Header", "s3cret", "", http.StatusUnauthorized},
		{"Wrong Scheme", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"Unconfigured Token Rejects All", "", "Bearer ", http.StatusUnauthorized},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := BearerToken(tc.configured, discardLogger())(ok)
			req := httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()

			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
		})
	}
}

func TestLogging_KeepsFlusher(t *testing.T) {
	var flushed bool
	h := Logging(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushed = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if !flushed {
		t.Error("wrapped writer must still implement http.Flusher")
	}
	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d", rr.Code)
	}
}
