package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// BearerToken guards the admin API with a static token compared in constant
// time. An empty configured token rejects every request.
func BearerToken(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				logger.Warn("admin token missing from request", "remote_addr", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Bearer realm="tenancy-admin"`)
				http.Error(w, "Unauthorized: bearer token required", http.StatusUnauthorized)
				return
			}

			got := []byte(strings.TrimPrefix(header, bearerPrefix))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				logger.Warn("invalid admin token provided", "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
