package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cleared-dev/passbook/internal/metrics"
)

// Metrics returns a middleware recording request counts, durations and
// in-flight requests on m.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPInFlight.Inc()
			defer m.HTTPInFlight.Dec()

			wrapped := newStatusRecorder(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			path := normalizePath(r.URL.Path)

			m.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
}

// normalizePath replaces session and proposal IDs to keep label
// cardinality bounded:
// /api/v1/sessions/01HX.../proposals/01HY.../commit -> /api/v1/sessions/:id/proposals/:pid/commit
func normalizePath(path string) string {
	const prefix = "/api/v1/sessions/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	parts[0] = ":id"
	if len(parts) > 2 && parts[1] == "proposals" {
		parts[2] = ":pid"
	}
	return prefix + strings.Join(parts, "/")
}
