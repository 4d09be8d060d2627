package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// LoggingMiddleware logs HTTP requests.
type LoggingMiddleware struct {
	logger zerolog.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// quietPaths are polled by health checks and scrapers and log at debug level.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Wrap wraps an http.Handler with logging. Route and session fields are
// read from the chi route context once the router has matched.
func (m *LoggingMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := newStatusRecorder(w)
		next.ServeHTTP(wrapped, r)

		var ev *zerolog.Event
		switch {
		case wrapped.statusCode >= http.StatusInternalServerError:
			ev = m.logger.Error()
		case quietPaths[r.URL.Path]:
			ev = m.logger.Debug()
		default:
			ev = m.logger.Info()
		}
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			ev = ev.Str("request_id", id)
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				ev = ev.Str("route", pattern)
			}
			if id := rctx.URLParam("id"); id != "" {
				ev = ev.Str("session", id)
			}
		}
		ev.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Int("bytes", wrapped.bytes).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("request completed")
	})
}
