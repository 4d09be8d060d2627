// Package server exposes ingestion sessions over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cleared-dev/passbook/internal/importer"
	"github.com/cleared-dev/passbook/internal/ingest"
	"github.com/cleared-dev/passbook/internal/metrics"
	"github.com/cleared-dev/passbook/internal/server/middleware"
)

// StatsSource provides the dashboard statistics passed through by
// GET /api/v1/stats.
type StatsSource interface {
	Stats(ctx context.Context) (json.RawMessage, error)
}

// Config holds the server's dependencies.
type Config struct {
	Uploader        ingest.Uploader
	Stats           StatsSource
	Banks           *importer.Registry
	MaxBytes        int64
	RecomputeOnEdit bool
	Epsilon         *decimal.Decimal
	DefaultLedger   string
	SessionTTL      time.Duration
	UploadRate      float64
	UploadBurst     int
	Metrics         *metrics.Metrics
	Gatherer        prometheus.Gatherer
	Log             zerolog.Logger
	Clock           func() time.Time
}

// Server serves the session API.
type Server struct {
	cfg     Config
	store   *Store
	limiter *middleware.RateLimiter
	log     zerolog.Logger
	now     func() time.Time
}

// New creates a server. Sessions share cfg's uploader, metrics and limits.
func New(cfg Config) *Server {
	if cfg.Banks == nil {
		cfg.Banks = importer.DefaultRegistry()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = importer.DefaultMaxBytes
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:     cfg,
		limiter: middleware.NewRateLimiter(cfg.UploadRate, cfg.UploadBurst, cfg.Metrics),
		log:     cfg.Log,
		now:     cfg.Clock,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.store = NewStore(cfg.SessionTTL, s.newSession, cfg.Metrics)
	return s
}

func (s *Server) newSession() *ingest.Session {
	return ingest.NewSession(s.cfg.Uploader, ingest.Options{
		Banks:           s.cfg.Banks,
		MaxBytes:        s.cfg.MaxBytes,
		RecomputeOnEdit: s.cfg.RecomputeOnEdit,
		Epsilon:         s.cfg.Epsilon,
		Metrics:         s.cfg.Metrics,
		Log:             s.log,
		Clock:           s.cfg.Clock,
	})
}

// Store returns the server's session store.
func (s *Server) Store() *Store {
	return s.store
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewLoggingMiddleware(s.log).Wrap)
	r.Use(middleware.Recovery(s.log))
	r.Use(middleware.Metrics(s.cfg.Metrics))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/banks", s.banks)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.deleteSession)
				r.With(s.limiter.Limit).Post("/upload", s.upload)
				r.With(s.limiter.Limit).Post("/password", s.submitPassword)
				r.Post("/cancel", s.cancel)
				r.Get("/rows", s.rows)
				r.Post("/proposals", s.propose)
				r.Get("/proposals/{pid}", s.getProposal)
				r.Post("/proposals/{pid}/commit", s.commitProposal)
				r.Delete("/proposals/{pid}", s.discardProposal)
				r.Post("/reconcile", s.reconcile)
				r.Get("/export/csv", s.exportCSV)
				r.Get("/export/tally", s.exportTally)
				r.Get("/export/xlsx", s.exportXLSX)
			})
		})
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("session API listening")
		errCh <- srv.ListenAndServe()
	}()

	janitor := time.NewTicker(time.Hour)
	defer janitor.Stop()

	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-janitor.C:
			if n := s.limiter.Cleanup(time.Hour); n > 0 {
				s.log.Debug().Int("clients", n).Msg("rate limiters dropped")
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.log.Info().Msg("shutting down session API")
			return srv.Shutdown(shutdownCtx)
		}
	}
}
