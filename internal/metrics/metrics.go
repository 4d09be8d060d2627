// Package metrics holds the Prometheus collectors for ingestion, editing,
// exports and the session API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Ingestion metrics
	Uploads         *prometheus.CounterVec
	Records         *prometheus.CounterVec
	MalformedLines  prometheus.Counter
	Transactions    prometheus.Counter
	UploadDuration  prometheus.Histogram
	PasswordRetries prometheus.Counter

	// Table metrics
	TableEdits *prometheus.CounterVec

	// Export metrics
	Exports *prometheus.CounterVec

	// API metrics
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	HTTPInFlight   prometheus.Gauge
	ActiveSessions prometheus.Gauge
	RateLimitHits  prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Uploads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "passbook_uploads_total",
				Help: "Upload attempts by terminal outcome",
			},
			[]string{"outcome"},
		),
		Records: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "passbook_stream_records_total",
				Help: "Streamed records applied, by type",
			},
			[]string{"type"},
		),
		MalformedLines: f.NewCounter(prometheus.CounterOpts{
			Name: "passbook_stream_malformed_lines_total",
			Help: "Stream lines skipped because they were not JSON objects",
		}),
		Transactions: f.NewCounter(prometheus.CounterOpts{
			Name: "passbook_transactions_ingested_total",
			Help: "Transactions appended from extraction results",
		}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "passbook_upload_duration_seconds",
			Help:    "Time from upload start to terminal state",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		PasswordRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "passbook_password_retries_total",
			Help: "Uploads replayed with a password",
		}),
		TableEdits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "passbook_table_edits_total",
				Help: "Committed table changes by operation",
			},
			[]string{"op"},
		),
		Exports: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "passbook_exports_total",
				Help: "Exports produced by format and status",
			},
			[]string{"format", "status"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "passbook_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "passbook_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 120},
			},
			[]string{"method", "path"},
		),
		HTTPInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "passbook_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "passbook_active_sessions",
			Help: "Sessions currently held in memory",
		}),
		RateLimitHits: f.NewCounter(prometheus.CounterOpts{
			Name: "passbook_rate_limit_hits_total",
			Help: "Uploads rejected by the rate limiter",
		}),
	}
}

// UploadFinished records one attempt's terminal outcome.
func (m *Metrics) UploadFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(outcome).Inc()
	m.UploadDuration.Observe(seconds)
}

// RecordApplied counts one applied stream record.
func (m *Metrics) RecordApplied(typ string, txns int) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(typ).Inc()
	if txns > 0 {
		m.Transactions.Add(float64(txns))
	}
}

// LinesSkipped counts malformed stream lines.
func (m *Metrics) LinesSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MalformedLines.Add(float64(n))
}

// PasswordRetry counts one password replay.
func (m *Metrics) PasswordRetry() {
	if m == nil {
		return
	}
	m.PasswordRetries.Inc()
}

// TableEdit counts one committed table change.
func (m *Metrics) TableEdit(op string) {
	if m == nil {
		return
	}
	m.TableEdits.WithLabelValues(op).Inc()
}

// Export counts one export attempt.
func (m *Metrics) Export(format string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Exports.WithLabelValues(format, status).Inc()
}

// SessionOpened and SessionClosed track the session store's size.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RateLimited counts one rejected request.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitHits.Inc()
}
