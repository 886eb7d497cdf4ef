// Package metrics provides Prometheus instrumentation for the safety vault.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesTotal counts Execute calls by outcome: "committed", "noop", or
	// the error kind that aborted the call.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safetyvault_batches_total",
		Help: "Total number of action batches by outcome",
	}, []string{"outcome"})

	// BatchLatency tracks end-to-end Execute latency by outcome.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safetyvault_batch_latency_seconds",
		Help:    "Action batch execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// ActionsTotal counts dispatched actions by kind and result ("ok" or an
	// error kind).
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safetyvault_actions_total",
		Help: "Total number of dispatched safety actions",
	}, []string{"kind", "result"})

	// Rollbacks counts aborted units of work.
	Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safetyvault_rollbacks_total",
		Help: "Units of work aborted after a failed action",
	})

	// RiskRejections counts batches rejected because the position was not at risk.
	RiskRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safetyvault_risk_rejections_total",
		Help: "Batches rejected by the risk gate",
	})

	// InsurancePayouts tracks cumulative backstop payouts per pool.
	InsurancePayouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safetyvault_insurance_payouts_total",
		Help: "Cumulative insurance payout amount",
	}, []string{"pool_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safetyvault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safetyvault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safetyvault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
