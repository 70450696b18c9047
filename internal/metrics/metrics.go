// Package metrics provides Prometheus instrumentation for the rebalancer.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommandsProcessed counts commands by outcome (calculated, failed, error).
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_commands_processed_total",
		Help: "Transaction commands processed, by outcome",
	}, []string{"outcome"})

	// OrdersCreated counts materialized orders by side.
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_orders_created_total",
		Help: "Transaction orders created",
	}, []string{"side"})

	// LimitBreaches counts trades capped or refused by position limits.
	LimitBreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_limit_breaches_total",
		Help: "Calculated trades affected by position limits",
	}, []string{"status"})

	// BatchesFinalized counts batches moved to SENT.
	BatchesFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebalancer_batches_finalized_total",
		Help: "Transaction batches finalized",
	})

	// BatchFinalizeFailures counts batches whose finalization failed.
	BatchFinalizeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebalancer_batch_finalize_failures_total",
		Help: "Transaction batch finalizations that failed",
	})

	// SideEffectFailures counts swallowed upload and notification errors.
	SideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_side_effect_failures_total",
		Help: "Best-effort side effects that failed",
	}, []string{"kind"})

	// SchedulerRuns counts scheduler iterations by result (ok, error, skipped).
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_scheduler_runs_total",
		Help: "Scheduler runs by result",
	}, []string{"result"})

	// SchedulerRunDuration tracks how long a locked run takes.
	SchedulerRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rebalancer_scheduler_run_duration_seconds",
		Help:    "Scheduler run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rebalancer_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rebalancer_http_request_duration_seconds",
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

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
