// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// FillsTotal counts fill events processed, partitioned by side and outcome.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_ledger_fills_total",
		Help: "Fill events processed by the allocation engine",
	}, []string{"side", "status"})

	// FeesTotal counts broker/relist fee events by outcome.
	FeesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_ledger_fees_total",
		Help: "Fee events processed by the allocation engine",
	}, []string{"status"})

	// CashMatchesTotal counts cash events by match outcome.
	CashMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_ledger_cash_matches_total",
		Help: "Cash events processed by the participation matcher",
	}, []string{"status"})

	// ClosesTotal counts cycle close attempts by result.
	ClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_ledger_closes_total",
		Help: "Cycle close attempts",
	}, []string{"result"})

	// CloseLatency tracks the duration of the close fan-out.
	CloseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cycle_ledger_close_latency_seconds",
		Help:    "Cycle close fan-out latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ReconcileLatency tracks reconciliation sweep duration.
	ReconcileLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cycle_ledger_reconcile_latency_seconds",
		Help:    "Reconciliation sweep latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	// IngestedEventsTotal counts inbox deliveries by kind and result.
	IngestedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_ledger_ingested_events_total",
		Help: "Events delivered to the inbox",
	}, []string{"kind", "result"})

	// OpenCycles tracks the number of cycles in OPEN state.
	OpenCycles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cycle_ledger_open_cycles",
		Help: "Number of currently open cycles",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cycle_ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cycle_ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cycle_ledger_http_request_duration_seconds",
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

		// Route pattern keeps the label set bounded; ids stay out of it.
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
