// Package metrics provides Prometheus instrumentation for the simulation
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersFilled counts filled orders, partitioned by side.
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_orders_filled_total",
		Help: "Total number of orders filled",
	}, []string{"side"})

	// OrdersRejected counts rejected orders by reject reason code.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_orders_rejected_total",
		Help: "Total number of orders rejected",
	}, []string{"reason"})

	// OrderLatency tracks order execution latency in seconds.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simengine_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// QuoteRefreshFailures counts provider fetches that returned no usable
	// price.
	QuoteRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simengine_quote_refresh_failures_total",
		Help: "Quote provider fetches that failed",
	})

	// SnapshotFailures counts portfolio snapshot writes that were swallowed.
	// Snapshots are fire-and-forget after a fill; this counter is the only
	// place those failures surface.
	SnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simengine_snapshot_failures_total",
		Help: "Portfolio snapshot writes that failed after a fill",
	})

	// ScheduledOrdersProcessed counts batch executor outcomes.
	ScheduledOrdersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_scheduled_orders_processed_total",
		Help: "Scheduled basket orders processed by the batch executor",
	}, []string{"status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simengine_http_request_duration_seconds",
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
