// Package metrics provides Prometheus instrumentation for the pool engine.
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
	// AllocationsTotal counts positions opened, partitioned by tenor.
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_engine_allocations_total",
		Help: "Total number of positions opened",
	}, []string{"tenor"})

	// RepaymentsTotal counts repayment distributions, partitioned by tenor.
	RepaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_engine_repayments_total",
		Help: "Total number of repayment distributions",
	}, []string{"tenor"})

	// RedemptionsTotal counts position redemptions, partitioned by tenor.
	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_engine_redemptions_total",
		Help: "Total number of position redemptions",
	}, []string{"tenor"})

	// AccrualRunsTotal counts completed accrual runs.
	AccrualRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_engine_accrual_runs_total",
		Help: "Total number of completed accrual runs",
	})

	// AccrualPositionsSkipped counts positions skipped by accrual runs due
	// to per-position failures.
	AccrualPositionsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_engine_accrual_positions_skipped_total",
		Help: "Positions skipped during accrual runs",
	})

	// YieldAccruedTotal accumulates yield recognized by accrual runs.
	YieldAccruedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_engine_yield_accrued_total",
		Help: "Cumulative yield accrued across all positions",
	})

	// PoolTVL tracks committed capital per tenor bucket.
	PoolTVL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pool_engine_pool_tvl",
		Help: "Total value locked per pool",
	}, []string{"tenor"})

	// PoolAvailable tracks available liquidity per tenor bucket.
	PoolAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pool_engine_pool_available",
		Help: "Available liquidity per pool",
	}, []string{"tenor"})

	// ExposureRejections counts allocations rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_engine_exposure_rejections_total",
		Help: "Allocations rejected by the exposure limiter",
	})

	// SettlementFailures counts settlement attempts that did not confirm.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_engine_settlement_failures_total",
		Help: "Settlement attempts that failed or timed out",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_engine_http_request_duration_seconds",
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
