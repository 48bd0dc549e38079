// Package metrics provides Prometheus metrics for the bridge helper.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
)

var (
	// Transaction metrics
	transactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmm_bridge_transactions_total",
			Help: "Total number of dispatched transactions",
		},
		[]string{"descriptor", "method", "status"},
	)

	transactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rmm_bridge_transaction_duration_seconds",
			Help:    "Transaction dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"descriptor", "method"},
	)

	applicationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmm_bridge_application_errors_total",
			Help: "Total application errors by kind",
		},
		[]string{"descriptor", "kind"},
	)

	transportCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmm_bridge_transport_calls_total",
			Help: "Total transactions by the transport that carried them",
		},
		[]string{"transport"},
	)

	// HTTP transport metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmm_bridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rmm_bridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Monitor metrics
	monitorProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rmm_bridge_monitor_processes",
			Help: "Processes in the latest monitor snapshot",
		},
	)

	monitorTotalPss = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rmm_bridge_monitor_total_pss_kib",
			Help: "Sum of proportional set size over the latest monitor snapshot",
		},
	)

	monitorRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rmm_bridge_monitor_refresh_duration_seconds",
			Help:    "Monitor snapshot duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observer records every transaction a stub dispatches.
type Observer struct{}

var _ binder.Observer = Observer{}

// ObserveTransaction implements binder.Observer.
func (Observer) ObserveTransaction(ctx context.Context, ev binder.Event) {
	RecordTransaction(ev)
}

// RecordTransaction records one dispatched transaction.
func RecordTransaction(ev binder.Event) {
	transactionsTotal.WithLabelValues(ev.Descriptor, ev.Method, ev.Status.String()).Inc()
	transactionDuration.WithLabelValues(ev.Descriptor, ev.Method).Observe(ev.Duration.Seconds())

	var appErr *binder.ApplicationError
	if errors.As(ev.Err, &appErr) {
		applicationErrorsTotal.WithLabelValues(ev.Descriptor, appErr.Kind.String()).Inc()
	} else if ev.Status == binder.StatusApplicationError {
		// Plain implementation errors are reported as internal
		applicationErrorsTotal.WithLabelValues(ev.Descriptor, binder.KindInternal.String()).Inc()
	}

	transport := "local"
	if ev.HasCaller {
		transport = ev.Caller.Transport
	}
	transportCallsTotal.WithLabelValues(transport).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMonitorSnapshot records the size of a monitor snapshot.
func RecordMonitorSnapshot(processes int, totalPss int64, duration time.Duration) {
	monitorProcesses.Set(float64(processes))
	monitorTotalPss.Set(float64(totalPss))
	monitorRefreshDuration.Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// It does not support connection hijacking; do not wrap WebSocket handlers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
