package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Event persistence metrics
	EventsSavedTotal      *prometheus.CounterVec
	EventsDeletedTotal    *prometheus.CounterVec
	EventsCoalescedTotal  *prometheus.CounterVec
	EventsDiscardedTotal  *prometheus.CounterVec
	EventsRejectedTotal   *prometheus.CounterVec
	EventSaveDuration     *prometheus.HistogramVec
	StorageErrorsTotal    *prometheus.CounterVec
	NormalizeFailureTotal prometheus.Counter

	// Deferred execution metrics
	DeferredCapturedTotal  *prometheus.CounterVec
	DeferredProcessedTotal *prometheus.CounterVec
	DeferredDroppedTotal   *prometheus.CounterVec
	DeferredGapsSkipped    prometheus.Counter
	DeferredLanesActive    prometheus.Gauge
	DeferredUnitDuration   *prometheus.HistogramVec

	// Retention metrics
	RetentionDeletedTotal  prometheus.Counter
	RetentionArchivedTotal prometheus.Counter
	RetentionRunsTotal     *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		EventsSavedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_events_saved_total",
				Help: "Total number of audit events persisted",
			},
			[]string{"classification", "mode"},
		),
		EventsDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_events_deleted_total",
				Help: "Total number of audit events deleted",
			},
			[]string{"classification", "reason"},
		),
		EventsCoalescedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_events_coalesced_total",
				Help: "Total number of edits merged into an existing event",
			},
			[]string{"classification"},
		),
		EventsDiscardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_events_discarded_total",
				Help: "Total number of changeless events dropped before persisting",
			},
			[]string{"classification"},
		),
		EventsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_events_rejected_total",
				Help: "Total number of events rejected by actor policy",
			},
			[]string{"classification", "reason"},
		),
		EventSaveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audittrail_event_save_duration_seconds",
				Help:    "Duration of event save transactions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		StorageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_storage_errors_total",
				Help: "Total number of repository errors",
			},
			[]string{"operation"},
		),
		NormalizeFailureTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audittrail_normalize_failures_total",
				Help: "Total number of values kept raw because decoding failed",
			},
		),

		DeferredCapturedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_deferred_captured_total",
				Help: "Total number of deferred units captured",
			},
			[]string{"kind"},
		),
		DeferredProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_deferred_processed_total",
				Help: "Total number of deferred units executed successfully",
			},
			[]string{"kind"},
		),
		DeferredDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_deferred_dropped_total",
				Help: "Total number of deferred units dropped after a failure",
			},
			[]string{"kind", "reason"},
		),
		DeferredGapsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audittrail_deferred_gaps_skipped_total",
				Help: "Total number of sequence gaps skipped after the gap timeout",
			},
		),
		DeferredLanesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audittrail_deferred_lanes_active",
				Help: "Number of operation lanes currently tracked",
			},
		),
		DeferredUnitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audittrail_deferred_unit_duration_seconds",
				Help:    "Deferred unit execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		RetentionDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audittrail_retention_deleted_total",
				Help: "Total number of events removed by retention cleanup",
			},
		),
		RetentionArchivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audittrail_retention_archived_total",
				Help: "Total number of events archived before removal",
			},
		),
		RetentionRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_retention_runs_total",
				Help: "Total number of retention cleanup runs",
			},
			[]string{"status"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audittrail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audittrail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.EventsSavedTotal,
		m.EventsDeletedTotal,
		m.EventsCoalescedTotal,
		m.EventsDiscardedTotal,
		m.EventsRejectedTotal,
		m.EventSaveDuration,
		m.StorageErrorsTotal,
		m.NormalizeFailureTotal,
		m.DeferredCapturedTotal,
		m.DeferredProcessedTotal,
		m.DeferredDroppedTotal,
		m.DeferredGapsSkipped,
		m.DeferredLanesActive,
		m.DeferredUnitDuration,
		m.RetentionDeletedTotal,
		m.RetentionArchivedTotal,
		m.RetentionRunsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// NewUnregisteredMetrics builds a Metrics set on a private registry. Library
// code uses it as a fallback so instrumentation calls never need nil checks.
func NewUnregisteredMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// route names the handler so path parameters do not explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
