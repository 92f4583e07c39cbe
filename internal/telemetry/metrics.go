package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration is the shared HTTP access-log histogram, observed by
// internal/httpserver's Metrics middleware.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "preflight",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// NotificationsAttemptsTotal counts delivery attempts by outcome (§4.9/S7).
var NotificationsAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "preflight",
		Subsystem: "notifications",
		Name:      "attempts_total",
		Help:      "Total webhook delivery attempts by status, channel, and event type.",
	},
	[]string{"attempt_status", "channel_target", "event_type"},
)

// DeliveryLatencyBucketsMs is the fixed histogram bucket set §4.9 mandates,
// expressed directly in milliseconds (the metric name carries the unit).
var DeliveryLatencyBucketsMs = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

// NotificationsDeliveryLatencyMs observes completed-attempt duration in
// milliseconds.
var NotificationsDeliveryLatencyMs = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "preflight",
		Subsystem: "notifications",
		Name:      "delivery_latency_ms",
		Help:      "Webhook delivery attempt duration in milliseconds, for attempts with a recorded duration.",
		Buckets:   DeliveryLatencyBucketsMs,
	},
)

// MetricsRenderErrorsTotal increments whenever the custom Prometheus text
// renderer (pkg/analytics) recovers from an internal failure; the endpoint
// still returns this counter's line so the failure is externally visible.
var MetricsRenderErrorsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "preflight",
		Subsystem: "metrics",
		Name:      "render_errors_total",
		Help:      "Total number of internal errors recovered from while rendering the metrics endpoint.",
	},
)

// SchedulerLeaseHeartbeatTimestamp records each scheduling loop's most
// recent heartbeat as a gauge of Unix seconds. The diagnostics metrics
// endpoint (pkg/analytics.Renderer) does not render it.
var SchedulerLeaseHeartbeatTimestamp = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "preflight",
		Subsystem: "scheduler",
		Name:      "lease_heartbeat_timestamp_seconds",
		Help:      "Unix timestamp of the most recent heartbeat for a scheduler lease, by lease name.",
	},
	[]string{"lease_name"},
)

// AlertsDeduplicatedTotal counts repeated FIRING→FIRING evaluations, for
// which no new notification is enqueued.
var AlertsDeduplicatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "preflight",
		Subsystem: "alerts",
		Name:      "deduplicated_total",
		Help:      "Total number of deduplicated alert evaluations.",
	},
)

// All returns every package-level collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		NotificationsAttemptsTotal,
		NotificationsDeliveryLatencyMs,
		MetricsRenderErrorsTotal,
		SchedulerLeaseHeartbeatTimestamp,
		AlertsDeduplicatedTotal,
	}
}

// NewRegistry creates a fresh Prometheus registry with the package's
// collectors (plus any extra collectors) registered.
func NewRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range All() {
		reg.MustRegister(c)
	}
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
