package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Committed governance transitions, labelled by entity kind and action.
	TransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stageline_transitions_total",
			Help: "Total number of committed governance transitions",
		},
		[]string{"entity", "action"},
	)

	// Engine errors by kind (validation, precondition, conflict, ...).
	RejectedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stageline_rejected_operations_total",
			Help: "Total number of governance operations rejected by the engine",
		},
		[]string{"kind", "reason"},
	)

	ToleranceExceededCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stageline_tolerance_exceptions_total",
			Help: "Total number of tolerance exceptions raised",
		},
		[]string{"tolerance_type"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stageline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	RelayPublishedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stageline_relay_events_total",
			Help: "Events handed to the configured publisher",
		},
		[]string{"status"}, // status: success, failed
	)

	ArchiveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stageline_archive_duration_seconds",
			Help:    "Baseline snapshot archive duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"kind", "status"},
	)
)

func RecordTransition(entity, action string) {
	TransitionCount.WithLabelValues(entity, action).Inc()
}

func RecordRejected(kind, reason string) {
	RejectedCount.WithLabelValues(kind, reason).Inc()
}

func RecordToleranceExceeded(toleranceType string) {
	ToleranceExceededCount.WithLabelValues(toleranceType).Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func RecordRelayPublished(status string) {
	RelayPublishedCount.WithLabelValues(status).Inc()
}

func RecordArchive(kind, status string, duration time.Duration) {
	ArchiveDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
