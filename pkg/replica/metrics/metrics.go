// Package metrics exposes Prometheus collectors for the replication pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	filesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_files_detected_total",
		Help: "Files promoted to stable by the detector",
	})

	filesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_files_processed_total",
		Help: "Files that reached a terminal state, by outcome (completed, failed)",
	}, []string{"outcome"})

	bytesCopied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_bytes_copied_total",
		Help: "Source bytes streamed to destinations",
	})

	copyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replica_copy_duration_seconds",
		Help:    "Duration of fan-out copies",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	verifyResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_verifications_total",
		Help: "Destination verifications by method and result",
	}, []string{"method", "result"})

	retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_retries_total",
		Help: "Retry attempts by operation type",
	}, []string{"operation"})

	classifiedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_errors_total",
		Help: "Classified errors by category and severity",
	}, []string{"category", "severity"})

	quarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_files_quarantined_total",
		Help: "Files moved to quarantine",
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replica_queue_items",
		Help: "Scheduler items by state (queued, active, completed, failed)",
	}, []string{"state"})

	breakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replica_circuit_breaker_open",
		Help: "1 while the retry circuit breaker for an operation type is open",
	}, []string{"operation"})

	auditDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_audit_events_dropped_total",
		Help: "Audit events not delivered to a full subscriber, by event type",
	}, []string{"type"})

	detectorPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replica_detector_pending_files",
		Help: "Files being observed for stability",
	})
)

// RecordDetected counts a stable file.
func RecordDetected() {
	filesDetected.Inc()
}

// RecordProcessed counts a file reaching a terminal state.
func RecordProcessed(success bool) {
	outcome := "completed"
	if !success {
		outcome = "failed"
	}
	filesProcessed.WithLabelValues(outcome).Inc()
}

// RecordCopy records a finished copy.
func RecordCopy(bytes int64, d time.Duration) {
	if bytes > 0 {
		bytesCopied.Add(float64(bytes))
	}
	copyDuration.Observe(d.Seconds())
}

// RecordVerification records a per-destination verification.
func RecordVerification(method string, ok bool) {
	result := "pass"
	if !ok {
		result = "fail"
	}
	verifyResults.WithLabelValues(method, result).Inc()
}

// RecordRetry counts a retry of the given operation type.
func RecordRetry(operation string) {
	retries.WithLabelValues(operation).Inc()
}

// RecordError counts a classified error.
func RecordError(category, severity string) {
	classifiedErrors.WithLabelValues(category, severity).Inc()
}

// RecordQuarantine counts a quarantined file.
func RecordQuarantine() {
	quarantined.Inc()
}

// RecordAuditDropped counts an audit event a subscriber missed.
func RecordAuditDropped(eventType string) {
	auditDropped.WithLabelValues(eventType).Inc()
}

// SetQueue publishes the scheduler's current item counts.
func SetQueue(queued, active, completed, failed int) {
	queueDepth.WithLabelValues("queued").Set(float64(queued))
	queueDepth.WithLabelValues("active").Set(float64(active))
	queueDepth.WithLabelValues("completed").Set(float64(completed))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// SetBreakerOpen publishes the breaker state for an operation type.
func SetBreakerOpen(operation string, open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	breakerOpen.WithLabelValues(operation).Set(value)
}

// SetPending publishes the number of files under stability observation.
func SetPending(n int) {
	detectorPending.Set(float64(n))
}
