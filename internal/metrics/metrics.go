// Package metrics defines the Prometheus metrics the Engine's /metrics
// endpoint exposes (spec.md §6). Naming follows the teacher's convention
// (component prefix, _total for counters, _seconds for duration
// histograms), generalized from the teacher's agent-run metrics to the
// execution substrate's own task/worker/adapter/capability surface; metrics
// are registered with a plain prometheus.Registry rather than the teacher's
// controller-runtime registry, since this process is not a controller-
// runtime manager.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the process-wide metrics registry served by GET /metrics.
var Registry = prometheus.NewRegistry()

var (
	// ChatRequestsTotal counts /chat requests by outcome ("answered" or
	// "accepted" for spawned tasks).
	ChatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sos_chat_requests_total", Help: "Total /chat requests by outcome."},
		[]string{"outcome"},
	)

	// ChatLatencySeconds is the response latency underlying the omega
	// coherence signal (spec.md §4.7).
	ChatLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sos_chat_latency_seconds",
			Help:    "Chat response latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// TaskTransitionsTotal counts task state machine transitions by action.
	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sos_task_transitions_total", Help: "Total task state transitions by action."},
		[]string{"action"},
	)

	// TasksByState is a point-in-time gauge of task count per state, set by
	// the maintenance loop.
	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "sos_tasks_by_state", Help: "Number of tasks currently in each state."},
		[]string{"state"},
	)

	// WorkersByTier is a point-in-time gauge of worker count per tier.
	WorkersByTier = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "sos_workers_by_tier", Help: "Number of registered workers in each tier."},
		[]string{"tier"},
	)

	// AdapterRequestsTotal counts model adapter calls by adapter name and
	// outcome ("success", "rate_limited", "error").
	AdapterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sos_adapter_requests_total", Help: "Total model adapter calls by adapter and outcome."},
		[]string{"adapter", "outcome"},
	)

	// AdapterBreakerState exposes each adapter's circuit breaker state as
	// 0=closed, 1=half-open, 2=open.
	AdapterBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "sos_adapter_breaker_state", Help: "Circuit breaker state per adapter (0=closed,1=half-open,2=open)."},
		[]string{"adapter"},
	)

	// CapabilityVerificationsTotal counts capability token verifications by
	// result (the failure-mode vocabulary of spec.md §4.1, plus "ok").
	CapabilityVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sos_capability_verifications_total", Help: "Total capability verifications by result."},
		[]string{"result"},
	)

	// RateLimiterBucketsActive tracks the number of live token-bucket
	// entries (spec.md §4.2 idle reaping).
	RateLimiterBucketsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "sos_rate_limiter_buckets_active", Help: "Number of active rate limiter buckets."},
	)

	// QueueStreamLength tracks the global work queue's pending length, the
	// signal the Task-claim loop's backpressure check reads (spec.md §5).
	QueueStreamLength = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "sos_queue_stream_length", Help: "Pending length of the global work-queue stream."},
	)

	// DaemonLoopTicksTotal counts each daemon loop's ticks by loop name and
	// outcome ("ok" or "error"), letting a reader see a stuck loop at a
	// glance.
	DaemonLoopTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sos_daemon_loop_ticks_total", Help: "Total daemon loop ticks by loop name and outcome."},
		[]string{"loop", "outcome"},
	)

	// HTTPRequestDurationSeconds is the Engine's HTTP surface request
	// latency by route and status class.
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sos_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route and status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

func init() {
	Registry.MustRegister(
		ChatRequestsTotal,
		ChatLatencySeconds,
		TaskTransitionsTotal,
		TasksByState,
		WorkersByTier,
		AdapterRequestsTotal,
		AdapterBreakerState,
		CapabilityVerificationsTotal,
		RateLimiterBucketsActive,
		QueueStreamLength,
		DaemonLoopTicksTotal,
		HTTPRequestDurationSeconds,
	)
}

// RecordChat records one handled chat request's outcome and latency.
func RecordChat(outcome string, latency time.Duration) {
	ChatRequestsTotal.WithLabelValues(outcome).Inc()
	ChatLatencySeconds.Observe(latency.Seconds())
}

// RecordTaskTransition increments the transition counter for action.
func RecordTaskTransition(action string) {
	TaskTransitionsTotal.WithLabelValues(action).Inc()
}

// RecordCapabilityVerification increments the verification counter for the
// given result ("ok" or one of spec.md §4.1's failure modes).
func RecordCapabilityVerification(result string) {
	CapabilityVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordDaemonTick increments the tick counter for a loop's outcome.
func RecordDaemonTick(loop, outcome string) {
	DaemonLoopTicksTotal.WithLabelValues(loop, outcome).Inc()
}

// RecordHTTPRequest observes one HTTP request's duration.
func RecordHTTPRequest(route, status string, duration time.Duration) {
	HTTPRequestDurationSeconds.WithLabelValues(route, status).Observe(duration.Seconds())
}

// BreakerStateValue maps the breaker package's state vocabulary to the
// numeric gauge value AdapterBreakerState exposes.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
