// Package metrics provides Prometheus metrics for the routing engine:
// forwarding attempts, circuit breaker transitions, probe outcomes, and
// rate limiter decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaymux"

// ProbeLatencyBuckets defines histogram buckets for probe latency (seconds).
var ProbeLatencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
}

var (
	// ForwardAttempts counts dispatch attempts per provider and outcome.
	ForwardAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_attempts_total",
			Help:      "Total forwarding attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// Failovers counts retries against a replacement provider, by failure kind.
	Failovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Total provider failovers by failure kind",
		},
		[]string{"kind"},
	)

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by scope and new state",
		},
		[]string{"scope", "state"},
	)

	// ProbeResults counts health probe outcomes.
	ProbeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Health probe outcomes by vendor and result",
		},
		[]string{"vendor", "result"},
	)

	// ProbeLatency tracks health probe latency.
	ProbeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Health probe latency in seconds",
			Buckets:   ProbeLatencyBuckets,
		},
		[]string{"vendor"},
	)

	// RateLimitDecisions counts rate limiter verdicts.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by window and verdict",
		},
		[]string{"window", "verdict"},
	)

	// RateLimitBackendErrors counts shared-cache failures in the limiter path.
	RateLimitBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_backend_errors_total",
			Help:      "Rate limiter backend errors by operation",
		},
		[]string{"op"},
	)

	// SchedulerLeader reports whether this instance currently holds the probe lock.
	SchedulerLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_leader",
			Help:      "1 when this instance holds the probe scheduler lock",
		},
	)

	// LockFallbacks counts degradations to the in-process lock.
	LockFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_local_fallbacks_total",
			Help:      "Times the distributed lock degraded to the local fallback",
		},
	)
)
