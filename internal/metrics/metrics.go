// Package metrics provides Prometheus metrics for the call agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveCalls tracks calls that hold media on this agent.
	ActiveCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callagent_active_calls",
			Help: "Number of calls currently holding local media",
		},
	)

	// CallsStarted counts calls by direction and media kind.
	CallsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callagent_calls_started_total",
			Help: "Total number of calls placed or received",
		},
		[]string{"direction", "kind"},
	)

	// CallsAnswered counts calls answered by this agent.
	CallsAnswered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callagent_calls_answered_total",
			Help: "Total number of incoming calls answered",
		},
	)

	// CallsEnded counts torn down calls by end reason.
	CallsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callagent_calls_ended_total",
			Help: "Total number of calls torn down",
		},
		[]string{"reason"},
	)

	// StatusTransitions tracks call record status changes written by this agent.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callagent_status_transitions_total",
			Help: "Total number of call status transitions written",
		},
		[]string{"from_status", "to_status"},
	)

	// CandidatesApplied counts remote connectivity candidates handed to the transport.
	CandidatesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callagent_candidates_applied_total",
			Help: "Total number of remote candidates applied",
		},
	)

	// SignalingRetries counts writes retried after a transient failure.
	SignalingRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callagent_signaling_retries_total",
			Help: "Total number of retried signaling writes",
		},
		[]string{"op"},
	)

	// StoreConflicts counts optimistic transactions that lost to a concurrent writer.
	StoreConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callagent_store_conflicts_total",
			Help: "Total number of optimistic store transactions retried",
		},
		[]string{"record"},
	)

	// MediaAcquireDuration tracks how long local media acquisition takes.
	MediaAcquireDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "callagent_media_acquire_duration_seconds",
			Help:    "Duration of local media acquisition",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

// RecordCallStarted increments start metrics for a call holding media.
func RecordCallStarted(direction, kind string) {
	CallsStarted.WithLabelValues(direction, kind).Inc()
	ActiveCalls.Inc()
}

// RecordCallEnded increments teardown metrics.
func RecordCallEnded(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	CallsEnded.WithLabelValues(reason).Inc()
	ActiveCalls.Dec()
}

// RecordTransition counts a status write.
func RecordTransition(from, to string) {
	StatusTransitions.WithLabelValues(from, to).Inc()
}

// RecordRetry matches the signaling retry hook.
func RecordRetry(op string, _ error) {
	SignalingRetries.WithLabelValues(op).Inc()
}

// ObserveAcquire records a media acquisition that started at start.
func ObserveAcquire(start time.Time) {
	MediaAcquireDuration.Observe(time.Since(start).Seconds())
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
