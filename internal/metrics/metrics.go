// Package metrics defines the Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Submissions counts Submit calls by outcome
	// (stored, blocked, duplicate, error).
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataguard",
			Subsystem: "engine",
			Name:      "submissions_total",
			Help:      "Total payload submissions by outcome",
		},
		[]string{"outcome"},
	)

	// Evaluations counts DLP evaluations by final action.
	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataguard",
			Subsystem: "dlp",
			Name:      "evaluations_total",
			Help:      "Total DLP evaluations by final action",
		},
		[]string{"final_action"},
	)

	// RuleTriggers counts individual rule firings by rule action.
	RuleTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataguard",
			Subsystem: "dlp",
			Name:      "rule_triggers_total",
			Help:      "Total rule firings by action",
		},
		[]string{"action"},
	)

	// SealDuration observes CryptoVault seal latency.
	SealDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dataguard",
			Subsystem: "crypto",
			Name:      "seal_duration_seconds",
			Help:      "Payload seal latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	// OpenDuration observes CryptoVault open latency.
	OpenDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dataguard",
			Subsystem: "crypto",
			Name:      "open_duration_seconds",
			Help:      "Payload open latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
	)

	// AuthorizationDenials counts denied actions by requested permission.
	AuthorizationDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataguard",
			Subsystem: "access",
			Name:      "denials_total",
			Help:      "Authorization denials by requested action",
		},
		[]string{"action"},
	)

	// StoreCASRetries counts optimistic-concurrency retries in stores.
	StoreCASRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dataguard",
			Subsystem: "store",
			Name:      "cas_retries_total",
			Help:      "Compare-and-swap retries across record mutations",
		},
	)

	// RuleCacheHits tracks read-through rule cache effectiveness.
	RuleCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataguard",
			Subsystem: "dlp",
			Name:      "rule_cache_requests_total",
			Help:      "Rule cache lookups by result (hit, miss, bypass)",
		},
		[]string{"result"},
	)
)
