// Package telemetry exposes Prometheus metrics for the orchestration
// daemon. Metrics are registered at package load via promauto and served
// from the HTTP server's /metrics endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SpawnsTotal counts worker spawn attempts by outcome.
	// Labels: outcome (granted, circuit_open, rate_limited, duplicate, failed)
	SpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmops",
			Subsystem: "spawn",
			Name:      "attempts_total",
			Help:      "Total worker spawn attempts by admission outcome",
		},
		[]string{"outcome"},
	)

	// CircuitState reports whether the spawn circuit breaker is open
	// (1=open, 0=closed).
	CircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swarmops",
			Subsystem: "spawn",
			Name:      "circuit_open",
			Help:      "Whether the spawn circuit breaker is currently open",
		},
	)

	// StepCompletionsTotal counts step completion webhooks by result.
	// Labels: result (success, retry, skipped, halted)
	StepCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmops",
			Subsystem: "runner",
			Name:      "step_completions_total",
			Help:      "Total step completion webhooks by routing result",
		},
		[]string{"result"},
	)

	// RetriesScheduledTotal counts scheduled retry respawns.
	RetriesScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "swarmops",
			Subsystem: "runner",
			Name:      "retries_scheduled_total",
			Help:      "Total retry respawns scheduled after step failures",
		},
	)

	// EscalationsTotal counts escalations filed, by severity.
	// Labels: severity (warning, error, critical)
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmops",
			Subsystem: "escalation",
			Name:      "filed_total",
			Help:      "Total escalations filed for human attention",
		},
		[]string{"severity"},
	)

	// MergeAttemptsTotal counts phase merge attempts by outcome.
	// Labels: outcome (success, conflict, no_changes, error)
	MergeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmops",
			Subsystem: "merge",
			Name:      "attempts_total",
			Help:      "Total phase merge attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ReviewDecisionsTotal counts reviewer decisions recorded.
	// Labels: decision (approve, fix, escalate)
	ReviewDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmops",
			Subsystem: "review",
			Name:      "decisions_total",
			Help:      "Total reviewer decisions recorded",
		},
		[]string{"decision"},
	)

	// RequestDuration tracks HTTP handler latency.
	// Labels: method, path, status
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swarmops",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal counts HTTP requests.
	// Labels: method, path, status
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmops",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled",
		},
		[]string{"method", "path", "status"},
	)
)
