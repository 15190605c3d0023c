// Package metrics provides Prometheus collectors for scans, triage,
// emergencies and remediation outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "guardrail"

var (
	// FindingsTotal counts findings emitted by the detector.
	// Labels: confidence (high, medium, low), status
	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "findings_total",
			Help:      "Total number of findings emitted by detector scans",
		},
		[]string{"confidence", "status"},
	)

	// ScanErrorsTotal counts files that could not be scanned.
	ScanErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "scan_errors_total",
			Help:      "Total number of files that failed to scan",
		},
	)

	// ScanDuration tracks how long detector scans take.
	// Labels: scope (full, scoped)
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "scan_duration_seconds",
			Help:      "Duration of detector scans in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"scope"},
	)

	// TriageDecisions counts triage outcomes.
	// Labels: severity, status, asked (true, false)
	TriageDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triage",
			Name:      "decisions_total",
			Help:      "Total number of triage decisions",
		},
		[]string{"severity", "status", "asked"},
	)

	// EmergencyTransitions counts emergency state changes.
	// Labels: state
	EmergencyTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emergency",
			Name:      "transitions_total",
			Help:      "Total number of emergency controller state transitions",
		},
		[]string{"state"},
	)

	// EmergencyQueueDepth is the number of P0 findings waiting behind the
	// open emergency.
	EmergencyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "emergency",
			Name:      "queue_depth",
			Help:      "Number of queued emergencies waiting for the open one to resolve",
		},
	)

	// CategoryTransitions counts remediation category state changes.
	// Labels: state
	CategoryTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "category_transitions_total",
			Help:      "Total number of remediation category state transitions",
		},
		[]string{"state"},
	)

	// SessionsTotal counts session outcomes.
	// Labels: outcome (completed, active, abandoned, paused_emergency, aborted)
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "sessions_total",
			Help:      "Total number of remediation runs by outcome",
		},
		[]string{"outcome"},
	)
)
