// Package metrics registers the pipeline's Prometheus collectors. Collectors
// are package-level and registered once via promauto; handlers expose them
// through the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decisions counts admission outcomes by reason and tier. Comparing the
	// admitted share against ai.target_percentage is a dashboard concern.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsegrid",
		Name:      "admission_decisions_total",
		Help:      "Admission decisions by reason and tier.",
	}, []string{"reason", "tier"})

	Enhancements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsegrid",
		Name:      "enhancements_total",
		Help:      "Completed enhancements by path and model.",
	}, []string{"path", "model"})

	EnhancementCostCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsegrid",
		Name:      "enhancement_cost_cents_total",
		Help:      "Premium enhancement spend in cents by model.",
	}, []string{"model"})

	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsegrid",
		Name:      "model_calls_total",
		Help:      "Model invocations by model and outcome.",
	}, []string{"model", "outcome"})

	ModelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulsegrid",
		Name:      "model_call_seconds",
		Help:      "Model invocation latency.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 90},
	}, []string{"model"})

	// LedgerOverruns counts post-hoc cap breaches: a model call completed
	// but the atomic charge found the window already full.
	LedgerOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulsegrid",
		Name:      "ledger_overruns_total",
		Help:      "Charges refused after a model call already ran.",
	})

	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulsegrid",
		Name:      "pipeline_stage_seconds",
		Help:      "Per-stage processing latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsegrid",
		Name:      "pipeline_events_total",
		Help:      "Stream events by terminal outcome.",
	}, []string{"outcome"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsegrid",
		Name:      "dead_letters_total",
		Help:      "Events routed to the dead-letter queue by error kind.",
	}, []string{"kind"})

	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulsegrid",
		Name:      "dlq_depth",
		Help:      "Current dead-letter queue depth.",
	})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulsegrid",
		Name:      "pipeline_in_flight",
		Help:      "Events currently held by workers.",
	})
)
