package config

import "time"

// Logical configuration keys. Values are strings at the store boundary and
// coerced when a Snapshot is built.
const (
	KeyAIEnabled            = "ai.enabled"
	KeyAITargetPercentage   = "ai.target_percentage"
	KeyWeightDuration       = "ai.weight.duration"
	KeyWeightReflection     = "ai.weight.reflection"
	KeyWeightIntent         = "ai.weight.intent"
	KeyWeightFrequency      = "ai.weight.frequency"
	KeyMaxCostPerPulseCents = "ai.max_cost_per_pulse_cents"
	KeyModelPrimary         = "ai.model.primary"
	KeyModelFallbacks       = "ai.model.fallbacks"
	KeyThresholdHigh        = "ai.threshold.high"
	KeyThresholdMid         = "ai.threshold.mid"

	KeyScoreLengthSaturation   = "score.length.saturation_chars"
	KeyScoreDurationSaturation = "score.duration.saturation_seconds"
	KeyScoreDurationFloor      = "score.duration.floor_seconds"
	KeyScoreFrequencyCap       = "score.frequency.daily_cap"

	KeyWorkerConcurrency    = "pipeline.worker_concurrency"
	KeyEventDeadlineSeconds = "pipeline.event_deadline_seconds"
)

// Tier-scoped keys use the ai.tier.<name>.<field> pattern, e.g.
// ai.tier.free.daily_cents. Model tariffs use
// ai.tariff.<model>.input_cents_per_mtok and .output_cents_per_mtok.

// defaults are the shipped tunables. Any key absent from every store
// resolves here.
var defaults = map[string]string{
	KeyAIEnabled:            "true",
	KeyAITargetPercentage:   "0.10",
	KeyWeightDuration:       "0.30",
	KeyWeightReflection:     "0.20",
	KeyWeightIntent:         "0.40",
	KeyWeightFrequency:      "0.10",
	KeyMaxCostPerPulseCents: "2",
	KeyModelPrimary:         "nova-lite-v1",
	KeyModelFallbacks:       "haiku-v1",
	KeyThresholdHigh:        "0.8",
	KeyThresholdMid:         "0.4",

	KeyScoreLengthSaturation:   "400",
	KeyScoreDurationSaturation: "1800",
	KeyScoreDurationFloor:      "60",
	KeyScoreFrequencyCap:       "2",

	KeyWorkerConcurrency:    "16",
	KeyEventDeadlineSeconds: "300",

	"ai.tier.free.daily_cents":        "5",
	"ai.tier.free.monthly_cents":      "10",
	"ai.tier.free.min_score":          "0.7",
	"ai.tier.premium.daily_cents":     "18",
	"ai.tier.premium.monthly_cents":   "375",
	"ai.tier.premium.min_score":       "0.4",
	"ai.tier.unlimited.daily_cents":   "75",
	"ai.tier.unlimited.monthly_cents": "1000",
	"ai.tier.unlimited.min_score":     "0.4",

	"ai.tariff.nova-lite-v1.input_cents_per_mtok":  "6",
	"ai.tariff.nova-lite-v1.output_cents_per_mtok": "24",
	"ai.tariff.haiku-v1.input_cents_per_mtok":      "25",
	"ai.tariff.haiku-v1.output_cents_per_mtok":     "125",
}

// DefaultTTL bounds how long a Snapshot may be served before the resolver
// re-reads its stores.
const DefaultTTL = 5 * time.Minute
