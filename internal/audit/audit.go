// Package audit records one accounting event per admission decision: how the
// pulse was scored, which path it took, and what the model run cost.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// Outcome is the closed set of terminal enhancement results.
type Outcome string

const (
	// OutcomeAdmittedEnhanced is a premium admission that produced insights.
	OutcomeAdmittedEnhanced Outcome = "admitted_enhanced"
	// OutcomeAdmittedDegraded is a premium admission that fell back to the
	// rule path after the model layer failed.
	OutcomeAdmittedDegraded Outcome = "admitted_degraded"
	// OutcomeRejected is any decision that never reached the model layer.
	OutcomeRejected Outcome = "rejected"
	// OutcomeErrored is a premium attempt with no usable result.
	OutcomeErrored Outcome = "errored"
)

// AIUsageEvent is the per-decision accounting record. Model fields are zero
// for rejected decisions.
type AIUsageEvent struct {
	EventID            string                `json:"event_id" db:"event_id"`
	PulseID            string                `json:"pulse_id" db:"pulse_id"`
	UserID             string                `json:"user_id" db:"user_id"`
	Outcome            Outcome               `json:"outcome" db:"outcome"`
	DecisionReason     domain.DecisionReason `json:"decision_reason" db:"decision_reason"`
	DecidedAt          time.Time             `json:"decided_at" db:"decided_at"`
	Score              float64               `json:"score" db:"score"`
	EstimatedCostCents int64                 `json:"estimated_cost_cents" db:"estimated_cost_cents"`
	Model              string                `json:"model,omitempty" db:"model"`
	InputTokens        int64                 `json:"input_tokens" db:"input_tokens"`
	OutputTokens       int64                 `json:"output_tokens" db:"output_tokens"`
	CostCents          int64                 `json:"cost_cents" db:"cost_cents"`
	LatencyMillis      int64                 `json:"latency_millis" db:"latency_millis"`
	// Succeeded is true only when a premium enhancement was produced.
	Succeeded bool `json:"succeeded" db:"succeeded"`
	// Detail carries failure context, e.g. the unparseable payload.
	Detail     string    `json:"detail,omitempty" db:"detail"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// DecisionEvent seeds an event from the admission record; the caller fills
// the outcome and any model fields.
func DecisionEvent(pulseID, userID string, info domain.SelectionInfo, outcome Outcome) AIUsageEvent {
	return AIUsageEvent{
		EventID:            NewEventID(),
		PulseID:            pulseID,
		UserID:             userID,
		Outcome:            outcome,
		DecisionReason:     info.DecisionReason,
		DecidedAt:          info.DecidedAt,
		Score:              info.WorthinessScore,
		EstimatedCostCents: info.EstimatedCostCents,
	}
}

// NewEventID mints the event identity. Events are append-only; the id exists
// for joins, not dedupe.
func NewEventID() string { return uuid.NewString() }

// Recorder is the audit sink. Recording failures are logged by callers but
// never fail the pulse.
type Recorder interface {
	Record(ctx context.Context, ev AIUsageEvent) error
}
