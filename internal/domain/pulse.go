// Package domain holds the pulse lifecycle types shared by every pipeline
// stage. All timestamps are UTC; phase transitions are one-way.
package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Field caps enforced at the pipeline boundary. The synchronous API enforces
// the same limits, but stream payloads are not trusted.
const (
	MaxIntentChars     = 200
	MaxReflectionChars = 200
	MaxTitleChars      = 120
	MaxBadgeChars      = 60
	MaxInsightChars    = 240
	MaxMoodChars       = 120
	MaxEmotionChars    = 120
)

// Phase is a pulse lifecycle phase. Transitions are append-only:
// Started -> Stopped -> Ingested.
type Phase string

const (
	PhaseStarted  Phase = "started"
	PhaseStopped  Phase = "stopped"
	PhaseIngested Phase = "ingested"
)

var ErrMissingPulseID = errors.New("pulse missing pulse_id")

// StopPulse is the full image of a pulse in the Stopped phase, as delivered
// by the change stream.
type StopPulse struct {
	PulseID           string    `json:"pulse_id" db:"pulse_id"`
	UserID            string    `json:"user_id" db:"user_id"`
	Intent            string    `json:"intent" db:"intent"`
	IntentEmotion     string    `json:"intent_emotion,omitempty" db:"intent_emotion"`
	Reflection        string    `json:"reflection" db:"reflection"`
	ReflectionEmotion string    `json:"reflection_emotion,omitempty" db:"reflection_emotion"`
	StartTime         time.Time `json:"start_time" db:"start_time"`
	StoppedAt         time.Time `json:"stopped_at" db:"stopped_at"`
	// DurationSeconds is the requested duration; EffectiveDurationSeconds
	// may be shorter when the pulse was stopped early.
	DurationSeconds          int64 `json:"duration_seconds" db:"duration_seconds"`
	EffectiveDurationSeconds int64 `json:"effective_duration_seconds" db:"effective_duration_seconds"`
}

// Validate checks the required fields of a stream-delivered pulse image.
// A failure here is a poison event, not a transient one.
func (p *StopPulse) Validate() error {
	if p.PulseID == "" {
		return ErrMissingPulseID
	}
	if p.UserID == "" {
		return fmt.Errorf("pulse %s: missing user_id", p.PulseID)
	}
	if p.StoppedAt.IsZero() {
		return fmt.Errorf("pulse %s: missing stopped_at", p.PulseID)
	}
	if p.EffectiveDurationSeconds < 0 {
		return fmt.Errorf("pulse %s: negative effective duration", p.PulseID)
	}
	return nil
}

// Duration returns the effective duration, falling back to the requested one.
func (p *StopPulse) Duration() time.Duration {
	secs := p.EffectiveDurationSeconds
	if secs == 0 {
		secs = p.DurationSeconds
	}
	return time.Duration(secs) * time.Second
}

// ContentChars is the combined intent+reflection length used by the scorer
// and the cost estimator.
func (p *StopPulse) ContentChars() int {
	return len(p.Intent) + len(p.Reflection)
}

// DecisionReason is the closed set of admission decision tags.
type DecisionReason string

const (
	ReasonGloballyDisabled   DecisionReason = "globally_disabled"
	ReasonBudgetExhausted    DecisionReason = "budget_exhausted"
	ReasonHighWorthiness     DecisionReason = "high_worthiness"
	ReasonProbabilistic      DecisionReason = "probabilistic"
	ReasonBelowThreshold     DecisionReason = "below_threshold"
	ReasonDegraded           DecisionReason = "degraded"
	ReasonPremiumUnavailable DecisionReason = "premium_unavailable"
)

// BudgetSnapshot captures ledger state at decision time.
type BudgetSnapshot struct {
	DailyUsedCents   int64  `json:"daily_used_cents"`
	MonthlyUsedCents int64  `json:"monthly_used_cents"`
	Tier             string `json:"tier"`
}

// SelectionInfo is the decision record attached to every ingested pulse.
type SelectionInfo struct {
	DecisionReason     DecisionReason `json:"decision_reason"`
	WorthinessScore    float64        `json:"worthiness_score"`
	EstimatedCostCents int64          `json:"estimated_cost_cents"`
	// CouldBeEnhanced reports whether the pulse qualified on score and was
	// denied only by budget or availability.
	CouldBeEnhanced bool           `json:"could_be_enhanced"`
	Budget          BudgetSnapshot `json:"budget_snapshot"`
	DecidedAt       time.Time      `json:"decided_at"`
}

// AIInsights is the structured output of a premium enhancement.
type AIInsights struct {
	ProductivityScore int    `json:"productivity_score"`
	KeyInsight        string `json:"key_insight"`
	NextSuggestion    string `json:"next_suggestion"`
	MoodAssessment    string `json:"mood_assessment"`
	EmotionPattern    string `json:"emotion_pattern,omitempty"`
}

// Clamp enforces the field caps and the [1,10] productivity score range.
func (a *AIInsights) Clamp() {
	if a.ProductivityScore < 1 {
		a.ProductivityScore = 1
	}
	if a.ProductivityScore > 10 {
		a.ProductivityScore = 10
	}
	a.KeyInsight = Truncate(a.KeyInsight, MaxInsightChars)
	a.NextSuggestion = Truncate(a.NextSuggestion, MaxInsightChars)
	a.MoodAssessment = Truncate(a.MoodAssessment, MaxMoodChars)
	a.EmotionPattern = Truncate(a.EmotionPattern, MaxEmotionChars)
}

// Empty reports whether no insight content is present.
func (a *AIInsights) Empty() bool {
	return a == nil || (a.KeyInsight == "" && a.NextSuggestion == "" && a.MoodAssessment == "")
}

// IngestedPulse is the final persisted record.
type IngestedPulse struct {
	StopPulse
	GenTitle          string        `json:"gen_title" db:"gen_title"`
	GenBadge          string        `json:"gen_badge" db:"gen_badge"`
	AIEnhanced        bool          `json:"ai_enhanced" db:"ai_enhanced"`
	AICostCents       int64         `json:"ai_cost_cents" db:"ai_cost_cents"`
	AIInsights        *AIInsights   `json:"ai_insights,omitempty"`
	Selection         SelectionInfo `json:"selection_info"`
	InvertedTimestamp int64         `json:"inverted_timestamp" db:"inverted_timestamp"`
	IngestedAt        time.Time     `json:"ingested_at" db:"ingested_at"`
}

// CheckAccounting verifies the ai_enhanced <-> cost <-> insights invariant.
func (p *IngestedPulse) CheckAccounting() error {
	if p.AIEnhanced {
		if p.AICostCents <= 0 {
			return fmt.Errorf("pulse %s: ai_enhanced with zero cost", p.PulseID)
		}
		if p.AIInsights.Empty() {
			return fmt.Errorf("pulse %s: ai_enhanced without insights", p.PulseID)
		}
		return nil
	}
	if p.AICostCents != 0 {
		return fmt.Errorf("pulse %s: rule-enhanced with nonzero cost", p.PulseID)
	}
	if !p.AIInsights.Empty() {
		return fmt.Errorf("pulse %s: rule-enhanced with insights", p.PulseID)
	}
	return nil
}

// InvertedTimestamp derives the newest-first sort key: MaxInt64 minus the
// stop time in milliseconds, so an ascending scan yields newest first.
func InvertedTimestamp(stoppedAt time.Time) int64 {
	return math.MaxInt64 - stoppedAt.UTC().UnixMilli()
}

// Truncate shortens s to at most max runes, marking the cut with an
// ellipsis. max must be at least 3. Rune-based so emoji survive the cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
