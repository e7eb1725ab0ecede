// Package score computes the worthiness of a completed pulse: a weighted,
// clamped measure of how much the pulse deserves premium enhancement.
// Scoring is pure CPU; the history summary is supplied by the caller and the
// scorer performs no I/O and reads no clock.
package score

import (
	"regexp"
	"strings"

	"github.com/pulsegrid/pulsegrid/internal/config"
	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// HistorySummary is the light per-user context the caller looks up before
// scoring. A failed lookup yields the zero value and scoring proceeds.
type HistorySummary struct {
	// CompletionsToday counts pulses the user completed earlier today,
	// excluding the one being scored.
	CompletionsToday int
	// AIEnhancedLast7Days counts premium enhancements in the last 7 days.
	AIEnhancedLast7Days int
	// RollingMeanDurationSecs is the user's recent mean session length.
	RollingMeanDurationSecs float64
}

// Params are the scorer tunables, resolved from config per decision.
type Params struct {
	Weights                config.Weights
	LengthSaturationChars  int
	DurationSaturationSecs int64
	DurationFloorSecs      int64
	FrequencyDailyCap      int
}

// ParamsFromSnapshot extracts scorer tunables from a config snapshot.
func ParamsFromSnapshot(s *config.Snapshot) Params {
	return Params{
		Weights:                s.Weights,
		LengthSaturationChars:  s.LengthSaturationChars,
		DurationSaturationSecs: s.DurationSaturationSecs,
		DurationFloorSecs:      s.DurationFloorSecs,
		FrequencyDailyCap:      s.FrequencyDailyCap,
	}
}

// Breakdown reports the sub-scores behind a total, for logging and audit.
type Breakdown struct {
	Total     float64 `json:"total"`
	Content   float64 `json:"content"`
	Duration  float64 `json:"duration"`
	Depth     float64 `json:"depth"`
	Frequency float64 `json:"frequency"`
}

type Scorer struct {
	vocab   *Vocabulary
	numbers *regexp.Regexp
}

func NewScorer(vocab *Vocabulary) *Scorer {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	return &Scorer{
		vocab:   vocab,
		numbers: regexp.MustCompile(`\d+(\.\d+)?\s*(%|percent|hours?|minutes?|seconds?|[kmgt]b)`),
	}
}

// Score computes the worthiness of a completed pulse. Deterministic for a
// given (pulse, history, params) triple.
func (s *Scorer) Score(p *domain.StopPulse, h HistorySummary, params Params) Breakdown {
	b := Breakdown{
		Content:   s.contentScore(p, params),
		Duration:  s.durationScore(p, params),
		Depth:     s.depthScore(p),
		Frequency: s.frequencyScore(h, params),
	}
	w := params.Weights
	b.Total = clamp01(b.Content*w.Intent + b.Duration*w.Duration + b.Depth*w.Reflection + b.Frequency*w.Frequency)
	return b
}

// contentScore grows with combined intent+reflection length and saturates at
// the configured cap (by default the sum of the two per-field caps).
func (s *Scorer) contentScore(p *domain.StopPulse, params Params) float64 {
	sat := params.LengthSaturationChars
	if sat <= 0 {
		sat = domain.MaxIntentChars + domain.MaxReflectionChars
	}
	return clamp01(float64(p.ContentChars()) / float64(sat))
}

// durationScore is zero under the floor, saturates at the configured
// ceiling, and grows linearly in between.
func (s *Scorer) durationScore(p *domain.StopPulse, params Params) float64 {
	secs := int64(p.Duration().Seconds())
	floor, sat := params.DurationFloorSecs, params.DurationSaturationSecs
	if sat <= floor {
		sat = floor + 1
	}
	if secs < floor {
		return 0
	}
	return clamp01(float64(secs-floor) / float64(sat-floor))
}

// depthScore combines reflection length, breakthrough vocabulary hits,
// emotional progression, and content specificity.
func (s *Scorer) depthScore(p *domain.StopPulse) float64 {
	content := strings.ToLower(p.Intent + " " + p.Reflection)
	total := 0.0

	// Reflection length, up to 0.3.
	total += clamp01(float64(len(p.Reflection))/float64(domain.MaxReflectionChars)) * 0.3

	// Breakthrough tokens, 0.25 each up to 0.5.
	hits := 0
	for _, word := range s.vocab.Breakthrough {
		if strings.Contains(content, word) {
			hits++
		}
	}
	total += min64(0.5, float64(hits)*0.25)

	// Emotional journey: positive landing, bonus for negative -> positive.
	end := strings.ToLower(p.ReflectionEmotion)
	start := strings.ToLower(p.IntentEmotion)
	if contains(s.vocab.PositiveEmotions, end) {
		total += 0.1
		if contains(s.vocab.NegativeEmotions, start) {
			total += 0.1
		}
	}

	// Specificity: concrete metrics and action verbs, up to 0.2.
	spec := 0.0
	if s.numbers.MatchString(content) {
		spec += 0.05
	}
	verbs := 0
	for _, v := range s.vocab.ActionVerbs {
		if strings.Contains(content, v) {
			verbs++
		}
	}
	spec += min64(0.15, float64(verbs)*0.05)
	total += spec

	return clamp01(total)
}

// frequencyScore rewards the first couple of completions in a day and decays
// to zero past the configured cap, so grinding out pulses stops paying.
func (s *Scorer) frequencyScore(h HistorySummary, params Params) float64 {
	cap := params.FrequencyDailyCap
	if cap <= 0 {
		cap = 2
	}
	switch {
	case h.CompletionsToday == 0:
		return 0.5
	case h.CompletionsToday == 1:
		return 1.0
	default:
		return clamp01(1.0 - float64(h.CompletionsToday-1)/float64(cap))
	}
}

func contains(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
