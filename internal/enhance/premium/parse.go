package premium

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// insightsPayload is the wire shape the prompt asks for.
type insightsPayload struct {
	GenTitle          string `json:"gen_title"`
	GenBadge          string `json:"gen_badge"`
	ProductivityScore int    `json:"productivity_score"`
	KeyInsight        string `json:"key_insight"`
	NextSuggestion    string `json:"next_suggestion"`
	MoodAssessment    string `json:"mood_assessment"`
	EmotionPattern    string `json:"emotion_pattern"`
}

// parseInsights coerces a model reply into insights. Models sometimes wrap
// the JSON in prose or a code fence; one repair pass extracts the outermost
// object and re-parses. Anything past that is a parse failure.
func parseInsights(text string) (*insightsPayload, error) {
	var p insightsPayload
	if err := json.Unmarshal([]byte(text), &p); err == nil {
		return validatePayload(&p)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return nil, fmt.Errorf("repair pass: %w", err)
	}
	return validatePayload(&p)
}

func validatePayload(p *insightsPayload) (*insightsPayload, error) {
	if p.KeyInsight == "" && p.NextSuggestion == "" && p.MoodAssessment == "" {
		return nil, fmt.Errorf("reply carries no insight content")
	}
	return p, nil
}

// toResultFields clamps and truncates the payload into domain shapes.
func (p *insightsPayload) insights() *domain.AIInsights {
	ins := &domain.AIInsights{
		ProductivityScore: p.ProductivityScore,
		KeyInsight:        p.KeyInsight,
		NextSuggestion:    p.NextSuggestion,
		MoodAssessment:    p.MoodAssessment,
		EmotionPattern:    p.EmotionPattern,
	}
	ins.Clamp()
	return ins
}
