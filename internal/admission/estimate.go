package admission

import (
	"github.com/pulsegrid/pulsegrid/internal/config"
	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// promptOverheadTokens covers the fixed enhancement prompt wrapped around the
// pulse fields.
const promptOverheadTokens = 600

// charsPerToken is the conservative English-text ratio used for the upper
// bound.
const charsPerToken = 4

// maxOutputTokens caps the estimate for the structured-insights reply.
const maxOutputTokens = 300

// EstimateCents upper-bounds the cost of premium-enhancing a pulse under a
// tariff. Always at least 1 cent (the ledger never charges zero) and never
// above the configured per-pulse ceiling.
func EstimateCents(p *domain.StopPulse, tariff config.Tariff, maxCents int64) int64 {
	inTokens := int64(promptOverheadTokens + p.ContentChars()/charsPerToken)
	outTokens := int64(50) + 2*int64(p.ContentChars()/charsPerToken)
	if outTokens > maxOutputTokens {
		outTokens = maxOutputTokens
	}

	microCents := inTokens*tariff.InputCentsPerMTok + outTokens*tariff.OutputCentsPerMTok
	cents := (microCents + 999_999) / 1_000_000 // ceil at the MTok scale
	if cents < 1 {
		cents = 1
	}
	if maxCents > 0 && cents > maxCents {
		cents = maxCents
	}
	return cents
}
