// Package ingest persists the final enhanced record. Persist is idempotent
// on pulse_id: identical replays are no-ops, differing replays are conflicts
// and the existing record wins.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// Store writes ingested pulses and serves the two guaranteed lookups:
// by user newest-first and by pulse id.
type Store interface {
	// Persist writes the record and its aggregate updates in one logical
	// transaction. Returns nil on first write and on identical replay, a
	// KindConflict error on differing replay.
	Persist(ctx context.Context, p *domain.IngestedPulse) error

	// ByUser lists a user's ingested pulses ordered by inverted_timestamp
	// ascending, i.e. newest first.
	ByUser(ctx context.Context, userID string, limit int) ([]domain.IngestedPulse, error)

	// ByID fetches one record; (nil, nil) when absent.
	ByID(ctx context.Context, pulseID string) (*domain.IngestedPulse, error)
}

// Aggregates are the per-user counters the writer maintains.
type Aggregates struct {
	UserID          string `db:"user_id"`
	TotalPulses     int64  `db:"total_pulses"`
	AIEnhancedTotal int64  `db:"ai_enhanced_total"`
}

// contentHash fingerprints the replay-stable parts of a record. Timestamps
// set per attempt (DecidedAt, IngestedAt) are excluded so a replayed event
// that produced the same content hashes identically.
func contentHash(p *domain.IngestedPulse) string {
	stable := struct {
		Pulse     domain.StopPulse   `json:"pulse"`
		GenTitle  string             `json:"gen_title"`
		GenBadge  string             `json:"gen_badge"`
		Enhanced  bool               `json:"ai_enhanced"`
		CostCents int64              `json:"ai_cost_cents"`
		Insights  *domain.AIInsights `json:"ai_insights"`
		Reason    string             `json:"decision_reason"`
	}{
		Pulse:     p.StopPulse,
		GenTitle:  p.GenTitle,
		GenBadge:  p.GenBadge,
		Enhanced:  p.AIEnhanced,
		CostCents: p.AICostCents,
		Insights:  p.AIInsights,
		Reason:    string(p.Selection.DecisionReason),
	}
	raw, _ := json.Marshal(stable)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
