package ingest

import (
	"context"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/domain"
	"github.com/pulsegrid/pulsegrid/internal/score"
)

// historyWindows returns the start of at's calendar day and the 7-day
// lookback, both in at's location.
func historyWindows(at time.Time) (dayStart, weekStart time.Time) {
	y, m, d := at.Date()
	dayStart = time.Date(y, m, d, 0, 0, 0, 0, at.Location())
	weekStart = at.AddDate(0, 0, -7)
	return dayStart, weekStart
}

// Summary derives the scorer's per-user context from ingested records: how
// many pulses the user already completed today, premium enhancements over
// the last 7 days, and the recent mean session length. The pulse being
// scored is not ingested yet, so it never counts itself.
func (m *MemoryStore) Summary(_ context.Context, userID string, at time.Time) (score.HistorySummary, error) {
	dayStart, weekStart := historyWindows(at)

	m.mu.Lock()
	defer m.mu.Unlock()

	var h score.HistorySummary
	var recentSecs, recentCount float64
	for _, rec := range m.records {
		if rec.UserID != userID {
			continue
		}
		if !rec.StoppedAt.Before(dayStart) && !rec.StoppedAt.After(at) {
			h.CompletionsToday++
		}
		if rec.StoppedAt.Before(weekStart) {
			continue
		}
		if rec.AIEnhanced {
			h.AIEnhancedLast7Days++
		}
		recentSecs += rec.Duration().Seconds()
		recentCount++
	}
	if recentCount > 0 {
		h.RollingMeanDurationSecs = recentSecs / recentCount
	}
	return h, nil
}

type historyRow struct {
	CompletionsToday    int     `db:"completions_today"`
	AIEnhancedLast7Days int     `db:"ai_enhanced_last7"`
	RollingMeanSecs     float64 `db:"rolling_mean_secs"`
}

// Summary aggregates the user's ingested pulses in one scan over the
// user_id index.
func (s *PostgresStore) Summary(ctx context.Context, userID string, at time.Time) (score.HistorySummary, error) {
	dayStart, weekStart := historyWindows(at)

	var row historyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*) FILTER (WHERE stopped_at >= $2 AND stopped_at <= $4) AS completions_today,
			COUNT(*) FILTER (WHERE ai_enhanced AND stopped_at >= $3)      AS ai_enhanced_last7,
			COALESCE(AVG(effective_duration_seconds)
				FILTER (WHERE stopped_at >= $3), 0)                       AS rolling_mean_secs
		FROM ingested_pulses
		WHERE user_id = $1`, userID, dayStart, weekStart, at)
	if err != nil {
		return score.HistorySummary{}, domain.ETransient("ingest.summary", err)
	}
	return score.HistorySummary{
		CompletionsToday:        row.CompletionsToday,
		AIEnhancedLast7Days:     row.AIEnhancedLast7Days,
		RollingMeanDurationSecs: row.RollingMeanSecs,
	}, nil
}
