package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

func record(pulseID, userID string, stoppedAt time.Time, enhanced bool) *domain.IngestedPulse {
	p := &domain.IngestedPulse{
		StopPulse: domain.StopPulse{
			PulseID:                  pulseID,
			UserID:                   userID,
			Intent:                   "write the quarterly summary",
			StartTime:                stoppedAt.Add(-20 * time.Minute),
			StoppedAt:                stoppedAt,
			DurationSeconds:          1200,
			EffectiveDurationSeconds: 1200,
		},
		GenTitle: "Focused Honest Sprint! 💼",
		GenBadge: "⚡ Task Crusher",
		Selection: domain.SelectionInfo{
			DecisionReason: domain.ReasonBelowThreshold,
			DecidedAt:      stoppedAt.Add(time.Second),
		},
		InvertedTimestamp: domain.InvertedTimestamp(stoppedAt),
		IngestedAt:        stoppedAt.Add(2 * time.Second),
	}
	if enhanced {
		p.AIEnhanced = true
		p.AICostCents = 1
		p.AIInsights = &domain.AIInsights{
			ProductivityScore: 8,
			KeyInsight:        "steady block",
			NextSuggestion:    "repeat tomorrow",
			MoodAssessment:    "calm finish",
		}
		p.Selection.DecisionReason = domain.ReasonHighWorthiness
	}
	return p
}

func TestPersistAndLookup(t *testing.T) {
	store := NewMemoryStore(zerolog.Nop())
	ctx := context.Background()
	stopped := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Persist(ctx, record("p1", "u1", stopped, false)))

	got, err := store.ByID(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "⚡ Task Crusher", got.GenBadge)

	missing, err := store.ByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPersistIdenticalReplayIsNoOp(t *testing.T) {
	store := NewMemoryStore(zerolog.Nop())
	ctx := context.Background()
	stopped := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	first := record("p1", "u1", stopped, true)
	require.NoError(t, store.Persist(ctx, first))

	// Replay from a redelivered event: same content, later attempt times.
	replay := record("p1", "u1", stopped, true)
	replay.IngestedAt = stopped.Add(time.Hour)
	replay.Selection.DecidedAt = stopped.Add(time.Hour)
	require.NoError(t, store.Persist(ctx, replay))

	agg := store.UserAggregates("u1")
	assert.Equal(t, int64(1), agg.TotalPulses, "replay must not double-count aggregates")
	assert.Equal(t, int64(1), agg.AIEnhancedTotal)
}

func TestPersistConflictingReplayRejected(t *testing.T) {
	store := NewMemoryStore(zerolog.Nop())
	ctx := context.Background()
	stopped := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Persist(ctx, record("p1", "u1", stopped, false)))

	conflicting := record("p1", "u1", stopped, false)
	conflicting.GenTitle = "A Different Title ✨"
	err := store.Persist(ctx, conflicting)
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	// The existing record wins.
	got, err := store.ByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Focused Honest Sprint! 💼", got.GenTitle)
}

func TestPersistEnforcesAccounting(t *testing.T) {
	store := NewMemoryStore(zerolog.Nop())
	broken := record("p1", "u1", time.Now().UTC(), true)
	broken.AICostCents = 0

	err := store.Persist(context.Background(), broken)
	require.Error(t, err)
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))
}

func TestByUserNewestFirst(t *testing.T) {
	store := NewMemoryStore(zerolog.Nop())
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, store.Persist(ctx,
			record(id, "u1", base.Add(time.Duration(i)*time.Hour), false)))
	}
	require.NoError(t, store.Persist(ctx, record("other", "u2", base, false)))

	got, err := store.ByUser(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p3", got[0].PulseID, "newest first")
	assert.Equal(t, "p2", got[1].PulseID)
}

func TestSummaryCountsWindows(t *testing.T) {
	store := NewMemoryStore(zerolog.Nop())
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Two completions earlier today, one premium-enhanced three days ago,
	// one far outside every window.
	require.NoError(t, store.Persist(ctx, record("today1", "u1", now.Add(-4*time.Hour), false)))
	require.NoError(t, store.Persist(ctx, record("today2", "u1", now.Add(-2*time.Hour), false)))
	require.NoError(t, store.Persist(ctx, record("recent", "u1", now.AddDate(0, 0, -3), true)))
	require.NoError(t, store.Persist(ctx, record("ancient", "u1", now.AddDate(0, 0, -30), true)))
	require.NoError(t, store.Persist(ctx, record("other", "u2", now.Add(-time.Hour), false)))

	h, err := store.Summary(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, h.CompletionsToday, "yesterday and other users do not count")
	assert.Equal(t, 1, h.AIEnhancedLast7Days)
	assert.InDelta(t, 1200, h.RollingMeanDurationSecs, 0.001)

	empty, err := store.Summary(ctx, "nobody", now)
	require.NoError(t, err)
	assert.Zero(t, empty.CompletionsToday)
	assert.Zero(t, empty.RollingMeanDurationSecs)
}
