package admission

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulsegrid/internal/config"
	"github.com/pulsegrid/pulsegrid/internal/domain"
	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/internal/ledger"
	"github.com/pulsegrid/pulsegrid/internal/score"
	"github.com/pulsegrid/pulsegrid/internal/tier"
)

type fixture struct {
	ctrl   *Controller
	ledger *ledger.Memory
	tiers  *tier.MemoryStore
}

func newFixture(t *testing.T, overrides config.Static) *fixture {
	t.Helper()
	resolver := config.NewResolver(time.Minute, overrides)
	f := &fixture{
		ledger: ledger.NewMemory(),
		tiers:  tier.NewMemoryStore(),
	}
	f.ctrl = NewController(resolver, score.NewScorer(nil), f.ledger, f.tiers, nil, zerolog.Nop())
	f.ctrl.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return f
}

func stoppedPulse(id, userID, intent, reflection string, secs int64) *domain.StopPulse {
	stopped := time.Date(2026, 8, 24, 11, 59, 0, 0, time.UTC)
	return &domain.StopPulse{
		PulseID:                  id,
		UserID:                   userID,
		Intent:                   intent,
		Reflection:               reflection,
		StartTime:                stopped.Add(-time.Duration(secs) * time.Second),
		StoppedAt:                stopped,
		DurationSeconds:          secs,
		EffectiveDurationSeconds: secs,
	}
}

func deepPulse(id, userID string) *domain.StopPulse {
	p := stoppedPulse(id, userID,
		strings.Repeat("design and build the streaming ingestion layer end ", 4)[:200],
		"implemented and optimized the writer, throughput improved 40%, a real breakthrough achievement",
		1800,
	)
	p.IntentEmotion = "stuck"
	p.ReflectionEmotion = "accomplished"
	return p
}

func TestDecideTrivialPulseRejected(t *testing.T) {
	f := newFixture(t, nil)

	d, err := f.ctrl.Decide(context.Background(), stoppedPulse("p1", "u1", "note", "", 120))
	require.NoError(t, err)
	assert.False(t, d.Admit)
	assert.Equal(t, domain.ReasonBelowThreshold, d.Info.DecisionReason)
	assert.Less(t, d.Info.WorthinessScore, 0.15)
	assert.False(t, d.Info.CouldBeEnhanced)

	u, _ := f.ledger.Usage(context.Background(), "u1", time.Now())
	assert.Zero(t, u.DailyCents, "rejection must not touch the ledger")
}

func TestDecideHighWorthinessAdmitted(t *testing.T) {
	f := newFixture(t, nil)
	f.tiers.Put(tier.Profile{UserID: "u2", Tier: tier.Premium})

	d, err := f.ctrl.Decide(context.Background(), deepPulse("p2", "u2"))
	require.NoError(t, err)
	assert.True(t, d.Admit)
	assert.Equal(t, domain.ReasonHighWorthiness, d.Info.DecisionReason)
	assert.GreaterOrEqual(t, d.Info.WorthinessScore, 0.80)
	assert.GreaterOrEqual(t, d.Info.EstimatedCostCents, int64(1))
	assert.LessOrEqual(t, d.Info.EstimatedCostCents, int64(2))
	assert.Equal(t, tier.Premium, d.Info.Budget.Tier)
}

func TestDecideBudgetExhausted(t *testing.T) {
	f := newFixture(t, nil)
	// Free tier monthly cap is 10 cents; burn it.
	ctx := context.Background()
	for i, id := range []string{"old1", "old2", "old3", "old4", "old5"} {
		_, err := f.ledger.Charge(ctx, ledger.ChargeRequest{
			UserID: "u3", PulseID: id, Cents: 2,
			At: time.Date(2026, 8, 20+i%3, 10, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	d, err := f.ctrl.Decide(ctx, deepPulse("p3", "u3"))
	require.NoError(t, err)
	assert.False(t, d.Admit)
	assert.Equal(t, domain.ReasonBudgetExhausted, d.Info.DecisionReason)
	assert.True(t, d.Info.CouldBeEnhanced)
	assert.Equal(t, int64(10), d.Info.Budget.MonthlyUsedCents)
}

func TestDecideKillSwitch(t *testing.T) {
	f := newFixture(t, config.Static{config.KeyAIEnabled: "false"})

	d, err := f.ctrl.Decide(context.Background(), deepPulse("p4", "u4"))
	require.NoError(t, err)
	assert.False(t, d.Admit)
	assert.Equal(t, domain.ReasonGloballyDisabled, d.Info.DecisionReason)
}

func TestDecideTierFloorRaisesThreshold(t *testing.T) {
	// A mid-band score clears the premium floor (0.4) but not the free
	// floor (0.7).
	f := newFixture(t, config.Static{"ai.tier.free.min_score": "0.99"})
	f.tiers.Put(tier.Profile{UserID: "u5", Tier: tier.Free})

	d, err := f.ctrl.Decide(context.Background(), deepPulse("p5", "u5"))
	require.NoError(t, err)
	assert.False(t, d.Admit)
	assert.Equal(t, domain.ReasonBelowThreshold, d.Info.DecisionReason)
}

func TestDecideProbabilisticDeterministic(t *testing.T) {
	f := newFixture(t, nil)
	f.tiers.Put(tier.Profile{UserID: "u6", Tier: tier.Premium})
	// Mid-band pulse: clears 0.4, stays under 0.8.
	p := stoppedPulse("p6", "u6",
		"work through the remaining migration checklist for the billing service and verify the cutover plan with staging data",
		"completed most of the checklist, improved the cutover runbook, and verified the staging restore path end to end today",
		1200,
	)

	first, err := f.ctrl.Decide(context.Background(), p)
	require.NoError(t, err)
	require.Contains(t,
		[]domain.DecisionReason{domain.ReasonProbabilistic, domain.ReasonBelowThreshold},
		first.Info.DecisionReason)

	for i := 0; i < 20; i++ {
		again, err := f.ctrl.Decide(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, first.Admit, again.Admit)
		assert.Equal(t, first.Info.DecisionReason, again.Info.DecisionReason)
	}
}

func ingestedAt(id, userID string, stoppedAt time.Time) *domain.IngestedPulse {
	return &domain.IngestedPulse{
		StopPulse: domain.StopPulse{
			PulseID:                  id,
			UserID:                   userID,
			Intent:                   "earlier session",
			StartTime:                stoppedAt.Add(-20 * time.Minute),
			StoppedAt:                stoppedAt,
			DurationSeconds:          1200,
			EffectiveDurationSeconds: 1200,
		},
		GenTitle:          "Steady Block 📘",
		GenBadge:          "⚡ Task Crusher",
		Selection:         domain.SelectionInfo{DecisionReason: domain.ReasonBelowThreshold},
		InvertedTimestamp: domain.InvertedTimestamp(stoppedAt),
		IngestedAt:        stoppedAt,
	}
}

func TestDecideFrequencyDecaysPastDailyCap(t *testing.T) {
	f := newFixture(t, nil)
	f.tiers.Put(tier.Profile{UserID: "u10", Tier: tier.Premium})
	pulses := ingest.NewMemoryStore(zerolog.Nop())
	f.ctrl.history = pulses

	ctx := context.Background()
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	p := stoppedPulse("p10", "u10",
		"work through the remaining migration checklist for the billing service and verify the cutover plan with staging data",
		"completed most of the checklist, improved the cutover runbook, and verified the staging restore path end to end today",
		1200,
	)

	base, err := f.ctrl.Decide(ctx, p)
	require.NoError(t, err)

	// One earlier completion today is the sweet spot.
	require.NoError(t, pulses.Persist(ctx, ingestedAt("h1", "u10", day.Add(8*time.Hour))))
	boosted, err := f.ctrl.Decide(ctx, p)
	require.NoError(t, err)
	assert.InDelta(t, base.Info.WorthinessScore+0.05, boosted.Info.WorthinessScore, 1e-9,
		"first prior completion lifts the frequency bonus from 0.5 to 1.0")

	// Grinding past the daily cap decays the bonus to zero.
	require.NoError(t, pulses.Persist(ctx, ingestedAt("h2", "u10", day.Add(9*time.Hour))))
	require.NoError(t, pulses.Persist(ctx, ingestedAt("h3", "u10", day.Add(10*time.Hour))))
	ground, err := f.ctrl.Decide(ctx, p)
	require.NoError(t, err)
	assert.InDelta(t, base.Info.WorthinessScore-0.05, ground.Info.WorthinessScore, 1e-9,
		"past the cap the bonus is gone entirely")
	assert.Less(t, ground.Info.WorthinessScore, boosted.Info.WorthinessScore)
}

func TestDecideDegradedOnConfigFailure(t *testing.T) {
	f := newFixture(t, config.Static{config.KeyAIEnabled: "definitely"})

	d, err := f.ctrl.Decide(context.Background(), deepPulse("p7", "u7"))
	require.NoError(t, err, "config failure must degrade, not fail the pulse")
	assert.False(t, d.Admit)
	assert.Equal(t, domain.ReasonDegraded, d.Info.DecisionReason)
}

func TestDecideDegradedOnLedgerFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.ctrl.ledger = failingLedger{}
	f.tiers.Put(tier.Profile{UserID: "u8", Tier: tier.Premium})

	d, err := f.ctrl.Decide(context.Background(), deepPulse("p8", "u8"))
	require.NoError(t, err)
	assert.False(t, d.Admit)
	assert.Equal(t, domain.ReasonDegraded, d.Info.DecisionReason)
	assert.Greater(t, d.Info.WorthinessScore, 0.0, "score is still recorded")
}

func TestDecideUnknownTierIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.tiers.Put(tier.Profile{UserID: "u9", Tier: "platinum"})

	_, err := f.ctrl.Decide(context.Background(), deepPulse("p9", "u9"))
	require.Error(t, err)
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))
}

func TestEstimateCentsBounds(t *testing.T) {
	tariff := config.Tariff{InputCentsPerMTok: 6, OutputCentsPerMTok: 24}

	tiny := stoppedPulse("p", "u", "x", "", 60)
	assert.Equal(t, int64(1), EstimateCents(tiny, tariff, 2), "floor is one cent")

	big := stoppedPulse("p", "u", strings.Repeat("a", 200), strings.Repeat("b", 200), 60)
	expensive := config.Tariff{InputCentsPerMTok: 100_000, OutputCentsPerMTok: 500_000}
	assert.Equal(t, int64(2), EstimateCents(big, expensive, 2), "ceiling is the configured max")
}

type failingLedger struct{}

func (failingLedger) Usage(context.Context, string, time.Time) (ledger.Usage, error) {
	return ledger.Usage{}, errors.New("redis down")
}

func (failingLedger) Charge(context.Context, ledger.ChargeRequest) (ledger.ChargeResult, error) {
	return ledger.ChargeResult{}, errors.New("redis down")
}
