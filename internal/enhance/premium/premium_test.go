package premium

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulsegrid/internal/admission"
	"github.com/pulsegrid/pulsegrid/internal/audit"
	"github.com/pulsegrid/pulsegrid/internal/config"
	"github.com/pulsegrid/pulsegrid/internal/domain"
	"github.com/pulsegrid/pulsegrid/internal/ledger"
)

const goodReply = `{"gen_title":"Deep Focus Delivered! 🎯","gen_badge":"🏆 Flow Finder",` +
	`"productivity_score":8,"key_insight":"Long uninterrupted block paid off.",` +
	`"next_suggestion":"Schedule the same block tomorrow.",` +
	`"mood_assessment":"Started tense, ended satisfied."}`

type scriptedClient struct {
	mu      sync.Mutex
	calls   map[string]int
	handler func(model string, call int) (*Reply, error)
}

func newScripted(handler func(model string, call int) (*Reply, error)) *scriptedClient {
	return &scriptedClient{calls: make(map[string]int), handler: handler}
}

func (c *scriptedClient) Invoke(_ context.Context, model, _ string) (*Reply, error) {
	c.mu.Lock()
	c.calls[model]++
	n := c.calls[model]
	c.mu.Unlock()
	return c.handler(model, n)
}

func (c *scriptedClient) count(model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[model]
}

type fixture struct {
	enh    *Enhancer
	ledger *ledger.Memory
	audit  *audit.MemoryRecorder
	client *scriptedClient
}

func newFixture(t *testing.T, client *scriptedClient, overrides config.Static) *fixture {
	t.Helper()
	merged := config.Static{
		config.KeyModelFallbacks:                 "mid-v1,haiku-v1",
		"ai.tariff.mid-v1.input_cents_per_mtok":  "10",
		"ai.tariff.mid-v1.output_cents_per_mtok": "40",
	}
	for k, v := range overrides {
		merged[k] = v
	}

	f := &fixture{
		ledger: ledger.NewMemory(),
		audit:  audit.NewMemoryRecorder(),
		client: client,
	}
	f.enh = NewEnhancer(client, config.NewResolver(time.Minute, merged), f.ledger, f.audit, nil, zerolog.Nop())
	f.enh.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func testPulse(id string) *domain.StopPulse {
	stopped := time.Date(2026, 8, 24, 16, 0, 0, 0, time.UTC)
	return &domain.StopPulse{
		PulseID:                  id,
		UserID:                   "u1",
		Intent:                   "refactor the ledger charge path",
		Reflection:               "shipped the atomic charge script",
		IntentEmotion:            "focused",
		ReflectionEmotion:        "accomplished",
		StartTime:                stopped.Add(-30 * time.Minute),
		StoppedAt:                stopped,
		DurationSeconds:          1800,
		EffectiveDurationSeconds: 1800,
	}
}

func admitted() admission.Decision {
	return admission.Decision{
		Admit: true,
		Info: domain.SelectionInfo{
			DecisionReason:     domain.ReasonHighWorthiness,
			WorthinessScore:    0.9,
			EstimatedCostCents: 1,
		},
		Caps: config.TierBudget{DailyCents: 18, MonthlyCents: 375, MinScore: 0.4},
	}
}

func TestEnhancePrimarySuccess(t *testing.T) {
	client := newScripted(func(model string, _ int) (*Reply, error) {
		require.Equal(t, "nova-lite-v1", model)
		return &Reply{Text: goodReply, InputTokens: 800, OutputTokens: 150}, nil
	})
	f := newFixture(t, client, nil)

	res, err := f.enh.Enhance(context.Background(), testPulse("p1"), admitted())
	require.NoError(t, err)
	assert.Equal(t, "nova-lite-v1", res.Model)
	assert.True(t, res.AIEnhanced())
	assert.Equal(t, int64(1), res.CostCents)
	assert.Equal(t, 8, res.Insights.ProductivityScore)

	u, _ := f.ledger.Usage(context.Background(), "u1", time.Now())
	assert.Equal(t, int64(1), u.DailyCents, "actual cost charged to the ledger")

	events := f.audit.ByPulse("p1")
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeAdmittedEnhanced, events[0].Outcome)
	assert.True(t, events[0].Succeeded)
	assert.Equal(t, "nova-lite-v1", events[0].Model)
	assert.Equal(t, int64(800), events[0].InputTokens)
	assert.False(t, events[0].DecidedAt.IsZero())
	assert.GreaterOrEqual(t, events[0].EstimatedCostCents, int64(1))
}

func TestEnhanceFallbackChainAndCachedChoice(t *testing.T) {
	client := newScripted(func(model string, _ int) (*Reply, error) {
		switch model {
		case "nova-lite-v1":
			return nil, fmt.Errorf("model nova-lite-v1: %w", ErrNotEntitled)
		case "mid-v1":
			return nil, domain.ETransient("invoke", errors.New("status 503"))
		default:
			return &Reply{Text: goodReply, InputTokens: 700, OutputTokens: 120}, nil
		}
	})
	f := newFixture(t, client, nil)

	res, err := f.enh.Enhance(context.Background(), testPulse("p1"), admitted())
	require.NoError(t, err)
	assert.Equal(t, "haiku-v1", res.Model)
	assert.Equal(t, 1, f.client.count("nova-lite-v1"), "entitlement failure is not retried")
	assert.Equal(t, 3, f.client.count("mid-v1"), "transient failures retry up to the attempt budget")

	events := f.audit.ByPulse("p1")
	require.Len(t, events, 1, "exactly one audit event for one successful enhancement")
	assert.Equal(t, "haiku-v1", events[0].Model)

	// The working choice is cached: the next pulse skips the dead models.
	_, err = f.enh.Enhance(context.Background(), testPulse("p2"), admitted())
	require.NoError(t, err)
	assert.Equal(t, 1, f.client.count("nova-lite-v1"))
	assert.Equal(t, 3, f.client.count("mid-v1"))
	assert.Equal(t, 2, f.client.count("haiku-v1"))
}

func TestEnhanceAllCandidatesDown(t *testing.T) {
	client := newScripted(func(string, int) (*Reply, error) {
		return nil, domain.ETransient("invoke", errors.New("status 500"))
	})
	f := newFixture(t, client, nil)

	_, err := f.enh.Enhance(context.Background(), testPulse("p1"), admitted())
	require.Error(t, err)
	assert.Equal(t, domain.KindPremiumUnavailable, domain.KindOf(err))

	u, _ := f.ledger.Usage(context.Background(), "u1", time.Now())
	assert.Zero(t, u.DailyCents, "failed enhancement charges nothing")

	events := f.audit.ByPulse("p1")
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeErrored, events[0].Outcome)
	assert.False(t, events[0].Succeeded)
}

func TestEnhanceRepairPassExtractsWrappedJSON(t *testing.T) {
	wrapped := "Sure! Here is your summary:\n```json\n" + goodReply + "\n```\nHope it helps."
	client := newScripted(func(string, int) (*Reply, error) {
		return &Reply{Text: wrapped, InputTokens: 500, OutputTokens: 100}, nil
	})
	f := newFixture(t, client, nil)

	res, err := f.enh.Enhance(context.Background(), testPulse("p1"), admitted())
	require.NoError(t, err)
	assert.True(t, res.AIEnhanced())
}

func TestEnhanceParseFailureAuditsPayload(t *testing.T) {
	client := newScripted(func(string, int) (*Reply, error) {
		return &Reply{Text: "the model rambles with no JSON at all", InputTokens: 500, OutputTokens: 40}, nil
	})
	f := newFixture(t, client, nil)

	_, err := f.enh.Enhance(context.Background(), testPulse("p1"), admitted())
	require.Error(t, err)
	assert.Equal(t, domain.KindParse, domain.KindOf(err))

	events := f.audit.ByPulse("p1")
	require.Len(t, events, 1)
	assert.False(t, events[0].Succeeded)
	assert.Contains(t, events[0].Detail, "rambles", "raw payload is preserved for audit")
}

func TestEnhanceClampsOutOfRangeInsights(t *testing.T) {
	reply := `{"gen_title":"T","gen_badge":"B","productivity_score":42,` +
		`"key_insight":"i","next_suggestion":"n","mood_assessment":"m"}`
	client := newScripted(func(string, int) (*Reply, error) {
		return &Reply{Text: reply, InputTokens: 400, OutputTokens: 60}, nil
	})
	f := newFixture(t, client, nil)

	res, err := f.enh.Enhance(context.Background(), testPulse("p1"), admitted())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Insights.ProductivityScore)
}

func TestEnhanceReplayDoesNotDoubleCharge(t *testing.T) {
	client := newScripted(func(string, int) (*Reply, error) {
		return &Reply{Text: goodReply, InputTokens: 800, OutputTokens: 150}, nil
	})
	f := newFixture(t, client, nil)

	_, err := f.enh.Enhance(context.Background(), testPulse("p1"), admitted())
	require.NoError(t, err)
	_, err = f.enh.Enhance(context.Background(), testPulse("p1"), admitted())
	require.NoError(t, err)

	u, _ := f.ledger.Usage(context.Background(), "u1", time.Now())
	assert.Equal(t, int64(1), u.DailyCents, "charge is idempotent on pulse_id")
}

func TestCostCentsRoundsUpWithFloor(t *testing.T) {
	tariff := config.Tariff{InputCentsPerMTok: 6, OutputCentsPerMTok: 24}

	assert.Equal(t, int64(1), costCents(&Reply{InputTokens: 10, OutputTokens: 2}, tariff))
	assert.Equal(t, int64(1), costCents(&Reply{InputTokens: 100_000, OutputTokens: 10_000}, tariff))
	assert.Equal(t, int64(2), costCents(&Reply{InputTokens: 200_000, OutputTokens: 20_000}, tariff))
}
