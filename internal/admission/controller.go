// Package admission decides, per completed pulse, whether to spend premium
// model budget or fall back to rule enhancement. Decisions are deterministic
// for a given pulse_id so stream redelivery replays the same outcome.
package admission

import (
	"context"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/pulsegrid/pulsegrid/internal/config"
	"github.com/pulsegrid/pulsegrid/internal/domain"
	"github.com/pulsegrid/pulsegrid/internal/ledger"
	"github.com/pulsegrid/pulsegrid/internal/score"
	"github.com/pulsegrid/pulsegrid/internal/tier"
)

// Decision is the controller's verdict plus the record attached to the
// ingested pulse.
type Decision struct {
	Admit bool
	Info  domain.SelectionInfo
	// Caps are the admitted user's tier limits, carried forward so the
	// premium path can charge the ledger without a second tier lookup.
	Caps config.TierBudget
	// Loc is the user's budget-window timezone; nil means UTC.
	Loc *time.Location
}

// Location returns the window timezone, defaulting to UTC.
func (d *Decision) Location() *time.Location {
	if d.Loc == nil {
		return time.UTC
	}
	return d.Loc
}

// HistoryProvider supplies the light per-user context the scorer consumes.
// A nil provider or a lookup failure yields the zero summary.
type HistoryProvider interface {
	Summary(ctx context.Context, userID string, at time.Time) (score.HistorySummary, error)
}

type Controller struct {
	resolver *config.Resolver
	scorer   *score.Scorer
	ledger   ledger.Ledger
	tiers    tier.Store
	history  HistoryProvider
	log      zerolog.Logger
	now      func() time.Time
}

func NewController(resolver *config.Resolver, scorer *score.Scorer, ldg ledger.Ledger, tiers tier.Store, history HistoryProvider, log zerolog.Logger) *Controller {
	return &Controller{
		resolver: resolver,
		scorer:   scorer,
		ledger:   ldg,
		tiers:    tiers,
		history:  history,
		log:      log.With().Str("component", "admission").Logger(),
		now:      time.Now,
	}
}

// Decide runs the ordered admission policy. It never returns an error for a
// dependency failure: config or ledger trouble degrades to a rule-path
// decision, because the pulse must always reach ingestion. The only error
// case is a fatal misconfiguration (unknown tier).
func (c *Controller) Decide(ctx context.Context, p *domain.StopPulse) (Decision, error) {
	now := c.now()

	snap, err := c.resolver.Snapshot()
	if err != nil {
		c.log.Warn().Err(err).Str("pulse_id", p.PulseID).Msg("config unavailable, degrading")
		return c.degraded(now), nil
	}

	var hist score.HistorySummary
	if c.history != nil {
		if hist, err = c.history.Summary(ctx, p.UserID, now); err != nil {
			c.log.Debug().Err(err).Str("user_id", p.UserID).Msg("history lookup failed, scoring without it")
			hist = score.HistorySummary{}
		}
	}
	breakdown := c.scorer.Score(p, hist, score.ParamsFromSnapshot(snap))

	profile, err := c.profileWithRetry(ctx, p.UserID)
	if err != nil {
		c.log.Warn().Err(err).Str("pulse_id", p.PulseID).Msg("tier lookup failed, degrading")
		return c.degradedScored(now, breakdown.Total), nil
	}
	budget, err := tier.Resolve(profile, snap)
	if err != nil {
		return Decision{}, err
	}

	info := domain.SelectionInfo{
		WorthinessScore: breakdown.Total,
		DecidedAt:       now,
		Budget:          domain.BudgetSnapshot{Tier: profile.Tier},
	}
	if info.Budget.Tier == "" {
		info.Budget.Tier = tier.Free
	}

	// Rule 1: global kill switch.
	if !snap.AIEnabled {
		info.DecisionReason = domain.ReasonGloballyDisabled
		return Decision{Info: info}, nil
	}

	// Rule 2: tier floor. The tier's minimum raises the effective mid
	// threshold; below it the pulse takes the rule path on merit.
	effectiveMid := snap.ThresholdMid
	if budget.MinScore > effectiveMid {
		effectiveMid = budget.MinScore
	}
	if breakdown.Total < effectiveMid {
		info.DecisionReason = domain.ReasonBelowThreshold
		return Decision{Info: info}, nil
	}

	// Rule 3: budget guard. Windows roll on the user's wall clock.
	info.EstimatedCostCents = EstimateCents(p, snap.TariffFor(snap.ModelPrimary), snap.MaxCostPerPulseCents)
	usage, err := c.usageWithRetry(ctx, p.UserID, now.In(profile.Location()))
	if err != nil {
		c.log.Warn().Err(err).Str("pulse_id", p.PulseID).Msg("ledger unavailable, degrading")
		return c.degradedScored(now, breakdown.Total), nil
	}
	info.Budget.DailyUsedCents = usage.DailyCents
	info.Budget.MonthlyUsedCents = usage.MonthlyCents
	if !usage.WithinCaps(info.EstimatedCostCents, budget.DailyCents, budget.MonthlyCents) {
		info.DecisionReason = domain.ReasonBudgetExhausted
		info.CouldBeEnhanced = true
		return Decision{Info: info}, nil
	}

	// Rule 4: deterministic admit.
	if breakdown.Total >= snap.ThresholdHigh {
		info.DecisionReason = domain.ReasonHighWorthiness
		return Decision{Admit: true, Info: info, Caps: budget, Loc: profile.Location()}, nil
	}

	// Rule 5: probabilistic admit. Probability climbs linearly from the mid
	// threshold to the high one; the draw is seeded by pulse_id so replays
	// land on the same side.
	prob := (breakdown.Total - snap.ThresholdMid) / (snap.ThresholdHigh - snap.ThresholdMid)
	if draw(p.PulseID) < prob {
		info.DecisionReason = domain.ReasonProbabilistic
		return Decision{Admit: true, Info: info, Caps: budget, Loc: profile.Location()}, nil
	}

	// Rule 6: reject.
	info.DecisionReason = domain.ReasonBelowThreshold
	return Decision{Info: info}, nil
}

// draw yields a stable uniform sample in [0,1) for a pulse id.
func draw(pulseID string) float64 {
	seed := xxhash.Sum64String(pulseID)
	return rand.New(rand.NewSource(int64(seed))).Float64()
}

func (c *Controller) profileWithRetry(ctx context.Context, userID string) (*tier.Profile, error) {
	p, err := c.tiers.Profile(ctx, userID)
	if err == nil {
		return p, nil
	}
	return c.tiers.Profile(ctx, userID)
}

func (c *Controller) usageWithRetry(ctx context.Context, userID string, at time.Time) (ledger.Usage, error) {
	u, err := c.ledger.Usage(ctx, userID, at)
	if err == nil {
		return u, nil
	}
	return c.ledger.Usage(ctx, userID, at)
}

func (c *Controller) degraded(now time.Time) Decision {
	return Decision{Info: domain.SelectionInfo{
		DecisionReason: domain.ReasonDegraded,
		DecidedAt:      now,
	}}
}

func (c *Controller) degradedScored(now time.Time, total float64) Decision {
	d := c.degraded(now)
	d.Info.WorthinessScore = total
	return d
}
