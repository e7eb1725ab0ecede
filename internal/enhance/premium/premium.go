// Package premium is the paid enhancement path: model invocation with
// availability fallback, bounded retries, strict cost accounting, and an
// audit trail for every outcome.
package premium

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/pulsegrid/pulsegrid/internal/admission"
	"github.com/pulsegrid/pulsegrid/internal/audit"
	"github.com/pulsegrid/pulsegrid/internal/config"
	"github.com/pulsegrid/pulsegrid/internal/domain"
	"github.com/pulsegrid/pulsegrid/internal/enhance"
	"github.com/pulsegrid/pulsegrid/internal/ledger"
	"github.com/pulsegrid/pulsegrid/internal/metrics"
)

const (
	defaultCallTimeout = 90 * time.Second
	defaultMaxAttempts = 3
	defaultChoiceTTL   = 10 * time.Minute
	baseBackoff        = 500 * time.Millisecond
	auditDetailLimit   = 2000
)

// Enhancer drives the model candidate list. The working-model choice is
// cached for a bounded duration; the first worker to observe an entitlement
// failure advances it for everyone.
type Enhancer struct {
	client   ModelClient
	resolver *config.Resolver
	ledger   ledger.Ledger
	audit    audit.Recorder
	limiter  *rate.Limiter
	log      zerolog.Logger

	callTimeout time.Duration
	maxAttempts int
	choiceTTL   time.Duration

	mu           sync.Mutex
	choice       string
	choiceExpiry time.Time
	breakers     map[string]*gobreaker.CircuitBreaker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option tunes an Enhancer.
type Option func(*Enhancer)

// WithCallTimeout bounds one model invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Enhancer) { e.callTimeout = d }
}

// WithMaxAttempts bounds retries per model candidate.
func WithMaxAttempts(n int) Option {
	return func(e *Enhancer) { e.maxAttempts = n }
}

// WithChoiceTTL bounds how long a working-model choice is trusted.
func WithChoiceTTL(d time.Duration) Option {
	return func(e *Enhancer) { e.choiceTTL = d }
}

// WithSleeper replaces the backoff sleeper; tests use this to skip real
// waits.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Enhancer) { e.sleep = fn }
}

func NewEnhancer(client ModelClient, resolver *config.Resolver, ldg ledger.Ledger, recorder audit.Recorder, limiter *rate.Limiter, log zerolog.Logger, opts ...Option) *Enhancer {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	e := &Enhancer{
		client:      client,
		resolver:    resolver,
		ledger:      ldg,
		audit:       recorder,
		limiter:     limiter,
		log:         log.With().Str("component", "premium").Logger(),
		callTimeout: defaultCallTimeout,
		maxAttempts: defaultMaxAttempts,
		choiceTTL:   defaultChoiceTTL,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enhance runs the candidate models in order until one produces usable
// insights. Typed failures: KindParse when the winning model's reply cannot
// be coerced, KindPremiumUnavailable when every candidate is down or not
// entitled. Retries never extend the caller's deadline.
func (e *Enhancer) Enhance(ctx context.Context, p *domain.StopPulse, dec admission.Decision) (enhance.Result, error) {
	info := dec.Info
	snap, err := e.resolver.Snapshot()
	if err != nil {
		return enhance.Result{}, domain.EUnavailable("premium.enhance", err)
	}

	prompt := buildPrompt(p)
	var lastErr error
	for _, model := range e.orderedCandidates(snap) {
		start := e.now()
		reply, callErr := e.invokeWithRetry(ctx, model, prompt)
		if callErr != nil {
			if errors.Is(callErr, ErrNotEntitled) || errors.Is(callErr, gobreaker.ErrOpenState) {
				e.log.Warn().Str("model", model).Err(callErr).Msg("model unavailable, advancing candidate")
				metrics.ModelCalls.WithLabelValues(model, "unavailable").Inc()
				lastErr = callErr
				continue
			}
			if ctx.Err() != nil {
				return enhance.Result{}, domain.ETransient("premium.enhance", ctx.Err())
			}
			metrics.ModelCalls.WithLabelValues(model, "error").Inc()
			lastErr = callErr
			continue
		}
		latency := e.now().Sub(start)
		metrics.ModelCalls.WithLabelValues(model, "ok").Inc()
		metrics.ModelLatency.WithLabelValues(model).Observe(latency.Seconds())
		e.cacheChoice(model)

		payload, perr := parseInsights(reply.Text)
		if perr != nil {
			parseErr := domain.EParse("premium.parse", fmt.Errorf("model %s: %w", model, perr))
			e.record(ctx, failureEvent(p, info, model, reply, latency, domain.Truncate(reply.Text, auditDetailLimit)))
			return enhance.Result{}, parseErr
		}

		return e.finish(ctx, p, dec, model, reply, payload, latency, snap)
	}

	e.record(ctx, failureEvent(p, info, "", nil, 0, fmt.Sprintf("all candidates exhausted: %v", lastErr)))
	return enhance.Result{}, domain.EUnavailable("premium.enhance",
		fmt.Errorf("no model candidate succeeded: %w", lastErr))
}

func (e *Enhancer) finish(ctx context.Context, p *domain.StopPulse, dec admission.Decision, model string, reply *Reply, payload *insightsPayload, latency time.Duration, snap *config.Snapshot) (enhance.Result, error) {
	info := dec.Info
	cost := costCents(reply, snap.TariffFor(model))

	res := enhance.Result{
		GenTitle:      domain.Truncate(payload.GenTitle, domain.MaxTitleChars),
		GenBadge:      domain.Truncate(payload.GenBadge, domain.MaxBadgeChars),
		Insights:      payload.insights(),
		CostCents:     cost,
		Model:         model,
		LatencyMillis: latency.Milliseconds(),
		InputTokens:   reply.InputTokens,
		OutputTokens:  reply.OutputTokens,
	}

	chargeRes, err := e.ledger.Charge(ctx, ledger.ChargeRequest{
		UserID:          p.UserID,
		PulseID:         p.PulseID,
		Cents:           cost,
		DailyCapCents:   dec.Caps.DailyCents,
		MonthlyCapCents: dec.Caps.MonthlyCents,
		At:              e.now().In(dec.Location()),
	})
	switch {
	case errors.Is(err, ledger.ErrCapExceeded):
		// The model already ran; the spend is real even though the window
		// was full. Surface the overrun, keep the result.
		metrics.LedgerOverruns.Inc()
		e.log.Error().Str("pulse_id", p.PulseID).Str("user_id", p.UserID).
			Int64("cost_cents", cost).Msg("budget overrun detected after model call")
	case err != nil:
		e.log.Warn().Err(err).Str("pulse_id", p.PulseID).Msg("ledger charge failed")
	case chargeRes.Duplicate:
		e.log.Debug().Str("pulse_id", p.PulseID).Msg("charge already applied, replay")
	}

	metrics.Enhancements.WithLabelValues("premium", model).Inc()
	metrics.EnhancementCostCents.WithLabelValues(model).Add(float64(cost))

	ev := audit.DecisionEvent(p.PulseID, p.UserID, info, audit.OutcomeAdmittedEnhanced)
	ev.Model = model
	ev.InputTokens = reply.InputTokens
	ev.OutputTokens = reply.OutputTokens
	ev.CostCents = cost
	ev.LatencyMillis = latency.Milliseconds()
	ev.Succeeded = true
	ev.RecordedAt = e.now()
	e.record(ctx, ev)
	return res, nil
}

// invokeWithRetry drives one candidate: bounded attempts, exponential
// backoff with full jitter, a circuit breaker around the transport, and a
// per-call timeout under the caller's deadline.
func (e *Enhancer) invokeWithRetry(ctx context.Context, model, prompt string) (*Reply, error) {
	br := e.breaker(model)
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, jitteredBackoff(attempt)); err != nil {
				return nil, domain.ETransient("premium.invoke", err)
			}
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, domain.ETransient("premium.invoke", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		out, err := br.Execute(func() (interface{}, error) {
			return e.client.Invoke(callCtx, model, prompt)
		})
		cancel()

		if err == nil {
			return out.(*Reply), nil
		}
		if errors.Is(err, ErrNotEntitled) || errors.Is(err, gobreaker.ErrOpenState) {
			return nil, err
		}
		if !domain.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, domain.ETransient("premium.invoke", ctx.Err())
		}
	}
	return nil, domain.ETransient("premium.invoke",
		fmt.Errorf("model %s: %d attempts failed: %w", model, e.maxAttempts, lastErr))
}

func (e *Enhancer) breaker(model string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if br, ok := e.breakers[model]; ok {
		return br
	}
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "model-" + model,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Entitlement is a routing fact, not a health signal.
			return err == nil || errors.Is(err, ErrNotEntitled)
		},
	})
	e.breakers[model] = br
	return br
}

// orderedCandidates returns the config order with the cached working choice
// promoted to the front while its TTL holds.
func (e *Enhancer) orderedCandidates(snap *config.Snapshot) []string {
	models := snap.Models()

	e.mu.Lock()
	choice, expiry := e.choice, e.choiceExpiry
	e.mu.Unlock()
	if choice == "" || !e.now().Before(expiry) {
		return models
	}

	out := make([]string, 0, len(models))
	out = append(out, choice)
	for _, m := range models {
		if m != choice {
			out = append(out, m)
		}
	}
	return out
}

func (e *Enhancer) cacheChoice(model string) {
	e.mu.Lock()
	e.choice = model
	e.choiceExpiry = e.now().Add(e.choiceTTL)
	e.mu.Unlock()
}

func (e *Enhancer) record(ctx context.Context, ev audit.AIUsageEvent) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, ev); err != nil {
		e.log.Warn().Err(err).Str("pulse_id", ev.PulseID).Msg("audit record failed")
	}
}

func failureEvent(p *domain.StopPulse, info domain.SelectionInfo, model string, reply *Reply, latency time.Duration, detail string) audit.AIUsageEvent {
	ev := audit.DecisionEvent(p.PulseID, p.UserID, info, audit.OutcomeErrored)
	ev.Model = model
	ev.LatencyMillis = latency.Milliseconds()
	ev.Detail = detail
	ev.RecordedAt = time.Now()
	if reply != nil {
		ev.InputTokens = reply.InputTokens
		ev.OutputTokens = reply.OutputTokens
	}
	return ev
}

// costCents prices reported token usage under a tariff, rounding up, never
// below one cent.
func costCents(reply *Reply, t config.Tariff) int64 {
	micro := reply.InputTokens*t.InputCentsPerMTok + reply.OutputTokens*t.OutputCentsPerMTok
	cents := (micro + 999_999) / 1_000_000
	if cents < 1 {
		cents = 1
	}
	return cents
}

// jitteredBackoff draws uniformly from [0, base*2^attempt): full jitter.
func jitteredBackoff(attempt int) time.Duration {
	ceiling := baseBackoff * (1 << uint(attempt))
	return time.Duration(rand.Int63n(int64(ceiling)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
