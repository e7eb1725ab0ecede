// Package pipeline drives completed pulses from the change stream to the
// ingested record: decide, enhance, persist, ack. Delivery is at-least-once;
// every stage downstream of the source is idempotent on pulse_id.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/pulsegrid/pulsegrid/internal/admission"
	"github.com/pulsegrid/pulsegrid/internal/audit"
	"github.com/pulsegrid/pulsegrid/internal/config"
	"github.com/pulsegrid/pulsegrid/internal/domain"
	"github.com/pulsegrid/pulsegrid/internal/enhance"
	"github.com/pulsegrid/pulsegrid/internal/enhance/rule"
	"github.com/pulsegrid/pulsegrid/internal/ingest"
	"github.com/pulsegrid/pulsegrid/internal/metrics"
	"github.com/pulsegrid/pulsegrid/internal/stream"
)

const (
	dedupeSize    = 8192
	stageAttempts = 3
	stageBackoff  = 250 * time.Millisecond
)

// Decider is the admission seam, satisfied by admission.Controller.
type Decider interface {
	Decide(ctx context.Context, p *domain.StopPulse) (admission.Decision, error)
}

// PremiumEnhancer is the paid-path seam, satisfied by premium.Enhancer.
type PremiumEnhancer interface {
	Enhance(ctx context.Context, p *domain.StopPulse, dec admission.Decision) (enhance.Result, error)
}

// Orchestrator owns the worker pool. Concurrency is bounded by config;
// saturation backpressures into the source.
type Orchestrator struct {
	source   stream.Source
	decider  Decider
	premium  PremiumEnhancer
	rule     *rule.Enhancer
	store    ingest.Store
	dlq      DLQ
	audit    audit.Recorder
	resolver *config.Resolver
	log      zerolog.Logger

	dedupe *lru.Cache[string, struct{}]
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(source stream.Source, decider Decider, prem PremiumEnhancer, ruleEnh *rule.Enhancer, store ingest.Store, dlq DLQ, rec audit.Recorder, resolver *config.Resolver, log zerolog.Logger) (*Orchestrator, error) {
	dedupe, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("pipeline: dedupe cache: %w", err)
	}
	return &Orchestrator{
		source:   source,
		decider:  decider,
		premium:  prem,
		rule:     ruleEnh,
		store:    store,
		dlq:      dlq,
		audit:    rec,
		resolver: resolver,
		log:      log.With().Str("component", "pipeline").Logger(),
		dedupe:   dedupe,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

// Run consumes the stream until ctx ends. The pool size comes from config at
// startup; a resize needs a restart.
func (o *Orchestrator) Run(ctx context.Context) error {
	snap, err := o.resolver.Snapshot()
	if err != nil {
		return fmt.Errorf("pipeline: config: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < snap.WorkerConcurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			o.worker(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	log := o.log.With().Int("worker", id).Logger()
	for {
		ev, err := o.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("receive failed")
			_ = o.sleep(ctx, time.Second)
			continue
		}

		metrics.InFlight.Inc()
		o.handle(ctx, log, ev)
		metrics.InFlight.Dec()
	}
}

// handle runs one event to a terminal state: acked after persist, acked
// after a dead-letter write, or nacked back to the source.
func (o *Orchestrator) handle(ctx context.Context, log zerolog.Logger, ev *stream.Event) {
	if ev.Kind != stream.KindInsert {
		o.ack(ctx, log, ev, "filtered")
		return
	}

	if err := ev.Pulse.Validate(); err != nil {
		log.Error().Err(err).Uint64("sequence", ev.Sequence).Msg("poison event")
		o.deadLetter(ctx, log, ev, domain.EPoison("pipeline.validate", err), 0)
		return
	}

	pulseID := ev.Pulse.PulseID
	if _, seen := o.dedupe.Get(pulseID); seen {
		o.ack(ctx, log, ev, "duplicate")
		return
	}

	snap, err := o.resolver.Snapshot()
	deadline := 5 * time.Minute
	if err == nil {
		deadline = snap.EventDeadline
	}
	evCtx, cancel := context.WithDeadline(ctx, ev.ReceivedAt.Add(deadline))
	defer cancel()

	err = o.process(evCtx, log, ev)
	switch {
	case err == nil:
		o.dedupe.Add(pulseID, struct{}{})
		o.ack(ctx, log, ev, "ingested")
	case domain.KindOf(err) == domain.KindFatal:
		// Programmer error: surrender the event to the source and let the
		// operator see it loudly.
		log.Error().Err(err).Str("pulse_id", pulseID).Msg("fatal pipeline error, event returned to source")
		metrics.EventsProcessed.WithLabelValues("fatal").Inc()
		if nerr := o.source.Nack(ctx, ev); nerr != nil {
			log.Error().Err(nerr).Str("pulse_id", pulseID).Msg("nack failed")
		}
	default:
		o.deadLetter(ctx, log, ev, err, stageAttempts)
	}
}

// process runs Decided -> Enhanced -> Persisted for one event.
func (o *Orchestrator) process(ctx context.Context, log zerolog.Logger, ev *stream.Event) error {
	pulse := ev.Pulse

	decideStart := o.now()
	decision, err := o.decider.Decide(ctx, &pulse)
	if err != nil {
		return err
	}
	metrics.StageLatency.WithLabelValues("decide").Observe(o.now().Sub(decideStart).Seconds())
	metrics.Decisions.WithLabelValues(string(decision.Info.DecisionReason), decision.Info.Budget.Tier).Inc()

	enhanceStart := o.now()
	result, info, err := o.enhanceStage(ctx, log, &pulse, decision)
	if err != nil {
		return err
	}
	metrics.StageLatency.WithLabelValues("enhance").Observe(o.now().Sub(enhanceStart).Seconds())

	record := assemble(&pulse, info, result, o.now())
	persistStart := o.now()
	err = o.withRetry(ctx, "persist", func(ctx context.Context) error {
		return o.store.Persist(ctx, record)
	})
	if domain.KindOf(err) == domain.KindConflict {
		// The existing record wins; the event is done.
		log.Warn().Str("pulse_id", pulse.PulseID).Msg("conflicting replay, keeping existing record")
		metrics.EventsProcessed.WithLabelValues("conflict").Inc()
		err = nil
	}
	if err != nil {
		return err
	}
	metrics.StageLatency.WithLabelValues("persist").Observe(o.now().Sub(persistStart).Seconds())
	return nil
}

// enhanceStage picks the producer. The premium path degrades to the rule
// path on unavailability or unparseable output; only transient exhaustion
// escapes as an error.
func (o *Orchestrator) enhanceStage(ctx context.Context, log zerolog.Logger, p *domain.StopPulse, decision admission.Decision) (enhance.Result, domain.SelectionInfo, error) {
	info := decision.Info

	if decision.Admit {
		var result enhance.Result
		err := o.withRetry(ctx, "premium", func(ctx context.Context) error {
			var innerErr error
			result, innerErr = o.premium.Enhance(ctx, p, decision)
			return innerErr
		})
		switch domain.KindOf(err) {
		case domain.KindTransient:
			if err != nil {
				return enhance.Result{}, info, err
			}
		case domain.KindPremiumUnavailable, domain.KindParse:
			log.Warn().Err(err).Str("pulse_id", p.PulseID).Msg("premium path unavailable, degrading to rule path")
			info.DecisionReason = domain.ReasonPremiumUnavailable
			result = o.rule.Enhance(p)
			metrics.Enhancements.WithLabelValues("rule", "").Inc()
			o.recordDecision(ctx, log, p, info, audit.OutcomeAdmittedDegraded)
			return result, info, nil
		default:
			if err != nil {
				return enhance.Result{}, info, err
			}
		}
		return result, info, nil
	}

	result := o.rule.Enhance(p)
	metrics.Enhancements.WithLabelValues("rule", "").Inc()
	o.recordDecision(ctx, log, p, info, audit.OutcomeRejected)
	return result, info, nil
}

// recordDecision writes the accounting event for outcomes that never produce
// one inside the premium path. A failed write is logged, not fatal.
func (o *Orchestrator) recordDecision(ctx context.Context, log zerolog.Logger, p *domain.StopPulse, info domain.SelectionInfo, outcome audit.Outcome) {
	ev := audit.DecisionEvent(p.PulseID, p.UserID, info, outcome)
	ev.RecordedAt = o.now()
	if err := o.audit.Record(ctx, ev); err != nil {
		log.Warn().Err(err).Str("pulse_id", p.PulseID).Msg("usage event write failed")
	}
}

// withRetry wraps a blocking stage with bounded attempts and jittered
// backoff. Retries never outlive the event deadline; only retryable kinds
// are attempted again.
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < stageAttempts; attempt++ {
		if attempt > 0 {
			ceiling := stageBackoff * (1 << uint(attempt))
			if err := o.sleep(ctx, time.Duration(rand.Int63n(int64(ceiling)))); err != nil {
				return domain.ETransient(op, err)
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil || !domain.IsRetryable(lastErr) {
			return lastErr
		}
		if domain.KindOf(lastErr) == domain.KindPremiumUnavailable {
			// Candidate probing already happened inside; retrying the whole
			// chain buys nothing.
			return lastErr
		}
		if ctx.Err() != nil {
			return domain.ETransient(op, ctx.Err())
		}
	}
	return lastErr
}

func (o *Orchestrator) deadLetter(ctx context.Context, log zerolog.Logger, ev *stream.Event, cause error, attempts int) {
	kind := domain.KindOf(cause)
	dl := DeadLetter{
		Event:          *ev,
		ErrorKind:      kind.String(),
		LastError:      cause.Error(),
		Attempts:       attempts,
		FirstReceived:  ev.ReceivedAt,
		DeadLetteredAt: o.now(),
	}
	// The source event stays unacked until the DLQ write lands.
	if err := o.dlq.Push(ctx, dl); err != nil {
		log.Error().Err(err).Str("pulse_id", ev.Pulse.PulseID).Msg("dlq write failed, returning event to source")
		if nerr := o.source.Nack(ctx, ev); nerr != nil {
			log.Error().Err(nerr).Msg("nack failed")
		}
		return
	}
	metrics.DeadLetters.WithLabelValues(kind.String()).Inc()
	metrics.EventsProcessed.WithLabelValues("dead_lettered").Inc()
	log.Error().Err(cause).Str("pulse_id", ev.Pulse.PulseID).Str("kind", kind.String()).Msg("event dead-lettered")
	o.ack(ctx, log, ev, "")
}

func (o *Orchestrator) ack(ctx context.Context, log zerolog.Logger, ev *stream.Event, outcome string) {
	if outcome != "" {
		metrics.EventsProcessed.WithLabelValues(outcome).Inc()
	}
	if err := o.source.Ack(ctx, ev); err != nil {
		log.Warn().Err(err).Uint64("sequence", ev.Sequence).Msg("ack failed")
	}
}

// assemble builds the final record from the decision and the enhancement.
func assemble(p *domain.StopPulse, info domain.SelectionInfo, result enhance.Result, now time.Time) *domain.IngestedPulse {
	rec := &domain.IngestedPulse{
		StopPulse:         *p,
		GenTitle:          result.GenTitle,
		GenBadge:          result.GenBadge,
		Selection:         info,
		InvertedTimestamp: domain.InvertedTimestamp(p.StoppedAt),
		IngestedAt:        now.UTC(),
	}
	if result.AIEnhanced() {
		rec.AIEnhanced = true
		rec.AICostCents = result.CostCents
		rec.AIInsights = result.Insights
	}
	return rec
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
