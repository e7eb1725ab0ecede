package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Weights are the scorer's sub-score weights.
type Weights struct {
	Intent     float64 // content-effort
	Duration   float64
	Reflection float64
	Frequency  float64
}

// TierBudget is one tier's admission policy.
type TierBudget struct {
	DailyCents   int64
	MonthlyCents int64
	MinScore     float64
}

// Tariff prices one model's token usage, in cents per million tokens.
type Tariff struct {
	InputCentsPerMTok  int64
	OutputCentsPerMTok int64
}

// Snapshot is an immutable view of all tunables, taken at ResolvedAt.
// Readers hold a reference; the resolver swaps in whole new snapshots.
type Snapshot struct {
	AIEnabled            bool
	TargetPercentage     float64
	Weights              Weights
	MaxCostPerPulseCents int64
	ModelPrimary         string
	ModelFallbacks       []string
	ThresholdHigh        float64
	ThresholdMid         float64

	LengthSaturationChars  int
	DurationSaturationSecs int64
	DurationFloorSecs      int64
	FrequencyDailyCap      int

	Tiers   map[string]TierBudget
	Tariffs map[string]Tariff

	WorkerConcurrency int
	EventDeadline     time.Duration

	ResolvedAt time.Time
}

// TariffFor returns the tariff for a model, falling back to the primary
// model's tariff so cost accounting never silently prices at zero.
func (s *Snapshot) TariffFor(model string) Tariff {
	if t, ok := s.Tariffs[model]; ok {
		return t
	}
	return s.Tariffs[s.ModelPrimary]
}

// Models returns the ordered candidate list: primary first, fallbacks after.
func (s *Snapshot) Models() []string {
	out := make([]string, 0, 1+len(s.ModelFallbacks))
	out = append(out, s.ModelPrimary)
	out = append(out, s.ModelFallbacks...)
	return out
}

// Resolver serves Snapshots with a bounded-TTL cache. A single refresher
// rebuilds the snapshot; concurrent readers keep the previous one until the
// swap. On refresh failure a stale snapshot keeps being served (the caller
// decides whether staleness means degraded).
type Resolver struct {
	stores []Store
	ttl    time.Duration

	current   atomic.Pointer[Snapshot]
	refreshMu sync.Mutex
	now       func() time.Time
}

// NewResolver builds a resolver over the given stores, consulted in order,
// with built-in defaults last. A zero ttl uses DefaultTTL.
func NewResolver(ttl time.Duration, stores ...Store) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{stores: stores, ttl: ttl, now: time.Now}
}

// Snapshot returns a current snapshot, refreshing when the cached one has
// aged past the TTL. The error is non-nil only when no snapshot has ever
// been built.
func (r *Resolver) Snapshot() (*Snapshot, error) {
	if snap := r.current.Load(); snap != nil && r.now().Sub(snap.ResolvedAt) < r.ttl {
		return snap, nil
	}
	return r.refresh()
}

// Invalidate forces the next Snapshot call to rebuild.
func (r *Resolver) Invalidate() {
	r.current.Store(nil)
}

func (r *Resolver) refresh() (*Snapshot, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	// Another goroutine may have refreshed while we waited on the lock.
	if snap := r.current.Load(); snap != nil && r.now().Sub(snap.ResolvedAt) < r.ttl {
		return snap, nil
	}

	snap, err := r.build()
	if err != nil {
		if stale := r.current.Load(); stale != nil {
			log.Warn().Err(err).Msg("config refresh failed, serving stale snapshot")
			return stale, nil
		}
		return nil, err
	}
	r.current.Store(snap)
	return snap, nil
}

func (r *Resolver) lookup(key string) string {
	for _, s := range r.stores {
		if v, ok := s.Lookup(key); ok {
			return v
		}
	}
	return defaults[key]
}

func (r *Resolver) build() (*Snapshot, error) {
	var errs []string
	str := r.lookup
	boolean := func(key string) bool {
		v, err := strconv.ParseBool(str(key))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
		return v
	}
	f64 := func(key string) float64 {
		v, err := strconv.ParseFloat(str(key), 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
		return v
	}
	i64 := func(key string) int64 {
		v, err := strconv.ParseInt(str(key), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
		return v
	}

	snap := &Snapshot{
		AIEnabled:            boolean(KeyAIEnabled),
		TargetPercentage:     f64(KeyAITargetPercentage),
		MaxCostPerPulseCents: i64(KeyMaxCostPerPulseCents),
		ModelPrimary:         str(KeyModelPrimary),
		ThresholdHigh:        f64(KeyThresholdHigh),
		ThresholdMid:         f64(KeyThresholdMid),
		Weights: Weights{
			Intent:     f64(KeyWeightIntent),
			Duration:   f64(KeyWeightDuration),
			Reflection: f64(KeyWeightReflection),
			Frequency:  f64(KeyWeightFrequency),
		},
		LengthSaturationChars:  int(i64(KeyScoreLengthSaturation)),
		DurationSaturationSecs: i64(KeyScoreDurationSaturation),
		DurationFloorSecs:      i64(KeyScoreDurationFloor),
		FrequencyDailyCap:      int(i64(KeyScoreFrequencyCap)),
		WorkerConcurrency:      int(i64(KeyWorkerConcurrency)),
		EventDeadline:          time.Duration(i64(KeyEventDeadlineSeconds)) * time.Second,
		Tiers:                  make(map[string]TierBudget),
		Tariffs:                make(map[string]Tariff),
		ResolvedAt:             r.now(),
	}

	if raw := strings.TrimSpace(str(KeyModelFallbacks)); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				snap.ModelFallbacks = append(snap.ModelFallbacks, m)
			}
		}
	}

	for _, tier := range []string{"free", "premium", "unlimited"} {
		snap.Tiers[tier] = TierBudget{
			DailyCents:   i64("ai.tier." + tier + ".daily_cents"),
			MonthlyCents: i64("ai.tier." + tier + ".monthly_cents"),
			MinScore:     f64("ai.tier." + tier + ".min_score"),
		}
	}
	for _, model := range snap.Models() {
		snap.Tariffs[model] = Tariff{
			InputCentsPerMTok:  i64("ai.tariff." + model + ".input_cents_per_mtok"),
			OutputCentsPerMTok: i64("ai.tariff." + model + ".output_cents_per_mtok"),
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Snapshot) validate() error {
	sum := s.Weights.Intent + s.Weights.Duration + s.Weights.Reflection + s.Weights.Frequency
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("config: scorer weights sum to %.3f, want 1.0", sum)
	}
	if s.ThresholdMid >= s.ThresholdHigh {
		return fmt.Errorf("config: mid threshold %.2f must be below high %.2f", s.ThresholdMid, s.ThresholdHigh)
	}
	if s.WorkerConcurrency <= 0 {
		return fmt.Errorf("config: worker concurrency must be positive")
	}
	if s.EventDeadline <= 0 {
		return fmt.Errorf("config: event deadline must be positive")
	}
	if s.ModelPrimary == "" {
		return fmt.Errorf("config: primary model id is empty")
	}
	return nil
}
