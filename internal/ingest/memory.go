package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// MemoryStore is the in-process Store for tests and dev runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*domain.IngestedPulse
	hashes  map[string]string
	stats   map[string]*Aggregates
	counted map[string]bool // pulse_id -> already in aggregates
	log     zerolog.Logger
}

func NewMemoryStore(log zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*domain.IngestedPulse),
		hashes:  make(map[string]string),
		stats:   make(map[string]*Aggregates),
		counted: make(map[string]bool),
		log:     log.With().Str("component", "ingest").Logger(),
	}
}

func (m *MemoryStore) Persist(_ context.Context, p *domain.IngestedPulse) error {
	if err := p.CheckAccounting(); err != nil {
		return domain.EFatal("ingest.persist", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hash := contentHash(p)
	if prior, ok := m.hashes[p.PulseID]; ok {
		if prior == hash {
			m.log.Debug().Str("pulse_id", p.PulseID).Msg("identical replay, no-op")
			return nil
		}
		m.log.Error().Str("pulse_id", p.PulseID).Msg("conflicting replay rejected")
		return domain.EConflict("ingest.persist",
			fmt.Errorf("pulse %s: differing record already ingested", p.PulseID))
	}

	cp := *p
	m.records[p.PulseID] = &cp
	m.hashes[p.PulseID] = hash

	if !m.counted[p.PulseID] {
		m.counted[p.PulseID] = true
		st := m.stats[p.UserID]
		if st == nil {
			st = &Aggregates{UserID: p.UserID}
			m.stats[p.UserID] = st
		}
		st.TotalPulses++
		if p.AIEnhanced {
			st.AIEnhancedTotal++
		}
	}

	m.log.Info().Str("pulse_id", p.PulseID).Str("user_id", p.UserID).
		Bool("ai_enhanced", p.AIEnhanced).Int64("cost_cents", p.AICostCents).
		Str("reason", string(p.Selection.DecisionReason)).Msg("pulse ingested")
	return nil
}

func (m *MemoryStore) ByUser(_ context.Context, userID string, limit int) ([]domain.IngestedPulse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.IngestedPulse
	for _, rec := range m.records {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InvertedTimestamp < out[j].InvertedTimestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ByID(_ context.Context, pulseID string) (*domain.IngestedPulse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[pulseID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// UserAggregates exposes the counters for assertions and the read surface.
func (m *MemoryStore) UserAggregates(userID string) Aggregates {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stats[userID]; ok {
		return *st
	}
	return Aggregates{UserID: userID}
}
