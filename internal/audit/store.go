package audit

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// MemoryRecorder collects events in-process, for tests and dev runs.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []AIUsageEvent
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) Record(_ context.Context, ev AIUsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *MemoryRecorder) Events() []AIUsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AIUsageEvent, len(m.events))
	copy(out, m.events)
	return out
}

// ByPulse filters recorded events for one pulse.
func (m *MemoryRecorder) ByPulse(pulseID string) []AIUsageEvent {
	var out []AIUsageEvent
	for _, ev := range m.Events() {
		if ev.PulseID == pulseID {
			out = append(out, ev)
		}
	}
	return out
}

// PostgresRecorder appends events to the ai_usage_events table.
type PostgresRecorder struct {
	db *sqlx.DB
}

func NewPostgresRecorder(db *sqlx.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (r *PostgresRecorder) Record(ctx context.Context, ev AIUsageEvent) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO ai_usage_events (
			event_id, pulse_id, user_id, outcome, decision_reason,
			decided_at, score, estimated_cost_cents, model, input_tokens,
			output_tokens, cost_cents, latency_millis, succeeded, detail,
			recorded_at
		) VALUES (
			:event_id, :pulse_id, :user_id, :outcome, :decision_reason,
			:decided_at, :score, :estimated_cost_cents, :model, :input_tokens,
			:output_tokens, :cost_cents, :latency_millis, :succeeded, :detail,
			:recorded_at
		)`, ev)
	if err != nil {
		return domain.ETransient("audit.record", err)
	}
	return nil
}
