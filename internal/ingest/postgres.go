package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// PostgresStore persists to the ingested_pulses and user_stats tables. The
// ON CONFLICT DO NOTHING insert on the pulse_id primary key is the outer
// idempotency guard; aggregates move only when that insert lands, inside the
// same transaction.
type PostgresStore struct {
	db  *sqlx.DB
	log zerolog.Logger
}

func NewPostgresStore(db *sqlx.DB, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log.With().Str("component", "ingest").Logger()}
}

type pulseRow struct {
	domain.StopPulse
	GenTitle          string          `db:"gen_title"`
	GenBadge          string          `db:"gen_badge"`
	AIEnhanced        bool            `db:"ai_enhanced"`
	AICostCents       int64           `db:"ai_cost_cents"`
	AIInsightsJSON    json.RawMessage `db:"ai_insights"`
	SelectionJSON     json.RawMessage `db:"selection_info"`
	InvertedTimestamp int64           `db:"inverted_timestamp"`
	IngestedAtDB      sql.NullTime    `db:"ingested_at"`
	ContentHash       string          `db:"content_hash"`
}

func (s *PostgresStore) Persist(ctx context.Context, p *domain.IngestedPulse) error {
	if err := p.CheckAccounting(); err != nil {
		return domain.EFatal("ingest.persist", err)
	}
	hash := contentHash(p)

	insightsJSON, err := json.Marshal(p.AIInsights)
	if err != nil {
		return domain.EFatal("ingest.persist", err)
	}
	selectionJSON, err := json.Marshal(p.Selection)
	if err != nil {
		return domain.EFatal("ingest.persist", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.ETransient("ingest.persist", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ingested_pulses (
			pulse_id, user_id, intent, intent_emotion, reflection,
			reflection_emotion, start_time, stopped_at, duration_seconds,
			effective_duration_seconds, gen_title, gen_badge, ai_enhanced,
			ai_cost_cents, ai_insights, selection_info, inverted_timestamp,
			ingested_at, content_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (pulse_id) DO NOTHING`,
		p.PulseID, p.UserID, p.Intent, p.IntentEmotion, p.Reflection,
		p.ReflectionEmotion, p.StartTime, p.StoppedAt, p.DurationSeconds,
		p.EffectiveDurationSeconds, p.GenTitle, p.GenBadge, p.AIEnhanced,
		p.AICostCents, insightsJSON, selectionJSON, p.InvertedTimestamp,
		p.IngestedAt, hash,
	)
	if err != nil {
		return domain.ETransient("ingest.persist", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return domain.ETransient("ingest.persist", err)
	}
	if inserted == 0 {
		var prior string
		if err := tx.GetContext(ctx, &prior,
			`SELECT content_hash FROM ingested_pulses WHERE pulse_id = $1`, p.PulseID); err != nil {
			return domain.ETransient("ingest.persist", err)
		}
		if prior == hash {
			s.log.Debug().Str("pulse_id", p.PulseID).Msg("identical replay, no-op")
			return nil
		}
		s.log.Error().Str("pulse_id", p.PulseID).Msg("conflicting replay rejected")
		return domain.EConflict("ingest.persist",
			fmt.Errorf("pulse %s: differing record already ingested", p.PulseID))
	}

	aiInc := 0
	if p.AIEnhanced {
		aiInc = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, total_pulses, ai_enhanced_total)
		VALUES ($1, 1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			total_pulses = user_stats.total_pulses + 1,
			ai_enhanced_total = user_stats.ai_enhanced_total + $2`,
		p.UserID, aiInc,
	); err != nil {
		return domain.ETransient("ingest.persist", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.ETransient("ingest.persist", err)
	}
	s.log.Info().Str("pulse_id", p.PulseID).Str("user_id", p.UserID).
		Bool("ai_enhanced", p.AIEnhanced).Int64("cost_cents", p.AICostCents).
		Str("reason", string(p.Selection.DecisionReason)).Msg("pulse ingested")
	return nil
}

func (s *PostgresStore) ByUser(ctx context.Context, userID string, limit int) ([]domain.IngestedPulse, error) {
	if limit <= 0 {
		limit = 24
	}
	var rows []pulseRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT pulse_id, user_id, intent, intent_emotion, reflection,
		       reflection_emotion, start_time, stopped_at, duration_seconds,
		       effective_duration_seconds, gen_title, gen_badge, ai_enhanced,
		       ai_cost_cents, ai_insights, selection_info, inverted_timestamp,
		       ingested_at, content_hash
		FROM ingested_pulses
		WHERE user_id = $1
		ORDER BY inverted_timestamp ASC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, domain.ETransient("ingest.by_user", err)
	}

	out := make([]domain.IngestedPulse, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, domain.EFatal("ingest.by_user", err)
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *PostgresStore) ByID(ctx context.Context, pulseID string) (*domain.IngestedPulse, error) {
	var row pulseRow
	err := s.db.GetContext(ctx, &row, `
		SELECT pulse_id, user_id, intent, intent_emotion, reflection,
		       reflection_emotion, start_time, stopped_at, duration_seconds,
		       effective_duration_seconds, gen_title, gen_badge, ai_enhanced,
		       ai_cost_cents, ai_insights, selection_info, inverted_timestamp,
		       ingested_at, content_hash
		FROM ingested_pulses WHERE pulse_id = $1`, pulseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.ETransient("ingest.by_id", err)
	}
	return row.toDomain()
}

func (r *pulseRow) toDomain() (*domain.IngestedPulse, error) {
	out := &domain.IngestedPulse{
		StopPulse:         r.StopPulse,
		GenTitle:          r.GenTitle,
		GenBadge:          r.GenBadge,
		AIEnhanced:        r.AIEnhanced,
		AICostCents:       r.AICostCents,
		InvertedTimestamp: r.InvertedTimestamp,
	}
	if r.IngestedAtDB.Valid {
		out.IngestedAt = r.IngestedAtDB.Time
	}
	if len(r.AIInsightsJSON) > 0 && string(r.AIInsightsJSON) != "null" {
		out.AIInsights = &domain.AIInsights{}
		if err := json.Unmarshal(r.AIInsightsJSON, out.AIInsights); err != nil {
			return nil, fmt.Errorf("pulse %s: insights column: %w", r.PulseID, err)
		}
	}
	if len(r.SelectionJSON) > 0 && string(r.SelectionJSON) != "null" {
		if err := json.Unmarshal(r.SelectionJSON, &out.Selection); err != nil {
			return nil, fmt.Errorf("pulse %s: selection column: %w", r.PulseID, err)
		}
	}
	return out, nil
}
