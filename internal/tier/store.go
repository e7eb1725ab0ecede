package tier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// MemoryStore is a map-backed Store for tests and single-node runs.
// Unknown users resolve to the free tier, matching the production default
// for accounts created before tiers existed.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]Profile)}
}

func (m *MemoryStore) Put(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = p
}

func (m *MemoryStore) Profile(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.profiles[userID]; ok {
		out := p
		return &out, nil
	}
	return &Profile{UserID: userID, Tier: Free}, nil
}

// PostgresStore reads profiles from the users table.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.db.GetContext(ctx, &p,
		`SELECT user_id, tier, timezone FROM users WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &Profile{UserID: userID, Tier: Free}, nil
	}
	if err != nil {
		return nil, domain.ETransient("tier.profile", fmt.Errorf("user %s: %w", userID, err))
	}
	return &p, nil
}
