package tier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulsegrid/internal/config"
	"github.com/pulsegrid/pulsegrid/internal/domain"
)

func snapshotWithTiers() *config.Snapshot {
	return &config.Snapshot{
		Tiers: map[string]config.TierBudget{
			Free:      {DailyCents: 5, MonthlyCents: 10, MinScore: 0.7},
			Premium:   {DailyCents: 18, MonthlyCents: 375, MinScore: 0.4},
			Unlimited: {DailyCents: 75, MonthlyCents: 1000, MinScore: 0.4},
		},
	}
}

func TestResolveKnownTiers(t *testing.T) {
	snap := snapshotWithTiers()

	b, err := Resolve(&Profile{UserID: "u1", Tier: Premium}, snap)
	require.NoError(t, err)
	assert.Equal(t, int64(375), b.MonthlyCents)

	b, err = Resolve(&Profile{UserID: "u2", Tier: ""}, snap)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.DailyCents, "empty tier defaults to free")
}

func TestResolveUnknownTierIsFatal(t *testing.T) {
	_, err := Resolve(&Profile{UserID: "u3", Tier: "platinum"}, snapshotWithTiers())
	require.Error(t, err)
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))
	assert.False(t, domain.IsRetryable(err))
}

func TestMemoryStoreDefaultsToFree(t *testing.T) {
	store := NewMemoryStore()
	store.Put(Profile{UserID: "known", Tier: Unlimited})

	p, err := store.Profile(context.Background(), "known")
	require.NoError(t, err)
	assert.Equal(t, Unlimited, p.Tier)

	p, err = store.Profile(context.Background(), "stranger")
	require.NoError(t, err)
	assert.Equal(t, Free, p.Tier)
}
