// Package tier resolves a user's subscription tier and the budget policy
// attached to it.
package tier

import (
	"context"
	"fmt"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/config"
	"github.com/pulsegrid/pulsegrid/internal/domain"
)

const (
	Free      = "free"
	Premium   = "premium"
	Unlimited = "unlimited"
)

// Profile is the admission-relevant slice of a user record.
type Profile struct {
	UserID string `db:"user_id"`
	Tier   string `db:"tier"`
	// Timezone is an IANA name; budget windows reset on this wall clock.
	// Empty or unknown falls back to UTC.
	Timezone string `db:"timezone"`
}

// Location resolves the profile's timezone.
func (p *Profile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Store looks up user profiles. Implementations must return
// domain.ETransient for infrastructure failures so the caller can retry.
type Store interface {
	Profile(ctx context.Context, userID string) (*Profile, error)
}

// Resolve returns the budget policy for a profile's tier. A tier name with
// no configured budget is an operator error, not a user error: admission
// must not guess caps, so this is fatal.
func Resolve(p *Profile, snap *config.Snapshot) (config.TierBudget, error) {
	name := p.Tier
	if name == "" {
		name = Free
	}
	budget, ok := snap.Tiers[name]
	if !ok {
		return config.TierBudget{}, domain.EFatal("tier.resolve",
			fmt.Errorf("user %s has unknown tier %q", p.UserID, name))
	}
	return budget, nil
}
