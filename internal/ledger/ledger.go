// Package ledger tracks per-user enhancement spend over daily and monthly
// windows, in integer cents. Charges are idempotent on pulse_id: replaying a
// stream event never double-bills.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrCapExceeded is returned when applying a charge would push a window past
// its cap. The usage in the result reflects the untouched state.
var ErrCapExceeded = errors.New("ledger: budget cap exceeded")

// Usage is a user's spend in the current windows.
type Usage struct {
	DailyCents   int64 `json:"daily_cents"`
	MonthlyCents int64 `json:"monthly_cents"`
}

// Remaining reports headroom under the given caps. A zero cap means the
// window is uncapped.
func (u Usage) Remaining(dailyCap, monthlyCap int64) (daily, monthly int64) {
	daily, monthly = int64(1<<62), int64(1<<62)
	if dailyCap > 0 {
		daily = dailyCap - u.DailyCents
	}
	if monthlyCap > 0 {
		monthly = monthlyCap - u.MonthlyCents
	}
	return daily, monthly
}

// WithinCaps reports whether an additional charge of cents fits both windows.
func (u Usage) WithinCaps(cents, dailyCap, monthlyCap int64) bool {
	d, m := u.Remaining(dailyCap, monthlyCap)
	return cents <= d && cents <= m
}

// ChargeRequest applies cents against a user's windows, deduplicated on
// PulseID. Caps are supplied by the caller from the user's tier.
type ChargeRequest struct {
	UserID          string
	PulseID         string
	Cents           int64
	DailyCapCents   int64
	MonthlyCapCents int64
	At              time.Time
}

// ChargeResult reports the outcome. Exactly one of Applied and Duplicate is
// true on success; both are false when the charge was rejected.
type ChargeResult struct {
	Applied   bool
	Duplicate bool
	Usage     Usage
}

// Ledger is the spend store. Implementations must make Charge atomic: the
// cap check, the dedupe mark, and the increment happen as one operation.
type Ledger interface {
	Usage(ctx context.Context, userID string, at time.Time) (Usage, error)
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// dayKey and monthKey name the windows. Callers localize At into the user's
// timezone first; the ledger formats whatever wall clock it is handed.
func dayKey(at time.Time) string   { return at.Format("20060102") }
func monthKey(at time.Time) string { return at.Format("200601") }
