package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noon = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func TestChargeAccumulates(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Charge(ctx, ChargeRequest{
			UserID: "u1", PulseID: fmt.Sprintf("p%d", i), Cents: 2,
			DailyCapCents: 18, MonthlyCapCents: 375, At: noon,
		})
		require.NoError(t, err)
		assert.True(t, res.Applied)
	}

	u, err := l.Usage(ctx, "u1", noon)
	require.NoError(t, err)
	assert.Equal(t, int64(6), u.DailyCents)
	assert.Equal(t, int64(6), u.MonthlyCents)
}

func TestChargeIdempotentOnPulseID(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()
	req := ChargeRequest{
		UserID: "u1", PulseID: "p1", Cents: 3,
		DailyCapCents: 18, MonthlyCapCents: 375, At: noon,
	}

	first, err := l.Charge(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	replay, err := l.Charge(ctx, req)
	require.NoError(t, err)
	assert.False(t, replay.Applied)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.Usage, replay.Usage, "replay must not move the windows")
}

func TestChargeRejectsOverCap(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	res, err := l.Charge(ctx, ChargeRequest{
		UserID: "u1", PulseID: "p1", Cents: 4,
		DailyCapCents: 5, MonthlyCapCents: 10, At: noon,
	})
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = l.Charge(ctx, ChargeRequest{
		UserID: "u1", PulseID: "p2", Cents: 4,
		DailyCapCents: 5, MonthlyCapCents: 10, At: noon,
	})
	assert.ErrorIs(t, err, ErrCapExceeded)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(4), res.Usage.DailyCents, "rejected charge must leave the window untouched")
}

func TestChargeWindowsRollIndependently(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	_, err := l.Charge(ctx, ChargeRequest{
		UserID: "u1", PulseID: "p1", Cents: 5,
		DailyCapCents: 5, MonthlyCapCents: 100, At: noon,
	})
	require.NoError(t, err)

	// Next day: daily window resets, monthly carries.
	tomorrow := noon.Add(24 * time.Hour)
	u, err := l.Usage(ctx, "u1", tomorrow)
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.DailyCents)
	assert.Equal(t, int64(5), u.MonthlyCents)

	res, err := l.Charge(ctx, ChargeRequest{
		UserID: "u1", PulseID: "p2", Cents: 5,
		DailyCapCents: 5, MonthlyCapCents: 100, At: tomorrow,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestConcurrentChargesNeverOverrunCap(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()
	const workers = 32

	var wg sync.WaitGroup
	applied := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Charge(ctx, ChargeRequest{
				UserID: "u1", PulseID: fmt.Sprintf("p%d", i), Cents: 2,
				DailyCapCents: 10, MonthlyCapCents: 100, At: noon,
			})
			if err == nil && res.Applied {
				applied <- 2
			}
		}(i)
	}
	wg.Wait()
	close(applied)

	var total int64
	for c := range applied {
		total += c
	}
	assert.LessOrEqual(t, total, int64(10))

	u, err := l.Usage(ctx, "u1", noon)
	require.NoError(t, err)
	assert.Equal(t, total, u.DailyCents)
}

func TestUsageRemainingAndWithinCaps(t *testing.T) {
	u := Usage{DailyCents: 4, MonthlyCents: 8}

	d, m := u.Remaining(5, 10)
	assert.Equal(t, int64(1), d)
	assert.Equal(t, int64(2), m)

	assert.True(t, u.WithinCaps(1, 5, 10))
	assert.False(t, u.WithinCaps(2, 5, 10))
	assert.True(t, u.WithinCaps(1000, 0, 0), "zero caps mean uncapped")
}
