package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// Redis is the shared ledger. The charge script runs the cap check, the
// pulse_id dedupe mark, and both window increments atomically on the server,
// so concurrent chargers can never overrun a cap between check and write.
type Redis struct {
	client redis.UniversalClient
}

const (
	dailyTTL   = 48 * time.Hour
	monthlyTTL = 40 * 24 * time.Hour
	// chargedTTL outlives the stream's replay horizon.
	chargedTTL = 72 * time.Hour
)

// Script results: 0 applied, 1 duplicate, 2 cap exceeded. Caps of 0 or less
// are treated as uncapped.
var chargeScript = redis.NewScript(`
local daily = tonumber(redis.call('GET', KEYS[1]) or '0')
local monthly = tonumber(redis.call('GET', KEYS[2]) or '0')
local cents = tonumber(ARGV[1])
local dcap = tonumber(ARGV[2])
local mcap = tonumber(ARGV[3])

if redis.call('EXISTS', KEYS[3]) == 1 then
  return {1, daily, monthly}
end
if (dcap > 0 and daily + cents > dcap) or (mcap > 0 and monthly + cents > mcap) then
  return {2, daily, monthly}
end

redis.call('SET', KEYS[3], '1', 'EX', tonumber(ARGV[6]))
daily = redis.call('INCRBY', KEYS[1], cents)
monthly = redis.call('INCRBY', KEYS[2], cents)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[5]))
return {0, daily, monthly}
`)

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) dailyKey(userID string, at time.Time) string {
	return "ledger:d:" + userID + ":" + dayKey(at)
}

func (r *Redis) monthlyKey(userID string, at time.Time) string {
	return "ledger:m:" + userID + ":" + monthKey(at)
}

func (r *Redis) Usage(ctx context.Context, userID string, at time.Time) (Usage, error) {
	vals, err := r.client.MGet(ctx, r.dailyKey(userID, at), r.monthlyKey(userID, at)).Result()
	if err != nil {
		return Usage{}, domain.ETransient("ledger.usage", err)
	}
	return Usage{
		DailyCents:   parseCents(vals[0]),
		MonthlyCents: parseCents(vals[1]),
	}, nil
}

func (r *Redis) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	keys := []string{
		r.dailyKey(req.UserID, req.At),
		r.monthlyKey(req.UserID, req.At),
		"ledger:charged:" + req.PulseID,
	}
	raw, err := chargeScript.Run(ctx, r.client, keys,
		req.Cents, req.DailyCapCents, req.MonthlyCapCents,
		int64(dailyTTL.Seconds()), int64(monthlyTTL.Seconds()), int64(chargedTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return ChargeResult{}, domain.ETransient("ledger.charge", err)
	}
	if len(raw) != 3 {
		return ChargeResult{}, domain.ETransient("ledger.charge",
			fmt.Errorf("charge script returned %d values", len(raw)))
	}

	res := ChargeResult{Usage: Usage{DailyCents: raw[1], MonthlyCents: raw[2]}}
	switch raw[0] {
	case 0:
		res.Applied = true
		return res, nil
	case 1:
		res.Duplicate = true
		return res, nil
	default:
		return res, ErrCapExceeded
	}
}

func parseCents(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
