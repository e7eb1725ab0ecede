package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-process ledger for tests and dev runs. It
// keeps every window it has ever seen; lifetime is bounded by the process.
type Memory struct {
	mu      sync.Mutex
	daily   map[string]int64 // user|yyyymmdd -> cents
	monthly map[string]int64 // user|yyyymm -> cents
	charged map[string]bool  // pulse_id -> seen
}

func NewMemory() *Memory {
	return &Memory{
		daily:   make(map[string]int64),
		monthly: make(map[string]int64),
		charged: make(map[string]bool),
	}
}

func (m *Memory) Usage(_ context.Context, userID string, at time.Time) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Usage{
		DailyCents:   m.daily[userID+"|"+dayKey(at)],
		MonthlyCents: m.monthly[userID+"|"+monthKey(at)],
	}, nil
}

func (m *Memory) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dk := req.UserID + "|" + dayKey(req.At)
	mk := req.UserID + "|" + monthKey(req.At)
	usage := Usage{DailyCents: m.daily[dk], MonthlyCents: m.monthly[mk]}

	if m.charged[req.PulseID] {
		return ChargeResult{Duplicate: true, Usage: usage}, nil
	}
	if !usage.WithinCaps(req.Cents, req.DailyCapCents, req.MonthlyCapCents) {
		return ChargeResult{Usage: usage}, ErrCapExceeded
	}

	m.charged[req.PulseID] = true
	m.daily[dk] += req.Cents
	m.monthly[mk] += req.Cents
	return ChargeResult{
		Applied: true,
		Usage:   Usage{DailyCents: m.daily[dk], MonthlyCents: m.monthly[mk]},
	}, nil
}
