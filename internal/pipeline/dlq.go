package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsegrid/pulsegrid/internal/domain"
	"github.com/pulsegrid/pulsegrid/internal/metrics"
	"github.com/pulsegrid/pulsegrid/internal/stream"
)

// DeadLetter is a failed event plus its failure envelope. The original
// payload is preserved intact for operator replay.
type DeadLetter struct {
	Event          stream.Event `json:"event"`
	ErrorKind      string       `json:"error_kind"`
	LastError      string       `json:"last_error"`
	Attempts       int          `json:"attempts"`
	FirstReceived  time.Time    `json:"first_received"`
	DeadLetteredAt time.Time    `json:"dead_lettered_at"`
}

// DLQ stores dead letters for out-of-band drain tooling. The pipeline only
// pushes; list and pop belong to the operator CLI.
type DLQ interface {
	Push(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	Pop(ctx context.Context) (*DeadLetter, error)
	Depth(ctx context.Context) (int64, error)
}

// MemoryDLQ is the in-process queue for tests and dev runs.
type MemoryDLQ struct {
	mu      sync.Mutex
	entries []DeadLetter
}

func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{}
}

func (q *MemoryDLQ) Push(_ context.Context, dl DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, dl)
	metrics.DLQDepth.Set(float64(len(q.entries)))
	return nil
}

func (q *MemoryDLQ) List(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]DeadLetter, n)
	copy(out, q.entries[:n])
	return out, nil
}

func (q *MemoryDLQ) Pop(_ context.Context) (*DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, nil
	}
	dl := q.entries[0]
	q.entries = q.entries[1:]
	metrics.DLQDepth.Set(float64(len(q.entries)))
	return &dl, nil
}

func (q *MemoryDLQ) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

// RedisDLQ keeps dead letters in a redis list, oldest first.
type RedisDLQ struct {
	client redis.UniversalClient
	key    string
}

func NewRedisDLQ(client redis.UniversalClient) *RedisDLQ {
	return &RedisDLQ{client: client, key: "pipeline:dlq"}
}

func (q *RedisDLQ) Push(ctx context.Context, dl DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return domain.EFatal("dlq.push", err)
	}
	if err := q.client.RPush(ctx, q.key, raw).Err(); err != nil {
		return domain.ETransient("dlq.push", err)
	}
	if depth, err := q.client.LLen(ctx, q.key).Result(); err == nil {
		metrics.DLQDepth.Set(float64(depth))
	}
	return nil
}

func (q *RedisDLQ) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, q.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, domain.ETransient("dlq.list", err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, domain.EFatal("dlq.list", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *RedisDLQ) Pop(ctx context.Context) (*DeadLetter, error) {
	raw, err := q.client.LPop(ctx, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.ETransient("dlq.pop", err)
	}
	var dl DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return nil, domain.EFatal("dlq.pop", err)
	}
	if depth, err := q.client.LLen(ctx, q.key).Result(); err == nil {
		metrics.DLQDepth.Set(float64(depth))
	}
	return &dl, nil
}

func (q *RedisDLQ) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, domain.ETransient("dlq.depth", err)
	}
	return depth, nil
}
