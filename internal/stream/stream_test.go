package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

func pulseNamed(id string) domain.StopPulse {
	stopped := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	return domain.StopPulse{
		PulseID:   id,
		UserID:    "u1",
		Intent:    "focus block",
		StoppedAt: stopped,
		StartTime: stopped.Add(-10 * time.Minute),
	}
}

func TestMemorySourceDeliversPublished(t *testing.T) {
	s := NewMemorySource(4)
	s.Publish(KindInsert, pulseNamed("p1"))

	ev, err := s.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindInsert, ev.Kind)
	assert.Equal(t, "p1", ev.Pulse.PulseID)
	assert.False(t, ev.ReceivedAt.IsZero())
	require.NoError(t, s.Ack(context.Background(), ev))
	assert.Zero(t, s.Pending())
}

func TestMemorySourcePartitionOrdering(t *testing.T) {
	// One partition: the second event must not surface until the first is
	// acked.
	s := NewMemorySource(1)
	s.Publish(KindInsert, pulseNamed("p1"))
	s.Publish(KindInsert, pulseNamed("p2"))

	ctx := context.Background()
	first, err := s.Receive(ctx)
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s.Receive(blocked)
	require.Error(t, err, "partition must be held while an event is in flight")

	require.NoError(t, s.Ack(ctx, first))
	second, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Greater(t, second.Sequence, first.Sequence)
}

func TestMemorySourceSequencesMonotonicPerPartition(t *testing.T) {
	s := NewMemorySource(2)
	for i := 0; i < 20; i++ {
		s.Publish(KindInsert, pulseNamed(fmt.Sprintf("p%d", i)))
	}

	ctx := context.Background()
	last := make(map[int]uint64)
	for i := 0; i < 20; i++ {
		ev, err := s.Receive(ctx)
		require.NoError(t, err)
		assert.Greater(t, ev.Sequence, last[ev.Partition])
		last[ev.Partition] = ev.Sequence
		require.NoError(t, s.Ack(ctx, ev))
	}
}

func TestMemorySourceRedeliver(t *testing.T) {
	s := NewMemorySource(1)
	s.Publish(KindInsert, pulseNamed("p1"))

	ctx := context.Background()
	ev, err := s.Receive(ctx)
	require.NoError(t, err)

	s.Redeliver(ev)
	again, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, ev.Sequence, again.Sequence)
	assert.Equal(t, ev.Pulse.PulseID, again.Pulse.PulseID)
}

func TestMemorySourceRedeliveryKeepsFirstReceipt(t *testing.T) {
	s := NewMemorySource(1)
	first := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return first }
	s.Publish(KindInsert, pulseNamed("p1"))

	ctx := context.Background()
	ev, err := s.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, first, ev.ReceivedAt)

	// The clock moves on; a nacked event must not pick up the new time.
	s.now = func() time.Time { return first.Add(2 * time.Minute) }
	require.NoError(t, s.Nack(ctx, ev))

	again, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again.ReceivedAt, "receipt time survives redelivery")
}

func TestMemorySourceReceiveRespectsContext(t *testing.T) {
	s := NewMemorySource(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
