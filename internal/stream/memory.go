package stream

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// MemorySource is an in-process partitioned source for tests and single-node
// runs. Partition order is enforced by holding back a partition while one of
// its events is in flight; Ack releases it.
type MemorySource struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queues     [][]*Event
	inFlight   []bool
	sequences  []uint64
	closed     bool
	redelivers int
	now        func() time.Time
}

func NewMemorySource(partitions int) *MemorySource {
	if partitions <= 0 {
		partitions = 1
	}
	s := &MemorySource{
		queues:    make([][]*Event, partitions),
		inFlight:  make([]bool, partitions),
		sequences: make([]uint64, partitions),
		now:       time.Now,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish appends a change event for a pulse. The partition is derived from
// pulse_id, matching the upstream store's stream keying.
func (s *MemorySource) Publish(kind Kind, pulse domain.StopPulse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part := int(xxhash.Sum64String(pulse.PulseID) % uint64(len(s.queues)))
	s.sequences[part]++
	s.queues[part] = append(s.queues[part], &Event{
		Kind:      kind,
		Partition: part,
		Sequence:  s.sequences[part],
		Pulse:     pulse,
	})
	s.cond.Broadcast()
}

// Redeliver requeues an event at the front of its partition, as an external
// broker would after a visibility timeout.
func (s *MemorySource) Redeliver(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.queues[ev.Partition] = append([]*Event{&cp}, s.queues[ev.Partition]...)
	s.inFlight[ev.Partition] = false
	s.redelivers++
	s.cond.Broadcast()
}

// Close unblocks all pending Receive calls.
func (s *MemorySource) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *MemorySource) Receive(ctx context.Context) (*Event, error) {
	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() { s.cond.Broadcast() })
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.closed {
			return nil, context.Canceled
		}
		for part, q := range s.queues {
			if len(q) == 0 || s.inFlight[part] {
				continue
			}
			ev := q[0]
			s.queues[part] = q[1:]
			s.inFlight[part] = true
			// First receipt only: a redelivered event keeps its original
			// stamp so the end-to-end deadline does not restart.
			if ev.ReceivedAt.IsZero() {
				ev.ReceivedAt = s.now()
			}
			return ev, nil
		}
		s.cond.Wait()
	}
}

// Nack requeues the event for redelivery.
func (s *MemorySource) Nack(_ context.Context, ev *Event) error {
	s.Redeliver(ev)
	return nil
}

func (s *MemorySource) Ack(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[ev.Partition] = false
	s.cond.Broadcast()
	return nil
}

// Pending reports queued plus in-flight events, for test synchronization.
func (s *MemorySource) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	for _, f := range s.inFlight {
		if f {
			n++
		}
	}
	return n
}
