// Package stream models the ordered change stream of pulse records. Events
// are partitioned by pulse_id; within a partition delivery is ordered and
// at-least-once, so consumers must tolerate redelivery.
package stream

import (
	"context"
	"time"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// Kind is the change type carried by an event.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindModify Kind = "MODIFY"
	KindRemove Kind = "REMOVE"
)

// Event is one change-stream record: the full pulse image plus delivery
// coordinates.
type Event struct {
	Kind      Kind             `json:"kind"`
	Partition int              `json:"partition"`
	Sequence  uint64           `json:"sequence"`
	Pulse     domain.StopPulse `json:"pulse"`
	// ReceivedAt is stamped by the source on first delivery and preserved
	// across redelivery; the event's end-to-end deadline counts from here.
	ReceivedAt time.Time `json:"-"`
}

// Source delivers events. Receive blocks until an event is available or the
// context ends. An unacked event is redelivered; Ack is per-event and
// releases its partition for the next in-order event. Nack returns an event
// to the source explicitly instead of waiting out a visibility timeout.
type Source interface {
	Receive(ctx context.Context) (*Event, error)
	Ack(ctx context.Context, ev *Event) error
	Nack(ctx context.Context, ev *Event) error
}
