package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsegrid/pulsegrid/internal/domain"
)

// WSSource consumes the change stream over a websocket feed from the pulse
// store. The feed delivers one JSON event per message; acks flow back on the
// same connection. Redelivery on missing acks is the feed's responsibility.
type WSSource struct {
	url    string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	wmu  sync.Mutex

	now func() time.Time
}

type wsAck struct {
	Ack       uint64 `json:"ack"`
	Partition int    `json:"partition"`
}

func NewWSSource(url string) *WSSource {
	return &WSSource{
		url:    url,
		dialer: websocket.DefaultDialer,
		now:    time.Now,
	}
}

func (s *WSSource) connect(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, domain.ETransient("stream.connect", fmt.Errorf("dial %s: %w", s.url, err))
	}
	s.conn = conn
	return conn, nil
}

func (s *WSSource) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *WSSource) Receive(ctx context.Context) (*Event, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		s.drop()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.ETransient("stream.receive", err)
	}
	ev.ReceivedAt = s.now()
	return &ev, nil
}

func (s *WSSource) Ack(ctx context.Context, ev *Event) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := conn.WriteJSON(wsAck{Ack: ev.Sequence, Partition: ev.Partition}); err != nil {
		s.drop()
		return domain.ETransient("stream.ack", err)
	}
	return nil
}

// Nack is a no-op: the feed redelivers anything that misses its ack window.
func (s *WSSource) Nack(context.Context, *Event) error { return nil }

// Close tears down the connection; in-flight events will be redelivered by
// the feed.
func (s *WSSource) Close() error {
	s.drop()
	return nil
}
