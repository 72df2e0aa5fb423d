package distribution

import (
	"context"
	"errors"
	"sync"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

type Subscription struct {
	bus *Bus
	id  uint64

	mu      sync.Mutex
	queue   []Message
	limit   int
	closed  bool
	resyncs int

	updateSignal chan struct{}
	closeOnce    sync.Once
}

func newSubscription(bus *Bus, id uint64, limit int) *Subscription {
	return &Subscription{
		bus:          bus,
		id:           id,
		limit:        limit,
		updateSignal: make(chan struct{}, 1),
	}
}

func (s *Subscription) ID() uint64 {
	return s.id
}

// Next blocks until a message is available, the subscription is closed, or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Message{}, ErrSubscriptionClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.updateSignal:
		}
	}
}

// Resyncs counts how many times the subscriber overflowed and was resent a
// snapshot.
func (s *Subscription) Resyncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncs
}

// Close detaches the subscription from its bus.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s.id)
		s.close()
	})
}

func (s *Subscription) push(msg Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if len(s.queue) >= s.limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.signalUpdate()
	return true
}

func (s *Subscription) reset(snapshot Message) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		s.resyncs++
	}
	s.queue = []Message{snapshot}
	s.mu.Unlock()
	s.signalUpdate()
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signalUpdate()
}

func (s *Subscription) signalUpdate() {
	select {
	case s.updateSignal <- struct{}{}:
	default:
	}
}
