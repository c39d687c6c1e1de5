package delivery

import (
	"context"
	"sync"
)

// Slot holds at most one live subscription for a viewer. Opening another
// thread cancels the previous subscription before the new one starts.
type Slot struct {
	poller *Poller

	mu      sync.Mutex
	current *Subscription
}

// NewSlot creates an empty slot.
func NewSlot(poller *Poller) *Slot {
	return &Slot{poller: poller}
}

// Open switches the slot to threadID.
func (s *Slot) Open(ctx context.Context, threadID string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Cancel()
		s.current = nil
	}

	sub, err := s.poller.Subscribe(ctx, threadID, handler, opts...)
	if err != nil {
		return nil, err
	}
	s.current = sub
	return sub, nil
}

// Current returns the live subscription, or nil.
func (s *Slot) Current() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close cancels the live subscription, if any.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Cancel()
		s.current = nil
	}
}
