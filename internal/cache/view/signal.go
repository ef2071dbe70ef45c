package view

import (
	"context"
	"sync"
)

// Signal holds a current value and streams changes to subscribers.
//
// Subscribers always receive the current value first. Delivery is
// latest-value: a subscriber that falls behind skips intermediate values but
// always ends on the newest one. Set never blocks.
type Signal[T any] struct {
	mu     sync.Mutex
	value  T
	subs   map[chan T]struct{}
	closed bool
	done   chan struct{}
}

// NewSignal returns a signal holding initial.
func NewSignal[T any](initial T) *Signal[T] {
	return &Signal[T]{value: initial, subs: make(map[chan T]struct{}), done: make(chan struct{})}
}

// Get returns the current value.
func (s *Signal[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set stores v and notifies subscribers. Ignored after Close.
func (s *Signal[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.value = v
	for ch := range s.subs {
		replace(ch, v)
	}
}

// Subscribe returns a channel that yields the current value immediately and
// every later value. It is closed when ctx is done or the signal is closed.
func (s *Signal[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	ch <- s.value
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}()
	return ch
}

// Close ends every subscription.
func (s *Signal[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}

// replace swaps the buffered value of a capacity-1 channel for v. The caller
// must be the only sender.
func replace[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
