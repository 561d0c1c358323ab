package session

import (
	"context"
	"sync"
)

// Signal is a one-shot latch. Waiters block until Set is called; Set is
// idempotent.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unset Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set releases all current and future waiters.
func (s *Signal) Set() {
	s.once.Do(func() { close(s.ch) })
}

// IsSet reports whether Set has been called.
func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal is set or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the signal is set.
func (s *Signal) Done() <-chan struct{} { return s.ch }
