package util

import (
	"context"
	"sync"
	"time"
)

// Throttle bounds outbound API traffic two ways: at most maxConcurrent calls
// in flight, and successive call starts spaced at least minDelay apart.
type Throttle struct {
	minDelay time.Duration
	sem      chan struct{}

	mu   sync.Mutex
	next time.Time
}

// NewThrottle creates a Throttle. maxConcurrent below 1 means one call at a
// time; a zero minDelay disables spacing.
func NewThrottle(minDelay time.Duration, maxConcurrent int) *Throttle {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Throttle{
		minDelay: minDelay,
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until a slot is free and the spacing delay has elapsed, or
// until ctx is done. The returned release func must be called exactly once.
func (t *Throttle) Acquire(ctx context.Context) (func(), error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-t.sem }

	t.mu.Lock()
	now := time.Now()
	start := t.next
	if start.Before(now) {
		start = now
	}
	t.next = start.Add(t.minDelay)
	t.mu.Unlock()

	if wait := time.Until(start); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// InFlight returns the number of currently held slots.
func (t *Throttle) InFlight() int {
	return len(t.sem)
}
