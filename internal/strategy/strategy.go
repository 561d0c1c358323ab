// Package strategy defines the Strategy interface for trading strategies,
// a Registry of named strategy constructors, and the Runner that drives a
// strategy from a bar source.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"brokerstore/internal/domain"
)

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data.
	Init(ctx context.Context) error

	// OnBar is called when a new OHLCV bar is available. It returns zero or
	// more trading signals.
	OnBar(ctx context.Context, bar domain.Bar) ([]domain.Signal, error)

	// OnOrder is called with every order state change reported by the
	// broker side.
	OnOrder(ctx context.Context, order domain.Order)
}

// Params carries the tunables a strategy constructor may read.
type Params struct {
	Symbol       string
	FastPeriod   int
	SlowPeriod   int
	SignalPeriod int
	ATRPeriod    int
}

// Factory builds a strategy from params.
type Factory func(p Params) Strategy

// Registry holds named strategy constructors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a constructor under name. Registering a name twice is an
// error.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// New builds the strategy registered under name.
func (r *Registry) New(name string, p Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return f(p), nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
