package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"brokerstore/internal/domain"
)

// BarSource yields bars until io.EOF. feed.Feed satisfies it.
type BarSource interface {
	Next(ctx context.Context) (domain.Bar, error)
}

// Sink receives signals. price is the close of the bar that produced the
// signal. engine.Engine satisfies it.
type Sink interface {
	Signal(ctx context.Context, c domain.Contract, sig domain.Signal, price float64) error
}

// OrderNotifier reports order state changes since the last call.
type OrderNotifier interface {
	Notifications() []domain.Order
}

// Result summarises a run.
type Result struct {
	Bars    int
	Signals int
	Buys    int
	Sells   int
	Failed  int // signals the sink refused
}

// Runner drains a bar source through a strategy and hands its signals to a
// sink.
type Runner struct {
	Strategy Strategy
	Source   BarSource
	Sink     Sink
	Contract domain.Contract
	Orders   OrderNotifier // optional

	log *slog.Logger
}

// Run processes bars until the source is exhausted or ctx is done. A sink
// failure is logged and counted; it does not stop the run.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var res Result
	if r.log == nil {
		r.log = slog.Default().With("component", "runner", "strategy", r.Strategy.Name())
	}
	if err := r.Strategy.Init(ctx); err != nil {
		return res, fmt.Errorf("initializing strategy %s: %w", r.Strategy.Name(), err)
	}

	for {
		bar, err := r.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.log.Info("run finished", "bars", res.Bars, "signals", res.Signals)
			return res, nil
		}
		if err != nil {
			return res, err
		}
		res.Bars++

		sigs, err := r.Strategy.OnBar(ctx, bar)
		if err != nil {
			return res, fmt.Errorf("strategy %s on bar %s: %w", r.Strategy.Name(), bar.Timestamp, err)
		}
		for _, sig := range sigs {
			res.Signals++
			switch sig.Type {
			case domain.SignalTypeBuy:
				res.Buys++
			case domain.SignalTypeSell:
				res.Sells++
			}
			if r.Sink == nil {
				continue
			}
			if err := r.Sink.Signal(ctx, r.Contract, sig, bar.Close); err != nil {
				res.Failed++
				r.log.Warn("signal not executed", "signal", sig.Type, "symbol", sig.Symbol, "error", err)
			}
		}

		if r.Orders != nil {
			for _, o := range r.Orders.Notifications() {
				r.Strategy.OnOrder(ctx, o)
			}
		}
	}
}
