// Package feed is the framework-side data collaborator: it issues a
// historical or live request against the store and turns the queue
// deliveries into bars.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"brokerstore/internal/domain"
	"brokerstore/internal/registry"
	"brokerstore/internal/store"
)

// Compile-time interface check.
var _ store.DataFeed = (*Feed)(nil)

// ErrNoRequest is returned by Next before ReqData was issued.
var ErrNoRequest = errors.New("feed has no active request")

// Mode selects the request a feed issues.
type Mode int

const (
	Historical Mode = iota
	Live
)

// Options configures a Feed.
type Options struct {
	Mode Mode

	// Historical parameters; empty values take the store defaults.
	Duration string
	BarSize  string
	UseRTH   bool

	// What selects the quote side for cash contracts in live mode.
	What string
}

// Feed delivers the bars of one contract.
type Feed struct {
	store    *store.Store
	contract domain.Contract
	opts     Options

	mu sync.Mutex
	q  *registry.Queue
}

// New creates a feed for c. Nothing is requested until ReqData.
func New(s *store.Store, c domain.Contract, opts Options) *Feed {
	return &Feed{store: s, contract: c, opts: opts}
}

// Factory returns a store.DataFactory building feeds with opts.
func Factory(opts Options) store.DataFactory {
	return func(s *store.Store, c domain.Contract) store.DataFeed {
		return New(s, c, opts)
	}
}

// Contract returns the feed's contract.
func (f *Feed) Contract() domain.Contract { return f.contract }

// ReqData issues the feed's request, replacing any earlier one.
func (f *Feed) ReqData(ctx context.Context) error {
	var q *registry.Queue
	switch f.opts.Mode {
	case Live:
		q = f.store.ReqMktData(ctx, f.contract, f.opts.What)
	case Historical:
		q = f.store.ReqHistoricalData(ctx, store.HistoricalRequest{
			Contract: f.contract,
			Duration: f.opts.Duration,
			BarSize:  f.opts.BarSize,
			UseRTH:   f.opts.UseRTH,
		})
	default:
		return fmt.Errorf("unknown feed mode %d", f.opts.Mode)
	}

	f.mu.Lock()
	old := f.q
	f.q = q
	f.mu.Unlock()
	if old != nil && old != q {
		f.cancel(old)
	}
	return nil
}

// CancelData withdraws the active request. The queue receives the
// sentinel, so a blocked Next returns io.EOF.
func (f *Feed) CancelData() {
	f.mu.Lock()
	q := f.q
	f.mu.Unlock()
	if q != nil {
		f.cancel(q)
	}
}

func (f *Feed) cancel(q *registry.Queue) {
	if f.opts.Mode == Live {
		f.store.CancelMktData(q)
		return
	}
	f.store.CancelHistoricalData(q)
}

// Next blocks for the next bar. It returns io.EOF at the end of a
// historical replay or when the stream is terminated.
func (f *Feed) Next(ctx context.Context) (domain.Bar, error) {
	f.mu.Lock()
	q := f.q
	f.mu.Unlock()
	if q == nil {
		return domain.Bar{}, ErrNoRequest
	}

	for {
		msg, err := q.Get(ctx)
		if err != nil {
			return domain.Bar{}, err
		}
		switch m := msg.(type) {
		case nil:
			return domain.Bar{}, io.EOF
		case domain.HistoricalEnd:
			return domain.Bar{}, io.EOF
		case domain.HistoricalBar:
			return domain.Bar{
				Symbol:     f.contract.Symbol,
				Timestamp:  m.Time,
				Open:       m.Open,
				High:       m.High,
				Low:        m.Low,
				Close:      m.Close,
				Volume:     m.Volume,
				TradeCount: m.Count,
				VWAP:       m.WAP,
			}, nil
		case domain.Tick:
			return domain.Bar{
				Symbol:    f.contract.Symbol,
				Timestamp: m.Time,
				Open:      m.Price,
				High:      m.Price,
				Low:       m.Price,
				Close:     m.Price,
				Volume:    m.Size,
				VWAP:      m.VWAP,
			}, nil
		}
		// Other message kinds carry no bar.
	}
}
