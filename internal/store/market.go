package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"brokerstore/internal/domain"
	"brokerstore/internal/registry"
)

// ---------------------------------------------------------------------------
// Live market data
// ---------------------------------------------------------------------------

// ReqMktData subscribes to streaming data for c and returns the queue ticks
// are delivered on. Cash and CFD contracts stream quotes; what "ASK"
// selects the ask side, anything else the bid. An unresolvable contract or
// a failed subscription yields a terminated queue.
func (s *Store) ReqMktData(ctx context.Context, c domain.Contract, what string) *registry.Queue {
	conid, ok := s.contracts.Resolve(ctx, c)
	if !ok {
		s.notify("warning", "market data: contract "+c.Symbol+" not resolved")
		_, q := s.GetTickerQueue(true)
		return q
	}

	id, q := s.reg.Allocate()
	if c.IsCash() {
		mode := registry.CashBid
		if strings.EqualFold(what, "ASK") {
			mode = registry.CashAsk
		}
		s.reg.SetCash(id, mode)
	}

	s.subMu.Lock()
	s.subs[q] = conid
	s.routes[conid] = q
	s.subMu.Unlock()

	if err := s.stream.Subscribe(conid, s.opts.MarketDataFields); err != nil {
		s.logFailure("market data subscription failed", "conid", conid, "error", err)
		s.dropSubscription(q)
		s.reg.Cancel(q, true)
	}
	return q
}

// CancelMktData unsubscribes the stream behind q and terminates q.
func (s *Store) CancelMktData(q *registry.Queue) {
	if conid, last := s.dropSubscription(q); conid != "" && last {
		if err := s.stream.Unsubscribe(conid); err != nil {
			s.logFailure("market data unsubscribe failed", "conid", conid, "error", err)
		}
	}
	s.reg.Cancel(q, true)
}

// dropSubscription forgets q. last reports whether no queue routes the
// conid any more.
func (s *Store) dropSubscription(q *registry.Queue) (conid string, last bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	conid, ok := s.subs[q]
	if !ok {
		return "", false
	}
	delete(s.subs, q)
	if s.routes[conid] == q {
		delete(s.routes, conid)
	}
	_, still := s.routes[conid]
	return conid, !still
}

// route delivers one stream update to the queue subscribed to its conid.
// It runs on the session pump.
func (s *Store) route(msg domain.StreamMessage) {
	s.subMu.Lock()
	q := s.routes[msg.ConID]
	s.subMu.Unlock()
	if q == nil {
		return
	}
	id, ok := s.reg.ID(q)
	if !ok {
		return
	}
	if tick, ok := buildTick(id, s.reg.Cash(id), msg); ok {
		q.Put(tick)
	}
}

// buildTick turns a stream update into a Tick. Cash tickers are priced
// from the quote side their mode selects and flagged Single.
func buildTick(id int64, mode registry.CashMode, msg domain.StreamMessage) (domain.Tick, bool) {
	f := msg.Fields
	t := domain.Tick{
		ReqID:  id,
		Time:   msg.Time,
		Price:  f[domain.FieldLast],
		Size:   f[domain.FieldSize],
		Volume: f[domain.FieldVolume],
		VWAP:   f[domain.FieldVWAP],
		Bid:    f[domain.FieldBid],
		Ask:    f[domain.FieldAsk],
	}
	switch mode {
	case registry.CashBid:
		if _, ok := f[domain.FieldBid]; !ok {
			return t, false
		}
		t.Price, t.Single = t.Bid, true
	case registry.CashAsk:
		if _, ok := f[domain.FieldAsk]; !ok {
			return t, false
		}
		t.Price, t.Single = t.Ask, true
	default:
		if _, ok := f[domain.FieldLast]; !ok {
			return t, false
		}
	}
	if t.Time.IsZero() {
		t.Time = time.Now().UTC()
	}
	return t, true
}

// ---------------------------------------------------------------------------
// Historical data
// ---------------------------------------------------------------------------

// HistoricalRequest describes one historical fetch in framework vocabulary.
type HistoricalRequest struct {
	Contract domain.Contract
	Duration string // "1 D", "2 W", "1 Y", ...
	BarSize  string // "1 min", "1 hour", "1 day", ...
	What     string
	UseRTH   bool
}

// barSizes maps framework bar sizes to backend codes.
var barSizes = map[string]string{
	"1 min":   "1min",
	"5 mins":  "5min",
	"15 mins": "15min",
	"30 mins": "30min",
	"1 hour":  "1h",
	"1 day":   "1d",
}

// durations maps framework durations to backend periods.
var durations = map[string]string{
	"1 D": "1d",
	"2 D": "2d",
	"3 D": "3d",
	"5 D": "5d",
	"1 W": "1w",
	"2 W": "2w",
	"1 M": "1m",
	"2 M": "2m",
	"3 M": "3m",
	"6 M": "6m",
	"1 Y": "1y",
}

// BackendBarSize translates a framework bar size; unknown sizes become 1min.
func BackendBarSize(barSize string) string {
	if v, ok := barSizes[barSize]; ok {
		return v
	}
	return "1min"
}

// BackendDuration translates a framework duration; unknown durations are
// lower-cased with spaces removed.
func BackendDuration(duration string) string {
	if v, ok := durations[duration]; ok {
		return v
	}
	return strings.ToLower(strings.ReplaceAll(duration, " ", ""))
}

// ReqHistoricalData fetches the bars of req synchronously and replays them
// on the returned queue followed by a HistoricalEnd. Failures yield a
// terminated queue.
func (s *Store) ReqHistoricalData(ctx context.Context, req HistoricalRequest) *registry.Queue {
	conid, ok := s.contracts.Resolve(ctx, req.Contract)
	if !ok {
		s.notify("warning", "historical data: contract "+req.Contract.Symbol+" not resolved")
		_, q := s.GetTickerQueue(true)
		return q
	}
	req = s.withHistoryDefaults(req)

	id, q := s.reg.Allocate()
	bars, err := s.client.History(ctx, conid, BackendDuration(req.Duration), BackendBarSize(req.BarSize), !req.UseRTH)
	if err != nil {
		s.notify("error", fmt.Sprintf("historical data for %s failed: %v", req.Contract.Symbol, err))
		s.reg.Cancel(q, true)
		return q
	}

	for _, b := range bars {
		q.Put(domain.HistoricalBar{
			ReqID:  id,
			Time:   b.Time,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	q.Put(domain.HistoricalEnd{ReqID: id})

	s.archiveBars(ctx, req.Contract.Symbol, bars)
	return q
}

// CancelHistoricalData terminates a historical request's queue.
func (s *Store) CancelHistoricalData(q *registry.Queue) {
	s.reg.Cancel(q, true)
}

func (s *Store) withHistoryDefaults(req HistoricalRequest) HistoricalRequest {
	if req.Duration == "" {
		req.Duration = s.opts.Historical.Duration
	}
	if req.Duration == "" {
		req.Duration = "1 Y"
	}
	if req.BarSize == "" {
		req.BarSize = s.opts.Historical.BarSize
	}
	if req.BarSize == "" {
		req.BarSize = "1 day"
	}
	return req
}

func (s *Store) archiveBars(ctx context.Context, symbol string, bars []domain.HistoryBar) {
	if s.opts.Archive == nil || len(bars) == 0 {
		return
	}
	if err := s.opts.Archive.WriteBars(ctx, toBars(symbol, bars)); err != nil {
		s.log.Warn("archiving bars failed", "symbol", symbol, "error", err)
	}
}

func toBars(symbol string, in []domain.HistoryBar) []domain.Bar {
	out := make([]domain.Bar, len(in))
	for i, b := range in {
		out[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: b.Time,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
	}
	return out
}

// HistoricalDataParallel fetches bars for several contracts. With parallel
// requests enabled at most MaxConcurrent fetches run at once; otherwise
// fetches run one after another separated by RequestDelay. Contracts that
// fail to resolve or fetch are left out of the result.
func (s *Store) HistoricalDataParallel(ctx context.Context, cs []domain.Contract, duration, barSize string) (map[string][]domain.Bar, error) {
	var mu sync.Mutex
	out := make(map[string][]domain.Bar, len(cs))

	fetch := func(ctx context.Context, c domain.Contract) {
		conid, ok := s.contracts.Resolve(ctx, c)
		if !ok {
			return
		}
		req := s.withHistoryDefaults(HistoricalRequest{Contract: c, Duration: duration, BarSize: barSize})
		bars, err := s.client.History(ctx, conid, BackendDuration(req.Duration), BackendBarSize(req.BarSize), true)
		if err != nil {
			s.logFailure("historical fetch failed", "symbol", c.Symbol, "error", err)
			return
		}
		s.archiveBars(ctx, c.Symbol, bars)
		mu.Lock()
		out[c.Symbol] = toBars(c.Symbol, bars)
		mu.Unlock()
	}

	if s.opts.ParallelRequests {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.MaxConcurrent)
		for _, c := range cs {
			g.Go(func() error {
				fetch(gctx, c)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return out, err
		}
		return out, nil
	}

	for i, c := range cs {
		if i > 0 && s.opts.RequestDelay > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(s.opts.RequestDelay):
			}
		}
		fetch(ctx, c)
	}
	return out, ctx.Err()
}
