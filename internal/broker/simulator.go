package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"brokerstore/internal/domain"
)

// Compile-time interface checks.
var (
	_ Client   = (*Simulator)(nil)
	_ Streamer = (*Simulator)(nil)
)

// DefaultSimAccount is the account the simulator starts with.
const DefaultSimAccount = "SIM0001"

// Simulator is an in-memory backend for paper trading and tests. It tracks
// accounts, positions and orders without making external calls, fills market
// orders immediately, and replays configured or synthetic history.
type Simulator struct {
	mu sync.Mutex

	accounts  []string
	summaries map[string]map[string]domain.AccountValue
	positions map[string]map[string]domain.Position // account -> conid -> position
	contracts map[string][]domain.ContractRecord    // upper(symbol) -> candidates
	history   map[string][]domain.HistoryBar
	orders    map[string]simOrder
	lastPrice map[string]float64
	quotes    map[string][2]float64 // conid -> bid, ask
	subs      map[string][]string

	autoContracts bool
	healthy       bool
	initErr       error
	orderErr      error
	searchErr     error
	historyErr    error
	searchDelay   time.Duration

	nextOrder    int
	initCalls    int
	searchCalls  int
	tickleCalls  int
	historyCalls int
	closed       bool
	streamOpen   bool

	updates chan domain.StreamMessage
}

type simOrder struct {
	account string
	req     domain.OrderRequest
	filled  bool
}

// NewSimulator creates a Simulator with one funded account.
func NewSimulator() *Simulator {
	s := &Simulator{
		accounts:  []string{DefaultSimAccount},
		summaries: make(map[string]map[string]domain.AccountValue),
		positions: make(map[string]map[string]domain.Position),
		contracts: make(map[string][]domain.ContractRecord),
		history:   make(map[string][]domain.HistoryBar),
		orders:    make(map[string]simOrder),
		lastPrice: make(map[string]float64),
		quotes:    make(map[string][2]float64),
		subs:      make(map[string][]string),
		healthy:   true,
		updates:   make(chan domain.StreamMessage, streamBuffer),
	}
	s.SetSummary(DefaultSimAccount, domain.KeyNetLiquidation, 100000, "USD")
	s.SetSummary(DefaultSimAccount, domain.KeyTotalCashValue, 100000, "USD")
	return s
}

// Name returns "simulator".
func (s *Simulator) Name() string { return "simulator" }

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SetAccounts replaces the managed account list.
func (s *Simulator) SetAccounts(accounts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append([]string(nil), accounts...)
}

// SetSummary sets one summary entry of account.
func (s *Simulator) SetSummary(account, key string, amount float64, currency string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summaries[account] == nil {
		s.summaries[account] = make(map[string]domain.AccountValue)
	}
	s.summaries[account][key] = domain.AccountValue{Amount: amount, Currency: currency}
}

// SetPosition sets the position of account in p.ConID.
func (s *Simulator) SetPosition(account string, p domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.positions[account] == nil {
		s.positions[account] = make(map[string]domain.Position)
	}
	s.positions[account][p.ConID] = p
}

// AddContract registers a search candidate for rec.Symbol. Candidates are
// returned in registration order.
func (s *Simulator) AddContract(rec domain.ContractRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToUpper(rec.Symbol)
	s.contracts[key] = append(s.contracts[key], rec)
}

// EnableAutoContracts makes searches for unknown symbols return a single
// synthetic SMART-routed candidate.
func (s *Simulator) EnableAutoContracts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoContracts = true
}

// SetHistory fixes the bars History returns for conid.
func (s *Simulator) SetHistory(conid string, bars []domain.HistoryBar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[conid] = append([]domain.HistoryBar(nil), bars...)
}

// SetQuote fixes the bid and ask Snapshot reports for conid.
func (s *Simulator) SetQuote(conid string, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[conid] = [2]float64{bid, ask}
}

// SetHealthy controls what Health reports.
func (s *Simulator) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// FailInit makes InitSession return err.
func (s *Simulator) FailInit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initErr = err
}

// FailOrders makes PlaceOrder and CancelOrder return err.
func (s *Simulator) FailOrders(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderErr = err
}

// FailSearch makes SearchContract return err.
func (s *Simulator) FailSearch(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchErr = err
}

// FailHistory makes History return err.
func (s *Simulator) FailHistory(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyErr = err
}

// SetSearchDelay makes every search sleep for d first.
func (s *Simulator) SetSearchDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchDelay = d
}

// SearchCalls returns how many searches were served.
func (s *Simulator) SearchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchCalls
}

// InitCalls returns how many session inits were attempted.
func (s *Simulator) InitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls
}

// KeepAliveCalls returns how many keep-alives were received.
func (s *Simulator) KeepAliveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickleCalls
}

// HistoryCalls returns how many history fetches were served.
func (s *Simulator) HistoryCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyCalls
}

// Closed reports whether Close was called.
func (s *Simulator) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Subscribed reports whether conid has an active stream subscription.
func (s *Simulator) Subscribed(conid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[conid]
	return ok
}

// Order returns a placed order by backend id.
func (s *Simulator) Order(id string) (domain.OrderRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return o.req, ok
}

// Push enqueues a streaming update as if it came from the wire. Updates for
// conids without a subscription are discarded.
func (s *Simulator) Push(m domain.StreamMessage) {
	s.mu.Lock()
	_, ok := s.subs[m.ConID]
	if ok {
		if p, has := m.Fields[domain.FieldLast]; has {
			s.lastPrice[m.ConID] = p
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case s.updates <- m:
	default:
	}
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// InitSession succeeds unless FailInit was set.
func (s *Simulator) InitSession(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initCalls++
	s.closed = false
	return s.initErr
}

// Health returns the configured health.
func (s *Simulator) Health(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrNotConnected
	}
	return s.healthy, nil
}

// KeepAlive counts the call.
func (s *Simulator) KeepAlive(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickleCalls++
	return nil
}

// Accounts returns the configured accounts.
func (s *Simulator) Accounts(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.accounts...), nil
}

// AccountSummary returns a copy of account's summary.
func (s *Simulator) AccountSummary(_ context.Context, account string) (map[string]domain.AccountValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.AccountValue, len(s.summaries[account]))
	for k, v := range s.summaries[account] {
		out[k] = v
	}
	return out, nil
}

// Positions returns account's positions.
func (s *Simulator) Positions(_ context.Context, account string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0, len(s.positions[account]))
	for _, p := range s.positions[account] {
		out = append(out, p)
	}
	return out, nil
}

// SearchContract returns the registered candidates for symbol.
func (s *Simulator) SearchContract(ctx context.Context, symbol, secType string) ([]domain.ContractRecord, error) {
	s.mu.Lock()
	s.searchCalls++
	delay := s.searchDelay
	err := s.searchErr
	recs := append([]domain.ContractRecord(nil), s.contracts[strings.ToUpper(symbol)]...)
	auto := s.autoContracts
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 && auto {
		sym := strings.ToUpper(symbol)
		if secType == "" {
			secType = domain.SecTypeStock
		}
		recs = []domain.ContractRecord{{
			ConID:    fmt.Sprintf("%d", symbolHash(sym)%1000000+100000),
			Symbol:   sym,
			SecType:  secType,
			Exchange: domain.ExchangeSmart,
			Currency: "USD",
		}}
		s.AddContract(recs[0])
	}
	if len(recs) == 0 {
		return nil, ErrNoResults
	}
	return recs, nil
}

// PlaceOrder records req and fills market orders at the last known price.
func (s *Simulator) PlaceOrder(_ context.Context, account string, req domain.OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orderErr != nil {
		return "", s.orderErr
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive", ErrRejected)
	}
	s.nextOrder++
	id := fmt.Sprintf("SIM-%d", s.nextOrder)
	o := simOrder{account: account, req: req}
	if req.OrderType == "MKT" {
		s.fill(account, req)
		o.filled = true
	}
	s.orders[id] = o
	return id, nil
}

// fill applies an immediate execution. Caller holds s.mu.
func (s *Simulator) fill(account string, req domain.OrderRequest) {
	price := s.lastPrice[req.ConID]
	if price == 0 {
		if bars := s.history[req.ConID]; len(bars) > 0 {
			price = bars[len(bars)-1].Close
		}
	}
	qty := req.Quantity
	if req.Side == "SELL" {
		qty = -qty
	}
	if s.positions[account] == nil {
		s.positions[account] = make(map[string]domain.Position)
	}
	p := s.positions[account][req.ConID]
	p.ConID = req.ConID
	newSize := p.Size + qty
	switch {
	case newSize == 0:
		p.Price = 0
	case p.Size == 0 || (p.Size > 0) != (newSize > 0):
		p.Price = price
	case math.Abs(newSize) > math.Abs(p.Size):
		p.Price = (p.Price*math.Abs(p.Size) + price*math.Abs(qty)) / math.Abs(newSize)
	}
	p.Size = newSize
	s.positions[account][req.ConID] = p

	if sum := s.summaries[account]; sum != nil {
		cash := sum[domain.KeyTotalCashValue]
		cash.Amount -= qty * price
		sum[domain.KeyTotalCashValue] = cash
	}
}

// CancelOrder removes orderID.
func (s *Simulator) CancelOrder(_ context.Context, _ string, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orderErr != nil {
		return s.orderErr
	}
	if _, ok := s.orders[orderID]; !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNoResults)
	}
	delete(s.orders, orderID)
	return nil
}

// LiveOrders returns account's unfilled orders, oldest first.
func (s *Simulator) LiveOrders(_ context.Context, account string) ([]domain.LiveOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LiveOrder
	for id, o := range s.orders {
		if o.filled || o.account != account {
			continue
		}
		out = append(out, domain.LiveOrder{
			OrderID:   id,
			ConID:     o.req.ConID,
			Symbol:    o.req.Symbol,
			Side:      o.req.Side,
			OrderType: o.req.OrderType,
			TIF:       o.req.TIF,
			Status:    "Submitted",
			Quantity:  o.req.Quantity,
			Remaining: o.req.Quantity,
			Price:     o.req.Price,
			AuxPrice:  o.req.AuxPrice,
		})
	}
	sort.Slice(out, func(i, j int) bool { return simOrderSeq(out[i].OrderID) < simOrderSeq(out[j].OrderID) })
	return out, nil
}

func simOrderSeq(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, "SIM-"))
	return n
}

// Snapshot reports the last price (falling back to the last history close)
// and any quote set with SetQuote.
func (s *Simulator) Snapshot(_ context.Context, conid string, fields []string) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Snapshot{}, ErrNotConnected
	}
	last := s.lastPrice[conid]
	if last == 0 {
		if bars := s.history[conid]; len(bars) > 0 {
			last = bars[len(bars)-1].Close
		}
	}
	q, hasQuote := s.quotes[conid]
	snap := domain.Snapshot{ConID: conid, Time: time.Now(), Fields: make(map[string]float64, len(fields))}
	for _, f := range fields {
		switch {
		case f == domain.FieldLast && last != 0:
			snap.Fields[f] = last
		case f == domain.FieldBid && hasQuote:
			snap.Fields[f] = q[0]
		case f == domain.FieldAsk && hasQuote:
			snap.Fields[f] = q[1]
		}
	}
	return snap, nil
}

// History returns configured bars for conid, or a deterministic random walk
// spanning period when none were configured.
func (s *Simulator) History(_ context.Context, conid, period, barSize string, _ bool) ([]domain.HistoryBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyCalls++
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	if bars, ok := s.history[conid]; ok {
		return append([]domain.HistoryBar(nil), bars...), nil
	}
	return syntheticBars(conid, period, barSize), nil
}

// Close marks the client closed.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.streamOpen = false
	return nil
}

// ---------------------------------------------------------------------------
// Streamer
// ---------------------------------------------------------------------------

// Connect opens the simulated stream.
func (s *Simulator) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamOpen = true
	return nil
}

// Subscribe records a subscription.
func (s *Simulator) Subscribe(conid string, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streamOpen {
		return ErrNotConnected
	}
	s.subs[conid] = append([]string(nil), fields...)
	return nil
}

// Unsubscribe drops a subscription.
func (s *Simulator) Unsubscribe(conid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, conid)
	return nil
}

// Poll returns the next pushed update without blocking.
func (s *Simulator) Poll() (domain.StreamMessage, bool) {
	select {
	case m := <-s.updates:
		return m, true
	default:
		return domain.StreamMessage{}, false
	}
}

// ---------------------------------------------------------------------------
// Synthetic history
// ---------------------------------------------------------------------------

const maxSyntheticBars = 1000

func syntheticBars(conid, period, barSize string) []domain.HistoryBar {
	end := time.Now().UTC().Truncate(barDuration(barSize))
	start := periodStart(end, period)
	step := barDuration(barSize)
	n := int(end.Sub(start) / step)
	if n < 1 {
		n = 1
	}
	if n > maxSyntheticBars {
		n = maxSyntheticBars
	}

	seed := symbolHash(conid)
	price := 50 + float64(seed%200)
	bars := make([]domain.HistoryBar, n)
	for i := 0; i < n; i++ {
		// Deterministic pseudo-random walk (xorshift).
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		drift := (float64(seed%2001) - 1000) / 1000 * 0.02
		open := price
		price = math.Max(1, price*(1+drift))
		hi := math.Max(open, price) * 1.005
		lo := math.Min(open, price) * 0.995
		bars[i] = domain.HistoryBar{
			Time:   end.Add(-time.Duration(n-1-i) * step),
			Open:   open,
			High:   hi,
			Low:    lo,
			Close:  price,
			Volume: float64(1000 + seed%9000),
		}
	}
	return bars
}

func barDuration(barSize string) time.Duration {
	n, unit := splitSpan(barSize)
	switch unit {
	case "min":
		return time.Duration(n) * time.Minute
	case "h":
		return time.Duration(n) * time.Hour
	case "w":
		return time.Duration(n) * 7 * 24 * time.Hour
	default:
		return time.Duration(n) * 24 * time.Hour
	}
}

func symbolHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	v := h.Sum64()
	if v == 0 {
		v = 1
	}
	return v
}
