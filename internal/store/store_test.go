package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"brokerstore/internal/broker"
	"brokerstore/internal/config"
	"brokerstore/internal/domain"
	"brokerstore/internal/registry"
	"brokerstore/internal/session"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type recordingBroker struct {
	mu       sync.Mutex
	statuses []domain.OrderStatusEvent
	errs     []domain.ErrorEvent
	execs    []domain.ExecutionEvent
}

func (b *recordingBroker) PushOrderStatus(ev domain.OrderStatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, ev)
}

func (b *recordingBroker) PushOrderError(ev domain.ErrorEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, ev)
}

func (b *recordingBroker) PushExecution(ev domain.ExecutionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.execs = append(b.execs, ev)
}

type fakeFeed struct {
	mu        sync.Mutex
	reqs      int
	cancelled int
}

func (f *fakeFeed) ReqData(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs++
	return nil
}

func (f *fakeFeed) CancelData() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
}

type memArchive struct {
	mu   sync.Mutex
	bars []domain.Bar
}

func (a *memArchive) WriteBars(_ context.Context, bars []domain.Bar) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bars = append(a.bars, bars...)
	return nil
}

var aapl = domain.ContractRecord{ConID: "265598", Symbol: "AAPL", SecType: "STK", Exchange: "SMART", Currency: "USD"}

func newStore(t *testing.T, opts Options) (*Store, *broker.Simulator) {
	t.Helper()
	sim := broker.NewSimulator()
	sim.AddContract(aapl)
	if opts.ClientID == 0 {
		opts.ClientID = 7
	}
	opts.Session = session.Options{Reconnect: 1, PumpInterval: time.Millisecond, JoinTimeout: time.Second}
	return New(sim, sim, opts), sim
}

func startStore(t *testing.T, s *Store) {
	t.Helper()
	if !s.Start(context.Background()) {
		t.Fatal("Start failed")
	}
	t.Cleanup(s.Stop)
}

func drain(q *registry.Queue) []domain.Message {
	var out []domain.Message
	for {
		m, ok := q.TryGet()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func getWithin(t *testing.T, q *registry.Queue) domain.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return m
}

// ---------------------------------------------------------------------------
// Historical data
// ---------------------------------------------------------------------------

func TestHistoricalDataEndToEnd(t *testing.T) {
	arch := &memArchive{}
	s, sim := newStore(t, Options{Archive: arch})
	base := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	input := []domain.HistoryBar{
		{Time: base, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
		{Time: base.Add(time.Minute), Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 200},
		{Time: base.Add(2 * time.Minute), Open: 2, High: 3, Low: 1.5, Close: 2.5, Volume: 300},
	}
	sim.SetHistory(aapl.ConID, input)

	q := s.ReqHistoricalData(context.Background(), HistoricalRequest{
		Contract: domain.Contract{Symbol: "AAPL", SecType: "STK"},
		Duration: "1 D",
		BarSize:  "1 min",
	})

	msgs := drain(q)
	if len(msgs) != 4 {
		t.Fatalf("queue delivered %d messages, want 4", len(msgs))
	}
	id, ok := s.Registry().ID(q)
	if !ok || id < registry.BaseTickerID {
		t.Fatalf("queue id = %d, %v", id, ok)
	}
	for i, in := range input {
		bar, ok := msgs[i].(domain.HistoricalBar)
		if !ok {
			t.Fatalf("message %d is %T, want HistoricalBar", i, msgs[i])
		}
		want := domain.HistoricalBar{ReqID: id, Time: in.Time, Open: in.Open, High: in.High, Low: in.Low, Close: in.Close, Volume: in.Volume}
		if bar != want {
			t.Errorf("bar %d = %+v, want %+v", i, bar, want)
		}
	}
	end, ok := msgs[3].(domain.HistoricalEnd)
	if !ok || end.ReqID != id {
		t.Errorf("last message = %#v, want HistoricalEnd{%d}", msgs[3], id)
	}
	if end.Marker() != "finished-"+strconv.FormatInt(id, 10) {
		t.Errorf("Marker() = %q", end.Marker())
	}

	if len(arch.bars) != 3 || arch.bars[0].Symbol != "AAPL" || arch.bars[2].Close != 2.5 {
		t.Errorf("archived bars = %+v", arch.bars)
	}
}

func TestHistoricalDataUnresolved(t *testing.T) {
	s, _ := newStore(t, Options{})
	q := s.ReqHistoricalData(context.Background(), HistoricalRequest{Contract: domain.Contract{Symbol: "NOPE"}})
	msgs := drain(q)
	if len(msgs) != 1 || msgs[0] != nil {
		t.Errorf("unresolved request delivered %v, want one sentinel", msgs)
	}
	if s.ValidQueue(q) {
		t.Error("start queue is registered")
	}
	if n := s.GetNotifications(); len(n) != 1 || n[0].Level != "warning" {
		t.Errorf("notifications = %+v", n)
	}
	if n := s.GetNotifications(); len(n) != 0 {
		t.Errorf("notifications not drained: %+v", n)
	}
}

func TestHistoricalDataFetchFailure(t *testing.T) {
	s, sim := newStore(t, Options{})
	sim.FailHistory(errors.New("timeout"))
	q := s.ReqHistoricalData(context.Background(), HistoricalRequest{Contract: domain.Contract{Symbol: "AAPL"}})
	msgs := drain(q)
	if len(msgs) != 1 || msgs[0] != nil {
		t.Errorf("failed request delivered %v, want one sentinel", msgs)
	}
	if s.ValidQueue(q) {
		t.Error("failed request left its queue registered")
	}
}

func TestBackendVocabulary(t *testing.T) {
	bars := map[string]string{"1 min": "1min", "5 mins": "5min", "1 hour": "1h", "1 day": "1d", "2 secs": "1min"}
	for in, want := range bars {
		if got := BackendBarSize(in); got != want {
			t.Errorf("BackendBarSize(%q) = %q, want %q", in, got, want)
		}
	}
	durs := map[string]string{"1 D": "1d", "2 W": "2w", "6 M": "6m", "1 Y": "1y", "10 D": "10d", "4 Y": "4y"}
	for in, want := range durs {
		if got := BackendDuration(in); got != want {
			t.Errorf("BackendDuration(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHistoricalDataParallel(t *testing.T) {
	for _, parallel := range []bool{true, false} {
		s, sim := newStore(t, Options{ParallelRequests: parallel, MaxConcurrent: 2, RequestDelay: time.Millisecond})
		sim.AddContract(domain.ContractRecord{ConID: "272093", Symbol: "MSFT", SecType: "STK", Exchange: "SMART"})
		sim.SetHistory("265598", []domain.HistoryBar{{Close: 1}, {Close: 2}})
		sim.SetHistory("272093", []domain.HistoryBar{{Close: 3}})

		got, err := s.HistoricalDataParallel(context.Background(), []domain.Contract{
			{Symbol: "AAPL"}, {Symbol: "MSFT"}, {Symbol: "NOPE"},
		}, "1 M", "1 day")
		if err != nil {
			t.Fatalf("parallel=%v: %v", parallel, err)
		}
		if len(got) != 2 || len(got["AAPL"]) != 2 || len(got["MSFT"]) != 1 {
			t.Errorf("parallel=%v: result = %v", parallel, got)
		}
		if sim.HistoryCalls() != 2 {
			t.Errorf("parallel=%v: HistoryCalls() = %d, want 2", parallel, sim.HistoryCalls())
		}
	}
}

// ---------------------------------------------------------------------------
// Live market data
// ---------------------------------------------------------------------------

func TestMktDataRouting(t *testing.T) {
	s, sim := newStore(t, Options{})
	startStore(t, s)

	q := s.ReqMktData(context.Background(), domain.Contract{Symbol: "AAPL"}, "")
	if !s.ValidQueue(q) {
		t.Fatal("market data queue not registered")
	}
	if !sim.Subscribed(aapl.ConID) {
		t.Fatal("stream not subscribed")
	}
	id, _ := s.Registry().ID(q)

	ts := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	sim.Push(domain.StreamMessage{ConID: aapl.ConID, Time: ts, Fields: map[string]float64{
		domain.FieldLast: 150.25, domain.FieldSize: 10, domain.FieldVolume: 1000, domain.FieldVWAP: 150.1,
	}})

	tick, ok := getWithin(t, q).(domain.Tick)
	if !ok {
		t.Fatal("expected a Tick")
	}
	want := domain.Tick{ReqID: id, Time: ts, Price: 150.25, Size: 10, Volume: 1000, VWAP: 150.1}
	if tick != want {
		t.Errorf("tick = %+v, want %+v", tick, want)
	}

	s.CancelMktData(q)
	if m := getWithin(t, q); m != nil {
		t.Errorf("after cancel got %#v, want sentinel", m)
	}
	if s.ValidQueue(q) || sim.Subscribed(aapl.ConID) {
		t.Error("subscription survived CancelMktData")
	}
}

func TestMktDataCashModes(t *testing.T) {
	s, sim := newStore(t, Options{})
	sim.AddContract(domain.ContractRecord{ConID: "12087792", Symbol: "EUR", SecType: "CASH", Exchange: "IDEALPRO"})
	sim.AddContract(domain.ContractRecord{ConID: "15016059", Symbol: "GBP", SecType: "CASH", Exchange: "IDEALPRO"})
	startStore(t, s)
	ctx := context.Background()

	askQ := s.ReqMktData(ctx, domain.Contract{Symbol: "EUR", SecType: "CASH", Exchange: "IDEALPRO"}, "ASK")
	bidQ := s.ReqMktData(ctx, domain.Contract{Symbol: "GBP", SecType: "CASH", Exchange: "IDEALPRO"}, "BID")

	askID, _ := s.Registry().ID(askQ)
	bidID, _ := s.Registry().ID(bidQ)
	if s.Registry().Cash(askID) != registry.CashAsk || s.Registry().Cash(bidID) != registry.CashBid {
		t.Fatalf("cash modes = %v, %v", s.Registry().Cash(askID), s.Registry().Cash(bidID))
	}

	quote := map[string]float64{domain.FieldBid: 1.1, domain.FieldAsk: 1.2}
	sim.Push(domain.StreamMessage{ConID: "12087792", Fields: quote})
	sim.Push(domain.StreamMessage{ConID: "15016059", Fields: quote})

	ask := getWithin(t, askQ).(domain.Tick)
	if ask.Price != 1.2 || !ask.Single {
		t.Errorf("ask tick = %+v", ask)
	}
	bid := getWithin(t, bidQ).(domain.Tick)
	if bid.Price != 1.1 || !bid.Single {
		t.Errorf("bid tick = %+v", bid)
	}
}

func TestMktDataFailures(t *testing.T) {
	s, _ := newStore(t, Options{})

	// Unresolved contract.
	q := s.ReqMktData(context.Background(), domain.Contract{Symbol: "NOPE"}, "")
	if msgs := drain(q); len(msgs) != 1 || msgs[0] != nil {
		t.Errorf("unresolved: %v", msgs)
	}

	// Stream not connected: the subscription fails.
	q = s.ReqMktData(context.Background(), domain.Contract{Symbol: "AAPL"}, "")
	if msgs := drain(q); len(msgs) != 1 || msgs[0] != nil {
		t.Errorf("failed subscription: %v", msgs)
	}
	if s.ValidQueue(q) {
		t.Error("failed subscription left its queue registered")
	}
}

func TestBuildTickSkipsUnpriced(t *testing.T) {
	if _, ok := buildTick(1, registry.CashNone, domain.StreamMessage{Fields: map[string]float64{domain.FieldBid: 1}}); ok {
		t.Error("trade ticker accepted a quote-only update")
	}
	if _, ok := buildTick(1, registry.CashAsk, domain.StreamMessage{Fields: map[string]float64{domain.FieldBid: 1}}); ok {
		t.Error("ask ticker accepted an update without ask")
	}
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func TestPlaceAndCancelOrder(t *testing.T) {
	s, sim := newStore(t, Options{})
	sim.SetHistory(aapl.ConID, []domain.HistoryBar{{Close: 100}})
	b := &recordingBroker{}
	s.AttachBroker(b)
	startStore(t, s)
	ctx := context.Background()

	id := s.NextOrderID()
	s.PlaceOrder(ctx, id, domain.Contract{Symbol: "AAPL"}, domain.Order{Type: domain.OrderTypeLimit, Side: domain.OrderSideBuy, Qty: 5, LimitPrice: 99})

	if len(b.errs) != 0 {
		t.Fatalf("unexpected errors: %+v", b.errs)
	}
	if len(b.statuses) != 1 {
		t.Fatalf("got %d status events, want 1", len(b.statuses))
	}
	want := domain.OrderStatusEvent{OrderID: id, Status: domain.StatusSubmitted, Remaining: 5, ClientID: 7}
	if b.statuses[0] != want {
		t.Errorf("status = %+v, want %+v", b.statuses[0], want)
	}
	placed, ok := sim.Order("SIM-1")
	if !ok || placed.OrderType != "LMT" || placed.Price != 99 || placed.ConID != aapl.ConID {
		t.Errorf("placed order = %+v, %v", placed, ok)
	}
	if local, ok := s.LocalOrderID("SIM-1"); !ok || local != id {
		t.Errorf("LocalOrderID(SIM-1) = %d, %v, want %d", local, ok, id)
	}

	s.CancelOrder(ctx, id)
	if len(b.statuses) != 2 {
		t.Fatalf("got %d status events after cancel, want 2", len(b.statuses))
	}
	if got := b.statuses[1]; got.Status != domain.StatusCancelled || got.Remaining != 0 || got.OrderID != id {
		t.Errorf("cancel status = %+v", got)
	}
}

func TestPlaceOrderFailures(t *testing.T) {
	s, sim := newStore(t, Options{})
	b := &recordingBroker{}
	s.AttachBroker(b)
	startStore(t, s)
	ctx := context.Background()

	s.PlaceOrder(ctx, 1, domain.Contract{Symbol: "NOPE"}, domain.Order{Qty: 1})
	sim.FailOrders(errors.New("rejected by risk"))
	s.PlaceOrder(ctx, 2, domain.Contract{Symbol: "AAPL"}, domain.Order{Qty: 1})

	if len(b.statuses) != 0 {
		t.Errorf("unexpected status events: %+v", b.statuses)
	}
	if len(b.errs) != 2 {
		t.Fatalf("got %d error events, want 2", len(b.errs))
	}
	for i, ev := range b.errs {
		if ev.OrderID != int64(i+1) || ev.Code != domain.ErrCodeOrderRejected {
			t.Errorf("error event %d = %+v", i, ev)
		}
	}

	// Unknown ids are ignored.
	s.CancelOrder(ctx, 99)
	if len(b.statuses) != 0 || len(b.errs) != 2 {
		t.Error("cancel of unknown order produced events")
	}
}

func TestPlaceOrderGTDWithoutExpiry(t *testing.T) {
	s, sim := newStore(t, Options{})
	b := &recordingBroker{}
	s.AttachBroker(b)
	startStore(t, s)

	s.PlaceOrder(context.Background(), 4, domain.Contract{Symbol: "AAPL"},
		domain.Order{Type: domain.OrderTypeLimit, Side: domain.OrderSideBuy, Qty: 1, LimitPrice: 99, TIF: domain.TIFGTD})

	if len(b.statuses) != 0 {
		t.Errorf("unexpected status events: %+v", b.statuses)
	}
	if len(b.errs) != 1 || b.errs[0].OrderID != 4 || b.errs[0].Code != domain.ErrCodeOrderRejected {
		t.Fatalf("error events = %+v, want one rejection for order 4", b.errs)
	}
	if _, ok := sim.Order("SIM-1"); ok {
		t.Error("GTD order without expiry reached the backend")
	}
}

func TestPlaceOrderWithoutSessionFailsFast(t *testing.T) {
	s, sim := newStore(t, Options{})
	sim.FailInit(errors.New("gateway down"))
	b := &recordingBroker{}
	s.AttachBroker(b)
	if s.Start(context.Background()) {
		t.Fatal("Start succeeded")
	}
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	s.PlaceOrder(ctx, 5, domain.Contract{Symbol: "AAPL"}, domain.Order{Type: domain.OrderTypeMarket, Side: domain.OrderSideBuy, Qty: 1})
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("PlaceOrder took %v without a session", d)
	}

	if len(b.errs) != 1 {
		t.Fatalf("got %d error events, want 1", len(b.errs))
	}
	ev := b.errs[0]
	if ev.OrderID != 5 || ev.Code != domain.ErrCodeOrderRejected {
		t.Errorf("error event = %+v", ev)
	}
	if strings.Contains(ev.Message, context.DeadlineExceeded.Error()) {
		t.Errorf("error message %q reports a timeout", ev.Message)
	}
	if _, err := s.LiveOrders(ctx); !errors.Is(err, broker.ErrNotConnected) {
		t.Errorf("LiveOrders error = %v, want ErrNotConnected", err)
	}
}

func TestLiveOrdersCarryLocalIDs(t *testing.T) {
	s, sim := newStore(t, Options{})
	b := &recordingBroker{}
	s.AttachBroker(b)
	startStore(t, s)
	ctx := context.Background()

	id := s.NextOrderID()
	s.PlaceOrder(ctx, id, domain.Contract{Symbol: "AAPL"}, domain.Order{Type: domain.OrderTypeLimit, Side: domain.OrderSideBuy, Qty: 3, LimitPrice: 90})
	if _, err := sim.PlaceOrder(ctx, broker.DefaultSimAccount, domain.OrderRequest{ConID: aapl.ConID, OrderType: "LMT", Side: "SELL", Quantity: 1, Price: 120}); err != nil {
		t.Fatalf("external PlaceOrder: %v", err)
	}

	live, err := s.LiveOrders(ctx)
	if err != nil {
		t.Fatalf("LiveOrders: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("LiveOrders = %+v, want 2 orders", live)
	}
	if live[0].OrderID != "SIM-1" || live[0].LocalID != id || live[0].Remaining != 3 {
		t.Errorf("own order = %+v, want local id %d", live[0], id)
	}
	if live[1].OrderID != "SIM-2" || live[1].LocalID != 0 {
		t.Errorf("external order = %+v, want no local id", live[1])
	}
}

// ---------------------------------------------------------------------------
// Contracts and snapshots
// ---------------------------------------------------------------------------

func TestContractDetails(t *testing.T) {
	s, sim := newStore(t, Options{})
	sim.AddContract(domain.ContractRecord{ConID: "1", Symbol: "AAPL", SecType: "OPT", Exchange: "CBOE"})
	sim.AddContract(domain.ContractRecord{ConID: "38708077", Symbol: "AAPL", SecType: "STK", Exchange: "MEXI", Currency: "MXN"})
	ctx := context.Background()

	recs, err := s.ContractDetails(ctx, domain.Contract{Symbol: "aapl"})
	if err != nil {
		t.Fatalf("ContractDetails: %v", err)
	}
	if len(recs) != 2 || recs[0].ConID != aapl.ConID || recs[1].ConID != "38708077" {
		t.Errorf("ContractDetails = %+v, want both STK candidates in order", recs)
	}
	if c, ok := s.Contracts().Contract("38708077"); !ok || c.Currency != "MXN" {
		t.Errorf("Contract(38708077) = %+v, %v", c, ok)
	}

	if _, err := s.ContractDetails(ctx, domain.Contract{Symbol: "NOPE"}); !errors.Is(err, broker.ErrNoResults) {
		t.Errorf("ContractDetails(NOPE) error = %v, want ErrNoResults", err)
	}
}

func TestSnapshot(t *testing.T) {
	s, sim := newStore(t, Options{})
	sim.SetHistory(aapl.ConID, []domain.HistoryBar{{Close: 101}})
	sim.SetQuote(aapl.ConID, 100.9, 101.1)
	startStore(t, s)
	ctx := context.Background()

	snap, err := s.Snapshot(ctx, domain.Contract{Symbol: "AAPL"}, nil)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.ConID != aapl.ConID || snap.Last() != 101 || snap.Bid() != 100.9 || snap.Ask() != 101.1 {
		t.Errorf("Snapshot = %+v", snap)
	}

	snap, err = s.Snapshot(ctx, domain.Contract{Symbol: "AAPL"}, []string{domain.FieldBid})
	if err != nil || len(snap.Fields) != 1 || snap.Bid() != 100.9 {
		t.Errorf("Snapshot(bid) = %+v, %v", snap, err)
	}

	if _, err := s.Snapshot(ctx, domain.Contract{Symbol: "NOPE"}, nil); err == nil {
		t.Error("Snapshot of an unknown contract succeeded")
	}
}

// ---------------------------------------------------------------------------
// Account and positions
// ---------------------------------------------------------------------------

func TestAccountAccessors(t *testing.T) {
	s, sim := newStore(t, Options{})
	sim.SetSummary(broker.DefaultSimAccount, domain.KeyTotalCashValue, 2500, "USD")
	sim.SetPosition(broker.DefaultSimAccount, domain.Position{ConID: aapl.ConID, Size: 10, Price: 150})
	startStore(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.ReqAccountUpdates(ctx); err != nil {
		t.Fatalf("ReqAccountUpdates: %v", err)
	}
	if v := s.GetAccValue(ctx, ""); v != 100000 {
		t.Errorf("GetAccValue() = %v, want 100000", v)
	}
	if v := s.GetAccCash(ctx, broker.DefaultSimAccount); v != 2500 {
		t.Errorf("GetAccCash() = %v, want 2500", v)
	}
	if p := s.GetPosition(ctx, domain.Contract{Symbol: "AAPL"}); p.Size != 10 || p.Price != 150 {
		t.Errorf("GetPosition(AAPL) = %+v", p)
	}
	if p := s.GetPosition(ctx, domain.Contract{Symbol: "NOPE"}); p.Size != 0 {
		t.Errorf("GetPosition(NOPE) = %+v, want flat", p)
	}
	if !s.Connected(ctx) {
		t.Error("Connected() = false")
	}
}

func TestStartFailureNotifies(t *testing.T) {
	s, sim := newStore(t, Options{})
	sim.FailInit(errors.New("gateway down"))
	if s.Start(context.Background()) {
		t.Fatal("Start succeeded")
	}
	if n := s.GetNotifications(); len(n) != 1 || n[0].Level != "error" {
		t.Errorf("notifications = %+v", n)
	}
	// Stop after a failed start must not block or panic.
	s.Stop()
}

// ---------------------------------------------------------------------------
// Collaborators and queues
// ---------------------------------------------------------------------------

func TestStartAndStopDatas(t *testing.T) {
	s, _ := newStore(t, Options{})
	f1, f2 := &fakeFeed{}, &fakeFeed{}
	if q := s.AttachData(f1); len(drain(q)) != 1 {
		t.Error("AttachData did not return a terminated queue")
	}
	s.AttachData(f2)

	if !s.Reconnect(context.Background(), true) {
		t.Fatal("Reconnect failed")
	}
	defer s.Stop()
	if f1.reqs != 1 || f2.reqs != 1 {
		t.Errorf("ReqData calls = %d, %d, want 1, 1", f1.reqs, f2.reqs)
	}

	_, q1 := s.GetTickerQueue(false)
	_, q2 := s.GetTickerQueue(false)
	s.StopDatas()
	if f1.cancelled != 1 || f2.cancelled != 1 {
		t.Errorf("CancelData calls = %d, %d", f1.cancelled, f2.cancelled)
	}
	for i, q := range []*registry.Queue{q1, q2} {
		if msgs := drain(q); len(msgs) != 1 || msgs[0] != nil {
			t.Errorf("queue %d got %v, want one sentinel", i, msgs)
		}
	}
}

func TestFactories(t *testing.T) {
	var gotContract domain.Contract
	b := &recordingBroker{}
	s, _ := newStore(t, Options{
		NewBroker: func(*Store) Broker { return b },
		NewData: func(_ *Store, c domain.Contract) DataFeed {
			gotContract = c
			return &fakeFeed{}
		},
	})
	if s.GetBroker() != Broker(b) {
		t.Error("GetBroker did not return the factory broker")
	}
	if s.currentBroker() != Broker(b) {
		t.Error("GetBroker did not attach the broker")
	}
	if s.GetData(domain.Contract{Symbol: "AAPL"}) == nil || gotContract.Symbol != "AAPL" {
		t.Error("GetData did not use the factory")
	}
	if len(s.dataFeeds()) != 1 {
		t.Errorf("attached feeds = %d, want 1", len(s.dataFeeds()))
	}

	bare, _ := newStore(t, Options{})
	if bare.GetBroker() != nil || bare.GetData(domain.Contract{}) != nil {
		t.Error("factories absent but collaborators returned")
	}
}

func TestTickerQueues(t *testing.T) {
	s, _ := newStore(t, Options{})

	id, q := s.GetTickerQueue(true)
	if id != 0 || q.Len() != 1 || s.ValidQueue(q) {
		t.Errorf("start queue: id=%d len=%d valid=%v", id, q.Len(), s.ValidQueue(q))
	}

	id, q = s.GetTickerQueue(false)
	if id != registry.BaseTickerID || !s.ValidQueue(q) {
		t.Errorf("first ticker = %d, valid=%v", id, s.ValidQueue(q))
	}
	newID, same, ok := s.ReuseQueue(id)
	if !ok || same != q || newID <= id {
		t.Errorf("ReuseQueue(%d) = %d, %v", id, newID, ok)
	}
	s.CancelQueue(q, true)
	if s.ValidQueue(q) {
		t.Error("queue valid after CancelQueue")
	}
	if msgs := drain(q); len(msgs) != 1 || msgs[0] != nil {
		t.Errorf("cancelled queue got %v", msgs)
	}
}

func TestClientID(t *testing.T) {
	s, _ := newStore(t, Options{ClientID: 42})
	if s.ClientID() != 42 {
		t.Errorf("ClientID() = %d, want 42", s.ClientID())
	}
	sim := broker.NewSimulator()
	r := New(sim, sim, Options{})
	if id := r.ClientID(); id < 1 || id > 65535 {
		t.Errorf("random ClientID() = %d, want 1..65535", id)
	}
}

func TestMakeContract(t *testing.T) {
	stk := MakeContract("AAPL", "STK", "SMART", "USD", "20250620", 150, "C", "")
	if stk.Expiry != "" || stk.Strike != 0 || stk.Right != "" {
		t.Errorf("stock carries derivative fields: %+v", stk)
	}
	fut := MakeContract("ES", "FUT", "CME", "USD", "202509", 5000, "C", "50")
	if fut.Expiry != "202509" || fut.Strike != 0 || fut.Multiplier != "50" {
		t.Errorf("future = %+v", fut)
	}
	opt := MakeContract("AAPL", "OPT", "SMART", "USD", "20250620", 150, "C", "100")
	if opt.Expiry != "20250620" || opt.Strike != 150 || opt.Right != "C" {
		t.Errorf("option = %+v", opt)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.IBKR.AccountID = "DU123"
	cfg.Store.EnableTickler = true
	opts := OptionsFromConfig(cfg)

	if opts.AccountID != "DU123" || opts.MaxConcurrent != 10 || opts.RequestDelay != 100*time.Millisecond {
		t.Errorf("options = %+v", opts)
	}
	if opts.Session.PollInterval != 30*time.Second || opts.Session.PumpInterval != 10*time.Millisecond || !opts.Session.Tickler {
		t.Errorf("session options = %+v", opts.Session)
	}
	if !opts.Contracts.Cache {
		t.Error("contract cache disabled by default")
	}
	if opts.Historical.Duration != "1 Y" || opts.Historical.BarSize != "1 day" {
		t.Errorf("history defaults = %+v", opts.Historical)
	}
}
