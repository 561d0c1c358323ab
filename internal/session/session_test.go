package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"brokerstore/internal/broker"
	"brokerstore/internal/domain"
)

func fastOpts() Options {
	return Options{
		Reconnect:    2,
		RetryDelay:   time.Millisecond,
		PumpInterval: time.Millisecond,
		JoinTimeout:  time.Second,
	}
}

func timeoutCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSignal(t *testing.T) {
	s := NewSignal()
	if s.IsSet() {
		t.Fatal("new signal is set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait on unset signal = %v, want deadline exceeded", err)
	}
	s.Set()
	s.Set()
	if !s.IsSet() {
		t.Error("signal not set after Set")
	}
	if err := s.Wait(context.Background()); err != nil {
		t.Errorf("Wait after Set = %v", err)
	}
}

func TestStateString(t *testing.T) {
	if Connected.String() != "connected" || Disconnected.String() != "disconnected" || Connecting.String() != "connecting" {
		t.Error("unexpected state names")
	}
}

func TestConnectFailureTripsLatch(t *testing.T) {
	sim := broker.NewSimulator()
	sim.FailInit(errors.New("gateway down"))
	m := New(sim, sim, nil, fastOpts())

	if m.Connect(context.Background()) {
		t.Fatal("Connect succeeded with failing init")
	}
	if got := sim.InitCalls(); got != 2 {
		t.Errorf("InitCalls() = %d, want 2 attempts", got)
	}
	if !m.DontReconnect() {
		t.Error("latch not tripped")
	}
	if m.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}

	sim.FailInit(nil)
	if m.Connect(context.Background()) {
		t.Error("Connect succeeded after latch tripped")
	}
	if got := sim.InitCalls(); got != 2 {
		t.Errorf("InitCalls() = %d after latched Connect, want 2", got)
	}
}

func TestConnectAndAccountValue(t *testing.T) {
	sim := broker.NewSimulator()
	m := New(sim, sim, nil, fastOpts())
	ctx := timeoutCtx(t)
	if !m.Connect(ctx) {
		t.Fatal("Connect failed")
	}
	defer m.Stop()

	if m.State() != Connected || !m.Running() {
		t.Errorf("State() = %v, Running() = %v", m.State(), m.Running())
	}
	if !m.Connected(ctx) {
		t.Error("Connected() = false")
	}

	v, err := m.AccValue(ctx, "")
	if err != nil {
		t.Fatalf("AccValue: %v", err)
	}
	if v != 100000 {
		t.Errorf("AccValue() = %v, want 100000", v)
	}

	// Later reads come from the cache without waiting for another refresh.
	sim.SetSummary(broker.DefaultSimAccount, domain.KeyNetLiquidation, 1, "USD")
	start := time.Now()
	v, err = m.AccValue(ctx, "")
	if err != nil || v != 100000 {
		t.Errorf("cached AccValue() = %v, %v, want 100000", v, err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("cached AccValue blocked")
	}

	vals := m.AccountValues(broker.DefaultSimAccount)
	if vals[domain.KeyTotalCashValue]["USD"] != 100000 {
		t.Errorf("AccountValues() = %v", vals)
	}
}

func TestAccountTotalsAcrossAccounts(t *testing.T) {
	sim := broker.NewSimulator()
	sim.SetAccounts("A", "B")
	sim.SetSummary("A", domain.KeyNetLiquidation, 10, "USD")
	sim.SetSummary("A", domain.KeyTotalCashValue, 1, "USD")
	sim.SetSummary("B", domain.KeyNetLiquidation, 20, "USD")
	sim.SetSummary("B", domain.KeyTotalCashValue, 2, "USD")

	m := New(sim, sim, nil, fastOpts())
	ctx := timeoutCtx(t)
	if !m.Connect(ctx) {
		t.Fatal("Connect failed")
	}
	defer m.Stop()

	if v, _ := m.AccValue(ctx, ""); v != 30 {
		t.Errorf("AccValue(all) = %v, want 30", v)
	}
	if v, _ := m.AccCash(ctx, ""); v != 3 {
		t.Errorf("AccCash(all) = %v, want 3", v)
	}
	if v, _ := m.AccValue(ctx, "A"); v != 10 {
		t.Errorf("AccValue(A) = %v, want 10", v)
	}

	accts, err := m.ManagedAccounts(ctx)
	if err != nil || len(accts) != 2 {
		t.Errorf("ManagedAccounts() = %v, %v", accts, err)
	}
}

func TestDesignatedAccount(t *testing.T) {
	sim := broker.NewSimulator()
	sim.SetAccounts("A", "B")
	sim.SetSummary("A", domain.KeyTotalCashValue, 1, "USD")
	sim.SetSummary("B", domain.KeyTotalCashValue, 2, "USD")

	opts := fastOpts()
	opts.AccountID = "B"
	m := New(sim, sim, nil, opts)
	ctx := timeoutCtx(t)
	if !m.Connect(ctx) {
		t.Fatal("Connect failed")
	}
	defer m.Stop()

	if v, _ := m.AccCash(ctx, ""); v != 2 {
		t.Errorf("AccCash() = %v, want 2 from designated account", v)
	}
}

func TestStopReleasesWaiters(t *testing.T) {
	sim := broker.NewSimulator()
	sim.SetAccounts() // the account list never arrives
	m := New(sim, sim, nil, fastOpts())
	if !m.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}

	errc := make(chan error, 2)
	go func() {
		_, err := m.ManagedAccounts(context.Background())
		errc <- err
	}()
	go func() {
		_, err := m.AccValue(context.Background(), "")
		errc <- err
	}()

	select {
	case <-errc:
		t.Fatal("waiter returned before Stop")
	case <-time.After(50 * time.Millisecond):
	}

	m.Stop()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("waiter error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter still blocked after Stop")
		}
	}

	if m.Running() || m.State() != Disconnected {
		t.Errorf("after Stop: Running() = %v, State() = %v", m.Running(), m.State())
	}
	if !sim.Closed() {
		t.Error("client not closed")
	}
	if m.Connected(context.Background()) {
		t.Error("Connected() = true after Stop")
	}
}

func TestReconnectAfterStop(t *testing.T) {
	sim := broker.NewSimulator()
	m := New(sim, sim, nil, fastOpts())
	ctx := timeoutCtx(t)
	if !m.Connect(ctx) {
		t.Fatal("Connect failed")
	}
	m.Stop()

	if !m.Connect(ctx) {
		t.Fatal("reconnect failed")
	}
	defer m.Stop()
	if _, err := m.ManagedAccounts(ctx); err != nil {
		t.Errorf("ManagedAccounts after reconnect: %v", err)
	}
	if sim.InitCalls() != 2 {
		t.Errorf("InitCalls() = %d, want 2", sim.InitCalls())
	}
}

func TestPumpDeliversStreamUpdates(t *testing.T) {
	sim := broker.NewSimulator()
	got := make(chan domain.StreamMessage, 1)
	m := New(sim, sim, func(msg domain.StreamMessage) { got <- msg }, fastOpts())
	if !m.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}
	defer m.Stop()

	if err := sim.Subscribe("42", []string{domain.FieldLast}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sim.Push(domain.StreamMessage{ConID: "42", Fields: map[string]float64{domain.FieldLast: 9.5}})

	select {
	case msg := <-got:
		if msg.ConID != "42" || msg.Fields[domain.FieldLast] != 9.5 {
			t.Errorf("handler got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump never delivered the update")
	}
}

func TestPositionsAndReqAccountUpdates(t *testing.T) {
	sim := broker.NewSimulator()
	m := New(sim, sim, nil, fastOpts())
	ctx := timeoutCtx(t)
	if !m.Connect(ctx) {
		t.Fatal("Connect failed")
	}
	defer m.Stop()

	sim.SetPosition(broker.DefaultSimAccount, domain.Position{ConID: "42", Size: 3, Price: 9})
	if err := m.ReqAccountUpdates(ctx); err != nil {
		t.Fatalf("ReqAccountUpdates: %v", err)
	}
	if p := m.Position("42"); p.Size != 3 || p.Price != 9 {
		t.Errorf("Position(42) = %+v", p)
	}
	if p := m.Position("99"); p.Size != 0 || p.ConID != "99" {
		t.Errorf("Position(99) = %+v, want flat", p)
	}
	if len(m.Positions()) != 1 {
		t.Errorf("Positions() = %v", m.Positions())
	}
}

func TestTickler(t *testing.T) {
	sim := broker.NewSimulator()
	opts := fastOpts()
	opts.Tickler = true
	opts.PollInterval = 5 * time.Millisecond
	m := New(sim, sim, nil, opts)
	if !m.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for sim.KeepAliveCalls() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("KeepAliveCalls() = %d, want >= 2", sim.KeepAliveCalls())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gatedClient holds AccountSummary until gate is closed and slows
// InitSession down by initDelay.
type gatedClient struct {
	*broker.Simulator
	gate      chan struct{}
	initDelay time.Duration
}

func (g *gatedClient) InitSession(ctx context.Context) error {
	time.Sleep(g.initDelay)
	return g.Simulator.InitSession(ctx)
}

func (g *gatedClient) AccountSummary(ctx context.Context, account string) (map[string]domain.AccountValue, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Simulator.AccountSummary(ctx, account)
}

func TestAccValueWaitsForFirstDownload(t *testing.T) {
	sim := broker.NewSimulator()
	client := &gatedClient{Simulator: sim, gate: make(chan struct{})}
	m := New(client, sim, nil, fastOpts())
	ctx := timeoutCtx(t)
	if !m.Connect(ctx) {
		t.Fatal("Connect failed")
	}
	defer m.Stop()

	type result struct {
		v   float64
		err error
	}
	got := make(chan result, 1)
	go func() {
		v, err := m.AccValue(ctx, "")
		got <- result{v, err}
	}()

	select {
	case r := <-got:
		t.Fatalf("AccValue returned %v, %v before the first summary arrived", r.v, r.err)
	case <-time.After(50 * time.Millisecond):
	}

	close(client.gate)
	select {
	case r := <-got:
		if r.err != nil || r.v != 100000 {
			t.Errorf("AccValue() = %v, %v, want 100000", r.v, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("AccValue still blocked after the summary arrived")
	}
}

func TestConcurrentConnectInitializesOnce(t *testing.T) {
	sim := broker.NewSimulator()
	client := &gatedClient{Simulator: sim, gate: make(chan struct{}), initDelay: 20 * time.Millisecond}
	close(client.gate)
	m := New(client, sim, nil, fastOpts())
	ctx := timeoutCtx(t)

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Connect(ctx)
		}(i)
	}
	wg.Wait()
	defer m.Stop()

	for i, ok := range results {
		if !ok {
			t.Errorf("Connect #%d = false", i)
		}
	}
	if got := sim.InitCalls(); got != 1 {
		t.Errorf("InitCalls() = %d, want 1", got)
	}
}

func TestConnectedReportsUnhealthy(t *testing.T) {
	sim := broker.NewSimulator()
	m := New(sim, sim, nil, fastOpts())
	ctx := timeoutCtx(t)
	if !m.Connect(ctx) {
		t.Fatal("Connect failed")
	}
	defer m.Stop()

	sim.SetHealthy(false)
	if m.Connected(ctx) {
		t.Error("Connected() = true with an unhealthy backend")
	}
	sim.SetHealthy(true)
	if !m.Connected(ctx) {
		t.Error("Connected() = false after recovery")
	}
}

type droppingStream struct {
	*broker.Simulator
	dropped int64
}

func (d *droppingStream) Dropped() int64 { return d.dropped }

func TestStopReportsDroppedUpdates(t *testing.T) {
	sim := broker.NewSimulator()
	stream := &droppingStream{Simulator: sim, dropped: 3}
	m := New(sim, stream, nil, fastOpts())
	var buf bytes.Buffer
	m.log = slog.New(slog.NewTextHandler(&buf, nil))

	if !m.Connect(timeoutCtx(t)) {
		t.Fatal("Connect failed")
	}
	m.Stop()

	if out := buf.String(); !strings.Contains(out, "dropped=3") {
		t.Errorf("log output %q does not report the dropped updates", out)
	}
}
