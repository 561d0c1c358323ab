// Package session owns the lifecycle of a backend connection: session
// initialization, the stream pump, the account/position poller and the
// signals account readers wait on.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"brokerstore/internal/broker"
	"brokerstore/internal/domain"
	"brokerstore/internal/util"
)

// State is the connection state of a Manager.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Manager. Zero durations take the defaults below.
type Options struct {
	Reconnect    int           // session init attempts before giving up
	RetryDelay   time.Duration // first backoff between attempts
	PumpInterval time.Duration // sleep between empty stream polls
	PollInterval time.Duration // account/position refresh cadence
	JoinTimeout  time.Duration // bounded wait for background tasks on Stop
	Tickler      bool          // call KeepAlive from the poller
	TicklerEvery time.Duration // minimum spacing between keep-alives; 0 means every cycle
	AccountID    string        // designated account for cash/value reads
	Debug        bool
}

const (
	defaultPumpInterval = 10 * time.Millisecond
	defaultPollInterval = 30 * time.Second
	defaultJoinTimeout  = time.Second
)

// Handler receives every streaming update the pump drains.
type Handler func(domain.StreamMessage)

// Manager connects a broker.Client and broker.Streamer and keeps account
// and position snapshots fresh. A connection failure trips a latch after
// which Connect always reports false; recovery needs a new Manager.
type Manager struct {
	client  broker.Client
	stream  broker.Streamer
	handler Handler
	opts    Options
	log     *slog.Logger

	state         atomic.Int32
	dontReconnect atomic.Bool
	running       atomic.Bool

	connMu     sync.Mutex // serializes Connect
	mu         sync.Mutex // lifecycle: cancel, wg, signals
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	managed    *Signal
	downloaded *Signal
	stopped    bool

	accMu    sync.RWMutex
	accounts []string
	value    map[string]float64
	cash     map[string]float64
	upds     map[string]map[string]map[string]float64 // account -> key -> currency -> amount

	posMu     sync.RWMutex
	positions map[string]domain.Position // conid -> position
}

// New creates a Manager. handler may be nil.
func New(client broker.Client, stream broker.Streamer, handler Handler, opts Options) *Manager {
	if opts.PumpInterval <= 0 {
		opts.PumpInterval = defaultPumpInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Manager{
		client:     client,
		stream:     stream,
		handler:    handler,
		opts:       opts,
		log:        util.Component("session"),
		managed:    NewSignal(),
		downloaded: NewSignal(),
		value:      make(map[string]float64),
		cash:       make(map[string]float64),
		upds:       make(map[string]map[string]map[string]float64),
		positions:  make(map[string]domain.Position),
	}
}

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// DontReconnect reports whether the failure latch has tripped.
func (m *Manager) DontReconnect() bool { return m.dontReconnect.Load() }

// Running reports whether the background tasks are active.
func (m *Manager) Running() bool { return m.running.Load() }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect opens the backend session and stream, starts the pump and poller
// and fetches the managed accounts. It returns false once the latch has
// tripped or when this attempt fails, in which case the latch trips.
// Concurrent callers are serialized; the losers see the winner's result.
func (m *Manager) Connect(ctx context.Context) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.dontReconnect.Load() {
		return false
	}
	if m.State() == Connected {
		return true
	}
	m.state.Store(int32(Connecting))

	err := util.Retry(ctx, m.opts.Reconnect, m.opts.RetryDelay, func() error {
		return m.client.InitSession(ctx)
	})
	if err == nil {
		err = m.stream.Connect(ctx)
	}
	if err != nil {
		m.log.Error("connection failed", "backend", m.client.Name(), "error", err)
		m.dontReconnect.Store(true)
		m.state.Store(int32(Disconnected))
		return false
	}

	m.mu.Lock()
	if m.stopped {
		// Signals forced by an earlier Stop must block again.
		m.managed = NewSignal()
		m.downloaded = NewSignal()
		m.stopped = false
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running.Store(true)
	m.wg.Add(2)
	m.mu.Unlock()

	m.updateManagedAccounts(ctx)

	go m.pump(runCtx)
	go m.poll(runCtx)

	m.state.Store(int32(Connected))
	m.log.Info("connected", "backend", m.client.Name())
	return true
}

// Stop tears the connection down. It closes the stream and then the
// client, waits a bounded time for the background tasks and finally sets
// both account signals so no reader stays blocked.
func (m *Manager) Stop() {
	m.running.Store(false)

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	managed, downloaded := m.managed, m.downloaded
	m.stopped = true
	m.mu.Unlock()

	if dc, ok := m.stream.(dropCounter); ok {
		if n := dc.Dropped(); n > 0 {
			m.log.Warn("stream updates dropped on a full buffer", "dropped", n)
		}
	}
	if err := m.stream.Close(); err != nil {
		m.log.Debug("closing stream", "error", err)
	}
	if err := m.client.Close(); err != nil {
		m.log.Debug("closing client", "error", err)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.opts.JoinTimeout):
		m.log.Warn("background tasks did not stop in time", "timeout", m.opts.JoinTimeout)
	}

	managed.Set()
	downloaded.Set()
	m.state.Store(int32(Disconnected))
}

// dropCounter is implemented by streamers that discard updates when their
// buffer is full.
type dropCounter interface {
	Dropped() int64
}

// Connected performs a health round trip.
func (m *Manager) Connected(ctx context.Context) bool {
	if m.State() != Connected {
		return false
	}
	ok, err := m.client.Health(ctx)
	if err != nil {
		m.logFailure("health check failed", "error", err)
		return false
	}
	return ok
}

func (m *Manager) signals() (managed, downloaded *Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.managed, m.downloaded
}

// ---------------------------------------------------------------------------
// Background tasks
// ---------------------------------------------------------------------------

func (m *Manager) pump(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.opts.PumpInterval)
	defer t.Stop()
	for m.running.Load() {
		for {
			msg, ok := m.stream.Poll()
			if !ok {
				break
			}
			if m.handler != nil {
				m.handler(msg)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (m *Manager) poll(ctx context.Context) {
	defer m.wg.Done()
	var lastTickle time.Time
	for m.running.Load() {
		managed, _ := m.signals()
		if !managed.IsSet() {
			m.updateManagedAccounts(ctx)
		}
		if err := m.refresh(ctx); err != nil && m.running.Load() {
			m.logFailure("account update failed", "error", err)
		}
		if m.opts.Tickler && time.Since(lastTickle) >= m.opts.TicklerEvery {
			lastTickle = time.Now()
			if err := m.client.KeepAlive(ctx); err != nil && m.running.Load() {
				m.logFailure("keep-alive failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.PollInterval):
		}
	}
}

func (m *Manager) updateManagedAccounts(ctx context.Context) {
	accts, err := m.client.Accounts(ctx)
	if err != nil {
		m.logFailure("listing managed accounts", "error", err)
		return
	}
	if len(accts) == 0 {
		return
	}
	m.accMu.Lock()
	m.accounts = accts
	m.accMu.Unlock()

	managed, _ := m.signals()
	managed.Set()
}

// refresh reloads summaries and positions of every managed account. The
// downloaded signal is set after the first pass without errors.
func (m *Manager) refresh(ctx context.Context) error {
	accts := m.ManagedAccountsNow()
	var firstErr error

	for _, acct := range accts {
		sum, err := m.client.AccountSummary(ctx, acct)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("summary %s: %w", acct, err)
			}
			continue
		}
		m.accMu.Lock()
		if m.upds[acct] == nil {
			m.upds[acct] = make(map[string]map[string]float64)
		}
		for key, v := range sum {
			switch key {
			case domain.KeyNetLiquidation:
				m.value[acct] = v.Amount
			case domain.KeyTotalCashValue:
				m.cash[acct] = v.Amount
			}
			if m.upds[acct][key] == nil {
				m.upds[acct][key] = make(map[string]float64)
			}
			m.upds[acct][key][v.Currency] = v.Amount
		}
		m.accMu.Unlock()
	}

	for _, acct := range accts {
		pos, err := m.client.Positions(ctx, acct)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("positions %s: %w", acct, err)
			}
			continue
		}
		m.posMu.Lock()
		for _, p := range pos {
			m.positions[p.ConID] = p
		}
		m.posMu.Unlock()
	}

	if firstErr == nil && len(accts) > 0 {
		_, downloaded := m.signals()
		downloaded.Set()
	}
	return firstErr
}

// ---------------------------------------------------------------------------
// Account access
// ---------------------------------------------------------------------------

// ManagedAccounts waits for the account list and returns it.
func (m *Manager) ManagedAccounts(ctx context.Context) ([]string, error) {
	managed, _ := m.signals()
	if err := managed.Wait(ctx); err != nil {
		return nil, err
	}
	return m.ManagedAccountsNow(), nil
}

// ManagedAccountsNow returns the account list known so far.
func (m *Manager) ManagedAccountsNow() []string {
	m.accMu.RLock()
	defer m.accMu.RUnlock()
	return append([]string(nil), m.accounts...)
}

// ReqAccountUpdates waits for the managed accounts, forces one refresh and
// marks account data as downloaded.
func (m *Manager) ReqAccountUpdates(ctx context.Context) error {
	managed, downloaded := m.signals()
	if err := managed.Wait(ctx); err != nil {
		return err
	}
	if m.running.Load() {
		if err := m.refresh(ctx); err != nil {
			m.logFailure("account update failed", "error", err)
		}
	}
	downloaded.Set()
	return nil
}

// AccValue returns the net liquidation value of account. With no account
// the designated account is used, or the sum over all managed accounts.
func (m *Manager) AccValue(ctx context.Context, account string) (float64, error) {
	return m.accAmount(ctx, account, func() map[string]float64 { return m.value })
}

// AccCash returns the total cash value, resolved like AccValue.
func (m *Manager) AccCash(ctx context.Context, account string) (float64, error) {
	return m.accAmount(ctx, account, func() map[string]float64 { return m.cash })
}

func (m *Manager) accAmount(ctx context.Context, account string, table func() map[string]float64) (float64, error) {
	managed, downloaded := m.signals()
	connected := m.State() == Connected
	if connected {
		if err := downloaded.Wait(ctx); err != nil {
			return 0, err
		}
	}
	if account == "" {
		account = m.opts.AccountID
	}
	if account == "" && connected {
		if err := managed.Wait(ctx); err != nil {
			return 0, err
		}
	}

	m.accMu.RLock()
	defer m.accMu.RUnlock()
	t := table()
	if account == "" {
		switch len(m.accounts) {
		case 0:
			return 0, nil
		case 1:
			account = m.accounts[0]
		default:
			var total float64
			for _, v := range t {
				total += v
			}
			return total, nil
		}
	}
	return t[account], nil
}

// AccountValues returns a copy of account's key -> currency -> amount table.
func (m *Manager) AccountValues(account string) map[string]map[string]float64 {
	m.accMu.RLock()
	defer m.accMu.RUnlock()
	out := make(map[string]map[string]float64, len(m.upds[account]))
	for k, byCur := range m.upds[account] {
		c := make(map[string]float64, len(byCur))
		for cur, v := range byCur {
			c[cur] = v
		}
		out[k] = c
	}
	return out
}

// Position returns the cached position for conid; a missing position is
// flat.
func (m *Manager) Position(conid string) domain.Position {
	m.posMu.RLock()
	defer m.posMu.RUnlock()
	if p, ok := m.positions[conid]; ok {
		return p
	}
	return domain.Position{ConID: conid}
}

// Positions returns a copy of all cached positions.
func (m *Manager) Positions() map[string]domain.Position {
	m.posMu.RLock()
	defer m.posMu.RUnlock()
	out := make(map[string]domain.Position, len(m.positions))
	for k, v := range m.positions {
		out[k] = v
	}
	return out
}

func (m *Manager) logFailure(msg string, args ...any) {
	if m.opts.Debug {
		m.log.Info(msg, args...)
		return
	}
	m.log.Debug(msg, args...)
}
