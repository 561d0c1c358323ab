// Package engine is the framework-side broker: it creates orders, runs
// pre-trade risk checks, submits through the store and keeps each order's
// state current from the events the store pushes back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"brokerstore/internal/domain"
	"brokerstore/internal/store"
	"brokerstore/internal/util"
)

// Compile-time interface check.
var _ store.Broker = (*Engine)(nil)

// ErrNotStarted is returned by Start when the store failed to connect.
var ErrNotStarted = errors.New("store did not start")

// Journal persists order events. archive.SQLiteJournal satisfies it.
type Journal interface {
	RecordStatus(ctx context.Context, ev domain.OrderStatusEvent) error
	RecordError(ctx context.Context, ev domain.ErrorEvent) error
	RecordExecution(ctx context.Context, ev domain.ExecutionEvent) error
}

// Options configures an Engine.
type Options struct {
	Journal  Journal
	OrderQty float64 // size used for strategy signals; defaults to 1
	Clock    func() time.Time

	// Calendar, when set, resets the daily loss baseline at the first order
	// of each new session date.
	Calendar *util.TradingCalendar
}

// OrderOptions shapes a single Buy or Sell.
type OrderOptions struct {
	Type domain.OrderType // market when empty

	// Price is the limit price for limit orders and the trigger for stop and
	// stop-limit orders. Limit is the limit of a stop-limit order.
	Price float64
	Limit float64

	// Valid makes the order good-till-date; TIF picks DAY or GTC otherwise.
	Valid time.Time
	TIF   domain.TimeInForce

	// RefPrice prices market orders for the risk check.
	RefPrice float64
}

// Engine orchestrates the trading lifecycle by delegating execution to the
// store and pre-trade checks to a risk manager.
type Engine struct {
	store   *store.Store
	risk    *RiskManager
	journal Journal
	opts    Options
	log     *slog.Logger

	mu     sync.Mutex
	orders map[int64]*domain.Order
	notifs []domain.Order

	acctMu        sync.Mutex
	startingCash  float64
	startingValue float64
	cash          float64
	value         float64
	day           time.Time
}

// NewEngine creates a new Engine wired to s. risk may be nil.
func NewEngine(s *store.Store, risk *RiskManager, opts Options) *Engine {
	if opts.OrderQty <= 0 {
		opts.OrderQty = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:   s,
		risk:    risk,
		journal: opts.Journal,
		opts:    opts,
		log:     util.Component("engine"),
		orders:  make(map[int64]*domain.Order),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle and account
// ---------------------------------------------------------------------------

// Start attaches the engine to the store as its broker, connects, and
// snapshots the starting cash and value.
func (e *Engine) Start(ctx context.Context) error {
	e.store.AttachBroker(e)
	if !e.store.Start(ctx) {
		return ErrNotStarted
	}
	if !e.store.Connected(ctx) {
		return nil
	}
	if err := e.store.ReqAccountUpdates(ctx); err != nil {
		return fmt.Errorf("requesting account updates: %w", err)
	}
	cash := e.store.GetAccCash(ctx, "")
	value := e.store.GetAccValue(ctx, "")

	e.acctMu.Lock()
	e.startingCash, e.cash = cash, cash
	e.startingValue, e.value = value, value
	if e.opts.Calendar != nil {
		e.day = e.opts.Calendar.SessionDate(e.opts.Clock())
	}
	e.acctMu.Unlock()

	if e.risk != nil {
		e.risk.StartDay(value)
	}
	e.log.Info("engine started", "cash", cash, "value", value)
	return nil
}

// Stop disconnects the store.
func (e *Engine) Stop() {
	e.store.Stop()
}

// Cash refreshes and returns the account cash.
func (e *Engine) Cash(ctx context.Context) float64 {
	v := e.store.GetAccCash(ctx, "")
	e.acctMu.Lock()
	e.cash = v
	e.acctMu.Unlock()
	return v
}

// Value refreshes and returns the account net liquidation value.
func (e *Engine) Value(ctx context.Context) float64 {
	v := e.store.GetAccValue(ctx, "")
	e.acctMu.Lock()
	e.value = v
	e.acctMu.Unlock()
	return v
}

// StartingCash returns the cash seen at Start.
func (e *Engine) StartingCash() float64 {
	e.acctMu.Lock()
	defer e.acctMu.Unlock()
	return e.startingCash
}

// StartingValue returns the value seen at Start.
func (e *Engine) StartingValue() float64 {
	e.acctMu.Lock()
	defer e.acctMu.Unlock()
	return e.startingValue
}

// Position returns the position held in c.
func (e *Engine) Position(ctx context.Context, c domain.Contract) domain.Position {
	return e.store.GetPosition(ctx, c)
}

// ---------------------------------------------------------------------------
// Order entry
// ---------------------------------------------------------------------------

// Buy creates and submits a buy order for qty units of c.
func (e *Engine) Buy(ctx context.Context, c domain.Contract, qty float64, o OrderOptions) (domain.Order, error) {
	return e.submit(ctx, c, e.createOrder(c, domain.OrderSideBuy, qty, o), o.RefPrice)
}

// Sell creates and submits a sell order for qty units of c.
func (e *Engine) Sell(ctx context.Context, c domain.Contract, qty float64, o OrderOptions) (domain.Order, error) {
	return e.submit(ctx, c, e.createOrder(c, domain.OrderSideSell, qty, o), o.RefPrice)
}

// createOrder maps order options onto a framework order. Negative sizes
// are taken by magnitude; the side carries the direction.
func (e *Engine) createOrder(c domain.Contract, side domain.OrderSide, qty float64, o OrderOptions) *domain.Order {
	if qty < 0 {
		qty = -qty
	}
	now := e.opts.Clock()
	order := &domain.Order{
		ID:        e.store.NextOrderID(),
		Symbol:    c.Symbol,
		Side:      side,
		Type:      o.Type,
		Status:    domain.OrderStatusCreated,
		Qty:       qty,
		TIF:       domain.TIFDay,
		Transmit:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if order.Type == "" {
		order.Type = domain.OrderTypeMarket
	}
	switch order.Type {
	case domain.OrderTypeLimit:
		order.LimitPrice = o.Price
	case domain.OrderTypeStop:
		order.StopPrice = o.Price
	case domain.OrderTypeStopLimit:
		order.StopPrice = o.Price
		order.LimitPrice = o.Limit
	}
	switch {
	case !o.Valid.IsZero():
		order.TIF = domain.TIFGTD
		order.GoodTill = o.Valid
	case o.TIF == domain.TIFGTC:
		order.TIF = domain.TIFGTC
	}
	return order
}

func (e *Engine) submit(ctx context.Context, c domain.Contract, order *domain.Order, refPrice float64) (domain.Order, error) {
	if e.risk != nil {
		e.rollDay(ctx)
		e.Cash(ctx)
		e.Value(ctx)
		price := refPrice
		if order.LimitPrice > 0 {
			price = order.LimitPrice
		} else if order.StopPrice > 0 {
			price = order.StopPrice
		}
		e.acctMu.Lock()
		acct := &domain.AccountInfo{Equity: e.value, Cash: e.cash, BuyingPower: e.cash}
		e.acctMu.Unlock()
		if err := e.risk.CheckOrder(ctx, order, price, acct); err != nil {
			order.Status = domain.OrderStatusRejected
			e.track(order)
			e.notify(order)
			return *order, err
		}
	}

	e.track(order)
	// Events for this order may arrive on this goroutine before PlaceOrder
	// returns; the lock is not held across the call.
	e.store.PlaceOrder(ctx, order.ID, c, *order)

	snap, _ := e.Order(order.ID)
	return snap, nil
}

// rollDay moves the daily loss baseline to the current value when the
// session date changed since the last order.
func (e *Engine) rollDay(ctx context.Context) {
	if e.opts.Calendar == nil {
		return
	}
	day := e.opts.Calendar.SessionDate(e.opts.Clock())
	e.acctMu.Lock()
	changed := !e.day.IsZero() && !day.Equal(e.day)
	e.day = day
	e.acctMu.Unlock()
	if !changed {
		return
	}
	v := e.Value(ctx)
	e.risk.StartDay(v)
	e.log.Info("new trading day", "date", day.Format(time.DateOnly), "equity", v)
}

// Cancel requests cancellation of an open order. Already cancelled or
// unknown orders are ignored.
func (e *Engine) Cancel(ctx context.Context, id int64) {
	o, ok := e.Order(id)
	if !ok || o.Status == domain.OrderStatusCancelled {
		return
	}
	e.store.CancelOrder(ctx, id)
}

// Signal turns a strategy signal into a market order of the configured
// size, priced at price for the risk check.
func (e *Engine) Signal(ctx context.Context, c domain.Contract, sig domain.Signal, price float64) error {
	o := OrderOptions{RefPrice: price}
	var err error
	switch sig.Type {
	case domain.SignalTypeBuy:
		_, err = e.Buy(ctx, c, e.opts.OrderQty, o)
	case domain.SignalTypeSell:
		_, err = e.Sell(ctx, c, e.opts.OrderQty, o)
	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
	return err
}

// ---------------------------------------------------------------------------
// Order book
// ---------------------------------------------------------------------------

func (e *Engine) track(o *domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[o.ID] = o
}

// Order returns a snapshot of the order with local id.
func (e *Engine) Order(id int64) (domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// OrderStatus returns the framework status of order id.
func (e *Engine) OrderStatus(id int64) (domain.OrderStatus, bool) {
	o, ok := e.Order(id)
	return o.Status, ok
}

// OpenOrders returns snapshots of orders that are neither done nor
// rejected.
func (e *Engine) OpenOrders() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Order
	for _, o := range e.orders {
		switch o.Status {
		case domain.OrderStatusCompleted, domain.OrderStatusCancelled,
			domain.OrderStatusExpired, domain.OrderStatusRejected:
			continue
		}
		out = append(out, *o)
	}
	return out
}

func (e *Engine) notify(o *domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifs = append(e.notifs, *o)
}

// Notifications drains the order snapshots recorded on every state change,
// oldest first.
func (e *Engine) Notifications() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.notifs
	e.notifs = nil
	return out
}

// ---------------------------------------------------------------------------
// store.Broker
// ---------------------------------------------------------------------------

// statusMap translates backend order statuses. Unknown statuses map to
// rejected.
var statusMap = map[string]domain.OrderStatus{
	domain.StatusSubmitted:       domain.OrderStatusSubmitted,
	domain.StatusPreSubmitted:    domain.OrderStatusSubmitted,
	domain.StatusPendingSubmit:   domain.OrderStatusSubmitted,
	domain.StatusFilled:          domain.OrderStatusCompleted,
	domain.StatusPartiallyFilled: domain.OrderStatusPartial,
	domain.StatusCancelled:       domain.OrderStatusCancelled,
	domain.StatusPendingCancel:   domain.OrderStatusCancelled,
	domain.StatusRejected:        domain.OrderStatusRejected,
	domain.StatusInactive:        domain.OrderStatusRejected,
}

// MapStatus returns the framework status for a backend status string.
func MapStatus(status string) domain.OrderStatus {
	if s, ok := statusMap[status]; ok {
		return s
	}
	return domain.OrderStatusRejected
}

// PushOrderStatus applies a status event to the matching order.
func (e *Engine) PushOrderStatus(ev domain.OrderStatusEvent) {
	e.record(func(ctx context.Context) error { return e.journal.RecordStatus(ctx, ev) })

	e.mu.Lock()
	o, ok := e.orders[ev.OrderID]
	if !ok {
		e.mu.Unlock()
		e.log.Debug("status for unknown order", "order", ev.OrderID, "status", ev.Status)
		return
	}
	o.Status = MapStatus(ev.Status)
	if ev.Filled > 0 {
		o.FilledQty = ev.Filled
	}
	if ev.AvgFillPrice > 0 {
		o.FilledAvgPrice = ev.AvgFillPrice
	}
	o.UpdatedAt = e.opts.Clock()
	e.notifs = append(e.notifs, *o)
	e.mu.Unlock()
}

// PushOrderError marks the matching order rejected.
func (e *Engine) PushOrderError(ev domain.ErrorEvent) {
	e.record(func(ctx context.Context) error { return e.journal.RecordError(ctx, ev) })

	e.mu.Lock()
	o, ok := e.orders[ev.OrderID]
	if !ok {
		e.mu.Unlock()
		e.log.Debug("error for unknown order", "order", ev.OrderID, "code", ev.Code)
		return
	}
	o.Status = domain.OrderStatusRejected
	o.UpdatedAt = e.opts.Clock()
	e.notifs = append(e.notifs, *o)
	e.mu.Unlock()
	e.log.Warn("order rejected", "order", ev.OrderID, "code", ev.Code, "message", ev.Message)
}

// PushExecution accumulates a fill into the matching order.
func (e *Engine) PushExecution(ev domain.ExecutionEvent) {
	e.record(func(ctx context.Context) error { return e.journal.RecordExecution(ctx, ev) })

	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[ev.OrderID]
	if !ok {
		e.log.Debug("execution for unknown order", "order", ev.OrderID, "exec", ev.ExecID)
		return
	}
	if filled := o.FilledQty + ev.Shares; filled > 0 {
		o.FilledAvgPrice = (o.FilledAvgPrice*o.FilledQty + ev.Price*ev.Shares) / filled
		o.FilledQty = filled
	}
	o.Commission += ev.Commission
	if o.Qty-o.FilledQty <= 0 {
		o.Status = domain.OrderStatusCompleted
	} else {
		o.Status = domain.OrderStatusPartial
	}
	o.UpdatedAt = e.opts.Clock()
	e.notifs = append(e.notifs, *o)
}

func (e *Engine) record(write func(context.Context) error) {
	if e.journal == nil {
		return
	}
	if err := write(context.Background()); err != nil {
		e.log.Warn("journaling order event failed", "error", err)
	}
}
