package store

import (
	"context"
	"errors"
	"fmt"

	"brokerstore/internal/broker"
	"brokerstore/internal/domain"
	"brokerstore/internal/orders"
	"brokerstore/internal/session"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// PlaceOrder submits order o on contract c under local id. Success is
// reported to the broker as a Submitted status event; any failure as an
// ErrorEvent with code 201.
func (s *Store) PlaceOrder(ctx context.Context, id int64, c domain.Contract, o domain.Order) {
	conid, ok := s.contracts.Resolve(ctx, c)
	if !ok {
		s.pushError(id, fmt.Sprintf("could not resolve contract %s", c.Symbol))
		return
	}
	account, err := s.orderAccount(ctx)
	if err != nil {
		s.pushError(id, fmt.Sprintf("no account for order: %v", err))
		return
	}

	req, err := orders.BuildRequest(conid, c, o, s.orders.ClientOrderID(id))
	if err != nil {
		s.pushError(id, err.Error())
		return
	}
	remote, err := s.client.PlaceOrder(ctx, account, req)
	if err != nil {
		s.pushError(id, err.Error())
		return
	}
	s.orders.Record(id, remote)

	s.pushStatus(domain.OrderStatusEvent{
		OrderID:   id,
		Status:    domain.StatusSubmitted,
		Remaining: o.Qty,
		ClientID:  s.clientID,
	})
}

// CancelOrder cancels the order with local id. Unknown ids are logged and
// ignored.
func (s *Store) CancelOrder(ctx context.Context, id int64) {
	remote, ok := s.orders.RemoteFor(id)
	if !ok {
		s.logFailure("cancel: unknown order id", "order", id)
		return
	}
	account, err := s.orderAccount(ctx)
	if err != nil {
		s.logFailure("cancel: no account", "order", id, "error", err)
		return
	}
	if err := s.client.CancelOrder(ctx, account, remote); err != nil {
		s.logFailure("order cancellation failed", "order", id, "remote", remote, "error", err)
		return
	}
	s.pushStatus(domain.OrderStatusEvent{
		OrderID:  id,
		Status:   domain.StatusCancelled,
		ClientID: s.clientID,
	})
}

// LiveOrders returns the backend's working orders, tagged with their local
// ids where this store placed them.
func (s *Store) LiveOrders(ctx context.Context) ([]domain.LiveOrder, error) {
	account, err := s.orderAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("live orders: %w", err)
	}
	live, err := s.client.LiveOrders(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("live orders: %w", err)
	}
	for i := range live {
		if id, ok := s.orders.LocalFor(live[i].OrderID); ok {
			live[i].LocalID = id
		}
	}
	return live, nil
}

// LocalOrderID maps a backend order id back to the local id.
func (s *Store) LocalOrderID(remote string) (int64, bool) {
	return s.orders.LocalFor(remote)
}

// orderAccount returns the account orders go to. It never waits on a
// session that is not connected.
func (s *Store) orderAccount(ctx context.Context) (string, error) {
	if s.sess.State() != session.Connected {
		return "", broker.ErrNotConnected
	}
	if s.opts.AccountID != "" {
		return s.opts.AccountID, nil
	}
	accts, err := s.sess.ManagedAccounts(ctx)
	if err != nil {
		return "", err
	}
	if len(accts) == 0 {
		return "", fmt.Errorf("no managed accounts")
	}
	return accts[0], nil
}

func (s *Store) pushStatus(ev domain.OrderStatusEvent) {
	if b := s.currentBroker(); b != nil {
		b.PushOrderStatus(ev)
		return
	}
	s.logFailure("order status without broker", "order", ev.OrderID, "status", ev.Status)
}

func (s *Store) pushError(id int64, msg string) {
	ev := domain.ErrorEvent{OrderID: id, Code: domain.ErrCodeOrderRejected, Message: msg}
	s.logFailure("order failed", "order", id, "error", msg)
	if b := s.currentBroker(); b != nil {
		b.PushOrderError(ev)
	}
}

// ---------------------------------------------------------------------------
// Account and positions
// ---------------------------------------------------------------------------

// ReqAccountUpdates forces an account refresh once the managed accounts are
// known.
func (s *Store) ReqAccountUpdates(ctx context.Context) error {
	return s.sess.ReqAccountUpdates(ctx)
}

// GetAccCash returns the cash of account, or the designated or summed total
// when account is empty. A cancelled wait yields 0.
func (s *Store) GetAccCash(ctx context.Context, account string) float64 {
	v, err := s.sess.AccCash(ctx, account)
	if err != nil {
		s.logFailure("account cash unavailable", "error", err)
	}
	return v
}

// GetAccValue returns the net liquidation value, resolved like GetAccCash.
func (s *Store) GetAccValue(ctx context.Context, account string) float64 {
	v, err := s.sess.AccValue(ctx, account)
	if err != nil {
		s.logFailure("account value unavailable", "error", err)
	}
	return v
}

// GetPosition returns the cached position held in c; unresolvable
// contracts are flat.
func (s *Store) GetPosition(ctx context.Context, c domain.Contract) domain.Position {
	conid, ok := s.contracts.Resolve(ctx, c)
	if !ok {
		return domain.Position{}
	}
	return s.sess.Position(conid)
}

// ---------------------------------------------------------------------------
// Contracts
// ---------------------------------------------------------------------------

// ContractDetails returns every candidate the backend lists for c, in
// backend order, filtered to c's security type.
func (s *Store) ContractDetails(ctx context.Context, c domain.Contract) ([]domain.ContractRecord, error) {
	recs, err := s.contracts.Details(ctx, c)
	if err != nil {
		s.logFailure("contract details unavailable", "symbol", c.Symbol, "error", err)
		return nil, err
	}
	return recs, nil
}

// defaultSnapshotFields are last, bid and ask.
var defaultSnapshotFields = []string{domain.FieldLast, domain.FieldBid, domain.FieldAsk}

// Snapshot fetches a one-off quote for c. Nil fields request last, bid and
// ask.
func (s *Store) Snapshot(ctx context.Context, c domain.Contract, fields []string) (domain.Snapshot, error) {
	conid, ok := s.contracts.Resolve(ctx, c)
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("snapshot %s: %w", c.Symbol, errUnresolved)
	}
	if len(fields) == 0 {
		fields = defaultSnapshotFields
	}
	snap, err := s.client.Snapshot(ctx, conid, fields)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot %s: %w", c.Symbol, err)
	}
	return snap, nil
}

var errUnresolved = errors.New("contract not resolved")

// MakeContract builds a framework contract. Expiry applies to futures and
// options; strike and right to options only.
func MakeContract(symbol, secType, exchange, currency, expiry string, strike float64, right, multiplier string) domain.Contract {
	c := domain.Contract{
		Symbol:     symbol,
		SecType:    secType,
		Exchange:   exchange,
		Currency:   currency,
		Multiplier: multiplier,
	}
	switch secType {
	case domain.SecTypeFuture, domain.SecTypeOption, domain.SecTypeFOP:
		c.Expiry = expiry
	}
	switch secType {
	case domain.SecTypeOption, domain.SecTypeFOP:
		c.Strike = strike
		c.Right = right
	}
	return c
}
