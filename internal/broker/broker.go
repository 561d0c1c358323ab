// Package broker defines the downstream backend clients the store drives:
// a request/response Client for sessions, accounts, contracts, orders and
// history, and a Streamer for live market data.
package broker

import (
	"context"
	"errors"

	"brokerstore/internal/domain"
)

// Sentinel errors shared by every backend.
var (
	// ErrNotConnected is returned when a call needs a session that is not
	// established.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrNoResults is returned when a lookup matched nothing.
	ErrNoResults = errors.New("broker: no results")

	// ErrRejected is returned when the backend refused a request.
	ErrRejected = errors.New("broker: request rejected")
)

// Client abstracts the REST side of a brokerage backend.
type Client interface {
	// Name returns the backend identifier (e.g. "ibkr", "alpaca", "simulator").
	Name() string

	// InitSession establishes the brokerage session.
	InitSession(ctx context.Context) error

	// Health performs a lightweight round-trip and reports whether the
	// session is usable.
	Health(ctx context.Context) (bool, error)

	// KeepAlive pings the backend so an idle session is not dropped.
	KeepAlive(ctx context.Context) error

	// Accounts lists the managed account ids.
	Accounts(ctx context.Context) ([]string, error)

	// AccountSummary returns the summary table of one account keyed by
	// canonical key name (NetLiquidation, TotalCashValue, ...).
	AccountSummary(ctx context.Context, account string) (map[string]domain.AccountValue, error)

	// Positions returns the open positions of one account.
	Positions(ctx context.Context, account string) ([]domain.Position, error)

	// SearchContract returns candidate instruments for symbol, in backend
	// order.
	SearchContract(ctx context.Context, symbol, secType string) ([]domain.ContractRecord, error)

	// PlaceOrder submits an order and returns the backend order id.
	PlaceOrder(ctx context.Context, account string, req domain.OrderRequest) (string, error)

	// CancelOrder requests cancellation of an open order by backend id.
	CancelOrder(ctx context.Context, account, orderID string) error

	// LiveOrders lists the working orders of one account.
	LiveOrders(ctx context.Context, account string) ([]domain.LiveOrder, error)

	// Snapshot returns a one-off quote for conid carrying the requested
	// field codes. Fields the backend did not report are absent.
	Snapshot(ctx context.Context, conid string, fields []string) (domain.Snapshot, error)

	// History fetches bars for conid. period and barSize use the backend
	// vocabulary ("1d", "1w", "1y" / "1min", "1h", "1d").
	History(ctx context.Context, conid, period, barSize string, outsideRTH bool) ([]domain.HistoryBar, error)

	// Close releases client resources.
	Close() error
}

// Streamer abstracts a live market-data stream keyed by conid.
type Streamer interface {
	// Connect opens the stream.
	Connect(ctx context.Context) error

	// Subscribe starts updates for conid carrying the given field codes.
	Subscribe(conid string, fields []string) error

	// Unsubscribe stops updates for conid.
	Unsubscribe(conid string) error

	// Poll returns the next buffered update without blocking.
	Poll() (domain.StreamMessage, bool)

	// Close shuts the stream down.
	Close() error
}
