package domain

import (
	"fmt"
	"time"
)

// Message is a value delivered on a ticker queue. A nil Message is the
// end-of-stream sentinel.
type Message interface {
	TickerID() int64
}

// Tick is a real-time volume record built from a streaming update.
type Tick struct {
	ReqID  int64
	Time   time.Time
	Price  float64
	Size   float64
	Volume float64
	VWAP   float64
	Bid    float64
	Ask    float64
	Single bool
}

// TickerID implements Message.
func (t Tick) TickerID() int64 { return t.ReqID }

// HistoricalBar is one replayed bar of a historical data request.
type HistoricalBar struct {
	ReqID   int64
	Time    time.Time
	Open    float64
	High    float64
	Low     float64
	Close   float64
	Volume  float64
	Count   int64
	WAP     float64
	HasGaps bool
}

// TickerID implements Message.
func (b HistoricalBar) TickerID() int64 { return b.ReqID }

// HistoricalEnd marks the end of a historical replay.
type HistoricalEnd struct {
	ReqID int64
}

// TickerID implements Message.
func (e HistoricalEnd) TickerID() int64 { return e.ReqID }

// Marker returns the textual end marker ("finished-<id>").
func (e HistoricalEnd) Marker() string {
	return fmt.Sprintf("finished-%d", e.ReqID)
}

// ---------------------------------------------------------------------------
// Broker events
// ---------------------------------------------------------------------------

// Backend order status strings carried by OrderStatusEvent.
const (
	StatusSubmitted       = "Submitted"
	StatusPreSubmitted    = "PreSubmitted"
	StatusPendingSubmit   = "PendingSubmit"
	StatusFilled          = "Filled"
	StatusPartiallyFilled = "PartiallyFilled"
	StatusCancelled       = "Cancelled"
	StatusPendingCancel   = "PendingCancel"
	StatusRejected        = "Rejected"
	StatusInactive        = "Inactive"
)

// ErrCodeOrderRejected is the error code reported for failed placements.
const ErrCodeOrderRejected = 201

// OrderStatusEvent reports a change in an order's backend status.
type OrderStatusEvent struct {
	OrderID       int64
	Status        string
	Filled        float64
	Remaining     float64
	AvgFillPrice  float64
	LastFillPrice float64
	PermID        int64
	ParentID      int64
	ClientID      int
	WhyHeld       string
}

// ExecutionEvent reports a (partial) fill.
type ExecutionEvent struct {
	OrderID    int64
	ExecID     string
	Shares     float64
	Price      float64
	Commission float64
	Time       time.Time
}

// ErrorEvent reports a failed order operation.
type ErrorEvent struct {
	OrderID int64
	Code    int
	Message string
}

// Notification is a store-level notice for the framework.
type Notification struct {
	Time    time.Time
	Level   string
	Message string
}
