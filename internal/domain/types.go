// Package domain defines the core types shared by the store, its backend
// clients, and the framework-side collaborators (engine, feeds, strategies).
package domain

import "time"

// ---------------------------------------------------------------------------
// Contracts
// ---------------------------------------------------------------------------

// Security types understood by the store.
const (
	SecTypeStock  = "STK"
	SecTypeCash   = "CASH"
	SecTypeCFD    = "CFD"
	SecTypeFuture = "FUT"
	SecTypeOption = "OPT"
	SecTypeFOP    = "FOP"
)

// ExchangeSmart is the generic "best available routing" exchange.
const ExchangeSmart = "SMART"

// Contract describes an instrument the way the trading framework sees it.
// All identifiers are plain text.
type Contract struct {
	ConID      string
	Symbol     string
	SecType    string
	Exchange   string
	Currency   string
	Expiry     string
	Strike     float64
	Right      string
	Multiplier string
}

// IsCash reports whether the contract is quoted as a cash/CFD market, which
// streams bid/ask instead of trades.
func (c Contract) IsCash() bool {
	return c.SecType == SecTypeCash || c.SecType == SecTypeCFD
}

// ContractRecord is the descriptive record a backend returns from a contract
// search.
type ContractRecord struct {
	ConID       string
	Symbol      string
	SecType     string
	Exchange    string
	Currency    string
	Description string
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Market identifies a trading venue region.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// Bar is a single OHLCV bar as consumed by strategies.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	TradeCount int64
	VWAP       float64
}

// Trade is a single trade print.
type Trade struct {
	Symbol    string
	Timestamp time.Time
	Price     float64
	Size      float64
	Exchange  string
	ID        string
}

// HistoryBar is a bar as returned by a backend history call, before it is
// turned into a queue message.
type HistoryBar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// StreamMessage is a raw streaming market-data update keyed by conid. Fields
// holds backend field codes ("31" last, "84" bid, "86" ask, ...) mapped to
// values.
type StreamMessage struct {
	ConID  string
	Time   time.Time
	Fields map[string]float64
}

// Market-data field codes carried in StreamMessage.Fields.
const (
	FieldLast   = "31"
	FieldSize   = "32"
	FieldBid    = "84"
	FieldAsk    = "86"
	FieldVolume = "7295"
	FieldVWAP   = "7633"
)

// Snapshot is a one-off market-data quote for a conid.
type Snapshot struct {
	ConID  string
	Time   time.Time
	Fields map[string]float64
}

// Last returns the last traded price, or zero.
func (s Snapshot) Last() float64 { return s.Fields[FieldLast] }

// Bid returns the best bid, or zero.
func (s Snapshot) Bid() float64 { return s.Fields[FieldBid] }

// Ask returns the best ask, or zero.
func (s Snapshot) Ask() float64 { return s.Fields[FieldAsk] }

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFGTD TimeInForce = "GTD"
)

// OrderStatus is the framework-side lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order is a framework order. ID is the local order id assigned by the store.
type Order struct {
	ID             int64
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Status         OrderStatus
	Qty            float64
	LimitPrice     float64
	StopPrice      float64
	TIF            TimeInForce
	GoodTill       time.Time
	ParentID       int64
	Transmit       bool
	FilledQty      float64
	FilledAvgPrice float64
	Commission     float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderRequest is the payload submitted to a backend.
type OrderRequest struct {
	ConID         string
	Symbol        string
	SecType       string
	ClientOrderID string
	OrderType     string // MKT, LMT, STP, STP LMT
	Side          string // BUY, SELL
	TIF           string
	Quantity      float64
	Price         float64
	AuxPrice      float64
	GoodTill      time.Time // set for GTD only
}

// LiveOrder is a working order as the backend reports it. LocalID is zero
// for orders placed outside this process.
type LiveOrder struct {
	OrderID   string
	LocalID   int64
	ConID     string
	Symbol    string
	Side      string
	OrderType string
	TIF       string
	Status    string
	Quantity  float64
	Filled    float64
	Remaining float64
	Price     float64
	AuxPrice  float64
}

// ---------------------------------------------------------------------------
// Account and positions
// ---------------------------------------------------------------------------

// PositionSide is the direction of a position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is the held size and average price for one instrument.
type Position struct {
	ConID string
	Size  float64
	Price float64
}

// Side returns the direction implied by the position size.
func (p Position) Side() PositionSide {
	if p.Size < 0 {
		return PositionSideShort
	}
	return PositionSideLong
}

// AccountValue is one entry of an account summary.
type AccountValue struct {
	Amount   float64
	Currency string
}

// Account summary keys the store tracks.
const (
	KeyNetLiquidation = "NetLiquidation"
	KeyTotalCashValue = "TotalCashValue"
)

// AccountInfo is a point-in-time account snapshot used by risk checks.
type AccountInfo struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// SignalType is the action a strategy recommends.
type SignalType string

const (
	SignalTypeBuy  SignalType = "buy"
	SignalTypeSell SignalType = "sell"
)

// Signal is a trading recommendation emitted by a strategy.
type Signal struct {
	ID         int64
	StrategyID string
	Symbol     string
	Type       SignalType
	Strength   float64
	Metadata   map[string]string
	CreatedAt  time.Time
}
