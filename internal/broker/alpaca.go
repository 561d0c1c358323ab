package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"

	"brokerstore/internal/domain"
)

// Compile-time interface checks.
var (
	_ Client   = (*AlpacaClient)(nil)
	_ Streamer = (*AlpacaStreamer)(nil)
)

// AlpacaOptions configures the Alpaca backend.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string
	DataURL   string
	StreamURL string
	Feed      string // "iex" or "sip"
}

// AlpacaClient implements Client on the Alpaca trading and market-data APIs.
// Alpaca has no numeric contract ids, so the ticker symbol doubles as conid.
type AlpacaClient struct {
	trading *alpaca.Client
	data    *marketdata.Client
	feed    string
	log     *slog.Logger
}

// NewAlpacaClient creates an AlpacaClient.
func NewAlpacaClient(opts AlpacaOptions) *AlpacaClient {
	dataOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		dataOpts.BaseURL = opts.DataURL
	}
	return &AlpacaClient{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		data: marketdata.NewClient(dataOpts),
		feed: opts.Feed,
		log:  slog.Default().With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (c *AlpacaClient) Name() string { return "alpaca" }

// InitSession verifies the credentials by fetching the account.
func (c *AlpacaClient) InitSession(_ context.Context) error {
	if _, err := c.trading.GetAccount(); err != nil {
		return fmt.Errorf("GetAccount: %w", err)
	}
	return nil
}

// Health reports whether the trading API answers.
func (c *AlpacaClient) Health(_ context.Context) (bool, error) {
	if _, err := c.trading.GetClock(); err != nil {
		return false, fmt.Errorf("GetClock: %w", err)
	}
	return true, nil
}

// KeepAlive is a no-op; Alpaca sessions are stateless.
func (c *AlpacaClient) KeepAlive(_ context.Context) error { return nil }

// Accounts returns the single account number bound to the API key.
func (c *AlpacaClient) Accounts(_ context.Context) ([]string, error) {
	acct, err := c.trading.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	return []string{acct.AccountNumber}, nil
}

// AccountSummary maps the account's equity and cash onto the canonical keys.
func (c *AlpacaClient) AccountSummary(_ context.Context, _ string) (map[string]domain.AccountValue, error) {
	acct, err := c.trading.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	cur := acct.Currency
	if cur == "" {
		cur = "USD"
	}
	return map[string]domain.AccountValue{
		domain.KeyNetLiquidation: {Amount: acct.Equity.InexactFloat64(), Currency: cur},
		domain.KeyTotalCashValue: {Amount: acct.Cash.InexactFloat64(), Currency: cur},
		"BuyingPower":            {Amount: acct.BuyingPower.InexactFloat64(), Currency: cur},
	}, nil
}

// Positions returns every open position keyed by symbol.
func (c *AlpacaClient) Positions(_ context.Context, _ string) ([]domain.Position, error) {
	ps, err := c.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("GetPositions: %w", err)
	}
	out := make([]domain.Position, 0, len(ps))
	for _, p := range ps {
		out = append(out, domain.Position{
			ConID: p.Symbol,
			Size:  p.Qty.InexactFloat64(),
			Price: p.AvgEntryPrice.InexactFloat64(),
		})
	}
	return out, nil
}

// SearchContract looks the symbol up as an asset.
func (c *AlpacaClient) SearchContract(_ context.Context, symbol, secType string) ([]domain.ContractRecord, error) {
	asset, err := c.trading.GetAsset(strings.ToUpper(symbol))
	if err != nil {
		return nil, fmt.Errorf("GetAsset %s: %w", symbol, err)
	}
	if asset == nil {
		return nil, ErrNoResults
	}
	st := secType
	if st == "" {
		st = domain.SecTypeStock
	}
	return []domain.ContractRecord{{
		ConID:       asset.Symbol,
		Symbol:      asset.Symbol,
		SecType:     st,
		Exchange:    asset.Exchange,
		Currency:    "USD",
		Description: asset.Name,
	}}, nil
}

// PlaceOrder submits req as an Alpaca order.
func (c *AlpacaClient) PlaceOrder(_ context.Context, _ string, req domain.OrderRequest) (string, error) {
	par, err := alpacaOrderRequest(req)
	if err != nil {
		return "", err
	}
	o, err := c.trading.PlaceOrder(par)
	if err != nil {
		return "", fmt.Errorf("PlaceOrder: %w: %v", ErrRejected, err)
	}
	return o.ID, nil
}

// alpacaOrderRequest maps req onto the Alpaca order vocabulary. Alpaca orders
// carry no expiry, so GTD is refused rather than downgraded.
func alpacaOrderRequest(req domain.OrderRequest) (alpaca.PlaceOrderRequest, error) {
	qty := decimal.NewFromFloat(req.Quantity)
	par := alpaca.PlaceOrderRequest{
		Symbol:        req.ConID,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Side == "SELL" {
		par.Side = alpaca.Sell
	}
	switch domain.TimeInForce(req.TIF) {
	case domain.TIFGTC:
		par.TimeInForce = alpaca.GTC
	case domain.TIFGTD:
		return par, fmt.Errorf("PlaceOrder: %w: alpaca does not support GTD orders", ErrRejected)
	}
	switch req.OrderType {
	case "LMT":
		par.Type = alpaca.Limit
		par.LimitPrice = decimalPtr(req.Price)
	case "STP":
		par.Type = alpaca.Stop
		par.StopPrice = decimalPtr(req.AuxPrice)
	case "STP LMT":
		par.Type = alpaca.StopLimit
		par.LimitPrice = decimalPtr(req.Price)
		par.StopPrice = decimalPtr(req.AuxPrice)
	}
	return par, nil
}

// CancelOrder cancels an open order.
func (c *AlpacaClient) CancelOrder(_ context.Context, _ string, orderID string) error {
	if err := c.trading.CancelOrder(orderID); err != nil {
		return fmt.Errorf("CancelOrder %s: %w", orderID, err)
	}
	return nil
}

// LiveOrders returns the open orders of the key's account.
func (c *AlpacaClient) LiveOrders(_ context.Context, _ string) ([]domain.LiveOrder, error) {
	list, err := c.trading.GetOrders(alpaca.GetOrdersRequest{Status: "open", Direction: "asc"})
	if err != nil {
		return nil, fmt.Errorf("GetOrders: %w", err)
	}
	out := make([]domain.LiveOrder, 0, len(list))
	for _, o := range list {
		out = append(out, liveOrderFromAlpaca(o))
	}
	return out, nil
}

var alpacaOrderTypes = map[alpaca.OrderType]string{
	alpaca.Market:    "MKT",
	alpaca.Limit:     "LMT",
	alpaca.Stop:      "STP",
	alpaca.StopLimit: "STP LMT",
}

func liveOrderFromAlpaca(o alpaca.Order) domain.LiveOrder {
	lo := domain.LiveOrder{
		OrderID:   o.ID,
		ConID:     o.Symbol,
		Symbol:    o.Symbol,
		Side:      strings.ToUpper(string(o.Side)),
		OrderType: alpacaOrderTypes[o.Type],
		TIF:       strings.ToUpper(string(o.TimeInForce)),
		Status:    o.Status,
		Filled:    o.FilledQty.InexactFloat64(),
	}
	if lo.OrderType == "" {
		lo.OrderType = strings.ToUpper(string(o.Type))
	}
	if o.Qty != nil {
		lo.Quantity = o.Qty.InexactFloat64()
		lo.Remaining = lo.Quantity - lo.Filled
	}
	if o.LimitPrice != nil {
		lo.Price = o.LimitPrice.InexactFloat64()
	}
	if o.StopPrice != nil {
		lo.AuxPrice = o.StopPrice.InexactFloat64()
	}
	return lo
}

// Snapshot combines the latest trade and quote of the symbol in conid.
func (c *AlpacaClient) Snapshot(_ context.Context, conid string, fields []string) (domain.Snapshot, error) {
	snap := domain.Snapshot{ConID: conid, Fields: make(map[string]float64, len(fields))}
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}
	if want[domain.FieldLast] {
		t, err := c.data.GetLatestTrade(conid, marketdata.GetLatestTradeRequest{Feed: marketdata.Feed(c.feed)})
		if err != nil {
			return snap, fmt.Errorf("GetLatestTrade %s: %w", conid, err)
		}
		if t != nil {
			snap.Fields[domain.FieldLast] = t.Price
			snap.Time = t.Timestamp
		}
	}
	if want[domain.FieldBid] || want[domain.FieldAsk] {
		q, err := c.data.GetLatestQuote(conid, marketdata.GetLatestQuoteRequest{Feed: marketdata.Feed(c.feed)})
		if err != nil {
			return snap, fmt.Errorf("GetLatestQuote %s: %w", conid, err)
		}
		if q != nil {
			if want[domain.FieldBid] {
				snap.Fields[domain.FieldBid] = q.BidPrice
			}
			if want[domain.FieldAsk] {
				snap.Fields[domain.FieldAsk] = q.AskPrice
			}
			if q.Timestamp.After(snap.Time) {
				snap.Time = q.Timestamp
			}
		}
	}
	return snap, nil
}

// History fetches bars for the symbol in conid.
func (c *AlpacaClient) History(_ context.Context, conid, period, barSize string, _ bool) ([]domain.HistoryBar, error) {
	end := time.Now().UTC()
	start := periodStart(end, period)
	bars, err := c.data.GetBars(conid, marketdata.GetBarsRequest{
		TimeFrame: alpacaTimeFrame(barSize),
		Start:     start,
		End:       end,
		Feed:      marketdata.Feed(c.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", conid, err)
	}
	out := make([]domain.HistoryBar, len(bars))
	for i, b := range bars {
		out[i] = domain.HistoryBar{
			Time:   b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: float64(b.Volume),
		}
	}
	return out, nil
}

// Close is a no-op; the SDK clients hold no persistent connections.
func (c *AlpacaClient) Close() error { return nil }

func decimalPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

// alpacaTimeFrame converts "1min", "5min", "1h", "1d" style bar sizes.
func alpacaTimeFrame(barSize string) marketdata.TimeFrame {
	n, unit := splitSpan(barSize)
	switch unit {
	case "min":
		return marketdata.NewTimeFrame(n, marketdata.Min)
	case "h":
		return marketdata.NewTimeFrame(n, marketdata.Hour)
	case "d":
		return marketdata.NewTimeFrame(n, marketdata.Day)
	case "w":
		return marketdata.NewTimeFrame(n, marketdata.Week)
	case "m":
		return marketdata.NewTimeFrame(n, marketdata.Month)
	default:
		return marketdata.NewTimeFrame(1, marketdata.Min)
	}
}

// periodStart turns "1d", "2w", "6m", "1y" into a start time before end.
func periodStart(end time.Time, period string) time.Time {
	n, unit := splitSpan(period)
	switch unit {
	case "min":
		return end.Add(-time.Duration(n) * time.Minute)
	case "h":
		return end.Add(-time.Duration(n) * time.Hour)
	case "w":
		return end.AddDate(0, 0, -7*n)
	case "m":
		return end.AddDate(0, -n, 0)
	case "y":
		return end.AddDate(-n, 0, 0)
	default:
		return end.AddDate(0, 0, -n)
	}
}

// splitSpan parses "<n><unit>"; a missing count means 1.
func splitSpan(s string) (int, string) {
	s = strings.ToLower(strings.TrimSpace(s))
	i := 0
	n := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		n = n*10 + int(s[i]-'0')
		i++
	}
	if n == 0 {
		n = 1
	}
	return n, s[i:]
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// AlpacaStreamer implements Streamer on the Alpaca stocks stream. Trades and
// quotes are folded into StreamMessages using the same field codes as the
// IBKR stream.
type AlpacaStreamer struct {
	client *stream.StocksClient
	log    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	quotes map[string]bool

	updates chan domain.StreamMessage
	dropped atomic.Int64
}

// NewAlpacaStreamer creates a streamer for the configured feed.
func NewAlpacaStreamer(opts AlpacaOptions) *AlpacaStreamer {
	feed := opts.Feed
	if feed == "" {
		feed = "iex"
	}
	streamOpts := []stream.StockOption{stream.WithCredentials(opts.APIKey, opts.APISecret)}
	if opts.StreamURL != "" {
		streamOpts = append(streamOpts, stream.WithBaseURL(opts.StreamURL))
	}
	return &AlpacaStreamer{
		client:  stream.NewStocksClient(marketdata.Feed(feed), streamOpts...),
		log:     slog.Default().With("broker", "alpaca-stream"),
		quotes:  make(map[string]bool),
		updates: make(chan domain.StreamMessage, streamBuffer),
	}
}

// Connect opens the stream. The connection lives until Close, independent of
// the caller's context.
func (s *AlpacaStreamer) Connect(_ context.Context) error {
	sctx, cancel := context.WithCancel(context.Background())
	if err := s.client.Connect(sctx); err != nil {
		cancel()
		return fmt.Errorf("connecting stream: %w", err)
	}
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

// Subscribe starts trade updates for the symbol in conid, and quote updates
// when bid or ask fields are requested.
func (s *AlpacaStreamer) Subscribe(conid string, fields []string) error {
	if err := s.client.SubscribeToTrades(s.onTrade, conid); err != nil {
		return fmt.Errorf("subscribing trades %s: %w", conid, err)
	}
	for _, f := range fields {
		if f == domain.FieldBid || f == domain.FieldAsk {
			if err := s.client.SubscribeToQuotes(s.onQuote, conid); err != nil {
				return fmt.Errorf("subscribing quotes %s: %w", conid, err)
			}
			s.mu.Lock()
			s.quotes[conid] = true
			s.mu.Unlock()
			break
		}
	}
	return nil
}

// Unsubscribe stops updates for conid.
func (s *AlpacaStreamer) Unsubscribe(conid string) error {
	if err := s.client.UnsubscribeFromTrades(conid); err != nil {
		return fmt.Errorf("unsubscribing trades %s: %w", conid, err)
	}
	s.mu.Lock()
	hadQuotes := s.quotes[conid]
	delete(s.quotes, conid)
	s.mu.Unlock()
	if hadQuotes {
		if err := s.client.UnsubscribeFromQuotes(conid); err != nil {
			return fmt.Errorf("unsubscribing quotes %s: %w", conid, err)
		}
	}
	return nil
}

// Poll returns the next buffered update without blocking.
func (s *AlpacaStreamer) Poll() (domain.StreamMessage, bool) {
	select {
	case m := <-s.updates:
		return m, true
	default:
		return domain.StreamMessage{}, false
	}
}

// Dropped returns how many updates were discarded because the buffer was
// full.
func (s *AlpacaStreamer) Dropped() int64 { return s.dropped.Load() }

// Close terminates the stream connection.
func (s *AlpacaStreamer) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *AlpacaStreamer) onTrade(t stream.Trade) {
	s.push(domain.StreamMessage{
		ConID: t.Symbol,
		Time:  t.Timestamp,
		Fields: map[string]float64{
			domain.FieldLast: t.Price,
			domain.FieldSize: float64(t.Size),
		},
	})
}

func (s *AlpacaStreamer) onQuote(q stream.Quote) {
	s.push(domain.StreamMessage{
		ConID: q.Symbol,
		Time:  q.Timestamp,
		Fields: map[string]float64{
			domain.FieldBid: q.BidPrice,
			domain.FieldAsk: q.AskPrice,
		},
	})
}

func (s *AlpacaStreamer) push(m domain.StreamMessage) {
	select {
	case s.updates <- m:
	default:
		s.dropped.Add(1)
	}
}
