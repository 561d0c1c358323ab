package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"brokerstore/internal/domain"
	"brokerstore/internal/util"
)

// Compile-time interface check.
var _ Client = (*IBKRClient)(nil)

// IBKROptions configures an IBKRClient.
type IBKROptions struct {
	BaseURL string // e.g. https://127.0.0.1:5000/v1/api

	// TokenFile holds an OAuth bearer token obtained out of band. When empty
	// the client relies on the gateway's own session cookie.
	TokenFile   string
	InsecureTLS bool
	Timeout     time.Duration

	// RequestDelay and MaxConcurrent bound outbound traffic.
	RequestDelay  time.Duration
	MaxConcurrent int
}

// IBKRClient talks to the Interactive Brokers Client Portal Web API.
type IBKRClient struct {
	baseURL    string
	tokenFile  string
	httpClient *http.Client
	throttle   *util.Throttle
	log        *slog.Logger

	mu      sync.Mutex
	token   string
	session string
}

// NewIBKRClient creates an IBKRClient for the given gateway.
func NewIBKRClient(opts IBKROptions) *IBKRClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &IBKRClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		tokenFile:  opts.TokenFile,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		throttle:   util.NewThrottle(opts.RequestDelay, opts.MaxConcurrent),
		log:        slog.Default().With("broker", "ibkr"),
	}
}

// Name returns "ibkr".
func (c *IBKRClient) Name() string { return "ibkr" }

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

type authStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

// InitSession loads the OAuth token if configured and opens the brokerage
// session on the gateway.
func (c *IBKRClient) InitSession(ctx context.Context) error {
	if c.tokenFile != "" {
		raw, err := os.ReadFile(c.tokenFile)
		if err != nil {
			return util.Permanent(fmt.Errorf("reading oauth token: %w", err))
		}
		c.mu.Lock()
		c.token = strings.TrimSpace(string(raw))
		c.mu.Unlock()
	}

	var status authStatus
	body := map[string]any{"publish": true, "compete": true}
	if err := c.do(ctx, http.MethodPost, "/iserver/auth/ssodh/init", nil, body, &status); err != nil {
		return fmt.Errorf("initializing brokerage session: %w", err)
	}
	if !status.Authenticated {
		return fmt.Errorf("initializing brokerage session: %w: not authenticated %s", ErrNotConnected, status.Message)
	}
	return nil
}

// Health reports whether the gateway session is authenticated and connected.
func (c *IBKRClient) Health(ctx context.Context) (bool, error) {
	var status authStatus
	if err := c.do(ctx, http.MethodPost, "/iserver/auth/status", nil, nil, &status); err != nil {
		return false, err
	}
	return status.Authenticated && status.Connected, nil
}

type tickleResponse struct {
	Session string `json:"session"`
	IServer struct {
		AuthStatus authStatus `json:"authStatus"`
	} `json:"iserver"`
}

// KeepAlive calls the tickle endpoint and remembers the session token the
// websocket needs.
func (c *IBKRClient) KeepAlive(ctx context.Context) error {
	var resp tickleResponse
	if err := c.do(ctx, http.MethodPost, "/tickle", nil, nil, &resp); err != nil {
		return fmt.Errorf("tickle: %w", err)
	}
	if resp.Session != "" {
		c.mu.Lock()
		c.session = resp.Session
		c.mu.Unlock()
	}
	return nil
}

// SessionToken returns a token for the streaming handshake, calling tickle
// first if none is known.
func (c *IBKRClient) SessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != "" {
		return s, nil
	}
	if err := c.KeepAlive(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, nil
}

// AuthHeader returns the headers a websocket dial must carry.
func (c *IBKRClient) AuthHeader() http.Header {
	h := http.Header{}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// Close drops idle connections. The gateway session is left running.
func (c *IBKRClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// ---------------------------------------------------------------------------
// Accounts and positions
// ---------------------------------------------------------------------------

type portfolioAccount struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
}

// Accounts lists the managed account ids.
func (c *IBKRClient) Accounts(ctx context.Context) ([]string, error) {
	var accts []portfolioAccount
	if err := c.do(ctx, http.MethodGet, "/portfolio/accounts", nil, nil, &accts); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	ids := make([]string, 0, len(accts))
	for _, a := range accts {
		id := a.ID
		if id == "" {
			id = a.AccountID
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type summaryValue struct {
	Amount   *float64 `json:"amount"`
	Currency *string  `json:"currency"`
}

// summaryKeys maps the gateway's lower-case summary keys to canonical names.
var summaryKeys = map[string]string{
	"netliquidation":      domain.KeyNetLiquidation,
	"totalcashvalue":      domain.KeyTotalCashValue,
	"buyingpower":         "BuyingPower",
	"availablefunds":      "AvailableFunds",
	"excessliquidity":     "ExcessLiquidity",
	"grosspositionvalue":  "GrossPositionValue",
	"equitywithloanvalue": "EquityWithLoanValue",
	"initmarginreq":       "InitMarginReq",
	"maintmarginreq":      "MaintMarginReq",
}

// AccountSummary returns the summary table of account.
func (c *IBKRClient) AccountSummary(ctx context.Context, account string) (map[string]domain.AccountValue, error) {
	var raw map[string]json.RawMessage
	path := "/portfolio/" + url.PathEscape(account) + "/summary"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("account summary %s: %w", account, err)
	}
	out := make(map[string]domain.AccountValue, len(raw))
	for k, msg := range raw {
		var v summaryValue
		if err := json.Unmarshal(msg, &v); err != nil || v.Amount == nil {
			continue
		}
		key := k
		if canon, ok := summaryKeys[strings.ToLower(k)]; ok {
			key = canon
		}
		cur := "USD"
		if v.Currency != nil && *v.Currency != "" {
			cur = *v.Currency
		}
		out[key] = domain.AccountValue{Amount: *v.Amount, Currency: cur}
	}
	return out, nil
}

type portfolioPosition struct {
	ConID    json.Number `json:"conid"`
	Position float64     `json:"position"`
	AvgCost  float64     `json:"avgCost"`
}

// Positions returns the first page of positions for account.
func (c *IBKRClient) Positions(ctx context.Context, account string) ([]domain.Position, error) {
	var raw []portfolioPosition
	path := "/portfolio/" + url.PathEscape(account) + "/positions/0"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("positions %s: %w", account, err)
	}
	out := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		if p.ConID == "" {
			continue
		}
		out = append(out, domain.Position{ConID: p.ConID.String(), Size: p.Position, Price: p.AvgCost})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Contracts
// ---------------------------------------------------------------------------

type secdefResult struct {
	ConID       json.Number `json:"conid"`
	Symbol      string      `json:"symbol"`
	CompanyName string      `json:"companyName"`
	Description string      `json:"description"`
	Sections    []struct {
		SecType  string `json:"secType"`
		Exchange string `json:"exchange"`
	} `json:"sections"`
}

// SearchContract queries the security-definition search.
func (c *IBKRClient) SearchContract(ctx context.Context, symbol, secType string) ([]domain.ContractRecord, error) {
	body := map[string]any{"symbol": symbol, "name": false}
	if secType != "" {
		body["secType"] = secType
	}
	var raw []secdefResult
	if err := c.do(ctx, http.MethodPost, "/iserver/secdef/search", nil, body, &raw); err != nil {
		return nil, fmt.Errorf("searching %s: %w", symbol, err)
	}
	out := make([]domain.ContractRecord, 0, len(raw))
	for _, r := range raw {
		if r.ConID == "" {
			continue
		}
		rec := domain.ContractRecord{
			ConID:       r.ConID.String(),
			Symbol:      r.Symbol,
			SecType:     secType,
			Exchange:    r.Description,
			Description: r.CompanyName,
		}
		for _, s := range r.Sections {
			if secType == "" || strings.EqualFold(s.SecType, secType) {
				rec.SecType = s.SecType
				if rec.Exchange == "" {
					rec.Exchange, _, _ = strings.Cut(s.Exchange, ";")
				}
				break
			}
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, ErrNoResults
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

type ibkrOrder struct {
	ConID     int64   `json:"conid"`
	SecType   string  `json:"secType,omitempty"`
	COID      string  `json:"cOID,omitempty"`
	OrderType string  `json:"orderType"`
	Side      string  `json:"side"`
	TIF       string  `json:"tif"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
	AuxPrice  float64 `json:"auxPrice,omitempty"`
}

type orderReply struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ReplyID     string   `json:"id"`
	Message     []string `json:"message"`
	Error       string   `json:"error"`
}

// maxReplies bounds how many confirmation prompts PlaceOrder answers.
const maxReplies = 5

// PlaceOrder submits req and answers any confirmation prompts with
// "confirmed".
func (c *IBKRClient) PlaceOrder(ctx context.Context, account string, req domain.OrderRequest) (string, error) {
	if req.TIF == string(domain.TIFGTD) {
		return "", fmt.Errorf("placing order: %w: the gateway has no GTD time in force", ErrRejected)
	}
	conid, err := strconv.ParseInt(req.ConID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("placing order: bad conid %q: %w", req.ConID, err)
	}
	payload := map[string][]ibkrOrder{"orders": {{
		ConID:     conid,
		SecType:   req.ConID + ":" + req.SecType,
		COID:      req.ClientOrderID,
		OrderType: req.OrderType,
		Side:      req.Side,
		TIF:       req.TIF,
		Quantity:  req.Quantity,
		Price:     req.Price,
		AuxPrice:  req.AuxPrice,
	}}}

	var replies []orderReply
	path := "/iserver/account/" + url.PathEscape(account) + "/orders"
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &replies); err != nil {
		return "", fmt.Errorf("placing order: %w", err)
	}

	for i := 0; i < maxReplies; i++ {
		if len(replies) == 0 {
			return "", fmt.Errorf("placing order: %w: empty reply", ErrRejected)
		}
		r := replies[0]
		switch {
		case r.Error != "":
			return "", fmt.Errorf("placing order: %w: %s", ErrRejected, r.Error)
		case r.OrderID != "":
			return r.OrderID, nil
		case r.ReplyID != "":
			c.log.Debug("confirming order prompt", "reply", r.ReplyID, "message", strings.Join(r.Message, "; "))
			replies = nil
			confirm := map[string]bool{"confirmed": true}
			if err := c.do(ctx, http.MethodPost, "/iserver/reply/"+url.PathEscape(r.ReplyID), nil, confirm, &replies); err != nil {
				return "", fmt.Errorf("confirming order: %w", err)
			}
		default:
			return "", fmt.Errorf("placing order: %w: unrecognised reply", ErrRejected)
		}
	}
	return "", fmt.Errorf("placing order: %w: too many confirmation prompts", ErrRejected)
}

type cancelReply struct {
	Msg   string `json:"msg"`
	Error string `json:"error"`
}

// CancelOrder cancels orderID.
func (c *IBKRClient) CancelOrder(ctx context.Context, account, orderID string) error {
	var r cancelReply
	path := "/iserver/account/" + url.PathEscape(account) + "/order/" + url.PathEscape(orderID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &r); err != nil {
		return fmt.Errorf("cancelling order %s: %w", orderID, err)
	}
	if r.Error != "" {
		return fmt.Errorf("cancelling order %s: %w: %s", orderID, ErrRejected, r.Error)
	}
	return nil
}

type liveOrdersResponse struct {
	Orders []struct {
		OrderID   json.Number `json:"orderId"`
		ConID     json.Number `json:"conid"`
		Ticker    string      `json:"ticker"`
		Side      string      `json:"side"`
		OrderType string      `json:"orderType"`
		TIF       string      `json:"timeInForce"`
		Status    string      `json:"status"`
		Total     flexFloat   `json:"totalSize"`
		Filled    flexFloat   `json:"filledQuantity"`
		Remaining flexFloat   `json:"remainingQuantity"`
		Price     flexFloat   `json:"price"`
		AuxPrice  flexFloat   `json:"auxPrice"`
		Account   string      `json:"acct"`
	} `json:"orders"`
}

// LiveOrders lists the working orders of account. The gateway reports
// orders of every account it manages; others are filtered out.
func (c *IBKRClient) LiveOrders(ctx context.Context, account string) ([]domain.LiveOrder, error) {
	var resp liveOrdersResponse
	if err := c.do(ctx, http.MethodGet, "/iserver/account/orders", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("live orders: %w", err)
	}
	out := make([]domain.LiveOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		if account != "" && o.Account != "" && o.Account != account {
			continue
		}
		out = append(out, domain.LiveOrder{
			OrderID:   o.OrderID.String(),
			ConID:     o.ConID.String(),
			Symbol:    o.Ticker,
			Side:      strings.ToUpper(o.Side),
			OrderType: o.OrderType,
			TIF:       o.TIF,
			Status:    o.Status,
			Quantity:  float64(o.Total),
			Filled:    float64(o.Filled),
			Remaining: float64(o.Remaining),
			Price:     float64(o.Price),
			AuxPrice:  float64(o.AuxPrice),
		})
	}
	return out, nil
}

// flexFloat decodes numbers the gateway sends either bare or quoted.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if v == nil {
		*f = 0
		return nil
	}
	x, ok := fieldValue(v)
	if !ok {
		if s, isStr := v.(string); isStr && s == "" {
			*f = 0
			return nil
		}
		return fmt.Errorf("not a number: %s", b)
	}
	*f = flexFloat(x)
	return nil
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// snapshotRetryDelay is how long Snapshot waits before asking again when the
// first reply carried none of the requested fields. The gateway answers the
// first request for a conid with an empty row while it starts the feed.
var snapshotRetryDelay = 500 * time.Millisecond

// Snapshot fetches one market-data snapshot for conid.
func (c *IBKRClient) Snapshot(ctx context.Context, conid string, fields []string) (domain.Snapshot, error) {
	q := url.Values{}
	q.Set("conids", conid)
	q.Set("fields", strings.Join(fields, ","))

	snap, err := c.snapshotOnce(ctx, q, conid)
	if err != nil || hasAnyField(snap, fields) {
		return snap, err
	}
	select {
	case <-time.After(snapshotRetryDelay):
	case <-ctx.Done():
		return snap, ctx.Err()
	}
	return c.snapshotOnce(ctx, q, conid)
}

func (c *IBKRClient) snapshotOnce(ctx context.Context, q url.Values, conid string) (domain.Snapshot, error) {
	var rows []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/iserver/marketdata/snapshot", q, nil, &rows); err != nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot %s: %w", conid, err)
	}
	for _, raw := range rows {
		m, ok := parseSnapshotRow(raw)
		if ok && m.ConID == conid {
			return domain.Snapshot{ConID: m.ConID, Time: m.Time, Fields: m.Fields}, nil
		}
	}
	return domain.Snapshot{ConID: conid, Fields: map[string]float64{}}, nil
}

// parseSnapshotRow reuses the streaming decoder; snapshot rows carry the
// same field codes without a topic.
func parseSnapshotRow(raw json.RawMessage) (domain.StreamMessage, bool) {
	var row map[string]json.RawMessage
	if err := json.Unmarshal(raw, &row); err != nil {
		return domain.StreamMessage{}, false
	}
	var conid json.Number
	if err := json.Unmarshal(row["conid"], &conid); err != nil {
		return domain.StreamMessage{}, false
	}
	row["topic"] = json.RawMessage(strconv.Quote("smd+" + conid.String()))
	buf, err := json.Marshal(row)
	if err != nil {
		return domain.StreamMessage{}, false
	}
	return parseMarketData(buf)
}

func hasAnyField(s domain.Snapshot, fields []string) bool {
	for _, f := range fields {
		if _, ok := s.Fields[f]; ok {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Historical data
// ---------------------------------------------------------------------------

type historyResponse struct {
	Data []struct {
		T int64   `json:"t"`
		O float64 `json:"o"`
		H float64 `json:"h"`
		L float64 `json:"l"`
		C float64 `json:"c"`
		V float64 `json:"v"`
	} `json:"data"`
}

// History fetches bars for conid. Bar timestamps arrive in epoch millis.
func (c *IBKRClient) History(ctx context.Context, conid, period, barSize string, outsideRTH bool) ([]domain.HistoryBar, error) {
	q := url.Values{}
	q.Set("conid", conid)
	q.Set("period", period)
	q.Set("bar", barSize)
	q.Set("outsideRth", strconv.FormatBool(outsideRTH))

	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, "/iserver/marketdata/history", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("history %s: %w", conid, err)
	}
	bars := make([]domain.HistoryBar, len(resp.Data))
	for i, d := range resp.Data {
		bars[i] = domain.HistoryBar{
			Time:   time.UnixMilli(d.T).UTC(),
			Open:   d.O,
			High:   d.H,
			Low:    d.L,
			Close:  d.C,
			Volume: d.V,
		}
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// do issues one JSON request through the throttle and decodes the response
// into out (if non-nil).
func (c *IBKRClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	release, err := c.throttle.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "brokerstore")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.Lock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrNotConnected
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
