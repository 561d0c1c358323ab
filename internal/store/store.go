// Package store is the broker store: the single entry point the trading
// framework's broker and data feeds use to reach a backend. It owns the
// ticker registry, contract and order mappers and the session, and turns
// backend responses into queue deliveries and order events.
package store

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"brokerstore/internal/broker"
	"brokerstore/internal/contracts"
	"brokerstore/internal/domain"
	"brokerstore/internal/orders"
	"brokerstore/internal/registry"
	"brokerstore/internal/session"
)

// Broker is the framework-side order collaborator that receives
// synthesized order events.
type Broker interface {
	PushOrderStatus(domain.OrderStatusEvent)
	PushOrderError(domain.ErrorEvent)
	PushExecution(domain.ExecutionEvent)
}

// DataFeed is a framework-side data collaborator. ReqData (re)issues its
// request against the store; CancelData withdraws it.
type DataFeed interface {
	ReqData(ctx context.Context) error
	CancelData()
}

// BrokerFactory builds the broker collaborator bound to a store.
type BrokerFactory func(s *Store) Broker

// DataFactory builds a data feed for contract bound to a store.
type DataFactory func(s *Store, c domain.Contract) DataFeed

// BarArchive receives every historical fetch.
type BarArchive interface {
	WriteBars(ctx context.Context, bars []domain.Bar) error
}

// Options configures a Store.
type Options struct {
	Backend   string
	ClientID  int // 0 picks a random id
	AccountID string
	Debug     bool

	// MarketDataFields are the stream field codes subscribed per contract.
	MarketDataFields []string

	// ParallelRequests, MaxConcurrent and RequestDelay shape
	// HistoricalDataParallel.
	ParallelRequests bool
	MaxConcurrent    int
	RequestDelay     time.Duration

	Session   session.Options
	Contracts contracts.Options

	Archive    BarArchive
	NewBroker  BrokerFactory
	NewData    DataFactory
	Clock      func() time.Time
	Historical HistoryOptions
}

// HistoryOptions sets the defaults of historical requests.
type HistoryOptions struct {
	Duration string // e.g. "1 Y"
	BarSize  string // e.g. "1 day"
}

var defaultFields = []string{
	domain.FieldLast, domain.FieldSize, domain.FieldBid,
	domain.FieldAsk, domain.FieldVolume, domain.FieldVWAP,
}

// Store composes the registry, mappers and session over one backend.
type Store struct {
	client broker.Client
	stream broker.Streamer
	opts   Options
	log    *slog.Logger

	reg       *registry.Registry
	contracts *contracts.Mapper
	orders    *orders.Mapper
	sess      *session.Manager
	clientID  int

	subMu  sync.Mutex
	subs   map[*registry.Queue]string // queue -> conid
	routes map[string]*registry.Queue // conid -> queue

	collabMu sync.Mutex
	broker   Broker
	datas    []DataFeed

	notifMu sync.Mutex
	notifs  []domain.Notification
}

// New creates a Store over client and stream.
func New(client broker.Client, stream broker.Streamer, opts Options) *Store {
	if len(opts.MarketDataFields) == 0 {
		opts.MarketDataFields = defaultFields
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Session.AccountID == "" {
		opts.Session.AccountID = opts.AccountID
	}
	opts.Session.Debug = opts.Session.Debug || opts.Debug
	opts.Contracts.Debug = opts.Contracts.Debug || opts.Debug

	clientID := opts.ClientID
	if clientID == 0 {
		clientID = rand.IntN(1<<16-1) + 1
	}

	s := &Store{
		client:    client,
		stream:    stream,
		opts:      opts,
		log:       slog.Default().With("component", "store", "backend", client.Name()),
		reg:       registry.New(),
		contracts: contracts.NewMapper(client, opts.Contracts),
		orders:    orders.NewMapper(),
		clientID:  clientID,
		subs:      make(map[*registry.Queue]string),
		routes:    make(map[string]*registry.Queue),
	}
	s.sess = session.New(client, stream, s.route, opts.Session)
	return s
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start connects the session. It returns false when the connection failed
// or the reconnect latch has tripped.
func (s *Store) Start(ctx context.Context) bool {
	return s.Reconnect(ctx, false)
}

// Reconnect connects the session and, when resub is set, reissues all data
// feed requests.
func (s *Store) Reconnect(ctx context.Context, resub bool) bool {
	if !s.sess.Connect(ctx) {
		s.notify("error", "connection to "+s.client.Name()+" failed")
		return false
	}
	if resub {
		s.StartDatas(ctx)
	}
	return true
}

// Stop tears the session down. Blocked account readers are released.
func (s *Store) Stop() {
	s.sess.Stop()
	s.log.Info("store stopped")
}

// Connected performs a backend health round trip.
func (s *Store) Connected(ctx context.Context) bool {
	return s.sess.Connected(ctx)
}

// ClientID returns the client id stamped on order events.
func (s *Store) ClientID() int { return s.clientID }

// Session exposes the session manager.
func (s *Store) Session() *session.Manager { return s.sess }

// Contracts exposes the contract mapper.
func (s *Store) Contracts() *contracts.Mapper { return s.contracts }

// Registry exposes the ticker registry.
func (s *Store) Registry() *registry.Registry { return s.reg }

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// AttachBroker registers b as the receiver of order events.
func (s *Store) AttachBroker(b Broker) {
	s.collabMu.Lock()
	defer s.collabMu.Unlock()
	s.broker = b
}

// AttachData registers d for StartDatas/StopDatas and returns a queue that
// is already terminated, for feeds that only need the registration.
func (s *Store) AttachData(d DataFeed) *registry.Queue {
	s.collabMu.Lock()
	defer s.collabMu.Unlock()
	s.datas = append(s.datas, d)
	return registry.StartQueue()
}

// GetBroker builds a broker through the configured factory and attaches it.
// It returns nil without a factory.
func (s *Store) GetBroker() Broker {
	if s.opts.NewBroker == nil {
		return nil
	}
	b := s.opts.NewBroker(s)
	s.AttachBroker(b)
	return b
}

// GetData builds a data feed for c through the configured factory and
// attaches it. It returns nil without a factory.
func (s *Store) GetData(c domain.Contract) DataFeed {
	if s.opts.NewData == nil {
		return nil
	}
	d := s.opts.NewData(s, c)
	s.AttachData(d)
	return d
}

func (s *Store) currentBroker() Broker {
	s.collabMu.Lock()
	defer s.collabMu.Unlock()
	return s.broker
}

func (s *Store) dataFeeds() []DataFeed {
	s.collabMu.Lock()
	defer s.collabMu.Unlock()
	return append([]DataFeed(nil), s.datas...)
}

// StartDatas (re)issues the request of every attached feed concurrently.
func (s *Store) StartDatas(ctx context.Context) {
	var g errgroup.Group
	for _, d := range s.dataFeeds() {
		g.Go(func() error {
			if err := d.ReqData(ctx); err != nil {
				s.logFailure("data request failed", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// StopDatas cancels every attached feed, then pushes a sentinel to every
// live queue, newest first.
func (s *Store) StopDatas() {
	qs := s.reg.Queues()

	var wg sync.WaitGroup
	for _, d := range s.dataFeeds() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.CancelData()
		}()
	}
	wg.Wait()

	for i := len(qs) - 1; i >= 0; i-- {
		qs[i].Put(nil)
	}
}

// ---------------------------------------------------------------------------
// Ticker queues
// ---------------------------------------------------------------------------

// GetTickerQueue allocates a ticker id and queue. With start set it returns
// id 0 and an unregistered queue that already carries the sentinel.
func (s *Store) GetTickerQueue(start bool) (int64, *registry.Queue) {
	if start {
		return 0, registry.StartQueue()
	}
	return s.reg.Allocate()
}

// ReuseQueue rebinds the queue of tickerID to a fresh id.
func (s *Store) ReuseQueue(tickerID int64) (int64, *registry.Queue, bool) {
	return s.reg.Reuse(tickerID)
}

// CancelQueue unbinds q, optionally delivering the sentinel.
func (s *Store) CancelQueue(q *registry.Queue, sendSentinel bool) {
	s.reg.Cancel(q, sendSentinel)
}

// ValidQueue reports whether q is bound to a ticker id.
func (s *Store) ValidQueue(q *registry.Queue) bool {
	return s.reg.Valid(q)
}

// NextOrderID returns the next local order id.
func (s *Store) NextOrderID() int64 {
	return s.orders.NextLocalID()
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func (s *Store) notify(level, msg string) {
	s.notifMu.Lock()
	s.notifs = append(s.notifs, domain.Notification{Time: s.opts.Clock(), Level: level, Message: msg})
	s.notifMu.Unlock()
	s.logFailure(msg, "level", level)
}

// GetNotifications drains the pending notifications.
func (s *Store) GetNotifications() []domain.Notification {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	out := s.notifs
	s.notifs = nil
	return out
}

func (s *Store) logFailure(msg string, args ...any) {
	if s.opts.Debug {
		s.log.Info(msg, args...)
		return
	}
	s.log.Debug(msg, args...)
}
