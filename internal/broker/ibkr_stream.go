package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"brokerstore/internal/domain"
)

// Compile-time interface check.
var _ Streamer = (*IBKRStreamer)(nil)

const (
	streamBuffer     = 4096
	defaultHeartbeat = 55 * time.Second
)

// IBKRStreamer consumes the Client Portal market-data websocket. Updates are
// parsed on a reader goroutine and buffered for Poll.
type IBKRStreamer struct {
	url       string
	dialer    *websocket.Dialer
	client    *IBKRClient
	heartbeat time.Duration
	log       *slog.Logger

	mu   sync.Mutex // guards conn and serialises writes
	conn *websocket.Conn

	updates chan domain.StreamMessage
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewIBKRStreamer creates a streamer for url. client supplies the session
// token and auth headers and may be nil for unauthenticated endpoints.
func NewIBKRStreamer(url string, client *IBKRClient, insecureTLS bool) *IBKRStreamer {
	d := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	if insecureTLS {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &IBKRStreamer{
		url:       url,
		dialer:    d,
		client:    client,
		heartbeat: defaultHeartbeat,
		log:       slog.Default().With("broker", "ibkr-stream"),
		updates:   make(chan domain.StreamMessage, streamBuffer),
		done:      make(chan struct{}),
	}
}

// Connect dials the websocket, sends the session handshake and starts the
// reader and heartbeat goroutines.
func (s *IBKRStreamer) Connect(ctx context.Context) error {
	header := http.Header{}
	if s.client != nil {
		header = s.client.AuthHeader()
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dialing stream: %w", err)
	}

	if s.client != nil {
		token, err := s.client.SessionToken(ctx)
		if err != nil {
			conn.Close()
			return fmt.Errorf("stream session token: %w", err)
		}
		if token != "" {
			hello, _ := json.Marshal(map[string]string{"session": token})
			if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
				conn.Close()
				return fmt.Errorf("stream handshake: %w", err)
			}
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.heartbeatLoop()
	return nil
}

// Subscribe requests streaming fields for conid.
func (s *IBKRStreamer) Subscribe(conid string, fields []string) error {
	args, err := json.Marshal(map[string][]string{"fields": fields})
	if err != nil {
		return err
	}
	return s.write("smd+" + conid + "+" + string(args))
}

// Unsubscribe stops streaming for conid.
func (s *IBKRStreamer) Unsubscribe(conid string) error {
	return s.write("umd+" + conid + "+{}")
}

// Poll returns the next buffered update without blocking.
func (s *IBKRStreamer) Poll() (domain.StreamMessage, bool) {
	select {
	case m := <-s.updates:
		return m, true
	default:
		return domain.StreamMessage{}, false
	}
}

// Dropped returns how many updates were discarded because the buffer was
// full.
func (s *IBKRStreamer) Dropped() int64 { return s.dropped.Load() }

// Close stops the goroutines and closes the connection. It is safe to call
// more than once.
func (s *IBKRStreamer) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = s.conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}

func (s *IBKRStreamer) write(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *IBKRStreamer) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("stream read failed", "error", err)
			}
			return
		}
		msg, ok := parseMarketData(data)
		if !ok {
			continue
		}
		select {
		case s.updates <- msg:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *IBKRStreamer) heartbeatLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.write("tic"); err != nil {
				s.log.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

// parseMarketData decodes one "smd" frame. Field keys are numeric codes;
// values may be numbers or strings carrying a one-letter prefix such as "C"
// (prior close) or "H" (halted).
func parseMarketData(data []byte) (domain.StreamMessage, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return domain.StreamMessage{}, false
	}
	topic, _ := m["topic"].(string)
	if !strings.HasPrefix(topic, "smd+") {
		return domain.StreamMessage{}, false
	}

	out := domain.StreamMessage{
		ConID:  strings.TrimPrefix(topic, "smd+"),
		Time:   time.Now().UTC(),
		Fields: make(map[string]float64),
	}
	if n, ok := m["conid"].(json.Number); ok {
		out.ConID = n.String()
	}
	if n, ok := m["_updated"].(json.Number); ok {
		if ms, err := n.Int64(); err == nil {
			out.Time = time.UnixMilli(ms).UTC()
		}
	}
	for k, v := range m {
		if !isFieldCode(k) {
			continue
		}
		if f, ok := fieldValue(v); ok {
			out.Fields[k] = f
		}
	}
	return out, true
}

func isFieldCode(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func fieldValue(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		x = strings.TrimLeft(x, "CH")
		x = strings.ReplaceAll(x, ",", "")
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
