// Package orders numbers outgoing orders and maps local order ids to the ids
// a backend assigns.
package orders

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"brokerstore/internal/domain"
)

// Mapper hands out local order ids and keeps a two-way mapping to remote
// ids. Mappings are never removed; rebinding a local id leaves the old
// remote id's reverse entry in place.
type Mapper struct {
	session string

	mu      sync.Mutex
	next    int64
	forward map[int64]string
	reverse map[string]int64
}

// NewMapper creates a Mapper with a fresh session prefix for client order
// ids.
func NewMapper() *Mapper {
	return &Mapper{
		session: strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		forward: make(map[int64]string),
		reverse: make(map[string]int64),
	}
}

// NextLocalID returns the next local order id, starting at 1.
func (m *Mapper) NextLocalID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return m.next
}

// Record binds local to remote. A later Record for the same local id wins.
func (m *Mapper) Record(local int64, remote string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forward[local] = remote
	m.reverse[remote] = local
}

// RemoteFor returns the remote id bound to local.
func (m *Mapper) RemoteFor(local int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.forward[local]
	return r, ok
}

// LocalFor returns the local id a remote id was recorded for.
func (m *Mapper) LocalFor(remote string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.reverse[remote]
	return l, ok
}

// Len returns the number of local ids with a remote binding.
func (m *Mapper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forward)
}

// ClientOrderID returns the client order id sent with local. It is unique
// across processes through the session prefix.
func (m *Mapper) ClientOrderID(local int64) string {
	return m.session + "-" + strconv.FormatInt(local, 10)
}

// orderTypes maps framework order types to backend codes.
var orderTypes = map[domain.OrderType]string{
	domain.OrderTypeMarket:    "MKT",
	domain.OrderTypeLimit:     "LMT",
	domain.OrderTypeStop:      "STP",
	domain.OrderTypeStopLimit: "STP LMT",
}

// ErrMissingExpiry is returned for a good-till-date order without a date.
var ErrMissingExpiry = errors.New("GTD order without expiry")

// BuildRequest converts a framework order on contract into the backend
// payload. Unknown order types are sent as market orders and a missing time
// in force becomes DAY. GTD orders carry their expiry and must have one.
func BuildRequest(conid string, c domain.Contract, o domain.Order, coid string) (domain.OrderRequest, error) {
	ot, ok := orderTypes[o.Type]
	if !ok {
		ot = "MKT"
	}
	side := "BUY"
	if o.Side == domain.OrderSideSell {
		side = "SELL"
	}
	tif := string(o.TIF)
	if tif == "" {
		tif = string(domain.TIFDay)
	}
	secType := c.SecType
	if secType == "" {
		secType = domain.SecTypeStock
	}

	req := domain.OrderRequest{
		ConID:         conid,
		Symbol:        c.Symbol,
		SecType:       secType,
		ClientOrderID: coid,
		OrderType:     ot,
		Side:          side,
		TIF:           tif,
		Quantity:      o.Qty,
	}
	if tif == string(domain.TIFGTD) {
		if o.GoodTill.IsZero() {
			return domain.OrderRequest{}, ErrMissingExpiry
		}
		req.GoodTill = o.GoodTill
	}
	switch ot {
	case "LMT":
		req.Price = o.LimitPrice
	case "STP":
		req.AuxPrice = o.StopPrice
	case "STP LMT":
		req.Price = o.LimitPrice
		req.AuxPrice = o.StopPrice
	}
	return req, nil
}
