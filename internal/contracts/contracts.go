// Package contracts resolves framework contracts to backend conids and keeps
// a two-way cache of the results.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"brokerstore/internal/domain"
)

// Searcher is the backend contract search used on a cache miss.
type Searcher interface {
	SearchContract(ctx context.Context, symbol, secType string) ([]domain.ContractRecord, error)
}

// Key is the normalized cache key of a contract.
type Key struct {
	Symbol   string
	SecType  string
	Exchange string
}

// KeyOf normalizes c into a Key. Missing security types default to STK and
// missing exchanges to SMART.
func KeyOf(c domain.Contract) Key {
	k := Key{
		Symbol:   norm(c.Symbol),
		SecType:  norm(c.SecType),
		Exchange: norm(c.Exchange),
	}
	if k.SecType == "" {
		k.SecType = domain.SecTypeStock
	}
	if k.Exchange == "" {
		k.Exchange = domain.ExchangeSmart
	}
	return k
}

func (k Key) String() string { return k.Symbol + ":" + k.SecType + "@" + k.Exchange }

func norm(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// Options configures a Mapper.
type Options struct {
	// Cache keeps resolved contracts for the process lifetime. When false
	// every Resolve searches.
	Cache bool
	// TrackStats counts cache hits and misses.
	TrackStats bool
	// Debug logs resolution failures at Info instead of Debug.
	Debug bool
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits     int64
	Misses   int64
	Searches int64
}

// Mapper resolves contracts through a Searcher. Entries are never evicted.
type Mapper struct {
	search Searcher
	opts   Options
	log    *slog.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	forward map[Key]string
	reverse map[string]domain.ContractRecord

	hits, misses, searches atomic.Int64
}

// NewMapper creates a Mapper backed by s.
func NewMapper(s Searcher, opts Options) *Mapper {
	return &Mapper{
		search:  s,
		opts:    opts,
		log:     slog.Default().With("component", "contracts"),
		forward: make(map[Key]string),
		reverse: make(map[string]domain.ContractRecord),
	}
}

// Resolve returns the conid of c. ok is false when the search failed or
// returned nothing; the failure is logged, never returned.
func (m *Mapper) Resolve(ctx context.Context, c domain.Contract) (string, bool) {
	key := KeyOf(c)

	if m.opts.Cache {
		m.mu.RLock()
		conid, ok := m.forward[key]
		m.mu.RUnlock()
		if ok {
			if m.opts.TrackStats {
				m.hits.Add(1)
			}
			return conid, true
		}
	}
	if m.opts.TrackStats {
		m.misses.Add(1)
	}

	v, err, _ := m.group.Do(key.String(), func() (any, error) {
		m.searches.Add(1)
		recs, err := m.search.SearchContract(ctx, key.Symbol, key.SecType)
		if err != nil {
			return nil, err
		}
		rec, ok := pick(recs, key.Exchange)
		if !ok {
			return nil, errNoCandidates
		}
		m.mu.Lock()
		if m.opts.Cache {
			m.forward[key] = rec.ConID
		}
		m.reverse[rec.ConID] = rec
		m.mu.Unlock()
		return rec.ConID, nil
	})
	if err != nil {
		m.logFailure("contract not resolved", "contract", key.String(), "error", err)
		return "", false
	}
	return v.(string), true
}

var errNoCandidates = errors.New("no candidates")

// pick applies the exchange tie-break: an exact exchange match wins,
// otherwise the first candidate.
func pick(recs []domain.ContractRecord, exchange string) (domain.ContractRecord, bool) {
	if len(recs) == 0 {
		return domain.ContractRecord{}, false
	}
	for _, r := range recs {
		if strings.EqualFold(strings.TrimSpace(r.Exchange), exchange) {
			return r, true
		}
	}
	return recs[0], true
}

// Details returns every candidate the backend lists for c whose security
// type matches. Each candidate is added to the reverse cache; the forward
// cache is untouched.
func (m *Mapper) Details(ctx context.Context, c domain.Contract) ([]domain.ContractRecord, error) {
	key := KeyOf(c)
	m.searches.Add(1)
	recs, err := m.search.SearchContract(ctx, key.Symbol, key.SecType)
	if err != nil {
		return nil, fmt.Errorf("contract details %s: %w", key, err)
	}
	out := make([]domain.ContractRecord, 0, len(recs))
	for _, r := range recs {
		if r.SecType != "" && !strings.EqualFold(r.SecType, key.SecType) {
			continue
		}
		out = append(out, r)
	}
	m.mu.Lock()
	for _, r := range out {
		m.reverse[r.ConID] = r
	}
	m.mu.Unlock()
	return out, nil
}

// Record returns the search record cached for conid.
func (m *Mapper) Record(conid string) (domain.ContractRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reverse[conid]
	return r, ok
}

// Contract rebuilds a framework contract from the cached record of conid.
func (m *Mapper) Contract(conid string) (domain.Contract, bool) {
	r, ok := m.Record(conid)
	if !ok {
		return domain.Contract{}, false
	}
	return domain.Contract{
		ConID:    r.ConID,
		Symbol:   r.Symbol,
		SecType:  r.SecType,
		Exchange: r.Exchange,
		Currency: r.Currency,
	}, true
}

// Len returns the number of cached forward entries.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forward)
}

// Stats returns the hit/miss counters. Hits and Misses stay zero unless
// TrackStats is set.
func (m *Mapper) Stats() Stats {
	return Stats{
		Hits:     m.hits.Load(),
		Misses:   m.misses.Load(),
		Searches: m.searches.Load(),
	}
}

func (m *Mapper) logFailure(msg string, args ...any) {
	if m.opts.Debug {
		m.log.Info(msg, args...)
		return
	}
	m.log.Debug(msg, args...)
}
