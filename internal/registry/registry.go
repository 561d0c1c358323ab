// Package registry maps request ("ticker") ids to the queues their results
// are delivered on.
package registry

import (
	"sort"
	"sync"

	"brokerstore/internal/domain"
)

// BaseTickerID is the first ticker id handed out. Ids are allocated
// upward from here and never reused.
const BaseTickerID int64 = 0x01000000

// CashMode records which quote side feeds a cash/CFD ticker.
type CashMode int

const (
	CashNone CashMode = iota
	CashBid
	CashAsk
)

// Registry is a thread-safe bidirectional mapping between ticker ids and
// their delivery queues.
type Registry struct {
	mu     sync.Mutex
	next   int64
	queues map[int64]*Queue
	ids    map[*Queue]int64
	cash   map[int64]CashMode
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		next:   BaseTickerID,
		queues: make(map[int64]*Queue),
		ids:    make(map[*Queue]int64),
		cash:   make(map[int64]CashMode),
	}
}

// StartQueue returns a fresh queue that already carries one sentinel.
// Callers use it to hand out an immediately-terminated stream.
func StartQueue() *Queue {
	q := NewQueue()
	q.Put(nil)
	return q
}

// Allocate reserves the next ticker id and binds a new queue to it.
func (r *Registry) Allocate() (int64, *Queue) {
	q := NewQueue()
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.queues[id] = q
	r.ids[q] = id
	return id, q
}

// Reuse rebinds the queue registered under oldID to a freshly allocated id.
// The cash mode of the old id carries over. ok is false if oldID is unknown.
func (r *Registry) Reuse(oldID int64) (int64, *Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, exists := r.queues[oldID]
	if !exists {
		return 0, nil, false
	}
	delete(r.queues, oldID)
	mode, hasMode := r.cash[oldID]
	delete(r.cash, oldID)

	id := r.next
	r.next++
	r.queues[id] = q
	r.ids[q] = id
	if hasMode {
		r.cash[id] = mode
	}
	return id, q, true
}

// Cancel unbinds q. If q was registered and sendSentinel is set, a nil
// sentinel is put on q so consumers observe end-of-stream exactly once.
// Cancelling an unknown queue is a no-op. It returns the id q was bound to,
// or 0.
func (r *Registry) Cancel(q *Queue, sendSentinel bool) int64 {
	r.mu.Lock()
	id, exists := r.ids[q]
	if exists {
		delete(r.ids, q)
		delete(r.queues, id)
		delete(r.cash, id)
	}
	r.mu.Unlock()
	if exists && sendSentinel {
		q.Put(nil)
	}
	return id
}

// Valid reports whether q is currently bound to a ticker id.
func (r *Registry) Valid(q *Queue) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[q]
	return ok
}

// ID returns the ticker id bound to q.
func (r *Registry) ID(q *Queue) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[q]
	return id, ok
}

// Lookup returns the queue bound to id.
func (r *Registry) Lookup(id int64) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	return q, ok
}

// SetCash marks id as a cash ticker fed from the given quote side.
func (r *Registry) SetCash(id int64, mode CashMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[id]; !ok {
		return
	}
	if mode == CashNone {
		delete(r.cash, id)
		return
	}
	r.cash[id] = mode
}

// Cash returns the cash mode of id.
func (r *Registry) Cash(id int64) CashMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cash[id]
}

// Queues returns a snapshot of every bound queue in allocation order.
func (r *Registry) Queues() []*Queue {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Queue, len(ids))
	for i, id := range ids {
		out[i] = r.queues[id]
	}
	r.mu.Unlock()
	return out
}

// Len returns the number of bound queues.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// Broadcast puts msg on every bound queue.
func (r *Registry) Broadcast(msg domain.Message) {
	for _, q := range r.Queues() {
		q.Put(msg)
	}
}
