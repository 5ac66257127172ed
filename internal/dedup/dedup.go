// Package dedup suppresses redelivered chat transport transactions.
package dedup

import (
	"context"
	"sync"
)

// DefaultCapacity is how many recent transaction ids are remembered.
const DefaultCapacity = 5

// Store answers whether a transaction id was already processed and records
// it in the same step.
type Store interface {
	CheckAndMark(ctx context.Context, txnID string) (seen bool, err error)
}

// Recent remembers the last N transaction ids in memory. When full, the
// oldest id is evicted.
type Recent struct {
	mu       sync.Mutex
	capacity int
	ring     []string
	next     int
	set      map[string]struct{}
}

var _ Store = (*Recent)(nil)

// NewRecent creates a window of the given capacity. Non-positive capacity
// falls back to DefaultCapacity.
func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recent{
		capacity: capacity,
		ring:     make([]string, 0, capacity),
		set:      make(map[string]struct{}, capacity),
	}
}

// CheckAndMark reports whether txnID was seen and records it if not.
func (r *Recent) CheckAndMark(_ context.Context, txnID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.set[txnID]; ok {
		return true, nil
	}
	r.mark(txnID)
	return false, nil
}

// Len returns the number of remembered ids.
func (r *Recent) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ring)
}

func (r *Recent) mark(txnID string) {
	if _, ok := r.set[txnID]; ok {
		return
	}
	if len(r.ring) < r.capacity {
		r.ring = append(r.ring, txnID)
	} else {
		delete(r.set, r.ring[r.next])
		r.ring[r.next] = txnID
		r.next = (r.next + 1) % r.capacity
	}
	r.set[txnID] = struct{}{}
}
