// Package store provides a generic concurrent registry with idle expiry.
package store

import (
	"sync"
	"time"
)

// Entry wraps a value with activity metadata
type Entry[V any] struct {
	Value      V
	CreatedAt  time.Time
	LastActive time.Time
}

// IdleFor returns how long the entry has gone without a Touch
func (e *Entry[V]) IdleFor(now time.Time) time.Duration {
	return now.Sub(e.LastActive)
}

// IdleStore is a concurrent map whose entries are evicted after a period
// without activity. Creation is atomic per key: concurrent LoadOrCreate calls
// for the same key observe exactly one winner.
type IdleStore[K comparable, V comparable] struct {
	mu      sync.RWMutex
	items   map[K]*Entry[V]
	idle    time.Duration
	stopCh  chan struct{}
	stopped sync.Once
	onEvict func(key K, value V)
	now     func() time.Time
}

// NewIdleStore creates a store that evicts entries idle longer than idle,
// checking every sweepInterval. An idle of zero disables eviction.
func NewIdleStore[K comparable, V comparable](idle, sweepInterval time.Duration) *IdleStore[K, V] {
	s := &IdleStore[K, V]{
		items:  make(map[K]*Entry[V]),
		idle:   idle,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	if idle > 0 && sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

// SweepInterval derives a sweep period from an idle timeout: a quarter of
// it, clamped to [1s, 1m]. It is zero when idle is.
func SweepInterval(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// SetOnEvict sets the callback invoked for entries removed by the idle sweep.
// It is not called on Delete.
func (s *IdleStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// LoadOrCreate returns the value stored under key, creating it with create
// when absent. created reports whether this call stored the value.
// create runs under the store lock and must not call back into the store.
func (s *IdleStore[K, V]) LoadOrCreate(key K, create func() V) (value V, created bool) {
	s.mu.RLock()
	entry, exists := s.items[key]
	s.mu.RUnlock()
	if exists {
		return entry.Value, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.items[key]; exists {
		return entry.Value, false
	}
	now := s.now()
	s.items[key] = &Entry[V]{Value: create(), CreatedAt: now, LastActive: now}
	return s.items[key].Value, true
}

// Get retrieves a value by key
func (s *IdleStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.items[key]
	if !exists {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Touch marks the entry as active
func (s *IdleStore[K, V]) Touch(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.items[key]
	if !exists {
		return false
	}
	entry.LastActive = s.now()
	return true
}

// Delete removes and returns the value under key
func (s *IdleStore[K, V]) Delete(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.items[key]
	if !exists {
		var zero V
		return zero, false
	}
	delete(s.items, key)
	return entry.Value, true
}

// CompareAndDelete removes key only while it still maps to value.
func (s *IdleStore[K, V]) CompareAndDelete(key K, value V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.items[key]
	if !exists || entry.Value != value {
		return false
	}
	delete(s.items, key)
	return true
}

// Len returns the number of stored entries
func (s *IdleStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Values returns a snapshot of all stored values
func (s *IdleStore[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]V, 0, len(s.items))
	for _, entry := range s.items {
		out = append(out, entry.Value)
	}
	return out
}

// Close stops the sweep goroutine. Stored entries are left in place.
func (s *IdleStore[K, V]) Close() {
	s.stopped.Do(func() { close(s.stopCh) })
}

func (s *IdleStore[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep evicts idle entries now and returns how many were removed.
func (s *IdleStore[K, V]) Sweep() int {
	if s.idle <= 0 {
		return 0
	}

	s.mu.Lock()
	now := s.now()
	var evicted []struct {
		key   K
		value V
	}
	for key, entry := range s.items {
		if entry.IdleFor(now) > s.idle {
			evicted = append(evicted, struct {
				key   K
				value V
			}{key, entry.Value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	// Callbacks run outside the lock so they may call back into the store.
	if onEvict != nil {
		for _, e := range evicted {
			onEvict(e.key, e.value)
		}
	}
	return len(evicted)
}
