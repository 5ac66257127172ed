package store

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type item struct{ id int }

func TestLoadOrCreate_SingleWinner(t *testing.T) {
	s := NewIdleStore[string, *item](0, 0)
	defer s.Close()

	var creations atomic.Int32
	var winners atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created := s.LoadOrCreate("k", func() *item {
				creations.Add(1)
				return &item{id: i}
			})
			if created {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := creations.Load(); got != 1 {
		t.Errorf("create called %d times, want 1", got)
	}
	if got := winners.Load(); got != 1 {
		t.Errorf("created=true returned %d times, want 1", got)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestCompareAndDelete(t *testing.T) {
	s := NewIdleStore[string, *item](0, 0)
	defer s.Close()

	first, _ := s.LoadOrCreate("k", func() *item { return &item{id: 1} })
	s.Delete("k")
	second, _ := s.LoadOrCreate("k", func() *item { return &item{id: 2} })

	if s.CompareAndDelete("k", first) {
		t.Error("CompareAndDelete() removed a replaced value")
	}
	if got, ok := s.Get("k"); !ok || got != second {
		t.Errorf("Get() = %v, %v, want second value", got, ok)
	}
	if !s.CompareAndDelete("k", second) {
		t.Error("CompareAndDelete() = false for current value")
	}
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	s := NewIdleStore[string, *item](time.Minute, 0)
	defer s.Close()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	var evicted []string
	s.SetOnEvict(func(key string, _ *item) {
		evicted = append(evicted, key)
		// Callbacks may re-enter the store.
		s.Len()
	})

	s.LoadOrCreate("stale", func() *item { return &item{} })
	s.LoadOrCreate("fresh", func() *item { return &item{} })

	clock = clock.Add(50 * time.Second)
	s.Touch("fresh")
	clock = clock.Add(20 * time.Second)

	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Errorf("evicted = %v, want [stale]", evicted)
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("fresh entry was evicted")
	}
}

func TestSweepDisabled(t *testing.T) {
	s := NewIdleStore[string, *item](0, 0)
	defer s.Close()

	s.LoadOrCreate("k", func() *item { return &item{} })
	if n := s.Sweep(); n != 0 {
		t.Errorf("Sweep() = %d, want 0 with eviction disabled", n)
	}
}

func TestSweepInterval(t *testing.T) {
	tests := []struct {
		idle time.Duration
		want time.Duration
	}{
		{0, 0},
		{time.Second, time.Second},
		{40 * time.Second, 10 * time.Second},
		{4 * time.Hour, time.Minute},
	}
	for _, tt := range tests {
		if got := SweepInterval(tt.idle); got != tt.want {
			t.Errorf("SweepInterval(%v) = %v, want %v", tt.idle, got, tt.want)
		}
	}
}
