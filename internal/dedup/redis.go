package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares the dedup window between bridge replicas. Each id is a
// key set with NX and expires after ttl.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store. An empty prefix defaults to "callbridge:txn:".
func NewRedisStore(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "callbridge:txn:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// CheckAndMark reports whether txnID was seen by any replica.
func (s *RedisStore) CheckAndMark(ctx context.Context, txnID string) (bool, error) {
	stored, err := s.rdb.SetNX(ctx, s.prefix+txnID, time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", txnID, err)
	}
	return !stored, nil
}

// Layered checks the in-memory window before the shared store. A shared
// store failure is returned alongside the local verdict.
type Layered struct {
	Local  *Recent
	Shared Store
}

var _ Store = (*Layered)(nil)

// CheckAndMark consults Local first and only reaches Shared on a local miss.
func (l *Layered) CheckAndMark(ctx context.Context, txnID string) (bool, error) {
	seen, _ := l.Local.CheckAndMark(ctx, txnID)
	if seen || l.Shared == nil {
		return seen, nil
	}
	return l.Shared.CheckAndMark(ctx, txnID)
}
