package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events as JSON on redis pub/sub channels named
// by the event subject.
type RedisPublisher struct {
	rdb redis.Cmdable

	queue   chan Event
	pending sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// NewRedisPublisher creates a publisher with an async queue of queueSize.
func NewRedisPublisher(rdb redis.Cmdable, queueSize int) *RedisPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &RedisPublisher{
		rdb:   rdb,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.Type(), err)
	}
	if err := p.rdb.Publish(ctx, event.Subject(), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", event.Subject(), err)
	}
	return nil
}

func (p *RedisPublisher) PublishAsync(event Event) {
	select {
	case <-p.done:
		return
	default:
	}

	p.pending.Add(1)
	select {
	case p.queue <- event:
	default:
		p.pending.Done()
		slog.Warn("[Events] Redis queue full, dropping event", "type", event.Type(), "call_id", event.CallID())
	}
}

func (p *RedisPublisher) run() {
	for {
		select {
		case event := <-p.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := p.Publish(ctx, event); err != nil {
				slog.Warn("[Events] Async publish failed", "type", event.Type(), "error", err)
			}
			cancel()
			p.pending.Done()
		case <-p.done:
			return
		}
	}
}

// Flush waits until queued events are published or ctx ends.
func (p *RedisPublisher) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes for up to five seconds and stops the worker.
func (p *RedisPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Flush(ctx)
	p.once.Do(func() { close(p.done) })
	return err
}
