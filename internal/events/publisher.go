package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Publisher publishes call events.
type Publisher interface {
	// Publish sends an event. Errors are transport failures only.
	Publish(ctx context.Context, event Event) error

	// PublishAsync sends an event without waiting for confirmation.
	PublishAsync(event Event)

	// Flush waits for pending async events.
	Flush(ctx context.Context) error

	// Close releases resources after flushing.
	Close() error
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (p *NoopPublisher) Publish(context.Context, Event) error { return nil }
func (p *NoopPublisher) PublishAsync(Event)                   {}
func (p *NoopPublisher) Flush(context.Context) error          { return nil }
func (p *NoopPublisher) Close() error                         { return nil }

// LoggingPublisher logs events at debug level.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(_ context.Context, event Event) error {
	p.log(event)
	return nil
}

func (p *LoggingPublisher) PublishAsync(event Event) { p.log(event) }

func (p *LoggingPublisher) Flush(context.Context) error { return nil }
func (p *LoggingPublisher) Close() error                { return nil }

func (p *LoggingPublisher) log(event Event) {
	attrs := []any{"subject", event.Subject(), "type", event.Type(), "call_id", event.CallID()}
	if ce, ok := event.(*CallEvent); ok && ce.Reason != "" {
		attrs = append(attrs, "reason", ce.Reason)
	}
	p.logger.Debug("[Events] Event published", attrs...)
}

// ChannelPublisher publishes to an in-memory channel. Events are dropped
// when the buffer is full.
type ChannelPublisher struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Int64
}

// NewChannelPublisher creates a publisher backed by a buffered channel.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{ch: make(chan Event, bufferSize)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}

	select {
	case p.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.dropped.Add(1)
		slog.Warn("[Events] Event dropped, buffer full", "type", event.Type(), "call_id", event.CallID())
		return nil
	}
}

func (p *ChannelPublisher) PublishAsync(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.ch <- event:
	default:
		p.dropped.Add(1)
	}
}

func (p *ChannelPublisher) Flush(context.Context) error { return nil }

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Events returns the channel for consuming events.
func (p *ChannelPublisher) Events() <-chan Event { return p.ch }

// DroppedCount returns the number of events dropped due to a full buffer.
func (p *ChannelPublisher) DroppedCount() int64 { return p.dropped.Load() }

// MultiPublisher fans out events to multiple publishers.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher creates a publisher that sends to all provided publishers.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) Publish(ctx context.Context, event Event) error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil {
			lastErr = err
			slog.Warn("[Events] One publisher failed", "error", err, "type", event.Type())
		}
	}
	return lastErr
}

func (p *MultiPublisher) PublishAsync(event Event) {
	for _, pub := range p.publishers {
		pub.PublishAsync(event)
	}
}

func (p *MultiPublisher) Flush(ctx context.Context) error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Flush(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (p *MultiPublisher) Close() error {
	var lastErr error
	for _, pub := range p.publishers {
		if err := pub.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
