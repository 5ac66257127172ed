// Package remotetest provides an in-memory remote.Backend for tests.
package remotetest

import (
	"context"
	"errors"
	"sync"

	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/remote"
)

// Sent records one outbound operation on a call handle.
type Sent struct {
	CallID string
	Target string
	Event  call.Event
}

// Backend records outbound operations and lets tests drive inbound ones.
type Backend struct {
	mu      sync.Mutex
	handler remote.Handler
	calls   map[string]*Call
	sent    []Sent
	// FailCall makes Call return an error for these ids.
	FailCall map[string]bool
	// FailInvite makes Invite return this error.
	FailInvite error
}

var _ remote.Backend = (*Backend)(nil)

// New creates an empty backend.
func New() *Backend {
	return &Backend{calls: make(map[string]*Call), FailCall: make(map[string]bool)}
}

func (b *Backend) SetHandler(h remote.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *Backend) Call(callID string) (remote.Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailCall[callID] {
		return nil, remote.ErrUnknownCall
	}
	c, ok := b.calls[callID]
	if !ok {
		c = &Call{id: callID, backend: b}
		b.calls[callID] = c
	}
	return c, nil
}

func (b *Backend) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (b *Backend) Close() error { return nil }

// Sent returns a snapshot of recorded outbound operations.
func (b *Backend) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

func (b *Backend) record(s Sent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, s)
}

func (b *Backend) h() remote.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

// Ring simulates an inbound call.
func (b *Backend) Ring(callID, origin string, inv *call.Invite) {
	b.h().OnCallCreate(callID, origin, inv)
}

// HangUp simulates the remote party ending the call.
func (b *Backend) HangUp(callID, reason string) {
	b.h().OnCallDestroy(callID, call.NewHangup(callID, reason))
}

// Signal simulates an answer or candidates from the remote party.
func (b *Backend) Signal(callID string, ev call.Event) {
	b.h().OnCallSignal(callID, ev)
}

// Call is an in-memory call handle.
type Call struct {
	id      string
	backend *Backend
}

func (c *Call) ID() string { return c.id }

func (c *Call) Invite(_ context.Context, target string, ev *call.Invite) error {
	c.backend.mu.Lock()
	err := c.backend.FailInvite
	c.backend.mu.Unlock()
	if err != nil {
		return err
	}
	c.backend.record(Sent{CallID: c.id, Target: target, Event: ev})
	return nil
}

func (c *Call) Answer(_ context.Context, ev *call.Answer) error {
	c.backend.record(Sent{CallID: c.id, Event: ev})
	return nil
}

func (c *Call) Candidates(_ context.Context, ev *call.Candidates) error {
	c.backend.record(Sent{CallID: c.id, Event: ev})
	return nil
}

func (c *Call) Hangup(_ context.Context, ev *call.Hangup) error {
	c.backend.record(Sent{CallID: c.id, Event: ev})
	return nil
}

// ErrRefused is a convenience error for FailInvite.
var ErrRefused = errors.New("remote refused")
