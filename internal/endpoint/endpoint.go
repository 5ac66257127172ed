// Package endpoint models one side of a bridged call: a per-call signaling
// conduit that accepts inbound events, relays outbound ones and notifies
// listeners.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/callbridge/internal/call"
)

var (
	// ErrClosed is returned when sending on an endpoint that has terminated.
	ErrClosed = errors.New("endpoint closed")

	// ErrNoSender is returned when an endpoint has no outbound path.
	ErrNoSender = errors.New("endpoint has no sender")
)

// Side identifies which network an endpoint faces.
type Side int

const (
	SideChat Side = iota
	SideRemote
)

// String returns the string representation of Side.
func (s Side) String() string {
	switch s {
	case SideChat:
		return "chat"
	case SideRemote:
		return "remote"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

// Owner identifies who a call endpoint belongs to on its side.
// Chat endpoints carry RoomID, UserID (the virtual user) and PeerUserID
// (the real participant). Remote endpoints carry RemoteID.
type Owner struct {
	RoomID     string
	UserID     string
	PeerUserID string
	RemoteID   string
}

// Sender delivers outbound events to the network an endpoint faces.
type Sender interface {
	Send(ctx context.Context, ep *Endpoint, ev call.Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ep *Endpoint, ev call.Event) error

func (f SenderFunc) Send(ctx context.Context, ep *Endpoint, ev call.Event) error {
	return f(ctx, ep, ev)
}

// Info is a point-in-time snapshot of an endpoint.
type Info struct {
	CallID       string
	Side         Side
	Owner        Owner
	State        call.State
	CreatedAt    time.Time
	LastActivity time.Time
	RemoteMedia  []string
	LocalMedia   []string
}

// Endpoint is one side of a bridged call.
type Endpoint struct {
	side      Side
	callID    string
	owner     Owner
	sender    Sender
	createdAt time.Time

	// Copy-on-write so dispatch never holds a lock while calling out.
	listeners atomic.Pointer[[]Listener]

	mu           sync.RWMutex
	state        call.State
	lastActivity time.Time
	remoteSDP    string
	localSDP     string

	onActivity func()
	closeOnce  sync.Once
	done       chan struct{}
}

// New creates an endpoint for callID. sender may be nil for endpoints that
// only observe inbound signaling.
func New(side Side, callID string, owner Owner, sender Sender) *Endpoint {
	now := time.Now()
	e := &Endpoint{
		side:         side,
		callID:       callID,
		owner:        owner,
		sender:       sender,
		createdAt:    now,
		state:        call.StateNew,
		lastActivity: now,
		done:         make(chan struct{}),
	}
	empty := []Listener{}
	e.listeners.Store(&empty)
	return e
}

// Side returns the side the endpoint faces.
func (e *Endpoint) Side() Side { return e.side }

// CallID returns the call identifier.
func (e *Endpoint) CallID() string { return e.callID }

// Owner returns the owning identities.
func (e *Endpoint) Owner() Owner { return e.owner }

// Done is closed when the endpoint terminates.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// State returns the current state.
func (e *Endpoint) State() call.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Info returns a snapshot of the endpoint.
func (e *Endpoint) Info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Info{
		CallID:       e.callID,
		Side:         e.side,
		Owner:        e.owner,
		State:        e.state,
		CreatedAt:    e.createdAt,
		LastActivity: e.lastActivity,
		RemoteMedia:  call.MediaSummary(e.remoteSDP),
		LocalMedia:   call.MediaSummary(e.localSDP),
	}
}

// AddListener registers l for all subsequent notifications. It is safe to
// call concurrently with dispatch.
func (e *Endpoint) AddListener(l Listener) {
	for {
		old := e.listeners.Load()
		next := make([]Listener, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, l)
		if e.listeners.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (e *Endpoint) snapshot() []Listener {
	return *e.listeners.Load()
}

// Inject delivers an inbound event from the endpoint's own network and
// notifies listeners. A hangup terminates the endpoint.
func (e *Endpoint) Inject(ev call.Event) {
	if ev.CallID() != e.callID {
		slog.Warn("[Endpoint] Dropping event for another call",
			"side", e.side, "call_id", e.callID, "event_call_id", ev.CallID())
		return
	}

	e.mu.Lock()
	if e.state.IsTerminal() {
		state := e.state
		e.mu.Unlock()
		slog.Debug("[Endpoint] Ignoring event on terminated endpoint",
			"side", e.side, "call_id", e.callID, "kind", ev.Kind(), "state", state)
		return
	}
	e.state = e.state.Next(ev.Kind())
	e.lastActivity = time.Now()
	switch ev := ev.(type) {
	case *call.Invite:
		e.remoteSDP = ev.Offer.SDP
	case *call.Answer:
		e.remoteSDP = ev.Answer.SDP
	}
	e.mu.Unlock()
	e.touch()

	listeners := e.snapshot()
	switch ev := ev.(type) {
	case *call.Invite:
		for _, l := range listeners {
			l.OnInvite(e, ev)
		}
		for _, l := range listeners {
			l.OnSdpUpdate(e, ev.Offer)
		}
	case *call.Candidates:
		for _, l := range listeners {
			l.OnCandidates(e, ev)
		}
	case *call.Answer:
		for _, l := range listeners {
			l.OnAnswer(e, ev)
		}
		for _, l := range listeners {
			l.OnSdpUpdate(e, ev.Answer)
		}
	case *call.Hangup:
		for _, l := range listeners {
			l.OnHangup(e, ev)
		}
		e.Close()
	}
}

// Send relays an outbound event to the endpoint's own network.
// Sending a hangup terminates the endpoint whether or not delivery succeeds.
func (e *Endpoint) Send(ctx context.Context, ev call.Event) error {
	if e.sender == nil {
		return ErrNoSender
	}

	e.mu.Lock()
	if e.state.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrClosed, e.side, e.callID)
	}
	e.state = e.state.Next(ev.Kind())
	e.lastActivity = time.Now()
	switch ev := ev.(type) {
	case *call.Invite:
		e.localSDP = ev.Offer.SDP
	case *call.Answer:
		e.localSDP = ev.Answer.SDP
	}
	e.mu.Unlock()
	e.touch()

	err := e.sender.Send(ctx, e, ev)
	if ev.Kind() == call.KindHangup {
		e.Close()
	}
	if err != nil {
		return fmt.Errorf("send %s on %s endpoint %s: %w", ev.Kind(), e.side, e.callID, err)
	}
	return nil
}

// Close terminates the endpoint and emits the close notification once.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		if !e.state.IsTerminal() {
			e.state = call.StateTerminated
		}
		e.mu.Unlock()

		close(e.done)
		for _, l := range e.snapshot() {
			l.OnClose(e)
		}
	})
}

func (e *Endpoint) touch() {
	if e.onActivity != nil {
		e.onActivity()
	}
}
