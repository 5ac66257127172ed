package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/endpoint"
)

// Listener is notified when remote-side calls start and end.
type Listener interface {
	OnCallCreate(ep *endpoint.Endpoint, origin string, ev *call.Invite)
	OnCallDestroy(ep *endpoint.Endpoint, ev *call.Hangup)
}

// Bridge is the remote side of the bridge.
type Bridge struct {
	backend   Backend
	registry  *endpoint.Registry
	listeners atomic.Pointer[[]Listener]
}

var (
	_ Handler         = (*Bridge)(nil)
	_ endpoint.Sender = (*Bridge)(nil)
)

// NewBridge creates the remote bridge and installs itself as the backend's
// handler.
func NewBridge(backend Backend, idleTimeout time.Duration) *Bridge {
	b := &Bridge{
		backend:  backend,
		registry: endpoint.NewRegistry(endpoint.SideRemote, idleTimeout),
	}
	empty := []Listener{}
	b.listeners.Store(&empty)
	backend.SetHandler(b)
	return b
}

// AddListener registers l for call creation and destruction notifications.
func (b *Bridge) AddListener(l Listener) {
	for {
		old := b.listeners.Load()
		next := make([]Listener, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, l)
		if b.listeners.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Endpoint returns the endpoint for callID, creating it when absent.
func (b *Bridge) Endpoint(callID string) (*endpoint.Endpoint, error) {
	ep, _, err := b.obtain(callID, "")
	return ep, err
}

// Lookup returns the live endpoint for callID without creating one.
func (b *Bridge) Lookup(callID string) (*endpoint.Endpoint, bool) {
	return b.registry.Get(callID)
}

// Endpoints returns all live remote endpoints.
func (b *Bridge) Endpoints() []*endpoint.Endpoint {
	return b.registry.List()
}

func (b *Bridge) obtain(callID, remoteID string) (*endpoint.Endpoint, bool, error) {
	if ep, ok := b.registry.Get(callID); ok {
		return ep, false, nil
	}
	// Resolve the handle first so a backend failure never leaves an entry behind.
	if _, err := b.backend.Call(callID); err != nil {
		return nil, false, fmt.Errorf("backend call %s: %w", callID, err)
	}
	ep, created := b.registry.GetOrCreate(callID, func() *endpoint.Endpoint {
		return endpoint.New(endpoint.SideRemote, callID, endpoint.Owner{RemoteID: remoteID}, b)
	})
	return ep, created, nil
}

// Originate starts a call towards remoteID carrying inv. Listeners are
// attached before the invite goes out. It is a no-op when an endpoint for
// the call already exists.
func (b *Bridge) Originate(ctx context.Context, callID, remoteID string, inv *call.Invite, listeners ...endpoint.Listener) (*endpoint.Endpoint, error) {
	ep, created, err := b.obtain(callID, remoteID)
	if err != nil {
		return nil, err
	}
	if !created {
		return ep, nil
	}
	for _, l := range listeners {
		ep.AddListener(l)
	}

	slog.Info("[Remote] Originating call", "call_id", callID, "remote_id", remoteID)
	if err := ep.Send(ctx, inv); err != nil {
		b.registry.Detach(ep)
		ep.Close()
		return nil, err
	}
	return ep, nil
}

// OnCallCreate is called by the backend for a new remote-originated call.
func (b *Bridge) OnCallCreate(callID, origin string, ev *call.Invite) {
	ep, created, err := b.obtain(callID, origin)
	if err != nil {
		slog.Warn("[Remote] Cannot create endpoint for new call", "call_id", callID, "error", err)
		return
	}
	if !created {
		slog.Debug("[Remote] Duplicate call create", "call_id", callID)
		return
	}

	slog.Info("[Remote] Call created", "call_id", callID, "origin", origin)
	for _, l := range *b.listeners.Load() {
		l.OnCallCreate(ep, origin, ev)
	}
	ep.Inject(ev)
}

// OnCallDestroy is called by the backend when a call ends.
func (b *Bridge) OnCallDestroy(callID string, ev *call.Hangup) {
	ep, ok := b.registry.Get(callID)
	if !ok {
		slog.Warn("[Remote] Destroy for unknown call", "call_id", callID)
		return
	}

	slog.Info("[Remote] Call destroyed", "call_id", callID, "reason", ev.Reason)
	for _, l := range *b.listeners.Load() {
		l.OnCallDestroy(ep, ev)
	}
	ep.Inject(ev)
}

// OnCallSignal is called by the backend for answers and candidates.
func (b *Bridge) OnCallSignal(callID string, ev call.Event) {
	ep, ok := b.registry.Get(callID)
	if !ok {
		slog.Warn("[Remote] Signal for unknown call", "call_id", callID, "kind", ev.Kind())
		return
	}
	ep.Inject(ev)
}

// Send delivers an outbound event through the backend call handle.
func (b *Bridge) Send(ctx context.Context, ep *endpoint.Endpoint, ev call.Event) error {
	handle, err := b.backend.Call(ep.CallID())
	if err != nil {
		return err
	}

	switch e := ev.(type) {
	case *call.Invite:
		return handle.Invite(ctx, ep.Owner().RemoteID, e)
	case *call.Answer:
		return handle.Answer(ctx, e)
	case *call.Candidates:
		return handle.Candidates(ctx, e)
	case *call.Hangup:
		return handle.Hangup(ctx, e)
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

// Close closes every live remote endpoint.
func (b *Bridge) Close() {
	b.registry.Close()
}

// Len returns the number of live remote endpoints.
func (b *Bridge) Len() int {
	return b.registry.Len()
}
