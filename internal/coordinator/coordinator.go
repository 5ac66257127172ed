// Package coordinator pairs chat and remote endpoints of the same call and
// relays signaling between them.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/endpoint"
	"github.com/sebas/callbridge/internal/events"
	"github.com/sebas/callbridge/internal/matrix"
	"github.com/sebas/callbridge/internal/remote"
	"github.com/sebas/callbridge/internal/store"
)

const (
	defaultRelayWorkers = 64
	defaultRelayTimeout = 15 * time.Second
)

// ChatSide is the chat bridge as seen by the coordinator.
type ChatSide interface {
	AddListener(l matrix.Listener)
	OpenEndpoint(ctx context.Context, callID, remoteID string) (*endpoint.Endpoint, error)
}

// RemoteSide is the remote bridge as seen by the coordinator.
type RemoteSide interface {
	AddListener(l remote.Listener)
	Originate(ctx context.Context, callID, remoteID string, inv *call.Invite, listeners ...endpoint.Listener) (*endpoint.Endpoint, error)
}

// Config holds coordinator settings.
type Config struct {
	// RelayWorkers bounds how many pairs relay concurrently.
	RelayWorkers int
	// RelayTimeout bounds a single relay step.
	RelayTimeout time.Duration
	// IdleTimeout drops pairs without relay activity. Zero disables it.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RelayWorkers <= 0 {
		c.RelayWorkers = defaultRelayWorkers
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = defaultRelayTimeout
	}
	return c
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher publishes lifecycle events through p.
func WithPublisher(p events.Publisher, builder *events.Builder) Option {
	return func(c *Coordinator) {
		c.publisher = p
		c.events = builder
	}
}

// PairInfo is a snapshot of one bridged call.
type PairInfo struct {
	CallID    string
	Origin    endpoint.Side
	State     call.State
	Reason    string
	CreatedAt time.Time
	Chat      *endpoint.Info
	Remote    *endpoint.Info
}

// Coordinator listens to both sides and keeps their endpoints in step.
type Coordinator struct {
	cfg       Config
	chat      ChatSide
	remote    RemoteSide
	pairs     *store.IdleStore[string, *pair]
	sem       *semaphore.Weighted
	publisher events.Publisher
	events    *events.Builder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var (
	_ matrix.Listener = (*Coordinator)(nil)
	_ remote.Listener = (*Coordinator)(nil)
)

// New creates a coordinator and registers it with both sides.
func New(cfg Config, chat ChatSide, rem RemoteSide, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		chat:      chat,
		remote:    rem,
		pairs:     store.NewIdleStore[string, *pair](cfg.IdleTimeout, store.SweepInterval(cfg.IdleTimeout)),
		sem:       semaphore.NewWeighted(int64(cfg.RelayWorkers)),
		publisher: events.NewNoopPublisher(),
		events:    events.NewBuilder(""),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pairs.SetOnEvict(func(callID string, p *pair) {
		slog.Info("[Coordinator] Dropping idle pair", "call_id", callID)
		chat, rem := p.endpoints()
		if chat != nil {
			chat.Close()
		}
		if rem != nil {
			rem.Close()
		}
	})

	chat.AddListener(c)
	rem.AddListener(c)
	return c
}

// OnCallCreated handles a call invite from the chat network.
func (c *Coordinator) OnCallCreated(ep *endpoint.Endpoint, remoteID string, inv *call.Invite) {
	p, ok := c.open(ep, endpoint.SideChat)
	if !ok {
		return
	}
	owner := ep.Owner()
	slog.Info("[Coordinator] Chat call, originating remote leg", "call_id", ep.CallID(), "room_id", owner.RoomID, "remote_id", remoteID)
	c.publish(c.event(events.CallInvited, p))
	c.enqueue(p, func(ctx context.Context) { c.originate(ctx, p, remoteID, inv) })
}

// OnCallDestroyed is informational. Hangups are relayed by the endpoint listeners.
func (c *Coordinator) OnCallDestroyed(ep *endpoint.Endpoint, ev *call.Hangup) {
	slog.Debug("[Coordinator] Chat call destroyed", "call_id", ep.CallID(), "reason", ev.Reason)
}

// OnCallCreate handles a call arriving from the remote network.
func (c *Coordinator) OnCallCreate(ep *endpoint.Endpoint, origin string, inv *call.Invite) {
	p, ok := c.open(ep, endpoint.SideRemote)
	if !ok {
		return
	}
	slog.Info("[Coordinator] Remote call, opening chat leg", "call_id", ep.CallID(), "origin", origin)
	c.publish(c.event(events.CallInvited, p))
	c.enqueue(p, func(ctx context.Context) { c.deliver(ctx, p, origin, inv) })
}

// OnCallDestroy is informational. Hangups are relayed by the endpoint listeners.
func (c *Coordinator) OnCallDestroy(ep *endpoint.Endpoint, ev *call.Hangup) {
	slog.Debug("[Coordinator] Remote call destroyed", "call_id", ep.CallID(), "reason", ev.Reason)
}

// open creates the pair for a newly created endpoint on its origin side.
func (c *Coordinator) open(ep *endpoint.Endpoint, origin endpoint.Side) (*pair, bool) {
	p, created := c.pairs.LoadOrCreate(ep.CallID(), func() *pair {
		return newPair(ep.CallID(), origin)
	})
	if !created {
		slog.Debug("[Coordinator] Call already paired", "call_id", ep.CallID(), "side", ep.Side())
		return nil, false
	}
	p.attach(ep)
	p.advance(call.KindInvite)
	ep.AddListener(&relay{c: c, p: p})
	return p, true
}

func (c *Coordinator) originate(ctx context.Context, p *pair, remoteID string, inv *call.Invite) {
	chat, _ := p.endpoints()
	if closed(chat) {
		return
	}
	rep, err := c.remote.Originate(ctx, p.callID, remoteID, inv, &relay{c: c, p: p})
	if err != nil {
		c.reject(ctx, p, chat, err)
		return
	}
	p.attach(rep)
}

func (c *Coordinator) deliver(ctx context.Context, p *pair, origin string, inv *call.Invite) {
	_, rep := p.endpoints()
	if closed(rep) {
		return
	}
	cep, err := c.chat.OpenEndpoint(ctx, p.callID, origin)
	if err != nil {
		c.reject(ctx, p, rep, err)
		return
	}
	p.attach(cep)
	cep.AddListener(&relay{c: c, p: p})
	if err := cep.Send(ctx, inv); err != nil {
		cep.Close()
		c.reject(ctx, p, rep, err)
	}
}

// reject ends a pair whose second leg could not be set up and hangs up the
// originating endpoint.
func (c *Coordinator) reject(ctx context.Context, p *pair, origin *endpoint.Endpoint, cause error) {
	slog.Warn("[Coordinator] Cannot bridge call", "call_id", p.callID, "origin", p.origin, "error", cause)
	if p.end(call.StateRejected, call.ReasonUnavailable) {
		c.publish(c.event(events.CallRejected, p).WithReason(cause.Error()))
	}
	c.hangup(ctx, origin, call.ReasonUnavailable)
}

func (c *Coordinator) hangup(ctx context.Context, ep *endpoint.Endpoint, reason string) {
	if closed(ep) {
		return
	}
	err := ep.Send(ctx, call.NewHangup(ep.CallID(), reason))
	if err != nil && !errors.Is(err, endpoint.ErrClosed) {
		slog.Warn("[Coordinator] Hangup delivery failed", "call_id", ep.CallID(), "side", ep.Side(), "error", err)
	}
}

// forward sends ev from one endpoint to its peer.
func (c *Coordinator) forward(ctx context.Context, p *pair, from *endpoint.Endpoint, ev call.Event) bool {
	peer := p.peerOf(from.Side())
	if peer == nil {
		slog.Warn("[Coordinator] No peer for relay", "call_id", p.callID, "from", from.Side(), "kind", ev.Kind())
		return false
	}
	if closed(peer) {
		return false
	}
	if err := peer.Send(ctx, ev); err != nil {
		slog.Warn("[Coordinator] Relay failed", "call_id", p.callID, "to", peer.Side(), "kind", ev.Kind(), "error", err)
		return false
	}
	slog.Debug("[Coordinator] Relayed", "call_id", p.callID, "to", peer.Side(), "kind", ev.Kind())
	return true
}

// finish removes a pair once both of its endpoints are closed.
func (c *Coordinator) finish(p *pair) {
	if !p.settled() || !p.markFinished() {
		return
	}
	state, reason := p.snapshotState()
	slog.Info("[Coordinator] Call closed", "call_id", p.callID, "state", state, "reason", reason)
	c.publish(c.event(events.CallClosed, p).WithReason(reason))
	c.pairs.CompareAndDelete(p.callID, p)
}

func (c *Coordinator) enqueue(p *pair, j job) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		slog.Debug("[Coordinator] Dropping relay step after shutdown", "call_id", p.callID)
		return
	}
	if p.push(j) {
		c.wg.Add(1)
		go c.drain(p)
	}
}

func (c *Coordinator) drain(p *pair) {
	defer c.wg.Done()
	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		p.drop()
		return
	}
	defer c.sem.Release(1)

	for {
		j, ok := p.pop()
		if !ok {
			break
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RelayTimeout)
		j(ctx)
		cancel()
	}
	c.pairs.Touch(p.callID)
}

func (c *Coordinator) event(t events.EventType, p *pair) *events.CallEvent {
	ev := c.events.New(t, p.callID).WithSide(p.origin.String())
	chat, rem := p.endpoints()
	if chat != nil {
		owner := chat.Owner()
		ev.WithChat(owner.RoomID, owner.UserID).WithRemote(owner.RemoteID)
	}
	if rem != nil && rem.Owner().RemoteID != "" {
		ev.WithRemote(rem.Owner().RemoteID)
	}
	return ev
}

func (c *Coordinator) publish(ev *events.CallEvent) {
	c.publisher.PublishAsync(ev)
}

// Pairs returns a snapshot of live pairs, oldest first.
func (c *Coordinator) Pairs() []PairInfo {
	pairs := c.pairs.Values()
	out := make([]PairInfo, 0, len(pairs))
	for _, p := range pairs {
		state, reason := p.snapshotState()
		info := PairInfo{
			CallID:    p.callID,
			Origin:    p.origin,
			State:     state,
			Reason:    reason,
			CreatedAt: p.createdAt,
		}
		chat, rem := p.endpoints()
		if chat != nil {
			ci := chat.Info()
			info.Chat = &ci
		}
		if rem != nil {
			ri := rem.Info()
			info.Remote = &ri
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of live pairs.
func (c *Coordinator) Len() int {
	return c.pairs.Len()
}

// Close stops accepting relay work and waits for queued steps until ctx
// ends. Steps still running after that are cancelled.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.cancel()
	c.pairs.Close()
	return err
}

// relay is attached to both endpoints of a pair.
type relay struct {
	endpoint.BaseListener
	c *Coordinator
	p *pair
}

func (r *relay) OnAnswer(ep *endpoint.Endpoint, ev *call.Answer) {
	r.c.enqueue(r.p, func(ctx context.Context) {
		if !r.c.forward(ctx, r.p, ep, ev) {
			return
		}
		if r.p.advance(call.KindAnswer) == call.StateAnswered {
			slog.Info("[Coordinator] Call answered", "call_id", r.p.callID, "by", ep.Side())
			r.c.publish(r.c.event(events.CallAnswered, r.p).WithSide(ep.Side().String()))
		}
	})
}

func (r *relay) OnCandidates(ep *endpoint.Endpoint, ev *call.Candidates) {
	r.c.enqueue(r.p, func(ctx context.Context) {
		r.c.forward(ctx, r.p, ep, ev)
	})
}

func (r *relay) OnHangup(ep *endpoint.Endpoint, ev *call.Hangup) {
	r.c.enqueue(r.p, func(ctx context.Context) {
		if r.p.end(call.StateTerminated, ev.Reason) {
			r.c.publish(r.c.event(events.CallHungup, r.p).WithSide(ep.Side().String()).WithReason(ev.Reason))
		}
		r.c.forward(ctx, r.p, ep, ev)
	})
}

func (r *relay) OnClose(ep *endpoint.Endpoint) {
	r.c.enqueue(r.p, func(ctx context.Context) {
		if r.p.owns(ep) {
			peer := r.p.peerOf(ep.Side())
			if !closed(peer) {
				if r.p.end(call.StateTerminated, call.ReasonCounterpartGone) {
					r.c.publish(r.c.event(events.CallHungup, r.p).WithSide(ep.Side().String()).WithReason(call.ReasonCounterpartGone))
				}
				r.c.hangup(ctx, peer, call.ReasonCounterpartGone)
			}
		}
		r.c.finish(r.p)
	})
}
