package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/dedup"
	"github.com/sebas/callbridge/internal/endpoint"
	"github.com/sebas/callbridge/internal/events"
	"github.com/sebas/callbridge/internal/identity"
)

var (
	// ErrUnknownCallIdentifier is returned for follow-up events of calls the bridge never saw.
	ErrUnknownCallIdentifier = errors.New("unknown call identifier")

	// ErrExpiredInvite is returned for invites delivered after their lifetime.
	ErrExpiredInvite = errors.New("invite expired")

	// ErrTooManyParticipants is returned when a room holds more than one virtual user.
	ErrTooManyParticipants = errors.New("more than one virtual participant in room")

	// ErrNoVirtualParticipant is returned when a room holds no virtual user.
	ErrNoVirtualParticipant = errors.New("no virtual participant in room")

	// ErrUnknownIdentity is returned by QueryUser for ids no template matches.
	ErrUnknownIdentity = identity.ErrUnknownIdentity

	// ErrRoomNotSupported is returned by QueryRoom for every alias.
	ErrRoomNotSupported = errors.New("room alias not provided by this bridge")

	// ErrNoDirectRoom is returned when a virtual user shares no one-to-one room with a real user.
	ErrNoDirectRoom = errors.New("no direct room for virtual identity")
)

// DisplayNameSuffix is appended to the remote id to form virtual display names.
const DisplayNameSuffix = " (Bridge)"

// Listener is notified when chat-originated calls start and end.
type Listener interface {
	OnCallCreated(ep *endpoint.Endpoint, remoteID string, ev *call.Invite)
	OnCallDestroyed(ep *endpoint.Endpoint, ev *call.Hangup)
}

// Config holds chat bridge settings.
type Config struct {
	// ServiceUserID is the application service's own user. When empty it is
	// looked up with WhoAmI on first use.
	ServiceUserID string
	IdleTimeout   time.Duration
	HangupOnLeave bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDedup replaces the default in-memory transaction window.
func WithDedup(store dedup.Store) Option {
	return func(b *Bridge) { b.dedup = store }
}

// WithPublisher publishes lifecycle events through p.
func WithPublisher(p events.Publisher, builder *events.Builder) Option {
	return func(b *Bridge) {
		b.publisher = p
		b.events = builder
	}
}

// WithClock overrides the time source used for invite expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// Stats summarizes chat bridge state.
type Stats struct {
	Endpoints  int
	Rooms      int
	Identities int
}

// Bridge is the chat side of the bridge.
type Bridge struct {
	cfg       Config
	client    Client
	resolver  *identity.Resolver
	dedup     dedup.Store
	registry  *endpoint.Registry
	rooms     *roomBook
	publisher events.Publisher
	events    *events.Builder
	now       func() time.Time

	listeners atomic.Pointer[[]Listener]

	serviceMu   sync.Mutex
	serviceUser string
}

var _ endpoint.Sender = (*Bridge)(nil)

// NewBridge creates the chat side bridge.
func NewBridge(cfg Config, client Client, resolver *identity.Resolver, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:         cfg,
		client:      client,
		resolver:    resolver,
		dedup:       dedup.NewRecent(dedup.DefaultCapacity),
		registry:    endpoint.NewRegistry(endpoint.SideChat, cfg.IdleTimeout),
		rooms:       newRoomBook(),
		publisher:   events.NewNoopPublisher(),
		events:      events.NewBuilder(""),
		now:         time.Now,
		serviceUser: cfg.ServiceUserID,
	}
	empty := []Listener{}
	b.listeners.Store(&empty)
	for _, opt := range opts {
		opt(b)
	}
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

// ProcessTransaction handles one delivery batch from the homeserver.
// Redelivered batches are skipped. Per-event failures are logged and never
// abort the batch.
func (b *Bridge) ProcessTransaction(ctx context.Context, txn *Transaction) {
	seen, err := b.dedup.CheckAndMark(ctx, txn.ID)
	if err != nil {
		slog.Warn("[Matrix] Dedup check failed, processing anyway", "txn_id", txn.ID, "error", err)
	}
	if seen {
		slog.Info("[Matrix] Transaction already processed, skipping", "txn_id", txn.ID)
		return
	}

	slog.Debug("[Matrix] Processing transaction", "txn_id", txn.ID, "events", len(txn.Events))
	for i := range txn.Events {
		b.handleEvent(ctx, &txn.Events[i])
	}
}

func (b *Bridge) handleEvent(ctx context.Context, ev *Event) {
	switch {
	case ev.Type == TypeMember:
		b.handleMembership(ctx, ev)
	case ev.Type == TypeMessage:
		slog.Debug("[Matrix] Ignoring message event", "event_id", ev.EventID, "room_id", ev.RoomID)
	case call.IsCallType(ev.Type):
		if err := b.handleCallEvent(ctx, ev); err != nil {
			logDropped(ev, err)
		}
	default:
		slog.Debug("[Matrix] Ignoring event", "type", ev.Type, "event_id", ev.EventID)
	}
}

func logDropped(ev *Event, err error) {
	attrs := []any{"type", ev.Type, "event_id", ev.EventID, "room_id", ev.RoomID, "sender", ev.Sender, "error", err}
	switch {
	case errors.Is(err, call.ErrUnknownType):
		slog.Debug("[Matrix] Dropping call event", attrs...)
	case errors.Is(err, ErrExpiredInvite),
		errors.Is(err, ErrTooManyParticipants),
		errors.Is(err, ErrNoVirtualParticipant):
		slog.Info("[Matrix] Dropping call event", attrs...)
	default:
		slog.Warn("[Matrix] Dropping call event", attrs...)
	}
}

func (b *Bridge) handleCallEvent(ctx context.Context, ev *Event) error {
	if b.resolver.IsVirtual(ev.Sender) {
		slog.Debug("[Matrix] Skipping call event sent by a virtual user", "type", ev.Type, "sender", ev.Sender)
		return nil
	}

	parsed, err := call.Decode(ev.Type, ev.Content)
	if err != nil {
		return err
	}

	switch c := parsed.(type) {
	case *call.Invite:
		return b.handleInvite(ctx, ev, c)
	case *call.Candidates, *call.Answer:
		ep, ok := b.registry.Get(parsed.CallID())
		if !ok {
			return fmt.Errorf("%w: %s %s", ErrUnknownCallIdentifier, parsed.Kind(), parsed.CallID())
		}
		ep.Inject(parsed)
		return nil
	case *call.Hangup:
		ep, ok := b.registry.Remove(c.CallID())
		if !ok {
			return fmt.Errorf("%w: hangup %s", ErrUnknownCallIdentifier, c.CallID())
		}
		b.terminate(ep, c)
		return nil
	}
	return nil
}

func (b *Bridge) handleInvite(ctx context.Context, ev *Event, inv *call.Invite) error {
	members, err := b.client.JoinedMembers(ctx, ev.RoomID)
	if err != nil {
		return fmt.Errorf("joined members of %s: %w", ev.RoomID, err)
	}

	var virtuals []*identity.VirtualIdentity
	for _, member := range members {
		if vi, ok := b.resolver.Resolve(ctx, member); ok {
			virtuals = append(virtuals, vi)
		}
	}
	switch {
	case len(virtuals) == 0:
		return fmt.Errorf("%w: %s", ErrNoVirtualParticipant, ev.RoomID)
	case len(virtuals) > 1:
		return fmt.Errorf("%w: %s has %d", ErrTooManyParticipants, ev.RoomID, len(virtuals))
	}
	vi := virtuals[0]

	now := b.now()
	if inv.Expired(now, ev.AgeDuration()) {
		b.publish(b.events.New(events.CallExpired, inv.CallID()).
			WithSide(endpoint.SideChat.String()).
			WithChat(ev.RoomID, vi.UserID).
			WithRemote(vi.RemoteID))
		return fmt.Errorf("%w: call %s expired at %s", ErrExpiredInvite,
			inv.CallID(), inv.ExpiresAt(now, ev.AgeDuration()).Format(time.RFC3339))
	}

	owner := endpoint.Owner{
		RoomID:     ev.RoomID,
		UserID:     vi.UserID,
		PeerUserID: ev.Sender,
		RemoteID:   vi.RemoteID,
	}
	ep, created := b.registry.GetOrCreate(inv.CallID(), func() *endpoint.Endpoint {
		return endpoint.New(endpoint.SideChat, inv.CallID(), owner, b)
	})
	if !created {
		slog.Debug("[Matrix] Duplicate invite for existing call", "call_id", inv.CallID())
		return nil
	}

	slog.Info("[Matrix] Call invite",
		"call_id", inv.CallID(),
		"room_id", ev.RoomID,
		"from", ev.Sender,
		"to", vi.UserID,
		"remote_id", vi.RemoteID,
	)

	for _, l := range *b.listeners.Load() {
		l.OnCallCreated(ep, vi.RemoteID, inv)
	}
	ep.Inject(inv)
	return nil
}

// terminate injects hangup into an already unregistered endpoint and tells
// listeners the call is gone.
func (b *Bridge) terminate(ep *endpoint.Endpoint, hangup *call.Hangup) {
	owner := ep.Owner()
	slog.Info("[Matrix] Call hangup", "call_id", ep.CallID(), "room_id", owner.RoomID, "reason", hangup.Reason)

	ep.Inject(hangup)
	for _, l := range *b.listeners.Load() {
		l.OnCallDestroyed(ep, hangup)
	}
}

func (b *Bridge) handleMembership(ctx context.Context, ev *Event) {
	target := ev.Target()
	if target == "" {
		return
	}

	var content MemberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		slog.Warn("[Matrix] Malformed membership event", "event_id", ev.EventID, "error", err)
		return
	}

	if service := b.serviceUserID(ctx); service != "" && target == service {
		if content.Membership == MembershipInvite || content.Membership == MembershipJoin {
			slog.Info("[Matrix] Service user added to room, leaving", "room_id", ev.RoomID, "membership", content.Membership)
			if err := b.client.LeaveRoom(ctx, "", ev.RoomID); err != nil {
				slog.Warn("[Matrix] Service user failed to leave room", "room_id", ev.RoomID, "error", err)
			}
		}
		return
	}

	vi, ok := b.resolver.Resolve(ctx, target)
	if !ok {
		return
	}

	switch content.Membership {
	case MembershipInvite:
		slog.Info("[Matrix] Virtual user invited, joining", "user_id", vi.UserID, "room_id", ev.RoomID, "by", ev.Sender)
		if err := b.client.JoinRoom(ctx, vi.UserID, ev.RoomID); err != nil {
			slog.Info("[Matrix] Join failed, rejecting invite", "user_id", vi.UserID, "room_id", ev.RoomID, "error", err)
			if err := b.client.LeaveRoom(ctx, vi.UserID, ev.RoomID); err != nil {
				slog.Warn("[Matrix] Failed to reject invite", "user_id", vi.UserID, "room_id", ev.RoomID, "error", err)
			}
			return
		}
		b.rooms.add(vi.UserID, ev.RoomID)

	case MembershipJoin:
		slog.Info("[Matrix] Virtual user joined", "user_id", vi.UserID, "room_id", ev.RoomID)
		b.rooms.add(vi.UserID, ev.RoomID)

	case MembershipLeave, MembershipBan:
		slog.Info("[Matrix] Virtual user left", "user_id", vi.UserID, "room_id", ev.RoomID, "membership", content.Membership)
		b.rooms.remove(vi.UserID, ev.RoomID)
		if b.cfg.HangupOnLeave {
			b.hangupOwnedBy(ev.RoomID, vi.UserID)
		}
	}
}

// hangupOwnedBy ends every live call the virtual user holds in the room.
func (b *Bridge) hangupOwnedBy(roomID, userID string) {
	for _, ep := range b.registry.List() {
		owner := ep.Owner()
		if owner.RoomID != roomID || owner.UserID != userID {
			continue
		}
		if !b.registry.Detach(ep) {
			continue
		}
		b.terminate(ep, call.NewHangup(ep.CallID(), call.ReasonUserLeft))
	}
}

func (b *Bridge) serviceUserID(ctx context.Context) string {
	b.serviceMu.Lock()
	defer b.serviceMu.Unlock()

	if b.serviceUser != "" {
		return b.serviceUser
	}
	userID, err := b.client.WhoAmI(ctx)
	if err != nil {
		slog.Warn("[Matrix] Could not determine service user", "error", err)
		return ""
	}
	b.serviceUser = userID
	return userID
}

// QueryUser provisions the virtual user behind userID when it matches a
// template. It fails with ErrUnknownIdentity otherwise.
func (b *Bridge) QueryUser(ctx context.Context, userID string) error {
	m, ok := b.resolver.Matcher().MatchUserID(userID)
	if !ok {
		slog.Warn("[Matrix] Query for unknown user", "user_id", userID)
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, userID)
	}

	slog.Info("[Matrix] Provisioning virtual user", "user_id", userID, "remote_id", m.RemoteID)
	if err := b.client.CreateUser(ctx, m.Localpart); err != nil {
		return fmt.Errorf("create user %s: %w", userID, err)
	}
	if err := b.client.SetDisplayName(ctx, userID, m.RemoteID+DisplayNameSuffix); err != nil {
		return fmt.Errorf("set display name of %s: %w", userID, err)
	}
	b.resolver.Resolve(ctx, userID)
	return nil
}

// QueryRoom always reports the alias as unknown.
func (b *Bridge) QueryRoom(_ context.Context, alias string) error {
	slog.Info("[Matrix] Room alias query", "alias", alias)
	return fmt.Errorf("%w: %s", ErrRoomNotSupported, alias)
}

// ResolveVirtualIdentity returns the virtual identity behind userID.
func (b *Bridge) ResolveVirtualIdentity(ctx context.Context, userID string) (*identity.VirtualIdentity, bool) {
	return b.resolver.Resolve(ctx, userID)
}

// Endpoint returns the live chat endpoint for callID.
func (b *Bridge) Endpoint(callID string) (*endpoint.Endpoint, bool) {
	return b.registry.Get(callID)
}

// Endpoints returns all live chat endpoints.
func (b *Bridge) Endpoints() []*endpoint.Endpoint {
	return b.registry.List()
}

// OpenEndpoint creates the chat endpoint for a call that starts on the
// remote side. The room is the one where remoteID's virtual user sits with
// exactly one real user.
func (b *Bridge) OpenEndpoint(ctx context.Context, callID, remoteID string) (*endpoint.Endpoint, error) {
	vi := b.resolver.ResolveRemote(ctx, remoteID)
	roomID, peer, err := b.directRoom(ctx, vi)
	if err != nil {
		return nil, err
	}

	ep, created := b.registry.GetOrCreate(callID, func() *endpoint.Endpoint {
		return endpoint.New(endpoint.SideChat, callID, endpoint.Owner{
			RoomID:     roomID,
			UserID:     vi.UserID,
			PeerUserID: peer,
			RemoteID:   remoteID,
		}, b)
	})
	if created {
		slog.Info("[Matrix] Opened endpoint for remote call", "call_id", callID, "room_id", roomID, "user_id", vi.UserID, "peer", peer)
	}
	return ep, nil
}

func (b *Bridge) directRoom(ctx context.Context, vi *identity.VirtualIdentity) (roomID, peer string, err error) {
	service := b.serviceUserID(ctx)
	for _, room := range b.rooms.roomsOf(vi.UserID) {
		members, err := b.client.JoinedMembers(ctx, room)
		if err != nil {
			slog.Warn("[Matrix] Could not list room members", "room_id", room, "error", err)
			continue
		}

		var humans []string
		virtuals := 0
		for _, m := range members {
			switch {
			case m == service:
			case b.resolver.IsVirtual(m):
				virtuals++
			default:
				humans = append(humans, m)
			}
		}
		if virtuals == 1 && len(humans) == 1 {
			return room, humans[0], nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrNoDirectRoom, vi.UserID)
}

// Send delivers an outbound call event into the endpoint's room as its
// virtual user.
func (b *Bridge) Send(ctx context.Context, ep *endpoint.Endpoint, ev call.Event) error {
	owner := ep.Owner()
	eventID, err := b.client.SendEvent(ctx, owner.UserID, owner.RoomID, ev.Kind().EventType(), ev)
	if err != nil {
		return err
	}
	slog.Debug("[Matrix] Sent call event", "call_id", ep.CallID(), "type", ev.Kind().EventType(), "event_id", eventID)
	return nil
}

// Stats returns counters for inspection.
func (b *Bridge) Stats() Stats {
	return Stats{
		Endpoints:  b.registry.Len(),
		Rooms:      b.rooms.count(),
		Identities: b.resolver.Known(),
	}
}

// Close closes every live chat endpoint.
func (b *Bridge) Close() {
	b.registry.Close()
}

func (b *Bridge) publish(ev *events.CallEvent) {
	b.publisher.PublishAsync(ev)
}
