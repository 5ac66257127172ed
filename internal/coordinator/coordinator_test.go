package coordinator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/coordinator"
	"github.com/sebas/callbridge/internal/events"
	"github.com/sebas/callbridge/internal/identity"
	"github.com/sebas/callbridge/internal/matrix"
	"github.com/sebas/callbridge/internal/remote"
	"github.com/sebas/callbridge/internal/remote/remotetest"
)

const (
	serviceUser = "@callbridge:example.org"
	alice       = "@alice:example.org"
	virtualA    = "@_voip_12345:example.org"
	room        = "!room:example.org"
)

const testSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0\r\n" +
	"c=IN IP4 127.0.0.1\r\n"

type sent struct {
	asUser, roomID, eventType string
	content                   any
}

// homeserver is an in-memory matrix.Client.
type homeserver struct {
	mu      sync.Mutex
	members map[string][]string
	sent    []sent
}

func (h *homeserver) WhoAmI(context.Context) (string, error)               { return serviceUser, nil }
func (h *homeserver) CreateUser(context.Context, string) error             { return nil }
func (h *homeserver) SetDisplayName(context.Context, string, string) error { return nil }
func (h *homeserver) JoinRoom(context.Context, string, string) error       { return nil }
func (h *homeserver) LeaveRoom(context.Context, string, string) error      { return nil }

func (h *homeserver) JoinedMembers(_ context.Context, roomID string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.members[roomID]...), nil
}

func (h *homeserver) SendEvent(_ context.Context, asUser, roomID, eventType string, content any) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sent{asUser, roomID, eventType, content})
	return "$ok", nil
}

func (h *homeserver) sentTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sent))
	for _, s := range h.sent {
		out = append(out, s.eventType)
	}
	return out
}

func (h *homeserver) last() sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent[len(h.sent)-1]
}

type harness struct {
	hs      *homeserver
	chat    *matrix.Bridge
	backend *remotetest.Backend
	remote  *remote.Bridge
	coord   *coordinator.Coordinator
	events  *events.ChannelPublisher
	txn     int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	matcher, err := identity.NewMatcher("example.org", []string{"_voip_%REMOTE_ID%"})
	require.NoError(t, err)

	h := &harness{
		hs:      &homeserver{members: map[string][]string{room: {alice, virtualA, serviceUser}}},
		backend: remotetest.New(),
		events:  events.NewChannelPublisher(64),
	}
	builder := events.NewBuilder("test")
	h.chat = matrix.NewBridge(matrix.Config{HangupOnLeave: true}, h.hs, identity.NewResolver(matcher, nil),
		matrix.WithPublisher(h.events, builder))
	h.remote = remote.NewBridge(h.backend, 0)
	h.coord = coordinator.New(coordinator.Config{RelayWorkers: 4}, h.chat, h.remote,
		coordinator.WithPublisher(h.events, builder))

	t.Cleanup(func() {
		h.chat.Close()
		h.remote.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.coord.Close(ctx)
	})
	return h
}

func (h *harness) process(t *testing.T, evs ...matrix.Event) {
	t.Helper()
	h.txn++
	id, err := json.Marshal(h.txn)
	require.NoError(t, err)
	h.chat.ProcessTransaction(context.Background(), &matrix.Transaction{ID: string(id), Events: evs})
}

func (h *harness) eventTypes() []events.EventType {
	var out []events.EventType
	for {
		select {
		case ev := <-h.events.Events():
			out = append(out, ev.Type())
		default:
			return out
		}
	}
}

func callEvent(t *testing.T, eventType, sender string, content map[string]any) matrix.Event {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return matrix.Event{
		EventID: "$" + eventType + sender,
		Type:    eventType,
		RoomID:  room,
		Sender:  sender,
		Content: raw,
	}
}

func chatInvite(t *testing.T, callID string) matrix.Event {
	return callEvent(t, call.TypeInvite, alice, map[string]any{
		"call_id":  callID,
		"version":  0,
		"lifetime": 60000,
		"offer":    map[string]any{"type": "offer", "sdp": testSDP},
	})
}

func joinVirtual(t *testing.T) matrix.Event {
	t.Helper()
	target := virtualA
	raw, err := json.Marshal(map[string]any{"membership": matrix.MembershipJoin})
	require.NoError(t, err)
	return matrix.Event{
		EventID:  "$join",
		Type:     matrix.TypeMember,
		RoomID:   room,
		Sender:   virtualA,
		StateKey: &target,
		Content:  raw,
	}
}

func sentKinds(b *remotetest.Backend) []call.Kind {
	var out []call.Kind
	for _, s := range b.Sent() {
		out = append(out, s.Event.Kind())
	}
	return out
}

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func TestChatInitiatedCall(t *testing.T) {
	h := newHarness(t)

	h.process(t, chatInvite(t, "c1"))

	require.Eventually(t, func() bool { return len(h.backend.Sent()) == 1 }, wait, tick)
	first := h.backend.Sent()[0]
	assert.Equal(t, "12345", first.Target)
	assert.Equal(t, call.KindInvite, first.Event.Kind())
	assert.Equal(t, 1, h.coord.Len())

	h.backend.Signal("c1", call.NewAnswer("c1", testSDP))
	require.Eventually(t, func() bool { return len(h.hs.sentTypes()) == 1 }, wait, tick)
	answer := h.hs.last()
	assert.Equal(t, call.TypeAnswer, answer.eventType)
	assert.Equal(t, virtualA, answer.asUser)
	assert.Equal(t, room, answer.roomID)

	require.Eventually(t, func() bool {
		pairs := h.coord.Pairs()
		return len(pairs) == 1 && pairs[0].State == call.StateAnswered
	}, wait, tick)

	h.process(t, callEvent(t, call.TypeHangup, alice, map[string]any{"call_id": "c1", "version": 0}))

	require.Eventually(t, func() bool { return h.coord.Len() == 0 }, wait, tick)
	assert.Equal(t, []call.Kind{call.KindInvite, call.KindHangup}, sentKinds(h.backend))
	assert.Equal(t, 0, h.remote.Len())

	assert.Equal(t, []events.EventType{
		events.CallInvited, events.CallAnswered, events.CallHungup, events.CallClosed,
	}, h.eventTypes())
}

func TestChatInitiatedCallRejectedByBackend(t *testing.T) {
	h := newHarness(t)
	h.backend.FailInvite = remotetest.ErrRefused

	h.process(t, chatInvite(t, "c1"))

	require.Eventually(t, func() bool { return h.coord.Len() == 0 }, wait, tick)
	require.Equal(t, []string{call.TypeHangup}, h.hs.sentTypes())
	hangup, ok := h.hs.last().content.(*call.Hangup)
	require.True(t, ok)
	assert.Equal(t, call.ReasonUnavailable, hangup.Reason)

	_, live := h.chat.Endpoint("c1")
	assert.False(t, live)
	assert.Contains(t, h.eventTypes(), events.CallRejected)
}

func TestRemoteInitiatedCall(t *testing.T) {
	h := newHarness(t)
	h.process(t, joinVirtual(t))

	h.backend.Ring("r1", "12345", call.NewInvite("r1", time.Minute, testSDP))

	require.Eventually(t, func() bool { return len(h.hs.sentTypes()) == 1 }, wait, tick)
	inv := h.hs.last()
	assert.Equal(t, call.TypeInvite, inv.eventType)
	assert.Equal(t, virtualA, inv.asUser)
	assert.Equal(t, room, inv.roomID)

	h.process(t, callEvent(t, call.TypeAnswer, alice, map[string]any{
		"call_id": "r1",
		"version": 0,
		"answer":  map[string]any{"type": "answer", "sdp": testSDP},
	}))
	require.Eventually(t, func() bool { return len(h.backend.Sent()) == 1 }, wait, tick)
	assert.Equal(t, call.KindAnswer, h.backend.Sent()[0].Event.Kind())

	h.backend.HangUp("r1", call.ReasonRemoteHangup)

	require.Eventually(t, func() bool { return h.coord.Len() == 0 }, wait, tick)
	assert.Equal(t, []string{call.TypeInvite, call.TypeHangup}, h.hs.sentTypes())
	_, live := h.chat.Endpoint("r1")
	assert.False(t, live)
}

func TestRemoteInitiatedCallWithoutRoom(t *testing.T) {
	h := newHarness(t)

	h.backend.Ring("r1", "12345", call.NewInvite("r1", time.Minute, testSDP))

	require.Eventually(t, func() bool { return h.coord.Len() == 0 }, wait, tick)
	require.Equal(t, []call.Kind{call.KindHangup}, sentKinds(h.backend))
	hangup := h.backend.Sent()[0].Event.(*call.Hangup)
	assert.Equal(t, call.ReasonUnavailable, hangup.Reason)
	assert.Empty(t, h.hs.sentTypes())
	assert.Equal(t, 0, h.remote.Len())
}

func TestCandidatesRelayed(t *testing.T) {
	h := newHarness(t)
	h.process(t, chatInvite(t, "c1"))
	require.Eventually(t, func() bool { return len(h.backend.Sent()) == 1 }, wait, tick)

	h.process(t, callEvent(t, call.TypeCandidates, alice, map[string]any{
		"call_id":    "c1",
		"version":    0,
		"candidates": []map[string]any{{"sdpMid": "0", "sdpMLineIndex": 0, "candidate": "candidate:1 1 UDP 1 10.0.0.1 4000 typ host"}},
	}))

	require.Eventually(t, func() bool { return len(h.backend.Sent()) == 2 }, wait, tick)
	assert.Equal(t, call.KindCandidates, h.backend.Sent()[1].Event.Kind())
}

func TestEndpointCloseTearsDownPeer(t *testing.T) {
	h := newHarness(t)
	h.process(t, chatInvite(t, "c1"))
	require.Eventually(t, func() bool { return len(h.backend.Sent()) == 1 }, wait, tick)

	rep, ok := h.remote.Lookup("c1")
	require.True(t, ok)
	rep.Close()

	require.Eventually(t, func() bool { return h.coord.Len() == 0 }, wait, tick)
	hangup, ok := h.hs.last().content.(*call.Hangup)
	require.True(t, ok)
	assert.Equal(t, call.ReasonCounterpartGone, hangup.Reason)
}

func TestDuplicateInviteIsPairedOnce(t *testing.T) {
	h := newHarness(t)

	h.process(t, chatInvite(t, "c1"))
	h.process(t, chatInvite(t, "c1"))

	require.Eventually(t, func() bool { return len(h.backend.Sent()) == 1 }, wait, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.backend.Sent(), 1)
	assert.Equal(t, 1, h.coord.Len())
}
