package call

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDecodeInvite(t *testing.T) {
	content := mustJSON(t, map[string]any{
		"call_id":  "c1",
		"version":  0,
		"lifetime": 60000,
		"offer":    map[string]any{"type": "offer", "sdp": testSDP},
	})

	ev, err := Decode(TypeInvite, content)
	require.NoError(t, err)

	inv, ok := ev.(*Invite)
	require.True(t, ok, "expected *Invite, got %T", ev)
	assert.Equal(t, KindInvite, inv.Kind())
	assert.Equal(t, "c1", inv.CallID())
	assert.Equal(t, int64(0), inv.Version())
	assert.Equal(t, time.Minute, inv.LifetimeDuration())
	assert.Equal(t, []string{"audio"}, MediaSummary(inv.Offer.SDP))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		content   string
	}{
		{"not json", TypeHangup, `{`},
		{"empty", TypeHangup, ``},
		{"missing call id", TypeHangup, `{"version":0}`},
		{"missing version", TypeHangup, `{"call_id":"c1"}`},
		{"invite without lifetime", TypeInvite, `{"call_id":"c1","version":0,"offer":{"type":"offer","sdp":"x"}}`},
		{"invite with bad sdp", TypeInvite, `{"call_id":"c1","version":0,"lifetime":1000,"offer":{"type":"offer","sdp":"garbage"}}`},
		{"answer without sdp", TypeAnswer, `{"call_id":"c1","version":0,"answer":{"type":"answer"}}`},
		{"no candidates", TypeCandidates, `{"call_id":"c1","version":0,"candidates":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.eventType, json.RawMessage(tt.content))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("Decode() error = %v, want ErrMalformedEvent", err)
			}
		})
	}
}

func TestDecodeVersionGate(t *testing.T) {
	_, err := Decode(TypeHangup, json.RawMessage(`{"call_id":"c1","version":1}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	var verr *VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, int64(1), verr.Version)
}

func TestDecodeUnknownSubtype(t *testing.T) {
	_, err := Decode("m.call.select_answer", json.RawMessage(`{"call_id":"c1","version":0}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestInviteExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	inv := NewInvite("c1", 60*time.Second, testSDP)

	tests := []struct {
		age  time.Duration
		want bool
	}{
		{0, false},
		{59 * time.Second, false},
		{60 * time.Second, false},
		{61 * time.Second, true},
	}

	for _, tt := range tests {
		if got := inv.Expired(now, tt.age); got != tt.want {
			t.Errorf("Expired(age=%v) = %v, want %v", tt.age, got, tt.want)
		}
	}
}

func TestConstructorsRoundTripThroughDecode(t *testing.T) {
	events := []Event{
		NewInvite("c1", time.Minute, testSDP),
		NewAnswer("c1", testSDP),
		NewCandidates("c1", []Candidate{{SDPMid: "0", Candidate: "candidate:1 1 UDP 1 10.0.0.1 5000 typ host"}}),
		NewHangup("c1", ReasonUserLeft),
	}

	for _, ev := range events {
		got, err := Decode(ev.Kind().EventType(), mustJSON(t, ev))
		require.NoError(t, err, ev.Kind().String())
		assert.Equal(t, ev, got)
	}
}

func TestKindString(t *testing.T) {
	if got := KindCandidates.String(); got != "candidates" {
		t.Errorf("KindCandidates.String() = %q, want %q", got, "candidates")
	}
	if !IsCallType(TypeAnswer) || IsCallType("m.room.message") {
		t.Error("IsCallType() misclassified event types")
	}
}
