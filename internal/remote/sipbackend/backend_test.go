package sipbackend

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/remote"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{BindAddr: "0.0.0.0"}.withDefaults()

	if cfg.Port != 5060 {
		t.Errorf("Port = %d, want 5060", cfg.Port)
	}
	if cfg.AdvertiseAddr != "0.0.0.0" {
		t.Errorf("AdvertiseAddr = %q, want bind address", cfg.AdvertiseAddr)
	}
	if cfg.ContactUser != "callbridge" {
		t.Errorf("ContactUser = %q", cfg.ContactUser)
	}
	if cfg.InviteLifetime != time.Minute {
		t.Errorf("InviteLifetime = %v, want 1m", cfg.InviteLifetime)
	}
	if got := cfg.ListenAddr(); got != "0.0.0.0:5060" {
		t.Errorf("ListenAddr() = %q", got)
	}
}

func TestRejectStatus(t *testing.T) {
	tests := []struct {
		reason string
		want   int
	}{
		{call.ReasonUnavailable, 480},
		{call.ReasonInviteTimeout, 408},
		{call.ReasonUserLeft, 487},
		{call.ReasonCounterpartGone, 487},
		{"", 603},
		{"busy", 603},
	}
	for _, tt := range tests {
		code, _ := rejectStatus(tt.reason)
		if int(code) != tt.want {
			t.Errorf("rejectStatus(%q) = %d, want %d", tt.reason, code, tt.want)
		}
	}
}

func TestTargetURI(t *testing.T) {
	b := &Backend{cfg: Config{Gateway: "gw.example.org:5080"}.withDefaults()}

	uri, err := b.targetURI("+15551234")
	if err != nil {
		t.Fatalf("targetURI() error = %v", err)
	}
	if uri.User != "+15551234" || uri.Host != "gw.example.org" || uri.Port != 5080 {
		t.Errorf("targetURI() = %+v", uri)
	}

	if _, err := b.targetURI(""); err == nil {
		t.Error("targetURI(\"\") should fail")
	}

	b.cfg.Gateway = ""
	if _, err := b.targetURI("+1555"); err == nil {
		t.Error("targetURI() without gateway should fail")
	}
}

func TestBuildInvite(t *testing.T) {
	b := &Backend{cfg: Config{AdvertiseAddr: "10.0.0.1", Gateway: "gw"}.withDefaults()}
	uri, err := b.targetURI("alice")
	if err != nil {
		t.Fatal(err)
	}

	req := b.buildInvite("call-1", uri, []byte("v=0"))

	if got := callIDOf(req); got != "call-1" {
		t.Errorf("Call-ID = %q, want call-1", got)
	}
	if req.Method != sip.INVITE {
		t.Errorf("Method = %v", req.Method)
	}
	if from := req.From(); from == nil || from.Address.Host != "10.0.0.1" {
		t.Errorf("From = %v", from)
	}
	if string(req.Body()) != "v=0" {
		t.Errorf("Body = %q", req.Body())
	}
	if cseq := req.CSeq(); cseq == nil || cseq.SeqNo != 1 {
		t.Errorf("CSeq = %v", cseq)
	}
}

func TestOriginOf(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bridge", Host: "h"})
	if got := originOf(req); got != "" {
		t.Errorf("originOf() without From = %q", got)
	}

	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "+1555", Host: "pbx"}, Params: sip.NewParams()})
	if got := originOf(req); got != "+1555" {
		t.Errorf("originOf() = %q, want +1555", got)
	}
}

func TestCallSettleAndDone(t *testing.T) {
	c := newCall(&Backend{}, "c1", true)

	if !c.settle() {
		t.Fatal("first settle() = false")
	}
	if c.settle() {
		t.Error("second settle() = true")
	}
	if !c.markDone() {
		t.Error("first markDone() = false")
	}
	if c.markDone() {
		t.Error("second markDone() = true")
	}
	if !c.isDone() {
		t.Error("isDone() = false after markDone")
	}
}

func (b *Backend) handles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func TestFailedOriginateReleasesHandle(t *testing.T) {
	b, err := New(Config{BindAddr: "127.0.0.1", AdvertiseAddr: "127.0.0.1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()
	rb := remote.NewBridge(b, time.Minute)

	for _, id := range []string{"c1", "c2", "c3"} {
		inv := call.NewInvite(id, time.Minute, "v=0")
		if _, err := rb.Originate(context.Background(), id, "+1555", inv); err == nil {
			t.Fatalf("Originate(%s) without gateway should fail", id)
		}
	}

	if got := rb.Len(); got != 0 {
		t.Errorf("remote endpoints = %d, want 0", got)
	}
	if got := b.handles(); got != 0 {
		t.Errorf("backend handles = %d, want 0", got)
	}
}

func TestInviteOnBadTargetReleasesHandle(t *testing.T) {
	b, err := New(Config{BindAddr: "127.0.0.1", Gateway: "gw.example.org"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	h, err := b.Call("c1")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if err := h.Invite(context.Background(), "", call.NewInvite("c1", time.Minute, "v=0")); err == nil {
		t.Fatal("Invite() with empty target should fail")
	}
	if got := b.handles(); got != 0 {
		t.Errorf("backend handles = %d, want 0", got)
	}
	if !h.(*sipCall).isDone() {
		t.Error("released call is not done")
	}
}
