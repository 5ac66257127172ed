// Package sipbackend implements remote.Backend on SIP. Bridge call ids are
// used as SIP Call-IDs in both directions.
package sipbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/remote"
)

const (
	defaultPort           = 5060
	defaultInviteLifetime = 60 * time.Second
	defaultContactUser    = "callbridge"
	byeTimeout            = 5 * time.Second
)

var (
	// ErrNotInbound is returned when an answer is sent on a call the bridge originated.
	ErrNotInbound = errors.New("call was not received from the remote network")

	// ErrAlreadySettled is returned when an inbound INVITE was already answered or rejected.
	ErrAlreadySettled = errors.New("invite already settled")
)

// Config holds SIP listener and gateway settings.
type Config struct {
	BindAddr       string
	Port           int
	AdvertiseAddr  string
	ContactUser    string
	Gateway        string // host[:port] that outbound INVITEs are sent to
	InviteLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.BindAddr
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = "127.0.0.1"
	}
	if c.ContactUser == "" {
		c.ContactUser = defaultContactUser
	}
	if c.InviteLifetime <= 0 {
		c.InviteLifetime = defaultInviteLifetime
	}
	return c
}

// ListenAddr is the host:port the UDP listener binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port))
}

// Backend is a SIP user agent acting as the remote side of the bridge.
type Backend struct {
	cfg      Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA

	mu      sync.Mutex
	handler remote.Handler
	calls   map[string]*sipCall
}

var _ remote.Backend = (*Backend)(nil)

// New creates the user agent and registers request handlers. Nothing is
// bound until Start.
func New(cfg Config) (*Backend, error) {
	cfg = cfg.withDefaults()

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	b := &Backend{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		dialogUA: &sipgo.DialogUA{
			Client:     client,
			ContactHDR: sip.ContactHeader{Address: cfg.contactURI()},
		},
		calls: make(map[string]*sipCall),
	}

	srv.OnRequest(sip.INVITE, b.onInvite)
	srv.OnRequest(sip.ACK, b.onAck)
	srv.OnRequest(sip.BYE, b.onBye)
	srv.OnRequest(sip.CANCEL, b.onCancel)
	return b, nil
}

func (c Config) contactURI() sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   c.ContactUser,
		Host:   c.AdvertiseAddr,
		Port:   c.Port,
	}
}

func (b *Backend) SetHandler(h remote.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *Backend) h() remote.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

// Call returns the live handle for callID or a fresh outbound one.
func (b *Backend) Call(callID string) (remote.Call, error) {
	if callID == "" {
		return nil, remote.ErrUnknownCall
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.calls[callID]; ok {
		return c, nil
	}
	c := newCall(b, callID, false)
	b.calls[callID] = c
	return c, nil
}

func (b *Backend) lookup(callID string) (*sipCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[callID]
	return c, ok
}

func (b *Backend) forget(c *sipCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls[c.id] == c {
		delete(b.calls, c.id)
	}
}

// Start serves SIP over UDP until ctx ends.
func (b *Backend) Start(ctx context.Context) error {
	addr := b.cfg.ListenAddr()
	slog.Info("[SIP] Listening", "addr", addr, "advertise", b.cfg.AdvertiseAddr, "gateway", b.cfg.Gateway)
	if err := b.srv.ListenAndServe(ctx, "udp", addr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sip listen %s: %w", addr, err)
	}
	return nil
}

// Close aborts pending outbound dials and releases the user agent.
func (b *Backend) Close() error {
	b.mu.Lock()
	calls := make([]*sipCall, 0, len(b.calls))
	for _, c := range b.calls {
		calls = append(calls, c)
	}
	b.calls = make(map[string]*sipCall)
	b.mu.Unlock()

	for _, c := range calls {
		c.abort()
	}
	return b.ua.Close()
}

func (b *Backend) destroy(c *sipCall, reason string) {
	b.forget(c)
	if !c.markDone() {
		return
	}
	if h := b.h(); h != nil {
		h.OnCallDestroy(c.id, call.NewHangup(c.id, reason))
	}
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

// originOf returns the caller's user part, falling back to the host.
func originOf(req *sip.Request) string {
	from := req.From()
	if from == nil {
		return ""
	}
	if from.Address.User != "" {
		return from.Address.User
	}
	return from.Address.Host
}

func (b *Backend) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if callID == "" {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(400), "Missing Call-ID", nil))
		return
	}
	if _, exists := b.lookup(callID); exists {
		slog.Debug("[SIP] INVITE for existing call ignored", "call_id", callID)
		return
	}

	offer := string(req.Body())
	if err := call.ValidateSDP(offer); err != nil {
		slog.Warn("[SIP] INVITE with unusable SDP", "call_id", callID, "error", err)
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(488), "Not Acceptable Here", nil))
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)); err != nil {
		slog.Error("[SIP] Failed to send 100 Trying", "call_id", callID, "error", err)
		return
	}

	c := newCall(b, callID, true)
	c.req, c.tx = req, tx
	b.mu.Lock()
	b.calls[callID] = c
	h := b.handler
	b.mu.Unlock()

	origin := originOf(req)
	slog.Info("[SIP] INVITE received", "call_id", callID, "origin", origin, "media", call.MediaSummary(offer))
	if h != nil {
		h.OnCallCreate(callID, origin, call.NewInvite(callID, b.cfg.InviteLifetime, offer))
	}

	// The transaction ends when this handler returns, so wait for the outcome.
	timer := time.NewTimer(b.cfg.InviteLifetime)
	defer timer.Stop()

	select {
	case sdp := <-c.answerCh:
		if err := c.acceptInvite(sdp); err != nil {
			slog.Error("[SIP] Failed to answer INVITE", "call_id", callID, "error", err)
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil))
			b.destroy(c, call.ReasonRemoteHangup)
		}
	case reason := <-c.rejectCh:
		code, text := rejectStatus(reason)
		tx.Respond(sip.NewResponseFromRequest(req, code, text, nil))
		b.forget(c)
		c.markDone()
		slog.Info("[SIP] INVITE rejected", "call_id", callID, "status", int(code), "reason", reason)
	case <-c.done:
		// Cancelled by the caller or torn down by Close.
	case <-tx.Done():
		b.destroy(c, call.ReasonRemoteHangup)
	case <-timer.C:
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(408), "Request Timeout", nil))
		slog.Info("[SIP] INVITE not answered in time", "call_id", callID)
		b.destroy(c, call.ReasonInviteTimeout)
	}
}

// rejectStatus maps a hangup reason onto a final INVITE response.
func rejectStatus(reason string) (sip.StatusCode, string) {
	switch reason {
	case call.ReasonUnavailable:
		return sip.StatusCode(480), "Temporarily Unavailable"
	case call.ReasonInviteTimeout:
		return sip.StatusCode(408), "Request Timeout"
	case call.ReasonUserLeft, call.ReasonCounterpartGone:
		return sip.StatusCode(487), "Request Terminated"
	default:
		return sip.StatusCode(603), "Decline"
	}
}

func (b *Backend) onAck(req *sip.Request, tx sip.ServerTransaction) {
	c, ok := b.lookup(callIDOf(req))
	if !ok {
		return
	}
	if s := c.serverSession(); s != nil {
		if err := s.ReadAck(req, tx); err != nil {
			slog.Warn("[SIP] Failed to read ACK", "call_id", c.id, "error", err)
		}
	}
}

func (b *Backend) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c, ok := b.lookup(callID)
	if !ok {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	if s := c.serverSession(); s != nil {
		if err := s.ReadBye(req, tx); err != nil {
			slog.Warn("[SIP] Failed to read BYE", "call_id", callID, "error", err)
		}
	} else if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("[SIP] Failed to respond to BYE", "call_id", callID, "error", err)
	}

	slog.Info("[SIP] BYE received", "call_id", callID)
	b.destroy(c, call.ReasonRemoteHangup)
}

func (b *Backend) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c, ok := b.lookup(callID)
	if !ok || !c.inbound || c.serverSession() != nil {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("[SIP] Failed to respond to CANCEL", "call_id", callID, "error", err)
	}
	c.tx.Respond(sip.NewResponseFromRequest(c.req, 487, "Request Terminated", nil))

	slog.Info("[SIP] CANCEL received", "call_id", callID)
	b.destroy(c, call.ReasonRemoteHangup)
}

// targetURI builds the Request-URI for an outbound call to target.
func (b *Backend) targetURI(target string) (sip.Uri, error) {
	var uri sip.Uri
	if b.cfg.Gateway == "" {
		return uri, errors.New("no SIP gateway configured")
	}
	if target == "" {
		return uri, errors.New("empty target")
	}
	if err := sip.ParseUri("sip:"+target+"@"+b.cfg.Gateway, &uri); err != nil {
		return uri, fmt.Errorf("invalid target URI: %w", err)
	}
	return uri, nil
}

// buildInvite constructs an outbound INVITE carrying offer.
func (b *Backend) buildInvite(callID string, target sip.Uri, offer []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	invite.AppendHeader(&sip.FromHeader{
		Address: b.cfg.contactURI(),
		Params:  fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: target,
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: b.cfg.contactURI()})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(offer)
	return invite
}
