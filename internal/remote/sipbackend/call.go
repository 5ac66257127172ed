package sipbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/remote"
)

// sipCall is one SIP dialog, inbound (UAS) or outbound (UAC).
type sipCall struct {
	id      string
	b       *Backend
	inbound bool

	// inbound INVITE transaction, owned by onInvite
	req      *sip.Request
	tx       sip.ServerTransaction
	answerCh chan string
	rejectCh chan string

	mu         sync.Mutex
	settled    bool
	session    *sipgo.DialogServerSession
	invite     *sip.Request
	answer     *sip.Response
	cancelDial context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

var _ remote.Call = (*sipCall)(nil)

func newCall(b *Backend, id string, inbound bool) *sipCall {
	return &sipCall{
		id:       id,
		b:        b,
		inbound:  inbound,
		answerCh: make(chan string, 1),
		rejectCh: make(chan string, 1),
		done:     make(chan struct{}),
	}
}

func (c *sipCall) ID() string { return c.id }

// markDone closes done and reports whether this was the first close.
func (c *sipCall) markDone() bool {
	first := false
	c.doneOnce.Do(func() {
		first = true
		close(c.done)
	})
	return first
}

func (c *sipCall) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *sipCall) abort() {
	c.markDone()
	c.mu.Lock()
	cancel := c.cancelDial
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *sipCall) serverSession() *sipgo.DialogServerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// settle claims the right to send the final INVITE response.
func (c *sipCall) settle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return false
	}
	c.settled = true
	return true
}

// release drops the call from the backend without signalling the peer.
func (c *sipCall) release() {
	c.b.forget(c)
	c.markDone()
}

func (c *sipCall) acceptInvite(sdp string) error {
	session, err := c.b.dialogUA.ReadInvite(c.req, c.tx)
	if err != nil {
		return fmt.Errorf("create dialog session: %w", err)
	}
	if err := session.RespondSDP([]byte(sdp)); err != nil {
		session.Close()
		return fmt.Errorf("send 200 OK: %w", err)
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	slog.Info("[SIP] INVITE answered", "call_id", c.id)
	return nil
}

// Invite sends an INVITE to target through the gateway. The answer or
// failure is reported to the handler asynchronously. A call whose INVITE
// cannot be sent is released from the backend.
func (c *sipCall) Invite(_ context.Context, target string, ev *call.Invite) error {
	if c.inbound {
		return fmt.Errorf("call %s: invite on an inbound call", c.id)
	}
	uri, err := c.b.targetURI(target)
	if err != nil {
		c.release()
		return err
	}

	lifetime := ev.LifetimeDuration()
	if lifetime <= 0 {
		lifetime = c.b.cfg.InviteLifetime
	}
	invite := c.b.buildInvite(c.id, uri, []byte(ev.Offer.SDP))

	dialCtx, cancel := context.WithTimeout(context.Background(), lifetime)
	tx, err := c.b.client.TransactionRequest(dialCtx, invite)
	if err != nil {
		cancel()
		c.release()
		return fmt.Errorf("send INVITE: %w", err)
	}

	c.mu.Lock()
	c.invite = invite
	c.cancelDial = cancel
	c.mu.Unlock()

	slog.Info("[SIP] INVITE sent", "call_id", c.id, "target", uri.String())
	go c.dial(dialCtx, cancel, invite, tx)
	return nil
}

func (c *sipCall) dial(ctx context.Context, cancel context.CancelFunc, invite *sip.Request, tx sip.ClientTransaction) {
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			c.b.sendCancel(c.id, invite)
			reason := call.ReasonRemoteHangup
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = call.ReasonInviteTimeout
			}
			c.b.destroy(c, reason)
			return

		case resp := <-tx.Responses():
			if resp == nil {
				c.b.destroy(c, call.ReasonUnavailable)
				return
			}
			code := int(resp.StatusCode)
			switch {
			case code < 200:
				slog.Debug("[SIP] Provisional response", "call_id", c.id, "status", code)
			case code < 300:
				c.onAnswered(invite, resp)
				return
			default:
				slog.Info("[SIP] Call rejected", "call_id", c.id, "status", code, "reason", resp.Reason)
				c.b.destroy(c, call.ReasonUnavailable)
				return
			}

		case <-tx.Done():
			c.b.destroy(c, call.ReasonUnavailable)
			return
		}
	}
}

func (c *sipCall) onAnswered(invite *sip.Request, resp *sip.Response) {
	if err := c.b.sendAck(invite, resp); err != nil {
		slog.Error("[SIP] Failed to send ACK", "call_id", c.id, "error", err)
	}
	c.mu.Lock()
	c.answer = resp
	c.mu.Unlock()

	if c.isDone() {
		// Hung up locally while the INVITE was in flight.
		ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
		defer cancel()
		if err := c.b.sendBye(ctx, invite, resp); err != nil {
			slog.Warn("[SIP] Failed to send BYE", "call_id", c.id, "error", err)
		}
		return
	}

	slog.Info("[SIP] Call answered", "call_id", c.id)
	if h := c.b.h(); h != nil {
		h.OnCallSignal(c.id, call.NewAnswer(c.id, string(resp.Body())))
	}
}

// Answer accepts an inbound INVITE with the answer SDP.
func (c *sipCall) Answer(_ context.Context, ev *call.Answer) error {
	if !c.inbound {
		return ErrNotInbound
	}
	if err := call.ValidateSDP(ev.Answer.SDP); err != nil {
		return err
	}
	if !c.settle() {
		return ErrAlreadySettled
	}
	c.answerCh <- ev.Answer.SDP
	return nil
}

// Candidates is a no-op. SIP peers receive candidates inside the SDP.
func (c *sipCall) Candidates(_ context.Context, ev *call.Candidates) error {
	slog.Debug("[SIP] Dropping trickled candidates", "call_id", c.id, "count", len(ev.Candidates))
	return nil
}

// Hangup ends the call in whatever phase it is in.
func (c *sipCall) Hangup(ctx context.Context, ev *call.Hangup) error {
	c.b.forget(c)

	if c.inbound {
		if c.settle() {
			c.rejectCh <- ev.Reason
			return nil
		}
		c.markDone()
		if s := c.serverSession(); s != nil {
			if err := s.Bye(ctx); err != nil {
				return fmt.Errorf("send BYE: %w", err)
			}
			slog.Info("[SIP] BYE sent", "call_id", c.id)
		}
		return nil
	}

	c.markDone()
	c.mu.Lock()
	invite, answer, cancel := c.invite, c.answer, c.cancelDial
	c.mu.Unlock()

	if answer == nil {
		if cancel != nil {
			cancel()
		}
		return nil
	}
	if err := c.b.sendBye(ctx, invite, answer); err != nil {
		return err
	}
	slog.Info("[SIP] BYE sent", "call_id", c.id)
	return nil
}

// remoteTarget is where in-dialog requests go: the 2xx Contact when present.
func remoteTarget(invite *sip.Request, resp *sip.Response) sip.Uri {
	if contact := resp.Contact(); contact != nil {
		return contact.Address
	}
	return invite.Recipient
}

func dialogTo(resp *sip.Response) *sip.ToHeader {
	to := resp.To()
	if to == nil {
		return nil
	}
	return &sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params}
}

// sendAck acknowledges a 2xx. The ACK is sent outside the INVITE transaction.
func (b *Backend) sendAck(invite *sip.Request, resp *sip.Response) error {
	target := remoteTarget(invite, resp)
	ack := sip.NewRequest(sip.ACK, target)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := dialogTo(resp); to != nil {
		ack.AppendHeader(to)
	}
	cseq := &sip.CSeqHeader{SeqNo: 1, MethodName: sip.ACK}
	if h := invite.CSeq(); h != nil {
		cseq.SeqNo = h.SeqNo
	}
	ack.AppendHeader(cseq)
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	dest := resp.Source()
	if dest == "" {
		dest = hostPort(target)
	}
	ack.SetDestination(dest)

	if err := b.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("write ACK: %w", err)
	}
	return nil
}

func (b *Backend) sendBye(ctx context.Context, invite *sip.Request, resp *sip.Response) error {
	bye := sip.NewRequest(sip.BYE, remoteTarget(invite, resp))
	sip.CopyHeaders("From", invite, bye)
	sip.CopyHeaders("Call-ID", invite, bye)
	if to := dialogTo(resp); to != nil {
		bye.AppendHeader(to)
	}
	cseq := &sip.CSeqHeader{SeqNo: 2, MethodName: sip.BYE}
	if h := invite.CSeq(); h != nil {
		cseq.SeqNo = h.SeqNo + 1
	}
	bye.AppendHeader(cseq)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(ctx, byeTimeout)
	defer cancel()

	tx, err := b.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	select {
	case resp := <-tx.Responses():
		if resp != nil && int(resp.StatusCode) >= 300 {
			return fmt.Errorf("BYE rejected with %d", resp.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
		return fmt.Errorf("BYE: %w", ctx.Err())
	}
	return nil
}

func (b *Backend) sendCancel(callID string, invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	cseq := &sip.CSeqHeader{SeqNo: 1, MethodName: sip.CANCEL}
	if h := invite.CSeq(); h != nil {
		cseq.SeqNo = h.SeqNo
	}
	cancelReq.AppendHeader(cseq)
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()

	tx, err := b.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		slog.Warn("[SIP] Failed to send CANCEL", "call_id", callID, "error", err)
		return
	}
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
	slog.Info("[SIP] CANCEL sent", "call_id", callID)
}

func hostPort(u sip.Uri) string {
	port := u.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(port))
}

func newTag() string {
	return uuid.New().String()[:8]
}
