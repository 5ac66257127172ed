package endpoint

import "github.com/sebas/callbridge/internal/call"

// Listener observes the signaling activity of an Endpoint.
// Implementations embed BaseListener to override only what they need.
type Listener interface {
	OnInvite(ep *Endpoint, ev *call.Invite)
	OnSdpUpdate(ep *Endpoint, sd call.SessionDescription)
	OnCandidates(ep *Endpoint, ev *call.Candidates)
	OnAnswer(ep *Endpoint, ev *call.Answer)
	OnHangup(ep *Endpoint, ev *call.Hangup)
	OnClose(ep *Endpoint)
}

// BaseListener implements Listener with no-ops.
type BaseListener struct{}

func (BaseListener) OnInvite(*Endpoint, *call.Invite)               {}
func (BaseListener) OnSdpUpdate(*Endpoint, call.SessionDescription) {}
func (BaseListener) OnCandidates(*Endpoint, *call.Candidates)       {}
func (BaseListener) OnAnswer(*Endpoint, *call.Answer)               {}
func (BaseListener) OnHangup(*Endpoint, *call.Hangup)               {}
func (BaseListener) OnClose(*Endpoint)                              {}

var _ Listener = BaseListener{}

// CloseFunc adapts a function to a Listener that only observes close.
type CloseFunc func(ep *Endpoint)

func (CloseFunc) OnInvite(*Endpoint, *call.Invite)               {}
func (CloseFunc) OnSdpUpdate(*Endpoint, call.SessionDescription) {}
func (CloseFunc) OnCandidates(*Endpoint, *call.Candidates)       {}
func (CloseFunc) OnAnswer(*Endpoint, *call.Answer)               {}
func (CloseFunc) OnHangup(*Endpoint, *call.Hangup)               {}
func (f CloseFunc) OnClose(ep *Endpoint)                         { f(ep) }

var _ Listener = CloseFunc(nil)
