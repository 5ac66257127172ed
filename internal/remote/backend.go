// Package remote is the VoIP side of the bridge. It wraps a backend that
// speaks the remote network's protocol and exposes per-call endpoints.
package remote

import (
	"context"
	"errors"

	"github.com/sebas/callbridge/internal/call"
)

// ErrUnknownCall is returned by a Backend for call ids it has no handle for
// and cannot create one.
var ErrUnknownCall = errors.New("unknown remote call")

// Handler receives backend notifications.
type Handler interface {
	// OnCallCreate reports a new call from origin.
	OnCallCreate(callID, origin string, ev *call.Invite)
	// OnCallDestroy reports that the backend ended a call.
	OnCallDestroy(callID string, ev *call.Hangup)
	// OnCallSignal reports answers and candidates for an existing call.
	OnCallSignal(callID string, ev call.Event)
}

// Call is a backend-native handle for one call.
type Call interface {
	ID() string
	// Invite originates the call towards target.
	Invite(ctx context.Context, target string, ev *call.Invite) error
	Answer(ctx context.Context, ev *call.Answer) error
	Candidates(ctx context.Context, ev *call.Candidates) error
	Hangup(ctx context.Context, ev *call.Hangup) error
}

// Backend is the remote network collaborator.
type Backend interface {
	// SetHandler installs the notification sink. It is called once before Start.
	SetHandler(h Handler)
	// Call returns the handle for callID, creating an outbound one when absent.
	Call(callID string) (Call, error)
	// Start serves the remote network until ctx ends.
	Start(ctx context.Context) error
	// Close releases network resources.
	Close() error
}
