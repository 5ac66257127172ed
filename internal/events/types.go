// Package events defines bridged-call lifecycle events and the publishers
// that carry them to observers.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the type of call event
type EventType string

const (
	// CallInvited fires when an invite is accepted on either side
	CallInvited EventType = "call.invited"
	// CallAnswered fires when the callee answers
	CallAnswered EventType = "call.answered"
	// CallHungup fires when either side hangs up
	CallHungup EventType = "call.hungup"
	// CallExpired fires when an invite arrives past its lifetime
	CallExpired EventType = "call.expired"
	// CallRejected fires when the counterpart side cannot be reached
	CallRejected EventType = "call.rejected"
	// CallClosed fires when the bridged pair is torn down
	CallClosed EventType = "call.closed"
)

// Event is the base interface for all call events
type Event interface {
	Type() EventType
	Subject() string
	Timestamp() time.Time
	CallID() string
}

// CallEvent describes one lifecycle step of a bridged call.
type CallEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	Call      string    `json:"call_id"`
	// Side is where the step originated: "chat" or "remote"
	Side     string `json:"side,omitempty"`
	RoomID   string `json:"room_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	RemoteID string `json:"remote_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	NodeID   string `json:"node_id,omitempty"`
}

func (e *CallEvent) Type() EventType      { return e.EventType }
func (e *CallEvent) Timestamp() time.Time { return e.EventTime }
func (e *CallEvent) CallID() string       { return e.Call }

// Subject returns the routing subject.
// Format: callbridge.calls.<call_id>.<event_type_suffix>
func (e *CallEvent) Subject() string {
	return "callbridge.calls." + e.Call + "." + strings.TrimPrefix(string(e.EventType), "call.")
}

// Builder stamps events with a node id and fresh event ids.
type Builder struct {
	nodeID string
	now    func() time.Time
}

// NewBuilder creates a builder for events emitted by nodeID.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID, now: time.Now}
}

// New creates an event of type t for callID.
func (b *Builder) New(t EventType, callID string) *CallEvent {
	return &CallEvent{
		EventID:   uuid.NewString(),
		EventType: t,
		EventTime: b.now().UTC(),
		Call:      callID,
		NodeID:    b.nodeID,
	}
}

// WithSide sets the originating side.
func (e *CallEvent) WithSide(side string) *CallEvent {
	e.Side = side
	return e
}

// WithChat sets the chat room and virtual user.
func (e *CallEvent) WithChat(roomID, userID string) *CallEvent {
	e.RoomID = roomID
	e.UserID = userID
	return e
}

// WithRemote sets the remote identity.
func (e *CallEvent) WithRemote(remoteID string) *CallEvent {
	e.RemoteID = remoteID
	return e
}

// WithReason sets the reason text.
func (e *CallEvent) WithReason(reason string) *CallEvent {
	e.Reason = reason
	return e
}
