// Package matrix is the chat side of the bridge: it consumes homeserver
// transactions, applies the membership policy and routes call events into
// per-call endpoints.
package matrix

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/event"
)

// Event types handled outside the call namespace.
var (
	TypeMember  = event.StateMember.Type
	TypeMessage = event.EventMessage.Type
)

// Membership values.
const (
	MembershipInvite = event.MembershipInvite
	MembershipJoin   = event.MembershipJoin
	MembershipLeave  = event.MembershipLeave
	MembershipBan    = event.MembershipBan
)

// Transaction is a batch of events pushed by the homeserver.
type Transaction struct {
	ID     string  `json:"-"`
	Events []Event `json:"events"`
}

// Event is a room event as delivered to an application service.
type Event struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Unsigned       *Unsigned       `json:"unsigned,omitempty"`
	// Age is the legacy top-level age some homeservers still send.
	Age *int64 `json:"age,omitempty"`
}

// Unsigned carries transport-assigned metadata.
type Unsigned struct {
	Age int64 `json:"age"`
}

// AgeDuration returns how long the event had existed when delivered.
func (e *Event) AgeDuration() time.Duration {
	switch {
	case e.Age != nil:
		return time.Duration(*e.Age) * time.Millisecond
	case e.Unsigned != nil:
		return time.Duration(e.Unsigned.Age) * time.Millisecond
	default:
		return 0
	}
}

// Target returns the state key, which names the subject of a membership event.
func (e *Event) Target() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// MemberContent is the content of an m.room.member event.
type MemberContent = event.MemberEventContent
