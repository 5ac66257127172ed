// Package call defines the call-control event schema exchanged over the chat
// transport and the logical session state shared by both sides of the bridge.
package call

import "fmt"

// State represents the logical state of a call session.
type State int

const (
	// StateNew indicates an endpoint exists but no invite has been seen yet.
	StateNew State = iota
	// StateInvited indicates a valid invite was received or sent.
	StateInvited
	// StateAnswered indicates a valid answer referenced a known call.
	StateAnswered
	// StateActive is implicit once media negotiation proceeds.
	// The signaling layer never observes it directly.
	StateActive
	// StateTerminated indicates either side hung up.
	StateTerminated
	// StateExpired indicates the invite arrived after its lifetime.
	StateExpired
	// StateRejected indicates the counterpart was unreachable or unknown.
	StateRejected
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateInvited:
		return "Invited"
	case StateAnswered:
		return "Answered"
	case StateActive:
		return "Active"
	case StateTerminated:
		return "Terminated"
	case StateExpired:
		return "Expired"
	case StateRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if no further signaling is accepted in this state.
func (s State) IsTerminal() bool {
	return s == StateTerminated || s == StateExpired || s == StateRejected
}

// Next returns the state reached by applying an event of kind k.
// Candidates never change state. Terminal states absorb everything.
func (s State) Next(k Kind) State {
	if s.IsTerminal() {
		return s
	}
	switch k {
	case KindInvite:
		if s == StateNew {
			return StateInvited
		}
	case KindAnswer:
		if s == StateNew || s == StateInvited {
			return StateAnswered
		}
	case KindHangup:
		return StateTerminated
	}
	return s
}
