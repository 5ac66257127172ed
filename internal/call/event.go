package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SupportedVersion is the only call-event version the bridge accepts.
const SupportedVersion = 0

// Event type names on the chat transport.
const (
	TypePrefix     = "m.call."
	TypeInvite     = "m.call.invite"
	TypeCandidates = "m.call.candidates"
	TypeAnswer     = "m.call.answer"
	TypeHangup     = "m.call.hangup"
)

// Hangup reasons produced by the bridge itself.
const (
	ReasonUserLeft        = "user_left"
	ReasonUnavailable     = "user_unavailable"
	ReasonInviteTimeout   = "invite_timeout"
	ReasonIdle            = "idle_timeout"
	ReasonRemoteHangup    = "remote_hangup"
	ReasonCounterpartGone = "counterpart_gone"
)

var (
	// ErrMalformedEvent is returned when content cannot be parsed or lacks required fields.
	ErrMalformedEvent = errors.New("malformed call event")

	// ErrUnsupportedVersion is returned when the content version is not SupportedVersion.
	ErrUnsupportedVersion = errors.New("unsupported call event version")

	// ErrUnknownType is returned for m.call.* subtypes the bridge does not model.
	ErrUnknownType = errors.New("unknown call event type")
)

// Kind tags the concrete Event variant.
type Kind int

const (
	KindInvite Kind = iota
	KindCandidates
	KindAnswer
	KindHangup
)

// EventType returns the chat transport type name for the kind.
func (k Kind) EventType() string {
	switch k {
	case KindInvite:
		return TypeInvite
	case KindCandidates:
		return TypeCandidates
	case KindAnswer:
		return TypeAnswer
	case KindHangup:
		return TypeHangup
	default:
		return fmt.Sprintf("m.call.unknown(%d)", k)
	}
}

// String returns the short name of the kind.
func (k Kind) String() string {
	return strings.TrimPrefix(k.EventType(), TypePrefix)
}

// Event is a call-control event. The concrete type is one of
// *Invite, *Candidates, *Answer or *Hangup.
type Event interface {
	Kind() Kind
	CallID() string
	Version() int64
}

// Header carries the fields common to every call event.
type Header struct {
	ID  string `json:"call_id"`
	Ver *int64 `json:"version"`
}

// CallID returns the call identifier.
func (h Header) CallID() string { return h.ID }

// Version returns the content version, or -1 when absent.
func (h Header) Version() int64 {
	if h.Ver == nil {
		return -1
	}
	return *h.Ver
}

func (h Header) validate() error {
	if h.ID == "" {
		return fmt.Errorf("%w: missing call_id", ErrMalformedEvent)
	}
	if h.Ver == nil {
		return fmt.Errorf("%w: missing version", ErrMalformedEvent)
	}
	if *h.Ver != SupportedVersion {
		return &VersionError{Version: *h.Ver}
	}
	return nil
}

func newHeader(callID string) Header {
	v := int64(SupportedVersion)
	return Header{ID: callID, Ver: &v}
}

// VersionError reports an event whose version is not supported.
type VersionError struct {
	Version int64
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported call event version %d", e.Version)
}

func (e *VersionError) Unwrap() error {
	return ErrUnsupportedVersion
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a single ICE candidate.
type Candidate struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

// Invite starts a call.
type Invite struct {
	Header
	Lifetime int64              `json:"lifetime"`
	Offer    SessionDescription `json:"offer"`
}

// Candidates trickles ICE candidates for an existing call.
type Candidates struct {
	Header
	Candidates []Candidate `json:"candidates"`
}

// Answer accepts a call.
type Answer struct {
	Header
	Answer SessionDescription `json:"answer"`
}

// Hangup ends a call.
type Hangup struct {
	Header
	Reason string `json:"reason,omitempty"`
}

func (*Invite) Kind() Kind     { return KindInvite }
func (*Candidates) Kind() Kind { return KindCandidates }
func (*Answer) Kind() Kind     { return KindAnswer }
func (*Hangup) Kind() Kind     { return KindHangup }

// LifetimeDuration returns the invite lifetime as a duration.
func (i *Invite) LifetimeDuration() time.Duration {
	return time.Duration(i.Lifetime) * time.Millisecond
}

// ExpiresAt computes the expiry instant of an invite that the transport
// reports as already being age old at now.
func (i *Invite) ExpiresAt(now time.Time, age time.Duration) time.Time {
	return now.Add(-age).Add(i.LifetimeDuration())
}

// Expired reports whether the invite's expiry instant lies before now.
func (i *Invite) Expired(now time.Time, age time.Duration) bool {
	return i.ExpiresAt(now, age).Before(now)
}

// NewInvite builds a version 0 invite.
func NewInvite(callID string, lifetime time.Duration, offerSDP string) *Invite {
	return &Invite{
		Header:   newHeader(callID),
		Lifetime: lifetime.Milliseconds(),
		Offer:    SessionDescription{Type: "offer", SDP: offerSDP},
	}
}

// NewAnswer builds a version 0 answer.
func NewAnswer(callID, answerSDP string) *Answer {
	return &Answer{
		Header: newHeader(callID),
		Answer: SessionDescription{Type: "answer", SDP: answerSDP},
	}
}

// NewCandidates builds a version 0 candidates event.
func NewCandidates(callID string, candidates []Candidate) *Candidates {
	return &Candidates{Header: newHeader(callID), Candidates: candidates}
}

// NewHangup builds a version 0 hangup.
func NewHangup(callID, reason string) *Hangup {
	return &Hangup{Header: newHeader(callID), Reason: reason}
}

// IsCallType reports whether eventType belongs to the call-control namespace.
func IsCallType(eventType string) bool {
	return strings.HasPrefix(eventType, TypePrefix)
}

// Decode parses and validates event content of the given type.
// Validation covers required fields, the version gate and SDP syntax.
func Decode(eventType string, content json.RawMessage) (Event, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty content", ErrMalformedEvent)
	}

	switch eventType {
	case TypeInvite:
		ev := &Invite{}
		if err := unmarshal(content, ev); err != nil {
			return nil, err
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		if ev.Lifetime <= 0 {
			return nil, fmt.Errorf("%w: invite lifetime must be positive", ErrMalformedEvent)
		}
		if err := ValidateSDP(ev.Offer.SDP); err != nil {
			return nil, fmt.Errorf("offer: %w", err)
		}
		return ev, nil

	case TypeCandidates:
		ev := &Candidates{}
		if err := unmarshal(content, ev); err != nil {
			return nil, err
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		if len(ev.Candidates) == 0 {
			return nil, fmt.Errorf("%w: no candidates", ErrMalformedEvent)
		}
		return ev, nil

	case TypeAnswer:
		ev := &Answer{}
		if err := unmarshal(content, ev); err != nil {
			return nil, err
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		if err := ValidateSDP(ev.Answer.SDP); err != nil {
			return nil, fmt.Errorf("answer: %w", err)
		}
		return ev, nil

	case TypeHangup:
		ev := &Hangup{}
		if err := unmarshal(content, ev); err != nil {
			return nil, err
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, eventType)
	}
}

func unmarshal(content json.RawMessage, v any) error {
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
