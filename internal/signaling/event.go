// Package signaling carries short-lived call notifications between users.
// Delivery is best-effort: events are hints that accelerate the durable
// record's transitions, never the source of truth.
package signaling

import (
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/calls"
)

// Kind names a signaling event.
type Kind string

const (
	KindInvite Kind = "invite"
	KindAccept Kind = "accept"
	KindReject Kind = "reject"
	KindCancel Kind = "cancel"
	KindHangup Kind = "hangup"

	// Session descriptions for the media engine. The call state machine
	// never acts on these.
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
)

// Lifecycle reports whether k drives the call state machine.
func (k Kind) Lifecycle() bool {
	switch k {
	case KindInvite, KindAccept, KindReject, KindCancel, KindHangup:
		return true
	}
	return false
}

const (
	ReasonBusy    = "busy"
	ReasonTimeout = "timeout"
)

// Payload is the optional body of an event.
type Payload struct {
	DisplayName string         `json:"display_name,omitempty"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	MediaType   calls.CallType `json:"media_type,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	SDP         string         `json:"sdp,omitempty"`

	// Record is the sender's copy of the call record after the write that
	// prompted the event. Peers that keep their own store mirror it.
	Record *calls.CallRecord `json:"record,omitempty"`
}

// Event is one signaling message addressed to a single user.
type Event struct {
	Kind    Kind    `json:"kind"`
	CallID  string  `json:"call_id"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Payload Payload `json:"payload"`

	// Session identifies the sending channel instance; Seq increases per
	// event within it. Together they let the receiver drop duplicates.
	Session string `json:"session,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
	SentAt  int64  `json:"sent_at,omitempty"`
}

var (
	ErrTransport = errors.New("signaling: transport failure")
	ErrOffline   = errors.New("signaling: recipient not reachable")
	ErrClosed    = errors.New("signaling: channel closed")
)

// TransportError wraps a failed delivery or subscription.
type TransportError struct {
	Op   string
	Peer string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("signaling: %s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("signaling: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }
