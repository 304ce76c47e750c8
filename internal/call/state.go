package call

import (
	"errors"
	"time"

	"github.com/petervdpas/goopcall/internal/calls"
)

// Phase is the client-visible position of the local call.
type Phase string

const (
	Idle            Phase = "idle"
	OutgoingRinging Phase = "outgoing_ringing"
	IncomingRinging Phase = "incoming_ringing"
	Active          Phase = "active"
	Ended           Phase = "ended"
)

func (p Phase) ringing() bool { return p == OutgoingRinging || p == IncomingRinging }

// EndReason says why a call reached Ended.
type EndReason string

const (
	EndHangup            EndReason = "hangup"
	EndRejected          EndReason = "rejected"
	EndBusy              EndReason = "busy"
	EndCancelled         EndReason = "cancelled"
	EndMissed            EndReason = "missed"
	EndAnsweredElsewhere EndReason = "answered_elsewhere"
	EndFailed            EndReason = "failed"
)

// MediaFailed is the notice shown while an Active call has no media.
const MediaFailed = "call failed to connect"

// Display is how the remote party is presented.
type Display struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// SessionState is the single value the UI renders.
type SessionState struct {
	Phase       Phase          `json:"phase"`
	CallID      string         `json:"call_id,omitempty"`
	PeerID      string         `json:"peer_id,omitempty"`
	PeerDisplay Display        `json:"peer_display"`
	CallType    calls.CallType `json:"call_type,omitempty"`
	Outgoing    bool           `json:"outgoing,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndReason   EndReason      `json:"end_reason,omitempty"`
	MediaError  string         `json:"media_error,omitempty"`
}

var (
	ErrBusy           = errors.New("user is busy")
	ErrCallInProgress = errors.New("call: a call is already in progress")
	ErrNoCall         = errors.New("call: no matching call")
	ErrInvalidPeer    = errors.New("call: invalid peer")
	ErrInvalidType    = errors.New("call: invalid call type")
	ErrClosed         = errors.New("call: manager closed")
)
