// Package calls holds the durable call record: its status machine, the error
// taxonomy for store operations and the change feed that drives listeners.
package calls

import "time"

// CallType is the media kind a call was placed with.
type CallType string

const (
	Audio CallType = "audio"
	Video CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == Audio || t == Video
}

// Status is the lifecycle position of a call record.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusMissed    Status = "missed"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// transitions lists every permitted status change. Anything missing is invalid.
var transitions = map[Status][]Status{
	StatusRinging:  {StatusAccepted, StatusRejected, StatusMissed, StatusCancelled},
	StatusAccepted: {StatusEnded},
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusMissed, StatusEnded, StatusCancelled:
		return true
	}
	return false
}

// Outstanding reports whether a record in status s blocks a new call
// between the same pair.
func (s Status) Outstanding() bool {
	return s == StatusRinging || s == StatusAccepted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusAccepted, StatusRejected, StatusMissed, StatusEnded, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanFollow reports whether a local record in status from may take on status
// to written elsewhere. A ringing copy may jump straight to ended when the
// answer it never saw has already been hung up.
func CanFollow(from, to Status) bool {
	return CanTransition(from, to) || (from == StatusRinging && to == StatusEnded)
}

// CallRecord is the authoritative row for one call attempt.
type CallRecord struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	Type       CallType   `json:"call_type"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Involves reports whether userID is either side of the call.
func (r CallRecord) Involves(userID string) bool {
	return r.CallerID == userID || r.ReceiverID == userID
}

// PeerOf returns the other participant from userID's point of view.
func (r CallRecord) PeerOf(userID string) string {
	if r.CallerID == userID {
		return r.ReceiverID
	}
	return r.CallerID
}

// Duration is the answered-to-ended span, zero for calls that never connected.
func (r CallRecord) Duration() time.Duration {
	if r.AnsweredAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.AnsweredAt)
}

// Apply returns r moved to status to at time now, setting the timestamps the
// transition owns. It does not check whether the move is permitted.
func (r CallRecord) Apply(to Status, now time.Time) CallRecord {
	from := r.Status
	r.Status = to
	r.UpdatedAt = now
	if to == StatusAccepted {
		t := now
		r.AnsweredAt = &t
	}
	if from == StatusAccepted && to.Terminal() {
		t := now
		r.EndedAt = &t
	}
	return r
}

// NewCall is the input to Store.Create. ID may be empty, in which case the
// store assigns one.
type NewCall struct {
	ID         string
	CallerID   string
	ReceiverID string
	Type       CallType
}
