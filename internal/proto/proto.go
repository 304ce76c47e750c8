package proto

import "time"

const (
	PresenceTopic = "goopcall.presence.v1"
	MdnsTag       = "goopcall-mdns"

	// libp2p stream protocol ID for call signaling events
	SignalProtoID = "/goopcall/signal/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is published on the presence topic. UserID is the account the
// peer is signed in as; PeerID is its transport address.
type PresenceMsg struct {
	Type        string   `json:"type"` // online|update|offline
	UserID      string   `json:"userId"`
	PeerID      string   `json:"peerId,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
	Addrs       []string `json:"addrs,omitempty"` // Multiaddresses for WAN connectivity
	TS          int64    `json:"ts"`
}

// SignalAck is written back on a signal stream once the event was handed to
// the local listener.
type SignalAck struct {
	Seq int64  `json:"seq"`
	Err string `json:"err,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
