// Package media joins and leaves the realtime media session that backs an
// active call. The call state machine only ever asks for Join and Leave; how
// the session is negotiated is up to the Client.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/calls"
)

var log = logging.Logger("media")

var (
	ErrJoin   = errors.New("media: join failed")
	ErrClosed = errors.New("media: closed")
)

// JoinError reports why a room could not be joined.
type JoinError struct {
	RoomID string
	Err    error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("media: join %s: %v", e.RoomID, e.Err)
}

func (e *JoinError) Unwrap() []error { return []error{ErrJoin, e.Err} }

// Room is the media session of one call. The room id is the call id.
type Room struct {
	ID     string
	PeerID string
	Type   calls.CallType
	// Offerer is true on the side that creates the session offer (the caller).
	Offerer bool
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack describes a track published into a room.
type LocalTrack struct {
	Kind     TrackKind
	ID       string
	StreamID string
}

// TracksFor lists the local tracks a call of type t publishes.
func TracksFor(t calls.CallType) []LocalTrack {
	tracks := []LocalTrack{{Kind: TrackAudio, ID: "audio", StreamID: "goopcall"}}
	if t == calls.Video {
		tracks = append(tracks, LocalTrack{Kind: TrackVideo, ID: "video", StreamID: "goopcall"})
	}
	return tracks
}

// Client is a media engine.
type Client interface {
	Join(ctx context.Context, room Room) error
	// Leave releases a room, including one whose join failed. Unknown
	// rooms are not an error.
	Leave(roomID string) error
	Close() error
}

// DescriptionSink is implemented by clients that negotiate with session
// descriptions exchanged over signaling.
type DescriptionSink interface {
	HandleDescription(roomID string, sd webrtc.SessionDescription)
}

// Negotiator carries a local session description to the remote side.
type Negotiator interface {
	SendDescription(ctx context.Context, room Room, sd webrtc.SessionDescription) error
}

// Factory builds a Client that negotiates through neg.
type Factory func(neg Negotiator) (Client, error)

// Manager owns one Client and tracks which rooms are joined. Join and Leave
// are idempotent per room.
type Manager struct {
	mu     sync.Mutex
	client Client
	rooms  map[string]Room
	closed bool
}

// NewManager creates the client up front so a broken media stack surfaces
// before the first call.
func NewManager(factory Factory, neg Negotiator) (*Manager, error) {
	c, err := factory(neg)
	if err != nil {
		return nil, fmt.Errorf("media: create client: %w", err)
	}
	return &Manager{client: c, rooms: make(map[string]Room)}, nil
}

func (m *Manager) Join(ctx context.Context, room Room) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &JoinError{RoomID: room.ID, Err: ErrClosed}
	}
	if _, ok := m.rooms[room.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.rooms[room.ID] = room
	m.mu.Unlock()

	log.Debugf("joining room %s (peer %s, offerer=%v)", room.ID, room.PeerID, room.Offerer)
	if err := m.client.Join(ctx, room); err != nil {
		m.mu.Lock()
		_, still := m.rooms[room.ID]
		delete(m.rooms, room.ID)
		m.mu.Unlock()
		// A Leave that raced the join has already released the room.
		if still {
			_ = m.client.Leave(room.ID)
		}
		var je *JoinError
		if errors.As(err, &je) {
			return err
		}
		return &JoinError{RoomID: room.ID, Err: err}
	}
	log.Infof("joined room %s", room.ID)
	return nil
}

func (m *Manager) Leave(roomID string) error {
	m.mu.Lock()
	_, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	log.Infof("leaving room %s", roomID)
	return m.client.Leave(roomID)
}

// Joined reports whether roomID is joined or joining.
func (m *Manager) Joined(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[roomID]
	return ok
}

// HandleDescription routes a remote session description to the client.
func (m *Manager) HandleDescription(roomID string, sd webrtc.SessionDescription) {
	if sink, ok := m.client.(DescriptionSink); ok {
		sink.HandleDescription(roomID, sd)
	}
}

// Reset leaves every room without closing the client.
func (m *Manager) Reset() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.rooms = make(map[string]Room)
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.client.Leave(id)
	}
}

func (m *Manager) Close() error {
	m.Reset()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.client.Close()
}

// NopClient joins instantly and carries no media. Used when media is
// disabled in the config.
type NopClient struct{}

func (NopClient) Join(ctx context.Context, _ Room) error { return ctx.Err() }
func (NopClient) Leave(string) error                     { return nil }
func (NopClient) Close() error                           { return nil }
