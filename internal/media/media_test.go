package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/calls"
)

type countingClient struct {
	mu      sync.Mutex
	joins   int
	leaves  int
	joinErr error
	descs   []webrtc.SessionDescription
}

func (c *countingClient) Join(ctx context.Context, _ Room) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins++
	return c.joinErr
}

func (c *countingClient) Leave(string) error {
	c.mu.Lock()
	c.leaves++
	c.mu.Unlock()
	return nil
}

func (c *countingClient) Close() error { return nil }

func (c *countingClient) HandleDescription(_ string, sd webrtc.SessionDescription) {
	c.mu.Lock()
	c.descs = append(c.descs, sd)
	c.mu.Unlock()
}

func newCountingManager(t *testing.T, c *countingClient) *Manager {
	t.Helper()
	m, err := NewManager(func(Negotiator) (Client, error) { return c, nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestTracksFor(t *testing.T) {
	if got := TracksFor(calls.Audio); len(got) != 1 || got[0].Kind != TrackAudio {
		t.Fatalf("audio tracks = %+v", got)
	}
	if got := TracksFor(calls.Video); len(got) != 2 || got[1].Kind != TrackVideo {
		t.Fatalf("video tracks = %+v", got)
	}
}

func TestManagerJoinLeaveIdempotent(t *testing.T) {
	c := &countingClient{}
	m := newCountingManager(t, c)
	room := Room{ID: "c1", PeerID: "bob", Type: calls.Audio}

	for i := 0; i < 2; i++ {
		if err := m.Join(context.Background(), room); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	if !m.Joined("c1") {
		t.Fatal("expected joined")
	}
	_ = m.Leave("c1")
	_ = m.Leave("c1")
	if c.joins != 1 || c.leaves != 1 {
		t.Fatalf("joins=%d leaves=%d, want 1/1", c.joins, c.leaves)
	}
}

func TestManagerJoinError(t *testing.T) {
	boom := errors.New("no route")
	c := &countingClient{joinErr: boom}
	m := newCountingManager(t, c)

	err := m.Join(context.Background(), Room{ID: "c1"})
	var je *JoinError
	if !errors.As(err, &je) || je.RoomID != "c1" {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, ErrJoin) || !errors.Is(err, boom) {
		t.Fatalf("err %v should match ErrJoin and cause", err)
	}
	if m.Joined("c1") {
		t.Fatal("failed room still joined")
	}
}

func TestManagerRoutesDescriptionsAndCloses(t *testing.T) {
	c := &countingClient{}
	m := newCountingManager(t, c)
	m.HandleDescription("c1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	if len(c.descs) != 1 {
		t.Fatalf("descs = %d", len(c.descs))
	}

	_ = m.Join(context.Background(), Room{ID: "c1"})
	_ = m.Join(context.Background(), Room{ID: "c2"})
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if c.leaves != 2 {
		t.Fatalf("leaves = %d, want 2", c.leaves)
	}
	if err := m.Join(context.Background(), Room{ID: "c3"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("join after close: %v", err)
	}
}

func TestFactoryError(t *testing.T) {
	_, err := NewManager(func(Negotiator) (Client, error) { return nil, errors.New("no codecs") }, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

// loopNegotiator hands descriptions straight to the other client.
type loopNegotiator struct {
	mu   sync.Mutex
	peer DescriptionSink
}

func (n *loopNegotiator) SendDescription(_ context.Context, room Room, sd webrtc.SessionDescription) error {
	n.mu.Lock()
	p := n.peer
	n.mu.Unlock()
	p.HandleDescription(room.ID, sd)
	return nil
}

func TestPionLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	cfg := PionConfig{IncludeLoopback: true}
	negA, negB := &loopNegotiator{}, &loopNegotiator{}
	a, err := NewPionClient(cfg, negA)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewPionClient(cfg, negB)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	negA.peer, negB.peer = b, a

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- a.Join(ctx, Room{ID: "c1", PeerID: "bob", Type: calls.Video, Offerer: true}) }()
	go func() { errs <- b.Join(ctx, Room{ID: "c1", PeerID: "alice", Type: calls.Video}) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Join: %v", err)
		}
	}

	if err := a.Leave("c1"); err != nil {
		t.Fatal(err)
	}
	if got := a.PacketsReceived("c1"); got != 0 {
		t.Fatalf("left room still counted: %d", got)
	}
}

func TestPionJoinCancelled(t *testing.T) {
	a, err := NewPionClient(PionConfig{}, &loopNegotiator{peer: &countingClient{}})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Answerer waits for an offer that never comes.
	if err := a.Join(ctx, Room{ID: "c1", Type: calls.Audio}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

// blockingClient holds Join until its context ends.
type blockingClient struct {
	countingClient
	entered chan struct{}
}

func (c *blockingClient) Join(ctx context.Context, _ Room) error {
	close(c.entered)
	<-ctx.Done()
	return ctx.Err()
}

func TestManagerLeaveDuringJoinReleasesOnce(t *testing.T) {
	c := &blockingClient{entered: make(chan struct{})}
	m, err := NewManager(func(Negotiator) (Client, error) { return c, nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Join(ctx, Room{ID: "c1", PeerID: "bob", Type: calls.Audio}) }()

	<-c.entered
	_ = m.Leave("c1")
	cancel()
	if err := <-done; !errors.Is(err, ErrJoin) {
		t.Fatalf("Join err = %v", err)
	}
	_ = m.Leave("c1")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaves != 1 {
		t.Fatalf("client leaves = %d, want 1", c.leaves)
	}
}
