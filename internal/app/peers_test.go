package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/calls"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/session"
)

type nodePeer struct {
	node  *p2p.Node
	store *callStore
	sess  *session.Context
}

// startNodePeer brings a user up the way Run does with p2p enabled, each
// with the default store in its own peer directory.
func startNodePeer(t *testing.T, ctx context.Context, user string) *nodePeer {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Identity.UserID = user
	cfg.Profile.Label = "User " + user
	cfg.Media.Enabled = false

	st, err := openStore(ctx, dir, cfg.Store)
	if err != nil {
		t.Fatalf("openStore(%s): %v", user, err)
	}
	t.Cleanup(func() { st.Close() })

	node, err := p2p.New(ctx, p2p.Options{
		ListenAddr:    "127.0.0.1",
		KeyFile:       filepath.Join(dir, cfg.Identity.KeyFile),
		PresenceTopic: cfg.Presence.Topic,
		PresenceTTL:   config.Seconds(cfg.Presence.TTLSec),
	})
	if err != nil {
		t.Fatalf("p2p.New(%s): %v", user, err)
	}
	t.Cleanup(func() { node.Close() })
	pres, err := node.PresenceTransport()
	if err != nil {
		t.Fatal(err)
	}

	sess, err := session.Open(ctx, sessionDeps(cfg, st, node, pres, nil, node.ID()))
	if err != nil {
		t.Fatalf("session.Open(%s): %v", user, err)
	}
	t.Cleanup(func() { sess.Close(context.Background()) })
	return &nodePeer{node: node, store: st, sess: sess}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCallBetweenNodesWithOwnStores(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := startNodePeer(t, ctx, "alice")
	bob := startNodePeer(t, ctx, "bob")
	if err := alice.node.Host.Connect(ctx, peer.AddrInfo{ID: bob.node.Host.ID(), Addrs: bob.node.Host.Addrs()}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	alice.node.Learn("bob", bob.node.Host.ID())
	bob.node.Learn("alice", alice.node.Host.ID())

	st, err := alice.sess.Initiate(ctx, "bob", calls.Audio)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	waitUntil(t, "bob ringing", func() bool {
		in, ok := bob.sess.IncomingCall()
		return ok && in.CallID == st.CallID
	})
	if in, _ := bob.sess.IncomingCall(); in.PeerDisplay.Name != "User alice" {
		t.Fatalf("caller display = %+v", in.PeerDisplay)
	}

	if err := bob.sess.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitUntil(t, "both active", func() bool {
		_, a := alice.sess.ActiveCall()
		_, b := bob.sess.ActiveCall()
		return a && b
	})

	if err := alice.sess.Hangup(ctx); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	waitUntil(t, "bob hung up", func() bool {
		s := bob.sess.CurrentState()
		return s.Phase == call.Ended && s.EndReason == call.EndHangup
	})

	for name, p := range map[string]*nodePeer{"alice": alice, "bob": bob} {
		waitUntil(t, name+"'s record ended", func() bool {
			rec, err := p.store.calls.Get(ctx, st.CallID)
			return err == nil && rec.Status == calls.StatusEnded
		})
		hist, err := p.sess.CallHistory(ctx, 10)
		if err != nil || len(hist) != 1 || hist[0].AnsweredAt == nil || hist[0].EndedAt == nil {
			t.Fatalf("%s history = %+v, %v", name, hist, err)
		}
	}
}
