package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastOptions(self string) Options {
	return Options{
		SelfID:      self,
		DisplayName: self + " display",
		TTL:         200 * time.Millisecond,
		Heartbeat:   20 * time.Millisecond,
		StaleAfter:  60 * time.Millisecond,
	}
}

func TestTrackersSeeEachOther(t *testing.T) {
	bus := NewBus()
	alice := NewTracker(bus.Join("alice"), fastOptions("alice"))
	bob := NewTracker(bus.Join("bob"), fastOptions("bob"))
	ctx := context.Background()
	if err := alice.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bob.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer alice.Stop()

	waitFor(t, "alice sees bob", func() bool { return alice.IsOnline("bob") })
	waitFor(t, "bob sees alice", func() bool { return bob.IsOnline("alice") })
	if n := alice.OnlineCount(); n != 2 {
		t.Fatalf("OnlineCount = %d, want 2", n)
	}
	if e, ok := alice.Lookup("bob"); !ok || e.DisplayName != "bob display" {
		t.Fatalf("Lookup(bob) = %+v, %v", e, ok)
	}

	bob.Stop()
	waitFor(t, "bob offline", func() bool { return !alice.IsOnline("bob") })
	if n := alice.OnlineCount(); n != 1 {
		t.Fatalf("OnlineCount after bob left = %d, want 1", n)
	}
}

func TestUnknownAndUnstartedAreOffline(t *testing.T) {
	tr := NewTracker(NewBus().Join("alice"), fastOptions("alice"))
	if tr.IsOnline("alice") {
		t.Fatal("unstarted tracker reports self online")
	}
	_ = tr.Start(context.Background())
	defer tr.Stop()
	if !tr.IsOnline("alice") {
		t.Fatal("self not online")
	}
	if tr.IsOnline("nobody") {
		t.Fatal("unknown user online")
	}
}

func TestEntriesExpireWithoutHeartbeat(t *testing.T) {
	tr := NewTracker(NewBus().Join("alice"), fastOptions("alice"))
	_ = tr.Start(context.Background())
	defer tr.Stop()

	tr.Observe(proto.PresenceMsg{Type: proto.TypeOnline, UserID: "ghost"})
	if !tr.IsOnline("ghost") {
		t.Fatal("ghost not online after message")
	}
	waitFor(t, "ghost expires", func() bool { return !tr.IsOnline("ghost") })
	waitFor(t, "ghost pruned offline", func() bool {
		e, ok := tr.Lookup("ghost")
		return ok && !e.Online()
	})
}

// flakyTransport fails every publish and receive once broken.
type flakyTransport struct {
	mu     sync.Mutex
	broken bool
	closed chan struct{}
	once   sync.Once
}

func newFlaky() *flakyTransport { return &flakyTransport{closed: make(chan struct{})} }

func (f *flakyTransport) set(broken bool) {
	f.mu.Lock()
	f.broken = broken
	f.mu.Unlock()
}

func (f *flakyTransport) isBroken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broken
}

func (f *flakyTransport) Publish(context.Context, proto.PresenceMsg) error {
	if f.isBroken() {
		return errors.New("link down")
	}
	return nil
}

func (f *flakyTransport) Next(ctx context.Context) (proto.PresenceMsg, error) {
	select {
	case <-ctx.Done():
		return proto.PresenceMsg{}, ctx.Err()
	case <-f.closed:
		return proto.PresenceMsg{}, ErrClosed
	case <-time.After(10 * time.Millisecond):
		if f.isBroken() {
			return proto.PresenceMsg{}, errors.New("link down")
		}
		return proto.PresenceMsg{Type: proto.TypeUpdate, UserID: "bob"}, nil
	}
}

func (f *flakyTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func TestDisconnectDegradesToOffline(t *testing.T) {
	ft := newFlaky()
	tr := NewTracker(ft, fastOptions("alice"))
	_ = tr.Start(context.Background())
	defer tr.Stop()

	waitFor(t, "bob online", func() bool { return tr.IsOnline("bob") })

	ft.set(true)
	waitFor(t, "presence stale", tr.Stale)
	if tr.IsOnline("bob") || tr.IsOnline("alice") {
		t.Fatal("stale tracker still reports users online")
	}
	if n := tr.OnlineCount(); n != 0 {
		t.Fatalf("OnlineCount = %d while stale", n)
	}

	ft.set(false)
	waitFor(t, "recovered", func() bool { return tr.IsOnline("bob") })
}

func TestTableSubscribe(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Subscribe()
	tbl.Upsert(Entry{UserID: "bob"})
	tbl.MarkOffline("bob")
	tbl.Remove("bob")

	want := []string{"update", "update", "remove"}
	for _, typ := range want {
		ev := <-ch
		if ev.Type != typ || ev.UserID != "bob" {
			t.Fatalf("event = %+v, want %s", ev, typ)
		}
	}
	tbl.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
}
