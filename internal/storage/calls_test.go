package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/calls"
)

func openTestStore(t *testing.T) *CallStore {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCallStore(db, calls.NewMemFeed())
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, calls.NewCall{CallerID: "alice", ReceiverID: "bob", Type: calls.Video})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" || rec.Status != calls.StatusRinging {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.AnsweredAt != nil || rec.EndedAt != nil {
		t.Fatal("new record has timestamps set")
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CallerID != "alice" || got.ReceiverID != "bob" || got.Type != calls.Video {
		t.Fatalf("Get = %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("created_at %v != %v", got.CreatedAt, rec.CreatedAt)
	}

	if _, err := s.Get(ctx, "missing"); !calls.IsNotFound(err) {
		t.Fatalf("Get(missing) err = %v", err)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cases := []calls.NewCall{
		{CallerID: "", ReceiverID: "bob", Type: calls.Audio},
		{CallerID: "alice", ReceiverID: "alice", Type: calls.Audio},
		{CallerID: "alice", ReceiverID: "bob", Type: "hologram"},
	}
	for _, nc := range cases {
		if _, err := s.Create(ctx, nc); err == nil {
			t.Errorf("Create(%+v) succeeded", nc)
		}
	}
}

func TestOutstandingPairConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, calls.NewCall{CallerID: "alice", ReceiverID: "bob", Type: calls.Audio})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = s.Create(ctx, calls.NewCall{CallerID: "alice", ReceiverID: "bob", Type: calls.Audio})
	var ce *calls.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("second Create err = %v, want ConflictError", err)
	}
	if ce.ExistingID != first.ID {
		t.Fatalf("existing = %s, want %s", ce.ExistingID, first.ID)
	}

	// The reverse direction is a different ordered pair.
	if _, err := s.Create(ctx, calls.NewCall{CallerID: "bob", ReceiverID: "alice", Type: calls.Audio}); err != nil {
		t.Fatalf("reverse Create: %v", err)
	}

	// Once terminal the pair is free again.
	if _, err := s.Transition(ctx, first.ID, calls.StatusCancelled); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := s.Create(ctx, calls.NewCall{CallerID: "alice", ReceiverID: "bob", Type: calls.Audio}); err != nil {
		t.Fatalf("Create after cancel: %v", err)
	}
}

func TestConcurrentCreateYieldsOneRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, clash int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, calls.NewCall{CallerID: "alice", ReceiverID: "bob", Type: calls.Audio})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case calls.IsConflict(err):
				clash++
			default:
				t.Errorf("Create: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || clash != 7 {
		t.Fatalf("ok=%d conflicts=%d, want 1/7", ok, clash)
	}
}

func TestTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("accept then end", func(t *testing.T) {
		rec, _ := s.Create(ctx, calls.NewCall{CallerID: "a1", ReceiverID: "b1", Type: calls.Audio})
		acc, err := s.Transition(ctx, rec.ID, calls.StatusAccepted)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if acc.AnsweredAt == nil || acc.EndedAt != nil {
			t.Fatalf("accepted timestamps: %+v", acc)
		}
		end, err := s.Transition(ctx, rec.ID, calls.StatusEnded)
		if err != nil {
			t.Fatalf("end: %v", err)
		}
		if end.EndedAt == nil || !end.AnsweredAt.Equal(*acc.AnsweredAt) {
			t.Fatalf("ended timestamps: %+v", end)
		}
		got, _ := s.Get(ctx, rec.ID)
		if got.Status != calls.StatusEnded || got.EndedAt == nil {
			t.Fatalf("stored %+v", got)
		}
	})

	t.Run("terminal is final", func(t *testing.T) {
		rec, _ := s.Create(ctx, calls.NewCall{CallerID: "a2", ReceiverID: "b2", Type: calls.Audio})
		if _, err := s.Transition(ctx, rec.ID, calls.StatusRejected); err != nil {
			t.Fatalf("reject: %v", err)
		}
		for _, to := range []calls.Status{calls.StatusAccepted, calls.StatusRejected, calls.StatusEnded, calls.StatusMissed} {
			_, err := s.Transition(ctx, rec.ID, to)
			var ite *calls.InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("rejected -> %s err = %v", to, err)
			}
			if ite.From != calls.StatusRejected {
				t.Fatalf("From = %s", ite.From)
			}
		}
		got, _ := s.Get(ctx, rec.ID)
		if got.AnsweredAt != nil || got.EndedAt != nil {
			t.Fatalf("rejected call has timestamps: %+v", got)
		}
	})

	t.Run("ringing cannot end", func(t *testing.T) {
		rec, _ := s.Create(ctx, calls.NewCall{CallerID: "a3", ReceiverID: "b3", Type: calls.Audio})
		if _, err := s.Transition(ctx, rec.ID, calls.StatusEnded); !calls.IsInvalidTransition(err) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if _, err := s.Transition(ctx, "nope", calls.StatusAccepted); !calls.IsNotFound(err) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestHistoryAndOutstanding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	r1, _ := s.Create(ctx, calls.NewCall{CallerID: "alice", ReceiverID: "bob", Type: calls.Audio})
	_, _ = s.Transition(ctx, r1.ID, calls.StatusMissed)
	r2, _ := s.Create(ctx, calls.NewCall{CallerID: "carol", ReceiverID: "alice", Type: calls.Video})
	r3, _ := s.Create(ctx, calls.NewCall{CallerID: "bob", ReceiverID: "carol", Type: calls.Audio})

	hist, err := s.ListHistory(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 2 || hist[0].ID != r2.ID || hist[1].ID != r1.ID {
		t.Fatalf("history = %+v", hist)
	}

	hist, _ = s.ListHistory(ctx, "alice", 1)
	if len(hist) != 1 {
		t.Fatalf("limit ignored: %d", len(hist))
	}

	out, err := s.ListOutstanding(ctx, "carol")
	if err != nil {
		t.Fatalf("ListOutstanding: %v", err)
	}
	if len(out) != 2 || out[0].ID != r2.ID || out[1].ID != r3.ID {
		t.Fatalf("outstanding = %+v", out)
	}
}

func TestSubscribeIncoming(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in, stop, err := s.SubscribeIncoming(ctx, "bob")
	if err != nil {
		t.Fatalf("SubscribeIncoming: %v", err)
	}
	defer stop()
	out, stopOut, _ := s.SubscribeOutgoing(ctx, "alice")
	defer stopOut()

	rec, _ := s.Create(ctx, calls.NewCall{CallerID: "alice", ReceiverID: "bob", Type: calls.Audio})
	_, _ = s.Create(ctx, calls.NewCall{CallerID: "bob", ReceiverID: "carol", Type: calls.Audio})
	_, _ = s.Transition(ctx, rec.ID, calls.StatusAccepted)

	want := []calls.Status{calls.StatusRinging, calls.StatusAccepted}
	for _, ch := range []<-chan calls.CallRecord{in, out} {
		for _, st := range want {
			select {
			case got := <-ch:
				if got.ID != rec.ID || got.Status != st {
					t.Fatalf("got %s/%s, want %s/%s", got.ID, got.Status, rec.ID, st)
				}
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for %s", st)
			}
		}
	}
}

func TestRebind(t *testing.T) {
	d := &DB{driver: DriverPostgres}
	got := d.Rebind(`SELECT * FROM calls WHERE a = ? AND b IN (?, ?)`)
	want := `SELECT * FROM calls WHERE a = $1 AND b IN ($2, $3)`
	if got != want {
		t.Fatalf("Rebind = %q", got)
	}
	d.driver = DriverSQLite
	if q := d.Rebind("a = ?"); q != "a = ?" {
		t.Fatalf("sqlite Rebind = %q", q)
	}
}

// Set GOOPCALL_TEST_PG_DSN to run the store against PostgreSQL.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("GOOPCALL_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("GOOPCALL_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	db, err := OpenPostgres(ctx, dsn, PoolConfig{})
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer db.Close()
	s := NewCallStore(db, nil)

	caller := "pg-" + time.Now().Format("150405.000000")
	rec, err := s.Create(ctx, calls.NewCall{CallerID: caller, ReceiverID: "pg-bob", Type: calls.Audio})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, calls.NewCall{CallerID: caller, ReceiverID: "pg-bob", Type: calls.Audio}); !calls.IsConflict(err) {
		t.Fatalf("second Create err = %v", err)
	}
	if _, err := s.Transition(ctx, rec.ID, calls.StatusCancelled); err != nil {
		t.Fatalf("Transition: %v", err)
	}
}

// Set GOOPCALL_TEST_REDIS to a redis address to run the feed test.
func TestRedisFeed(t *testing.T) {
	addr := os.Getenv("GOOPCALL_TEST_REDIS")
	if addr == "" {
		t.Skip("GOOPCALL_TEST_REDIS not set")
	}
	ctx := context.Background()
	feed, err := OpenRedisFeed(ctx, RedisConfig{Addr: addr, Prefix: "goopcall-test:"})
	if err != nil {
		t.Fatalf("OpenRedisFeed: %v", err)
	}
	defer feed.Close()

	ch, stop, err := feed.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	rec := calls.CallRecord{ID: "r1", CallerID: "alice", ReceiverID: "bob", Status: calls.StatusRinging}
	if err := feed.Publish(ctx, rec); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-ch:
		if got.ID != "r1" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no record from redis")
	}
}

func TestMirrorFollowsPeerRecord(t *testing.T) {
	caller := openTestStore(t)
	callee := openTestStore(t)
	ctx := context.Background()

	feed, stop, err := callee.SubscribeIncoming(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	rec, err := caller.Create(ctx, calls.NewCall{CallerID: "alice", ReceiverID: "bob", Type: calls.Video})
	if err != nil {
		t.Fatal(err)
	}
	got, err := callee.Mirror(ctx, rec)
	if err != nil {
		t.Fatalf("Mirror insert: %v", err)
	}
	if got.ID != rec.ID || got.Status != calls.StatusRinging || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("mirrored = %+v, want %+v", got, rec)
	}
	select {
	case pub := <-feed:
		if pub.ID != rec.ID {
			t.Fatalf("feed got %s", pub.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("mirrored insert not published")
	}

	// Repeating the same status writes and publishes nothing.
	if _, err := callee.Mirror(ctx, rec); err != nil {
		t.Fatal(err)
	}
	select {
	case pub := <-feed:
		t.Fatalf("unchanged mirror published %+v", pub)
	case <-time.After(50 * time.Millisecond):
	}

	accepted, err := caller.Transition(ctx, rec.ID, calls.StatusAccepted)
	if err != nil {
		t.Fatal(err)
	}
	got, err = callee.Mirror(ctx, accepted)
	if err != nil {
		t.Fatalf("Mirror transition: %v", err)
	}
	if got.Status != calls.StatusAccepted || got.AnsweredAt == nil || !got.AnsweredAt.Equal(*accepted.AnsweredAt) {
		t.Fatalf("mirrored accept = %+v", got)
	}

	// A record that moved past the mirrored status keeps its own.
	ringingAgain := rec
	if got, err = callee.Mirror(ctx, ringingAgain); err != nil || got.Status != calls.StatusAccepted {
		t.Fatalf("stale mirror = %+v, %v", got, err)
	}
	cancelled := rec
	cancelled.Status = calls.StatusCancelled
	if got, err = callee.Mirror(ctx, cancelled); err != nil || got.Status != calls.StatusAccepted {
		t.Fatalf("diverged mirror = %+v, %v", got, err)
	}
}

func TestMirrorJumpsRingingToEnded(t *testing.T) {
	caller := openTestStore(t)
	callee := openTestStore(t)
	ctx := context.Background()

	rec, _ := caller.Create(ctx, calls.NewCall{CallerID: "alice", ReceiverID: "bob", Type: calls.Audio})
	if _, err := callee.Mirror(ctx, rec); err != nil {
		t.Fatal(err)
	}
	_, _ = caller.Transition(ctx, rec.ID, calls.StatusAccepted)
	ended, err := caller.Transition(ctx, rec.ID, calls.StatusEnded)
	if err != nil {
		t.Fatal(err)
	}

	got, err := callee.Mirror(ctx, ended)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != calls.StatusEnded || got.Duration() != ended.Duration() {
		t.Fatalf("mirrored = %+v, want %+v", got, ended)
	}
}

func TestMirrorConflictsWithOutstandingPair(t *testing.T) {
	caller := openTestStore(t)
	callee := openTestStore(t)
	ctx := context.Background()

	local, err := callee.Create(ctx, calls.NewCall{CallerID: "alice", ReceiverID: "bob", Type: calls.Audio})
	if err != nil {
		t.Fatal(err)
	}
	remote, _ := caller.Create(ctx, calls.NewCall{CallerID: "alice", ReceiverID: "bob", Type: calls.Audio})

	_, err = callee.Mirror(ctx, remote)
	var ce *calls.ConflictError
	if !errors.As(err, &ce) || ce.ExistingID != local.ID {
		t.Fatalf("err = %v", err)
	}

	// Finished records never conflict.
	remote.Status = calls.StatusMissed
	if _, err := callee.Mirror(ctx, remote); err != nil {
		t.Fatalf("Mirror missed: %v", err)
	}

	if _, err := callee.Mirror(ctx, calls.CallRecord{ID: "x", CallerID: "alice", ReceiverID: "alice", Type: calls.Audio, Status: calls.StatusRinging}); err == nil {
		t.Fatal("self call mirrored")
	}
}
