package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

var allStatuses = []Status{StatusRinging, StatusAccepted, StatusRejected, StatusMissed, StatusEnded, StatusCancelled}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusRinging, StatusAccepted}:  true,
		{StatusRinging, StatusRejected}:  true,
		{StatusRinging, StatusMissed}:    true,
		{StatusRinging, StatusCancelled}: true,
		{StatusAccepted, StatusEnded}:    true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesNeverMove(t *testing.T) {
	for _, from := range allStatuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s may move to %s", from, to)
			}
		}
		if from.Outstanding() {
			t.Fatalf("terminal %s reported outstanding", from)
		}
	}
}

func TestApplyTimestamps(t *testing.T) {
	created := time.Unix(1000, 0)
	rec := CallRecord{ID: "c1", Status: StatusRinging, CreatedAt: created}

	t.Run("reject leaves both unset", func(t *testing.T) {
		r := rec.Apply(StatusRejected, created.Add(time.Second))
		if r.AnsweredAt != nil || r.EndedAt != nil {
			t.Fatalf("unexpected timestamps: %+v", r)
		}
	})

	t.Run("accept then end", func(t *testing.T) {
		r := rec.Apply(StatusAccepted, created.Add(2*time.Second))
		if r.AnsweredAt == nil || !r.AnsweredAt.Equal(created.Add(2*time.Second)) {
			t.Fatalf("answered_at = %v", r.AnsweredAt)
		}
		if r.EndedAt != nil {
			t.Fatal("ended_at set on accept")
		}
		r = r.Apply(StatusEnded, created.Add(12*time.Second))
		if r.EndedAt == nil {
			t.Fatal("ended_at not set")
		}
		if d := r.Duration(); d != 10*time.Second {
			t.Fatalf("duration = %v, want 10s", d)
		}
	})
}

func TestErrorsMatchSentinels(t *testing.T) {
	var err error = &InvalidTransitionError{ID: "x", From: StatusEnded, To: StatusEnded}
	if !IsInvalidTransition(err) || IsConflict(err) || IsNotFound(err) {
		t.Fatalf("sentinel mismatch for %v", err)
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) || ite.From != StatusEnded {
		t.Fatalf("errors.As failed: %v", err)
	}
	if !IsConflict(&ConflictError{CallerID: "a", ReceiverID: "b"}) {
		t.Fatal("conflict not matched")
	}
	if !IsNotFound(&NotFoundError{ID: "x"}) {
		t.Fatal("not found not matched")
	}
}

func TestMemFeedRoutesByParticipant(t *testing.T) {
	f := NewMemFeed()
	defer f.Close()
	ctx := context.Background()

	alice, stopA, _ := f.Subscribe(ctx, "alice")
	defer stopA()
	carol, stopC, _ := f.Subscribe(ctx, "carol")
	defer stopC()

	in, stopIn := Filter(alice, stopA, func(r CallRecord) bool { return r.ReceiverID == "alice" })
	defer stopIn()

	_ = f.Publish(ctx, CallRecord{ID: "1", CallerID: "alice", ReceiverID: "bob"})
	_ = f.Publish(ctx, CallRecord{ID: "2", CallerID: "bob", ReceiverID: "alice"})

	select {
	case rec := <-in:
		if rec.ID != "2" {
			t.Fatalf("got %s, want 2", rec.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no incoming record")
	}

	select {
	case rec := <-carol:
		t.Fatalf("carol got %s", rec.ID)
	default:
	}
}

func TestMemFeedWaitsForSlowSubscriber(t *testing.T) {
	f := NewMemFeed()
	defer f.Close()
	ctx := context.Background()

	ch, stop, _ := f.Subscribe(ctx, "alice")
	defer stop()
	for i := 0; i < feedBuffer; i++ {
		_ = f.Publish(ctx, CallRecord{ID: "fill", CallerID: "alice", ReceiverID: "bob"})
	}

	// Drain one slot while the next publish is waiting for it.
	go func() {
		time.Sleep(feedSendTimeout / 5)
		<-ch
	}()
	_ = f.Publish(ctx, CallRecord{ID: "last", CallerID: "alice", ReceiverID: "bob", Status: StatusEnded})

	var last CallRecord
	for i := 0; i < feedBuffer; i++ {
		last = <-ch
	}
	if last.ID != "last" || last.Status != StatusEnded {
		t.Fatalf("final update = %+v", last)
	}

	// With nobody reading, the update is dropped after the wait.
	for i := 0; i < feedBuffer; i++ {
		_ = f.Publish(ctx, CallRecord{ID: "fill", CallerID: "alice", ReceiverID: "bob"})
	}
	start := time.Now()
	_ = f.Publish(ctx, CallRecord{ID: "dropped", CallerID: "alice", ReceiverID: "bob"})
	if waited := time.Since(start); waited < feedSendTimeout {
		t.Fatalf("publish to a full subscriber returned after %v", waited)
	}
	if n := len(ch); n != feedBuffer {
		t.Fatalf("queued = %d, want %d", n, feedBuffer)
	}
}

func TestCanFollow(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := CanTransition(from, to) || (from == StatusRinging && to == StatusEnded)
			if got := CanFollow(from, to); got != want {
				t.Errorf("CanFollow(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if CanFollow(StatusEnded, StatusAccepted) {
		t.Fatal("ended record may not be reopened")
	}
}
