package calls

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("calls")

const (
	// feedBuffer is the per-subscriber queue. Once it is full Publish waits
	// up to feedSendTimeout for room and then drops the update for that
	// subscriber only; the store still holds the record for a later Get.
	feedBuffer      = 64
	feedSendTimeout = 250 * time.Millisecond
)

// MemFeed fans record changes out to subscribers inside one process.
type MemFeed struct {
	mu     sync.RWMutex
	subs   map[chan CallRecord]string
	closed bool
}

func NewMemFeed() *MemFeed {
	return &MemFeed{subs: make(map[chan CallRecord]string)}
}

func (f *MemFeed) Publish(ctx context.Context, rec CallRecord) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch, user := range f.subs {
		if !rec.Involves(user) {
			continue
		}
		if !deliver(ctx, ch, rec) {
			log.Warnf("subscriber %s full, dropping %s (%s)", user, rec.ID, rec.Status)
		}
	}
	return nil
}

func deliver(ctx context.Context, ch chan CallRecord, rec CallRecord) bool {
	select {
	case ch <- rec:
		return true
	default:
	}
	t := time.NewTimer(feedSendTimeout)
	defer t.Stop()
	select {
	case ch <- rec:
		return true
	case <-t.C:
	case <-ctx.Done():
	}
	return false
}

func (f *MemFeed) Subscribe(_ context.Context, userID string) (<-chan CallRecord, func(), error) {
	ch := make(chan CallRecord, feedBuffer)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	f.subs[ch] = userID
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel, nil
}

// Close ends every open subscription.
func (f *MemFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
	return nil
}

// Filter narrows a participant stream to records matching keep. The returned
// func stops both the filter and the underlying stream.
func Filter(in <-chan CallRecord, stop func(), keep func(CallRecord) bool) (<-chan CallRecord, func()) {
	out := make(chan CallRecord, feedBuffer)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(out)
		for rec := range in {
			if !keep(rec) {
				continue
			}
			select {
			case out <- rec:
			case <-done:
				return
			}
		}
	}()
	return out, func() {
		once.Do(func() {
			close(done)
			stop()
		})
	}
}
