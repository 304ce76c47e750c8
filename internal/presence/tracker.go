// Package presence tracks which users are currently reachable. Presence is
// advisory: it feeds the UI and the peer display, never call decisions.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/proto"
)

var log = logging.Logger("presence")

var ErrClosed = errors.New("presence: transport closed")

// Transport carries presence messages for one user.
type Transport interface {
	Publish(ctx context.Context, msg proto.PresenceMsg) error
	// Next blocks until a message from another user arrives.
	Next(ctx context.Context) (proto.PresenceMsg, error)
	Close() error
}

type Options struct {
	SelfID      string
	PeerID      string
	DisplayName string
	AvatarURL   string

	// TTL is how long an entry stays online without a heartbeat.
	TTL time.Duration
	// Heartbeat is the interval between our own update messages.
	Heartbeat time.Duration
	// StaleAfter is how long the transport may stay down before every
	// answer degrades to offline.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 20 * time.Second
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Second
	}
	return o
}

// Tracker maintains the presence table for one signed-in user.
type Tracker struct {
	tr    Transport
	table *Table
	opt   Options
	now   func() time.Time

	mu        sync.RWMutex
	started   bool
	connected bool
	downSince time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTracker(tr Transport, opt Options) *Tracker {
	return &Tracker{
		tr:    tr,
		table: NewTable(),
		opt:   opt.withDefaults(),
		now:   time.Now,
	}
}

// Table exposes the underlying entries, mainly for change subscriptions.
func (t *Tracker) Table() *Table {
	return t.table
}

// Start announces the user and begins tracking others.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("presence: tracker already started")
	}
	t.started = true
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.publish(ctx, proto.TypeOnline)

	t.wg.Add(2)
	go t.receiveLoop(ctx)
	go t.heartbeatLoop(ctx)
	log.Infof("tracking presence for %s (ttl %s, heartbeat %s)", t.opt.SelfID, t.opt.TTL, t.opt.Heartbeat)
	return nil
}

// Stop announces departure and releases the transport.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started || t.cancel == nil {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	t.publish(ctx, proto.TypeOffline)
	done()

	cancel()
	_ = t.tr.Close()
	t.wg.Wait()

	t.mu.Lock()
	t.started = false
	t.connected = false
	t.mu.Unlock()
}

func (t *Tracker) receiveLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		msg, err := t.tr.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			t.markDown(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.opt.Heartbeat):
			}
			continue
		}
		t.markUp()
		t.Observe(msg)
	}
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	defer t.wg.Done()
	tick := time.NewTicker(t.opt.Heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.publish(ctx, proto.TypeUpdate)
			now := t.now()
			t.table.PruneStale(now.Add(-t.opt.TTL), now.Add(-10*t.opt.TTL))
		}
	}
}

func (t *Tracker) publish(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		UserID: t.opt.SelfID,
		PeerID: t.opt.PeerID,
		TS:     proto.NowMillis(),
	}
	if typ != proto.TypeOffline {
		msg.DisplayName = t.opt.DisplayName
		msg.AvatarURL = t.opt.AvatarURL
	}
	if err := t.tr.Publish(ctx, msg); err != nil {
		t.markDown(err)
		return
	}
	t.markUp()
}

// Observe applies one presence message from the transport.
func (t *Tracker) Observe(msg proto.PresenceMsg) {
	if msg.UserID == "" || msg.UserID == t.opt.SelfID {
		return
	}
	switch msg.Type {
	case proto.TypeOnline, proto.TypeUpdate:
		t.table.Upsert(Entry{
			UserID:      msg.UserID,
			PeerID:      msg.PeerID,
			DisplayName: msg.DisplayName,
			AvatarURL:   msg.AvatarURL,
		})
	case proto.TypeOffline:
		t.table.MarkOffline(msg.UserID)
	}
}

func (t *Tracker) markDown(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected || t.downSince.IsZero() {
		log.Warnf("presence transport down: %v", err)
		t.connected = false
		t.downSince = t.now()
	}
}

func (t *Tracker) markUp() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		if !t.downSince.IsZero() {
			log.Infof("presence transport back after %s", t.now().Sub(t.downSince).Truncate(time.Second))
		}
		t.connected = true
		t.downSince = time.Time{}
	}
}

// Stale reports whether presence data can no longer be trusted.
func (t *Tracker) Stale() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.started {
		return true
	}
	if t.connected {
		return false
	}
	return !t.downSince.IsZero() && t.now().Sub(t.downSince) > t.opt.StaleAfter
}

// IsOnline reports whether userID is currently reachable.
func (t *Tracker) IsOnline(userID string) bool {
	if t.Stale() {
		return false
	}
	if userID == t.opt.SelfID {
		return true
	}
	e, ok := t.table.Get(userID)
	return ok && e.Online() && t.now().Sub(e.LastSeen) <= t.opt.TTL
}

// OnlineCount counts reachable users, including ourselves.
func (t *Tracker) OnlineCount() int {
	if t.Stale() {
		return 0
	}
	now := t.now()
	n := 1
	for _, e := range t.table.Snapshot() {
		if e.Online() && now.Sub(e.LastSeen) <= t.opt.TTL {
			n++
		}
	}
	return n
}

// Lookup returns what presence knows about userID.
func (t *Tracker) Lookup(userID string) (Entry, bool) {
	return t.table.Get(userID)
}
