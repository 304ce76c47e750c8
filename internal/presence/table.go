package presence

import (
	"sync"
	"time"
)

// Entry is what the tracker knows about one user.
type Entry struct {
	UserID       string    `json:"user_id"`
	PeerID       string    `json:"peer_id,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since,omitempty"`
}

// Online reports whether the entry has not been marked offline.
func (e Entry) Online() bool {
	return e.OfflineSince.IsZero()
}

type Event struct {
	Type   string `json:"type"` // update|remove
	UserID string `json:"user_id"`
	Entry  *Entry `json:"entry,omitempty"`
}

// Table holds presence entries keyed by user id.
type Table struct {
	mu        sync.Mutex
	entries   map[string]Entry
	listeners []chan Event
	now       func() time.Time
}

func NewTable() *Table {
	return &Table{
		entries: map[string]Entry{},
		now:     time.Now,
	}
}

func (t *Table) Upsert(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.LastSeen = t.now()
	e.OfflineSince = time.Time{}
	t.entries[e.UserID] = e
	t.notifyListeners(Event{Type: "update", UserID: e.UserID, Entry: &e})
}

func (t *Table) Remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[userID]; !ok {
		return
	}
	delete(t.entries, userID)
	t.notifyListeners(Event{Type: "remove", UserID: userID})
}

func (t *Table) MarkOffline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[userID]
	if !ok || !e.Online() {
		return
	}
	e.OfflineSince = t.now()
	t.entries[userID] = e
	t.notifyListeners(Event{Type: "update", UserID: userID, Entry: &e})
}

func (t *Table) Get(userID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[userID]
	return e, ok
}

// OnlineCount counts entries not marked offline.
func (t *Table) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.Online() {
			n++
		}
	}
	return n
}

func (t *Table) Snapshot() map[string]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Entry, len(t.entries))
	for k, v := range t.entries {
		cp[k] = v
	}
	return cp
}

// PruneStale moves online entries with expired TTL to offline state, then removes
// offline entries that have exceeded the grace period.
func (t *Table) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.Online() {
			if e.LastSeen.Before(ttlCutoff) {
				e.OfflineSince = t.now()
				t.entries[id] = e
				t.notifyListeners(Event{Type: "update", UserID: id, Entry: &e})
			}
		} else if e.OfflineSince.Before(graceCutoff) {
			delete(t.entries, id)
			t.notifyListeners(Event{Type: "remove", UserID: id})
		}
	}
}

func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notifyListeners(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
