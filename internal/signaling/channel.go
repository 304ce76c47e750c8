package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signaling")

const (
	outboxCap     = 64
	subscriberCap = 128
	// DefaultSendTimeout bounds a single delivery attempt.
	DefaultSendTimeout = 10 * time.Second
)

// Transport moves one event to its recipient. Deliver must not return until
// the recipient's listener has been handed the event, so that sequential
// deliveries keep their order.
type Transport interface {
	Deliver(ctx context.Context, ev Event) error
	Listen(userID string, fn func(Event)) (stop func(), err error)
}

// Channel is a user's signaling endpoint. Sends are fire-and-forget and
// leave in order per recipient; subscriptions are opened lazily per user and
// torn down by Close.
type Channel struct {
	t           Transport
	selfID      string
	session     string
	seq         int64
	sendTimeout time.Duration

	outMu   sync.Mutex
	outbox  map[string]chan Event
	pumps   sync.WaitGroup
	closing chan struct{}
	closed  bool

	subMu     sync.RWMutex
	subs      map[string]map[chan Event]struct{}
	listeners map[string]func()

	seenMu  sync.Mutex
	lastSeq map[string]int64
}

// NewChannel creates the endpoint for selfID on transport t.
func NewChannel(t Transport, selfID string) *Channel {
	return &Channel{
		t:           t,
		selfID:      selfID,
		session:     uuid.NewString(),
		sendTimeout: DefaultSendTimeout,
		outbox:      make(map[string]chan Event),
		closing:     make(chan struct{}),
		subs:        make(map[string]map[chan Event]struct{}),
		listeners:   make(map[string]func()),
		lastSeq:     make(map[string]int64),
	}
}

// SelfID returns the user this channel sends as.
func (c *Channel) SelfID() string {
	return c.selfID
}

// SetSendTimeout changes the per-delivery timeout.
func (c *Channel) SetSendTimeout(d time.Duration) {
	if d > 0 {
		c.outMu.Lock()
		c.sendTimeout = d
		c.outMu.Unlock()
	}
}

// Send queues ev for delivery to ev.To and returns immediately. Failures are
// logged and dropped.
func (c *Channel) Send(ev Event) {
	if ev.To == "" {
		log.Warnf("dropping %s for %s: no recipient", ev.Kind, ev.CallID)
		return
	}
	ev.From = c.selfID
	ev.Session = c.session
	ev.SentAt = time.Now().UnixMilli()

	c.outMu.Lock()
	// Numbered under the lock so queue order and sequence order agree.
	c.seq++
	ev.Seq = c.seq
	if c.closed {
		c.outMu.Unlock()
		log.Debugf("channel closed, dropping %s for %s", ev.Kind, ev.CallID)
		return
	}
	q, ok := c.outbox[ev.To]
	if !ok {
		q = make(chan Event, outboxCap)
		c.outbox[ev.To] = q
		c.pumps.Add(1)
		go c.pump(ev.To, q)
	}
	select {
	case q <- ev:
	default:
		log.Warnf("outbox for %s full, dropping %s (%s)", ev.To, ev.Kind, ev.CallID)
	}
	c.outMu.Unlock()
}

// pump delivers one recipient's queue sequentially.
func (c *Channel) pump(to string, q chan Event) {
	defer c.pumps.Done()
	for {
		select {
		case <-c.closing:
			return
		case ev := <-q:
			c.outMu.Lock()
			timeout := c.sendTimeout
			c.outMu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.t.Deliver(ctx, ev)
			cancel()
			if err != nil {
				var te *TransportError
				if !errors.As(err, &te) {
					te = &TransportError{Op: "deliver", Peer: to, Err: err}
				}
				log.Warnf("%s for call %s not delivered: %v", ev.Kind, ev.CallID, te)
				continue
			}
			log.Debugf("%s %s -> %s (seq %d)", ev.Kind, ev.CallID, to, ev.Seq)
		}
	}
}

// Subscribe returns a stream of events addressed to userID. The first
// subscription for a user starts listening on the transport.
func (c *Channel) Subscribe(userID string) (<-chan Event, func(), error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.outMu.Lock()
	closed := c.closed
	c.outMu.Unlock()
	if closed {
		return nil, nil, &TransportError{Op: "subscribe", Peer: userID, Err: ErrClosed}
	}

	if _, ok := c.listeners[userID]; !ok {
		stop, err := c.t.Listen(userID, func(ev Event) { c.receive(userID, ev) })
		if err != nil {
			return nil, nil, &TransportError{Op: "subscribe", Peer: userID, Err: err}
		}
		c.listeners[userID] = stop
		c.subs[userID] = make(map[chan Event]struct{})
		log.Debugf("listening for %s", userID)
	}

	ch := make(chan Event, subscriberCap)
	c.subs[userID][ch] = struct{}{}

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if set, ok := c.subs[userID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
		}
	}
	return ch, cancel, nil
}

func (c *Channel) receive(userID string, ev Event) {
	if ev.To != userID {
		return
	}
	if ev.Session != "" && !c.fresh(ev) {
		log.Debugf("duplicate %s from %s (seq %d)", ev.Kind, ev.From, ev.Seq)
		return
	}

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for ch := range c.subs[userID] {
		select {
		case ch <- ev:
		default:
			log.Warnf("subscriber for %s full, dropping %s (%s)", userID, ev.Kind, ev.CallID)
		}
	}
}

// fresh records ev's sequence number and reports whether it is new.
func (c *Channel) fresh(ev Event) bool {
	key := ev.From + "/" + ev.Session
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if ev.Seq <= c.lastSeq[key] {
		return false
	}
	c.lastSeq[key] = ev.Seq
	return true
}

// Close stops every listener and outbox and closes all subscriptions.
// Queued but undelivered events are dropped.
func (c *Channel) Close() {
	c.outMu.Lock()
	if c.closed {
		c.outMu.Unlock()
		return
	}
	c.closed = true
	close(c.closing)
	c.outMu.Unlock()
	c.pumps.Wait()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for user, stop := range c.listeners {
		stop()
		for ch := range c.subs[user] {
			close(ch)
		}
		delete(c.listeners, user)
		delete(c.subs, user)
	}
}
