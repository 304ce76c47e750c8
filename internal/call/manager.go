// Package call runs the call state machine. Commands, signaling hints, record
// updates, timers and media results are all applied on one goroutine, and the
// call record decides whenever a hint and the record disagree.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/calls"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/presence"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("call")

// Signaler is what the manager needs from the signaling channel.
type Signaler interface {
	Send(ev signaling.Event)
	Subscribe(userID string) (<-chan signaling.Event, func(), error)
}

// MediaSession joins and leaves the media room of an active call.
type MediaSession interface {
	Join(ctx context.Context, room media.Room) error
	Leave(roomID string) error
}

// Directory resolves display details of other users. Optional.
type Directory interface {
	Lookup(userID string) (presence.Entry, bool)
}

type Options struct {
	SelfID  string
	Profile Display

	RingTimeout  time.Duration
	EndedGrace   time.Duration
	BusyReason   string
	StoreTimeout time.Duration
	JoinTimeout  time.Duration
	HistoryLimit int
}

func (o Options) withDefaults() Options {
	if o.RingTimeout <= 0 {
		o.RingTimeout = 45 * time.Second
	}
	if o.EndedGrace <= 0 {
		o.EndedGrace = 3 * time.Second
	}
	if o.BusyReason == "" {
		o.BusyReason = signaling.ReasonBusy
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 30 * time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.Profile.Name == "" {
		o.Profile.Name = o.SelfID
	}
	return o
}

// callCtx is the loop-owned state of one call.
type callCtx struct {
	id       string
	peer     string
	display  Display
	typ      calls.CallType
	outgoing bool

	phase     Phase
	startedAt time.Time
	reason    EndReason
	mediaErr  string

	ring       *time.Timer
	joinCancel context.CancelFunc
	joined     bool
	left       bool
}

func (c *callCtx) state() SessionState {
	st := SessionState{
		Phase:       c.phase,
		CallID:      c.id,
		PeerID:      c.peer,
		PeerDisplay: c.display,
		CallType:    c.typ,
		Outgoing:    c.outgoing,
		EndReason:   c.reason,
		MediaError:  c.mediaErr,
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		st.StartedAt = &t
	}
	return st
}

// Manager is the call orchestrator for one signed-in user.
type Manager struct {
	opt   Options
	store calls.Store
	sig   Signaler
	media MediaSession
	dir   Directory
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	in     chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	startMu   sync.Mutex
	started   bool
	stops     []func()
	closeOnce sync.Once

	// Owned by the loop goroutine.
	cur      *callCtx
	grace    *time.Timer
	finished *util.RingBuffer[string]

	stateMu sync.RWMutex
	state   SessionState
	subs    map[chan SessionState]struct{}
}

// New creates a manager and starts its event loop. dir may be nil.
func New(opt Options, store calls.Store, sig Signaler, med MediaSession, dir Directory) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opt:      opt.withDefaults(),
		store:    store,
		sig:      sig,
		media:    med,
		dir:      dir,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		in:       make(chan func(), 256),
		done:     make(chan struct{}),
		finished: util.NewRingBuffer[string](128),
		state:    SessionState{Phase: Idle},
		subs:     make(map[chan SessionState]struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

// Start subscribes to the user's signaling topic and record feeds, then
// reconciles records left outstanding by a previous run.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return nil
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	self := m.opt.SelfID
	sigCh, sigStop, err := m.sig.Subscribe(self)
	if err != nil {
		return fmt.Errorf("call: subscribe signaling: %w", err)
	}
	inCh, inStop, err := m.store.SubscribeIncoming(m.ctx, self)
	if err != nil {
		sigStop()
		return fmt.Errorf("call: subscribe incoming records: %w", err)
	}
	outCh, outStop, err := m.store.SubscribeOutgoing(m.ctx, self)
	if err != nil {
		sigStop()
		inStop()
		return fmt.Errorf("call: subscribe outgoing records: %w", err)
	}
	m.stops = []func(){sigStop, inStop, outStop}
	m.started = true

	m.wg.Add(3)
	go m.pumpSignals(sigCh)
	go m.pumpRecords(inCh)
	go m.pumpRecords(outCh)

	return m.exec(ctx, func() error {
		m.recoverOutstanding()
		return nil
	})
}

// Close ends local media and timers and stops the loop. It does not write
// records; hang up first for a clean exit.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		_ = m.exec(context.Background(), func() error {
			if c := m.cur; c != nil {
				m.stopRing(c)
				m.leave(c)
			}
			m.stopGrace()
			return nil
		})

		m.startMu.Lock()
		for _, stop := range m.stops {
			stop()
		}
		m.stops = nil
		m.startMu.Unlock()

		m.cancel()
		close(m.done)
		m.wg.Wait()

		m.stateMu.Lock()
		for ch := range m.subs {
			close(ch)
		}
		m.subs = make(map[chan SessionState]struct{})
		m.stateMu.Unlock()
	})
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case fn := <-m.in:
			fn()
		case <-m.done:
			return
		}
	}
}

// post queues fn on the loop. It must not be called from the loop itself.
func (m *Manager) post(fn func()) bool {
	select {
	case m.in <- fn:
		return true
	case <-m.done:
		return false
	}
}

// exec runs fn on the loop and waits for it. ctx bounds the wait to enqueue;
// once queued, fn always runs to completion.
func (m *Manager) exec(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case m.in <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) pumpSignals(ch <-chan signaling.Event) {
	defer m.wg.Done()
	for ev := range ch {
		if !ev.Kind.Lifecycle() {
			continue
		}
		ev := ev
		if !m.post(func() { m.onSignal(ev) }) {
			return
		}
	}
}

func (m *Manager) pumpRecords(ch <-chan calls.CallRecord) {
	defer m.wg.Done()
	for rec := range ch {
		rec := rec
		if !m.post(func() { m.onRecord(rec) }) {
			return
		}
	}
}

// ── Commands ────────────────────────────────────────────────────────────────

// Initiate rings peerID. It fails with ErrBusy when an outstanding call
// between the two already exists.
func (m *Manager) Initiate(ctx context.Context, peerID string, typ calls.CallType) (SessionState, error) {
	var st SessionState
	err := m.exec(ctx, func() error {
		if err := m.initiate(peerID, typ); err != nil {
			return err
		}
		st = m.cur.state()
		return nil
	})
	return st, err
}

func (m *Manager) initiate(peerID string, typ calls.CallType) error {
	if peerID == "" || peerID == m.opt.SelfID {
		return ErrInvalidPeer
	}
	if !typ.Valid() {
		return ErrInvalidType
	}
	if m.busy() {
		return ErrCallInProgress
	}

	nc := calls.NewCall{ID: uuid.NewString(), CallerID: m.opt.SelfID, ReceiverID: peerID, Type: typ}
	rec, err := m.create(nc)
	var ce *calls.ConflictError
	if errors.As(err, &ce) && m.clearStale(ce.ExistingID) {
		rec, err = m.create(nc)
	}
	if err != nil {
		if calls.IsConflict(err) {
			log.Infof("call to %s refused: outstanding call exists", peerID)
			return ErrBusy
		}
		return fmt.Errorf("call: create record: %w", err)
	}

	c := &callCtx{
		id:       rec.ID,
		peer:     peerID,
		display:  m.displayFor(peerID, signaling.Payload{}),
		typ:      typ,
		outgoing: true,
		phase:    OutgoingRinging,
	}
	m.begin(c)
	m.startRing(c, m.opt.RingTimeout)
	m.send(c, signaling.KindInvite, signaling.Payload{
		DisplayName: m.opt.Profile.Name,
		AvatarURL:   m.opt.Profile.AvatarURL,
		MediaType:   typ,
	})
	log.Infof("calling %s (%s, %s)", peerID, typ, c.id)
	m.publish()
	return nil
}

// clearStale marks an own outgoing record missed when it has been ringing
// longer than the ring timeout, which happens when a previous run died
// mid-ring.
func (m *Manager) clearStale(id string) bool {
	rec, err := m.get(id)
	if err != nil || rec.Status != calls.StatusRinging || rec.CallerID != m.opt.SelfID {
		return false
	}
	if m.now().Sub(rec.CreatedAt) < m.opt.RingTimeout {
		return false
	}
	if _, err := m.transition(id, calls.StatusMissed); err != nil {
		return false
	}
	log.Infof("marked stale call %s missed", id)
	return true
}

// Accept answers the incoming call.
func (m *Manager) Accept(ctx context.Context) error {
	return m.exec(ctx, func() error {
		c := m.cur
		if c == nil || c.phase != IncomingRinging {
			return ErrNoCall
		}
		rec, err := m.transition(c.id, calls.StatusAccepted)
		if err != nil {
			return m.commandFailed(c, err)
		}
		m.stopRing(c)
		m.send(c, signaling.KindAccept, signaling.Payload{})
		m.activate(c, rec)
		return nil
	})
}

// Reject declines the incoming call.
func (m *Manager) Reject(ctx context.Context) error {
	return m.exec(ctx, func() error {
		c := m.cur
		if c == nil || c.phase != IncomingRinging {
			return ErrNoCall
		}
		return m.rejectIncoming(c)
	})
}

// Cancel withdraws the outgoing call. A call answered before the cancel got
// through is hung up instead.
func (m *Manager) Cancel(ctx context.Context) error {
	return m.exec(ctx, func() error {
		c := m.cur
		if c == nil || !c.outgoing || (c.phase != OutgoingRinging && c.phase != Active) {
			return ErrNoCall
		}
		if c.phase == Active {
			m.hangupActive(c)
			return nil
		}
		return m.cancelOutgoing(c)
	})
}

// Hangup ends whatever call is current. While ringing it cancels or
// rejects; with no call, or a call already ended, it does nothing.
func (m *Manager) Hangup(ctx context.Context) error {
	return m.exec(ctx, func() error {
		c := m.cur
		if c == nil || c.phase == Ended {
			return nil
		}
		switch c.phase {
		case OutgoingRinging:
			return m.cancelOutgoing(c)
		case IncomingRinging:
			return m.rejectIncoming(c)
		}
		m.hangupActive(c)
		return nil
	})
}

func (m *Manager) hangupActive(c *callCtx) {
	m.endRecord(c)
	m.send(c, signaling.KindHangup, signaling.Payload{})
	m.end(c, EndHangup)
}

func (m *Manager) rejectIncoming(c *callCtx) error {
	_, err := m.transition(c.id, calls.StatusRejected)
	if err != nil && !calls.IsNotFound(err) {
		return m.commandFailed(c, err)
	}
	m.send(c, signaling.KindReject, signaling.Payload{})
	m.end(c, EndRejected)
	return nil
}

func (m *Manager) cancelOutgoing(c *callCtx) error {
	_, err := m.transition(c.id, calls.StatusCancelled)
	switch {
	case err == nil, calls.IsNotFound(err):
		m.send(c, signaling.KindCancel, signaling.Payload{})
		m.end(c, EndCancelled)
		return nil
	case calls.IsInvalidTransition(err):
		rec, gerr := m.get(c.id)
		if gerr != nil {
			return fmt.Errorf("call: read record: %w", gerr)
		}
		if rec.Status == calls.StatusAccepted {
			// Answered while the cancel was on its way.
			m.hangupActive(c)
			return nil
		}
		m.reconcile(c, rec, "")
		return nil
	default:
		return fmt.Errorf("call: update record: %w", err)
	}
}

// commandFailed resolves a failed record write of a command. Taxonomy errors
// are settled from the record; anything else goes back to the caller.
func (m *Manager) commandFailed(c *callCtx, err error) error {
	switch {
	case calls.IsInvalidTransition(err):
		m.refresh(c, "")
		return nil
	case calls.IsNotFound(err):
		log.Warnf("call %s: record vanished", c.id)
		m.end(c, EndFailed)
		return nil
	default:
		return fmt.Errorf("call: update record: %w", err)
	}
}

// UpdateTimings changes the ring timeout and ended grace for future calls.
func (m *Manager) UpdateTimings(ringTimeout, endedGrace time.Duration) {
	_ = m.exec(context.Background(), func() error {
		if ringTimeout > 0 {
			m.opt.RingTimeout = ringTimeout
		}
		if endedGrace > 0 {
			m.opt.EndedGrace = endedGrace
		}
		return nil
	})
}

// ── Queries ─────────────────────────────────────────────────────────────────

func (m *Manager) State() SessionState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// IncomingCall returns the ringing incoming call, if any.
func (m *Manager) IncomingCall() (SessionState, bool) {
	st := m.State()
	return st, st.Phase == IncomingRinging
}

// ActiveCall returns the connected call, if any.
func (m *Manager) ActiveCall() (SessionState, bool) {
	st := m.State()
	return st, st.Phase == Active
}

// History lists the user's calls, most recent first. limit <= 0 uses the
// configured default.
func (m *Manager) History(ctx context.Context, limit int) ([]calls.CallRecord, error) {
	if limit <= 0 {
		limit = m.opt.HistoryLimit
	}
	return m.store.ListHistory(ctx, m.opt.SelfID, limit)
}

// SubscribeState streams state changes, starting with the current state.
// Slow readers only ever miss intermediate states, never the latest.
func (m *Manager) SubscribeState() (<-chan SessionState, func()) {
	ch := make(chan SessionState, 8)
	m.stateMu.Lock()
	select {
	case <-m.done:
		m.stateMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	ch <- m.state
	m.subs[ch] = struct{}{}
	m.stateMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.stateMu.Lock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
			m.stateMu.Unlock()
		})
	}
}

func (m *Manager) publish() {
	st := SessionState{Phase: Idle}
	if m.cur != nil {
		st = m.cur.state()
	}
	m.stateMu.Lock()
	m.state = st
	for ch := range m.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
	m.stateMu.Unlock()
}
