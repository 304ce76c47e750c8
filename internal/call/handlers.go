package call

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/goopcall/internal/calls"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// Everything in this file runs on the loop goroutine.

func (m *Manager) busy() bool {
	return m.cur != nil && m.cur.phase != Ended
}

func (m *Manager) isFinished(id string) bool {
	return m.finished.Any(func(f string) bool { return f == id })
}

// begin makes c the current call, replacing an ended one.
func (m *Manager) begin(c *callCtx) {
	m.stopGrace()
	m.cur = c
}

func (m *Manager) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, m.opt.StoreTimeout)
}

func (m *Manager) create(nc calls.NewCall) (calls.CallRecord, error) {
	ctx, cancel := m.storeCtx()
	defer cancel()
	return m.store.Create(ctx, nc)
}

func (m *Manager) get(id string) (calls.CallRecord, error) {
	ctx, cancel := m.storeCtx()
	defer cancel()
	return m.store.Get(ctx, id)
}

func (m *Manager) transition(id string, to calls.Status) (calls.CallRecord, error) {
	ctx, cancel := m.storeCtx()
	defer cancel()
	return m.store.Transition(ctx, id, to)
}

// endRecord moves an accepted record to ended. Either side may do it, so an
// already-ended record is fine.
func (m *Manager) endRecord(c *callCtx) {
	_, err := m.transition(c.id, calls.StatusEnded)
	if err != nil && !calls.IsInvalidTransition(err) && !calls.IsNotFound(err) {
		log.Warnf("call %s: record not ended: %v", c.id, err)
	}
}

func (m *Manager) send(c *callCtx, kind signaling.Kind, p signaling.Payload) {
	m.sendFor(c.id, c.peer, kind, p)
}

// sendFor sends a kind event for call id to the user to, with our copy of
// the record attached.
func (m *Manager) sendFor(id, to string, kind signaling.Kind, p signaling.Payload) {
	if rec, err := m.get(id); err == nil {
		p.Record = &rec
	} else {
		log.Debugf("%s %s goes without record: %v", kind, id, err)
	}
	m.sig.Send(signaling.Event{Kind: kind, CallID: id, To: to, Payload: p})
}

// mirror copies the record carried by ev into our store, so a peer with a
// store of its own sees the same status as the sender. On a shared store
// the record is already there and nothing changes.
func (m *Manager) mirror(ev signaling.Event) {
	rec := ev.Payload.Record
	if rec == nil {
		return
	}
	self := m.opt.SelfID
	if rec.ID != ev.CallID || rec.PeerOf(self) != ev.From || !rec.Involves(self) {
		log.Warnf("%s %s from %s carries a foreign record", ev.Kind, ev.CallID, ev.From)
		return
	}
	ctx, cancel := m.storeCtx()
	defer cancel()
	_, err := m.store.Mirror(ctx, *rec)
	var ce *calls.ConflictError
	if errors.As(err, &ce) && m.settleOrphan(ce.ExistingID) {
		_, err = m.store.Mirror(ctx, *rec)
	}
	if err != nil {
		log.Warnf("call %s: mirror record: %v", ev.CallID, err)
	}
}

// settleOrphan closes an outstanding record that no live call owns, so a
// newer call between the same pair can be stored.
func (m *Manager) settleOrphan(id string) bool {
	if id == "" {
		return false
	}
	if c := m.cur; c != nil && c.id == id && c.phase != Ended {
		return false
	}
	rec, err := m.get(id)
	if err != nil {
		return false
	}
	to := calls.StatusMissed
	if rec.Status == calls.StatusAccepted {
		to = calls.StatusEnded
	}
	if _, err := m.transition(id, to); err != nil {
		log.Debugf("settle orphaned call %s: %v", id, err)
		return false
	}
	log.Infof("settled orphaned call %s as %s", id, to)
	return true
}

func (m *Manager) displayFor(userID string, p signaling.Payload) Display {
	if p.DisplayName != "" {
		return Display{Name: p.DisplayName, AvatarURL: p.AvatarURL}
	}
	if m.dir != nil {
		if e, ok := m.dir.Lookup(userID); ok && e.DisplayName != "" {
			return Display{Name: e.DisplayName, AvatarURL: e.AvatarURL}
		}
	}
	return Display{Name: userID}
}

func (m *Manager) startRing(c *callCtx, d time.Duration) {
	c.ring = time.AfterFunc(d, func() {
		m.post(func() { m.onRingTimeout(c) })
	})
}

func (m *Manager) stopRing(c *callCtx) {
	if c.ring != nil {
		c.ring.Stop()
		c.ring = nil
	}
}

func (m *Manager) stopGrace() {
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
}

func (m *Manager) activate(c *callCtx, rec calls.CallRecord) {
	c.phase = Active
	c.startedAt = m.now()
	if rec.AnsweredAt != nil {
		c.startedAt = *rec.AnsweredAt
	}
	log.Infof("call %s with %s active", c.id, c.peer)
	m.join(c)
	m.publish()
}

func (m *Manager) join(c *callCtx) {
	if c.joined {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.opt.JoinTimeout)
	c.joinCancel = cancel
	c.joined = true
	room := media.Room{ID: c.id, PeerID: c.peer, Type: c.typ, Offerer: c.outgoing}
	go func() {
		err := m.media.Join(ctx, room)
		m.post(func() { m.onJoined(c, err) })
	}()
}

func (m *Manager) onJoined(c *callCtx, err error) {
	if m.cur != c || c.phase != Active || c.left {
		return
	}
	if err != nil {
		log.Warnf("call %s: media join failed: %v", c.id, err)
		c.mediaErr = MediaFailed
		m.publish()
		return
	}
	log.Infof("call %s: media connected", c.id)
}

// leave cancels a pending join and leaves the room, once per call.
func (m *Manager) leave(c *callCtx) {
	if c.joinCancel != nil {
		c.joinCancel()
		c.joinCancel = nil
	}
	if !c.joined || c.left {
		return
	}
	c.left = true
	if err := m.media.Leave(c.id); err != nil {
		log.Warnf("call %s: media leave: %v", c.id, err)
	}
}

// end moves c to Ended. Repeated calls are no-ops.
func (m *Manager) end(c *callCtx, reason EndReason) {
	if c.phase == Ended {
		return
	}
	m.stopRing(c)
	m.leave(c)
	c.phase = Ended
	c.reason = reason
	m.finished.Push(c.id)
	log.Infof("call %s with %s ended: %s", c.id, c.peer, reason)
	if m.cur != c {
		return
	}
	m.publish()
	m.stopGrace()
	m.grace = time.AfterFunc(m.opt.EndedGrace, func() {
		m.post(func() {
			if m.cur == c {
				m.cur = nil
				m.grace = nil
				m.publish()
			}
		})
	})
}

// refresh reads the record and applies it.
func (m *Manager) refresh(c *callCtx, hint string) {
	rec, err := m.get(c.id)
	if err != nil {
		if calls.IsNotFound(err) {
			log.Warnf("call %s: record vanished", c.id)
			m.end(c, EndFailed)
			return
		}
		log.Warnf("call %s: read record: %v", c.id, err)
		return
	}
	m.reconcile(c, rec, hint)
}

// reconcile moves c to wherever the record says the call is. hint is the
// reason carried by the signal that prompted the read, if any.
func (m *Manager) reconcile(c *callCtx, rec calls.CallRecord, hint string) {
	if c.phase == Ended {
		return
	}
	switch rec.Status {
	case calls.StatusAccepted:
		switch c.phase {
		case OutgoingRinging:
			m.stopRing(c)
			m.activate(c, rec)
		case IncomingRinging:
			// Another device of ours picked up.
			m.end(c, EndAnsweredElsewhere)
		}
	case calls.StatusRejected:
		if c.outgoing && hint == m.opt.BusyReason {
			m.end(c, EndBusy)
		} else {
			m.end(c, EndRejected)
		}
	case calls.StatusCancelled:
		m.end(c, EndCancelled)
	case calls.StatusMissed:
		m.end(c, EndMissed)
	case calls.StatusEnded:
		m.end(c, EndHangup)
	}
}

func (m *Manager) onSignal(ev signaling.Event) {
	if ev.From == "" || ev.CallID == "" {
		return
	}
	m.mirror(ev)
	if ev.Kind == signaling.KindInvite {
		m.onInvite(ev)
		return
	}

	c := m.cur
	if c == nil || c.id != ev.CallID || c.peer != ev.From {
		log.Debugf("ignoring %s for %s from %s", ev.Kind, ev.CallID, ev.From)
		return
	}
	if c.phase == Ended {
		// The record feed can beat the busy signal; keep the better reason.
		if ev.Kind == signaling.KindReject && c.outgoing && c.reason == EndRejected &&
			ev.Payload.Reason == m.opt.BusyReason {
			c.reason = EndBusy
			m.publish()
		}
		return
	}

	switch ev.Kind {
	case signaling.KindAccept, signaling.KindReject:
		if c.phase.ringing() {
			m.refresh(c, ev.Payload.Reason)
		}
	case signaling.KindCancel:
		if c.phase.ringing() {
			m.refresh(c, ev.Payload.Reason)
			return
		}
		if !c.outgoing {
			// The caller gave up before our answer reached its store.
			m.endRecord(c)
			m.end(c, EndCancelled)
		}
	case signaling.KindHangup:
		if c.phase != Active {
			m.refresh(c, "")
			return
		}
		m.endRecord(c)
		m.end(c, EndHangup)
	}
}

func (m *Manager) onInvite(ev signaling.Event) {
	if m.isFinished(ev.CallID) {
		return
	}
	if c := m.cur; c != nil && c.id == ev.CallID {
		return
	}
	rec, err := m.get(ev.CallID)
	if err != nil {
		// The record feed delivers the call once the row is visible.
		log.Debugf("invite %s from %s: %v", ev.CallID, ev.From, err)
		return
	}
	if rec.CallerID != ev.From || rec.ReceiverID != m.opt.SelfID {
		log.Warnf("invite %s from %s does not match its record", ev.CallID, ev.From)
		return
	}
	m.onRinging(rec, ev.Payload)
}

func (m *Manager) onRecord(rec calls.CallRecord) {
	if c := m.cur; c != nil && c.id == rec.ID {
		m.reconcile(c, rec, "")
		return
	}
	if m.isFinished(rec.ID) {
		return
	}
	if rec.Status == calls.StatusRinging && rec.ReceiverID == m.opt.SelfID {
		m.onRinging(rec, signaling.Payload{})
	}
}

// onRinging surfaces a ringing record addressed to us.
func (m *Manager) onRinging(rec calls.CallRecord, p signaling.Payload) {
	if rec.Status != calls.StatusRinging || m.isFinished(rec.ID) {
		return
	}
	if c := m.cur; c != nil && c.id == rec.ID {
		return
	}
	age := m.now().Sub(rec.CreatedAt)
	if age >= m.opt.RingTimeout {
		log.Debugf("ignoring stale ringing call %s", rec.ID)
		return
	}

	if c := m.cur; c != nil && c.phase != Ended {
		if c.phase == OutgoingRinging && c.peer == rec.CallerID {
			// Both sides called each other; the smaller call id survives.
			if rec.ID > c.id || !m.withdraw(c) {
				log.Infof("crossed calls with %s: keeping %s", c.peer, c.id)
				return
			}
		} else {
			m.rejectBusy(rec)
			return
		}
	}

	c := &callCtx{
		id:      rec.ID,
		peer:    rec.CallerID,
		display: m.displayFor(rec.CallerID, p),
		typ:     rec.Type,
		phase:   IncomingRinging,
	}
	m.begin(c)
	m.startRing(c, m.opt.RingTimeout-age)
	log.Infof("incoming %s call %s from %s", c.typ, c.id, c.peer)
	m.publish()
}

// withdraw cancels our own outgoing call in favour of the peer's. It reports
// false if our call could not be withdrawn.
func (m *Manager) withdraw(c *callCtx) bool {
	if _, err := m.transition(c.id, calls.StatusCancelled); err != nil && !calls.IsNotFound(err) {
		log.Warnf("crossed calls: withdraw %s: %v", c.id, err)
		m.refresh(c, "")
		return c.phase == Ended
	}
	m.send(c, signaling.KindCancel, signaling.Payload{})
	m.stopRing(c)
	c.phase = Ended
	c.reason = EndCancelled
	m.finished.Push(c.id)
	m.cur = nil
	log.Infof("crossed calls with %s: withdrew %s", c.peer, c.id)
	return true
}

func (m *Manager) rejectBusy(rec calls.CallRecord) {
	m.finished.Push(rec.ID)
	if _, err := m.transition(rec.ID, calls.StatusRejected); err != nil {
		log.Debugf("busy reject %s: %v", rec.ID, err)
	}
	m.sendFor(rec.ID, rec.CallerID, signaling.KindReject, signaling.Payload{Reason: m.opt.BusyReason})
	log.Infof("busy: rejected call %s from %s", rec.ID, rec.CallerID)
}

func (m *Manager) onRingTimeout(c *callCtx) {
	if m.cur != c || !c.phase.ringing() {
		return
	}
	c.ring = nil
	if !c.outgoing {
		log.Infof("call %s from %s not answered", c.id, c.peer)
		m.end(c, EndMissed)
		return
	}

	_, err := m.transition(c.id, calls.StatusMissed)
	if calls.IsInvalidTransition(err) {
		m.refresh(c, "")
		return
	}
	if err != nil && !calls.IsNotFound(err) {
		log.Warnf("call %s: record not marked missed: %v", c.id, err)
	}
	m.send(c, signaling.KindCancel, signaling.Payload{Reason: signaling.ReasonTimeout})
	m.end(c, EndMissed)
}

// recoverOutstanding settles records a previous run left open: a fresh
// incoming ring is surfaced again, stale rings are marked missed and
// accepted calls, whose media died with that run, are ended.
func (m *Manager) recoverOutstanding() {
	ctx, cancel := m.storeCtx()
	recs, err := m.store.ListOutstanding(ctx, m.opt.SelfID)
	cancel()
	if err != nil {
		log.Warnf("list outstanding calls: %v", err)
		return
	}

	self := m.opt.SelfID
	for _, rec := range recs {
		if c := m.cur; c != nil && c.id == rec.ID {
			continue
		}
		fresh := m.now().Sub(rec.CreatedAt) < m.opt.RingTimeout
		switch {
		case rec.Status == calls.StatusRinging && rec.ReceiverID == self && fresh:
			m.onRinging(rec, signaling.Payload{})
		case rec.Status == calls.StatusRinging && fresh:
			// Possibly ringing on another device of ours.
		case rec.Status == calls.StatusRinging:
			if _, err := m.transition(rec.ID, calls.StatusMissed); err == nil {
				log.Infof("recovered call %s: marked missed", rec.ID)
			}
		case rec.Status == calls.StatusAccepted:
			m.finished.Push(rec.ID)
			if _, err := m.transition(rec.ID, calls.StatusEnded); err == nil {
				log.Infof("recovered call %s: ended", rec.ID)
			}
			m.sendFor(rec.ID, rec.PeerOf(self), signaling.KindHangup, signaling.Payload{})
		}
	}
}
