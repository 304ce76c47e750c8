// Package session wires presence, signaling, the call record store, media and
// the call orchestrator together for one signed-in user.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/calls"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/presence"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("session")

// Deps are the collaborators of a session. Media may be nil, in which case
// calls connect without media.
type Deps struct {
	SelfID  string
	Profile call.Display

	Store    calls.Store
	Signal   signaling.Transport
	Presence presence.Transport
	Media    media.Factory
	PresOpts presence.Options
	CallOpts call.Options
}

// Context is the per-user composition root and the API the UI talks to.
type Context struct {
	self    string
	tracker *presence.Tracker
	channel *signaling.Channel
	media   *media.Manager
	calls   *call.Manager

	relayStop func()
	relayDone chan struct{}
	closeOnce sync.Once
}

// Open starts a session for d.SelfID.
func Open(ctx context.Context, d Deps) (*Context, error) {
	self, err := util.ValidateUserID(d.SelfID)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if d.Store == nil || d.Signal == nil || d.Presence == nil {
		return nil, errors.New("session: store, signal and presence transports are required")
	}
	factory := d.Media
	if factory == nil {
		factory = func(media.Negotiator) (media.Client, error) { return media.NopClient{}, nil }
	}
	profile := d.Profile
	if profile.Name == "" {
		profile.Name = self
	}

	channel := signaling.NewChannel(d.Signal, self)

	popt := d.PresOpts
	popt.SelfID = self
	popt.DisplayName = profile.Name
	popt.AvatarURL = profile.AvatarURL
	tracker := presence.NewTracker(d.Presence, popt)
	// Presence lives as long as the session, not the open call.
	if err := tracker.Start(context.WithoutCancel(ctx)); err != nil {
		channel.Close()
		return nil, fmt.Errorf("session: start presence: %w", err)
	}

	mm, err := media.NewManager(factory, &negotiator{ch: channel})
	if err != nil {
		tracker.Stop()
		channel.Close()
		return nil, err
	}

	copt := d.CallOpts
	copt.SelfID = self
	copt.Profile = profile
	orch := call.New(copt, d.Store, channel, mm, tracker)

	s := &Context{
		self:      self,
		tracker:   tracker,
		channel:   channel,
		media:     mm,
		calls:     orch,
		relayDone: make(chan struct{}),
	}

	descs, stop, err := channel.Subscribe(self)
	if err != nil {
		s.teardown()
		return nil, fmt.Errorf("session: subscribe signaling: %w", err)
	}
	s.relayStop = stop
	go s.relay(descs)

	if err := orch.Start(ctx); err != nil {
		s.teardown()
		return nil, err
	}
	log.Infof("session open for %s", self)
	return s, nil
}

// relay hands session descriptions to the media manager.
func (s *Context) relay(ch <-chan signaling.Event) {
	defer close(s.relayDone)
	for ev := range ch {
		if ev.Kind != signaling.KindOffer && ev.Kind != signaling.KindAnswer {
			continue
		}
		s.media.HandleDescription(ev.CallID, webrtc.SessionDescription{
			Type: webrtc.NewSDPType(string(ev.Kind)),
			SDP:  ev.Payload.SDP,
		})
	}
}

// negotiator sends local session descriptions over signaling.
type negotiator struct {
	ch *signaling.Channel
}

func (n *negotiator) SendDescription(_ context.Context, room media.Room, sd webrtc.SessionDescription) error {
	n.ch.Send(signaling.Event{
		Kind:    signaling.Kind(sd.Type.String()),
		CallID:  room.ID,
		To:      room.PeerID,
		Payload: signaling.Payload{SDP: sd.SDP},
	})
	return nil
}

// Close hangs up any current call and tears the session down (logout).
func (s *Context) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if herr := s.calls.Hangup(ctx); herr != nil {
			err = herr
			log.Warnf("hangup on close: %v", herr)
		}
		s.teardown()
		log.Infof("session closed for %s", s.self)
	})
	return err
}

func (s *Context) teardown() {
	s.calls.Close()
	if s.relayStop != nil {
		s.relayStop()
		<-s.relayDone
	}
	_ = s.media.Close()
	s.tracker.Stop()
	s.channel.Close()
}

func (s *Context) SelfID() string { return s.self }

func (s *Context) Initiate(ctx context.Context, peerID string, typ calls.CallType) (call.SessionState, error) {
	return s.calls.Initiate(ctx, peerID, typ)
}

func (s *Context) Accept(ctx context.Context) error { return s.calls.Accept(ctx) }
func (s *Context) Reject(ctx context.Context) error { return s.calls.Reject(ctx) }
func (s *Context) Cancel(ctx context.Context) error { return s.calls.Cancel(ctx) }
func (s *Context) Hangup(ctx context.Context) error { return s.calls.Hangup(ctx) }
func (s *Context) CurrentState() call.SessionState  { return s.calls.State() }

func (s *Context) IncomingCall() (call.SessionState, bool) { return s.calls.IncomingCall() }
func (s *Context) ActiveCall() (call.SessionState, bool)   { return s.calls.ActiveCall() }

func (s *Context) CallHistory(ctx context.Context, limit int) ([]calls.CallRecord, error) {
	return s.calls.History(ctx, limit)
}

func (s *Context) IsOnline(userID string) bool { return s.tracker.IsOnline(userID) }
func (s *Context) OnlineCount() int            { return s.tracker.OnlineCount() }

// UpdateTimings applies new ring and grace durations to future calls.
func (s *Context) UpdateTimings(ring, grace time.Duration) {
	s.calls.UpdateTimings(ring, grace)
}

func (s *Context) SubscribeState() (<-chan call.SessionState, func()) {
	return s.calls.SubscribeState()
}

// SubscribePresence streams presence table changes.
func (s *Context) SubscribePresence() (<-chan presence.Event, func()) {
	table := s.tracker.Table()
	ch := table.Subscribe()
	var once sync.Once
	return ch, func() { once.Do(func() { table.Unsubscribe(ch) }) }
}
