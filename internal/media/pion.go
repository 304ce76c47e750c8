package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PionConfig tunes the WebRTC engine.
type PionConfig struct {
	STUNServers []string

	// ICE timeouts. The pion defaults drop a call after 5s of disconnection,
	// which is too eager for relayed paths.
	ICEDisconnected time.Duration
	ICEFailed       time.Duration
	ICEKeepalive    time.Duration

	// IncludeLoopback gathers 127.0.0.1 candidates (tests, single-host setups).
	IncludeLoopback bool
}

func (c PionConfig) withDefaults() PionConfig {
	if c.ICEDisconnected <= 0 {
		c.ICEDisconnected = 30 * time.Second
	}
	if c.ICEFailed <= 0 {
		c.ICEFailed = 120 * time.Second
	}
	if c.ICEKeepalive <= 0 {
		c.ICEKeepalive = 2 * time.Second
	}
	return c
}

// PionClient joins rooms as WebRTC peer connections. Descriptions are
// exchanged through the Negotiator with full (non-trickle) ICE gathering.
type PionClient struct {
	api *webrtc.API
	cfg PionConfig
	neg Negotiator

	mu      sync.Mutex
	rooms   map[string]*pionRoom
	pending map[string][]webrtc.SessionDescription
	closed  bool
}

const maxPending = 4

type pionRoom struct {
	pc       *webrtc.PeerConnection
	remote   chan webrtc.SessionDescription
	received atomic.Int64
	once     sync.Once
}

func (r *pionRoom) close() {
	r.once.Do(func() {
		if err := r.pc.Close(); err != nil {
			log.Debugf("close peer connection: %v", err)
		}
	})
}

var _ DescriptionSink = (*PionClient)(nil)

func NewPionClient(cfg PionConfig, neg Negotiator) (*PionClient, error) {
	cfg = cfg.withDefaults()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.ICEDisconnected, cfg.ICEFailed, cfg.ICEKeepalive)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &PionClient{
		api:     api,
		cfg:     cfg,
		neg:     neg,
		rooms:   make(map[string]*pionRoom),
		pending: make(map[string][]webrtc.SessionDescription),
	}, nil
}

// PacketsReceived reports how many remote RTP packets arrived in a room.
func (c *PionClient) PacketsReceived(roomID string) int64 {
	c.mu.Lock()
	r := c.rooms[roomID]
	c.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.received.Load()
}

func (c *PionClient) HandleDescription(roomID string, sd webrtc.SessionDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if r, ok := c.rooms[roomID]; ok {
		select {
		case r.remote <- sd:
		default:
			log.Warnf("room %s: dropping extra %s description", roomID, sd.Type)
		}
		return
	}
	// The remote offer can arrive before the local Join starts.
	if len(c.pending[roomID]) >= maxPending {
		log.Warnf("room %s: too many early descriptions, dropping %s", roomID, sd.Type)
		return
	}
	c.pending[roomID] = append(c.pending[roomID], sd)
}

func (c *PionClient) Join(ctx context.Context, room Room) error {
	var ice []webrtc.ICEServer
	if len(c.cfg.STUNServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: c.cfg.STUNServers}}
	}
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return err
	}

	r := &pionRoom{pc: pc, remote: make(chan webrtc.SessionDescription, maxPending)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = pc.Close()
		return ErrClosed
	}
	if _, dup := c.rooms[room.ID]; dup {
		c.mu.Unlock()
		_ = pc.Close()
		return fmt.Errorf("room %s already joined", room.ID)
	}
	c.rooms[room.ID] = r
	for _, sd := range c.pending[room.ID] {
		r.remote <- sd
	}
	delete(c.pending, room.ID)
	c.mu.Unlock()

	if err := c.negotiate(ctx, room, r); err != nil {
		_ = c.Leave(room.ID)
		return err
	}
	return nil
}

func (c *PionClient) negotiate(ctx context.Context, room Room, r *pionRoom) error {
	pc := r.pc

	for _, lt := range TracksFor(room.Type) {
		mime := webrtc.MimeTypeOpus
		if lt.Kind == TrackVideo {
			mime = webrtc.MimeTypeVP8
		}
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, lt.ID, lt.StreamID)
		if err != nil {
			return err
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", lt.Kind, err)
		}
		go readSenderRTCP(room.ID, sender)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("room %s: remote %s track (%s)", room.ID, track.Kind(), track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			// Ask for a keyframe so the decoder can start right away.
			_ = pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		}
		pkt := &rtp.Packet{}
		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				return
			}
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				continue
			}
			r.received.Add(1)
		}
	})

	connected := make(chan struct{})
	failed := make(chan struct{})
	var connOnce, failOnce sync.Once
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("room %s: connection %s", room.ID, s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			connOnce.Do(func() { close(connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			failOnce.Do(func() { close(failed) })
		}
	})

	if room.Offerer {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return err
		}
		if err := c.setLocalAndSend(ctx, room, pc, offer); err != nil {
			return err
		}
		answer, err := awaitDescription(ctx, r, webrtc.SDPTypeAnswer)
		if err != nil {
			return err
		}
		if err := pc.SetRemoteDescription(answer); err != nil {
			return err
		}
	} else {
		offer, err := awaitDescription(ctx, r, webrtc.SDPTypeOffer)
		if err != nil {
			return err
		}
		if err := pc.SetRemoteDescription(offer); err != nil {
			return err
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := c.setLocalAndSend(ctx, room, pc, answer); err != nil {
			return err
		}
	}

	select {
	case <-connected:
		return nil
	case <-failed:
		return errors.New("peer connection failed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *PionClient) setLocalAndSend(ctx context.Context, room Room, pc *webrtc.PeerConnection, sd webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(sd); err != nil {
		return err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.neg.SendDescription(ctx, room, *pc.LocalDescription())
}

func awaitDescription(ctx context.Context, r *pionRoom, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	for {
		select {
		case sd := <-r.remote:
			if sd.Type == want {
				return sd, nil
			}
			log.Debugf("ignoring %s description while waiting for %s", sd.Type, want)
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}
}

// readSenderRTCP drains RTCP for a local track; interceptors only run when
// something reads.
func readSenderRTCP(roomID string, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				log.Debugf("room %s: keyframe requested", roomID)
			}
		}
	}
}

// Leave closes the room's peer connection. Leaving an unknown or already
// closed room does nothing.
func (c *PionClient) Leave(roomID string) error {
	c.mu.Lock()
	r := c.rooms[roomID]
	delete(c.rooms, roomID)
	delete(c.pending, roomID)
	c.mu.Unlock()
	if r != nil {
		r.close()
	}
	return nil
}

func (c *PionClient) Close() error {
	c.mu.Lock()
	c.closed = true
	rooms := c.rooms
	c.rooms = make(map[string]*pionRoom)
	c.pending = make(map[string][]webrtc.SessionDescription)
	c.mu.Unlock()
	for _, r := range rooms {
		r.close()
	}
	return nil
}
