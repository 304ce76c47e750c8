package app

import (
	"context"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	applog "github.com/petervdpas/goopcall/internal/logging"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/presence"
	"github.com/petervdpas/goopcall/internal/session"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	Logs    *viewer.LogBuffer

	// Ready, when set, receives the open session and the viewer address
	// (nil when the viewer is disabled).
	Ready func(s *session.Context, viewerAddr string)
}

// Run brings one peer up and blocks until ctx is cancelled. On return the
// user has gone offline and any call was hung up.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logBanner(opt.PeerDir, opt.CfgPath, cfg.Identity.UserID)

	// ── Call store
	st, err := openStore(ctx, opt.PeerDir, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	// ── Transports
	var (
		sig  signaling.Transport
		pres presence.Transport
		node *p2p.Node
	)
	if cfg.P2P.Enabled {
		node, err = p2p.New(ctx, p2p.Options{
			ListenPort:    cfg.P2P.ListenPort,
			KeyFile:       util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
			PresenceTopic: cfg.Presence.Topic,
			MdnsTag:       cfg.P2P.MdnsTag,
			MDNS:          cfg.P2P.Mdns,
			PresenceTTL:   config.Seconds(cfg.Presence.TTLSec),
		})
		if err != nil {
			return fmt.Errorf("create p2p node: %w", err)
		}
		defer node.Close()
		if pres, err = node.PresenceTransport(); err != nil {
			return fmt.Errorf("presence transport: %w", err)
		}
		sig = node
		log.Infof("peer id: %s", node.ID())
	} else {
		// In-process loopback: signaling and presence reach only this process.
		sig = signaling.NewHub()
		pres = presence.NewBus().Join(cfg.Identity.UserID)
		log.Warnf("p2p disabled, running with loopback transports")
	}

	// ── Media
	var factory media.Factory
	if cfg.Media.Enabled {
		pcfg := media.PionConfig{
			STUNServers:     cfg.Media.STUNServers,
			ICEDisconnected: config.Seconds(cfg.Media.ICEDisconnectedSec),
			ICEFailed:       config.Seconds(cfg.Media.ICEFailedSec),
			ICEKeepalive:    config.Seconds(cfg.Media.ICEKeepaliveSec),
		}
		factory = func(neg media.Negotiator) (media.Client, error) {
			return media.NewPionClient(pcfg, neg)
		}
	}

	// ── Session
	peerID := ""
	if node != nil {
		peerID = node.ID()
	}
	sess, err := session.Open(ctx, sessionDeps(cfg, st, sig, pres, factory, peerID))
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = sess.Close(cctx)
	}()

	// ── Viewer
	var viewerAddr string
	if cfg.Viewer.HTTPAddr != "" {
		addr, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		bound, errc, err := viewer.Start(ctx, addr, viewer.Viewer{
			Calls:        sess,
			Logs:         opt.Logs,
			JWTSecret:    cfg.Viewer.JWTSecret,
			HistoryLimit: cfg.Call.HistoryLimit,
		})
		if err != nil {
			return fmt.Errorf("start viewer: %w", err)
		}
		viewerAddr = bound.String()
		go func() {
			if err := <-errc; err != nil {
				log.Errorf("viewer stopped: %v", err)
			}
		}()
		if cfg.Viewer.JWTSecret != "" {
			if tok, err := routes.IssueToken(cfg.Viewer.JWTSecret, cfg.Identity.UserID); err == nil {
				log.Infof("viewer token: %s", tok)
			}
		}
	}

	// ── Live config
	if opt.CfgPath != "" {
		if err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			applyReload(sess, next)
		}); err != nil {
			log.Warnf("config watch disabled: %v", err)
		}
	}

	if opt.Ready != nil {
		opt.Ready(sess, viewerAddr)
	}

	<-ctx.Done()
	log.Infof("shutting down, going offline")
	return nil
}

func sessionDeps(cfg config.Config, st *callStore, sig signaling.Transport, pres presence.Transport, factory media.Factory, peerID string) session.Deps {
	return session.Deps{
		SelfID:   cfg.Identity.UserID,
		Profile:  call.Display{Name: cfg.Profile.Label, AvatarURL: cfg.Profile.AvatarURL},
		Store:    st.calls,
		Signal:   sig,
		Presence: pres,
		Media:    factory,
		PresOpts: presenceOptions(cfg, peerID),
		CallOpts: callOptions(cfg),
	}
}

func presenceOptions(cfg config.Config, peerID string) presence.Options {
	return presence.Options{
		PeerID:     peerID,
		TTL:        config.Seconds(cfg.Presence.TTLSec),
		Heartbeat:  config.Seconds(cfg.Presence.HeartbeatSec),
		StaleAfter: config.Seconds(cfg.Presence.StaleSec),
	}
}

func callOptions(cfg config.Config) call.Options {
	return call.Options{
		RingTimeout:  config.Seconds(cfg.Call.RingTimeoutSec),
		EndedGrace:   config.Seconds(cfg.Call.EndedGraceSec),
		BusyReason:   cfg.Call.BusyReason,
		StoreTimeout: config.Seconds(cfg.Call.StoreTimeoutSec),
		JoinTimeout:  config.Seconds(cfg.Media.JoinTimeoutSec),
		HistoryLimit: cfg.Call.HistoryLimit,
	}
}

// applyReload applies the settings that can change without a restart.
func applyReload(sess *session.Context, cfg config.Config) {
	ring := config.Seconds(cfg.Call.RingTimeoutSec)
	grace := config.Seconds(cfg.Call.EndedGraceSec)
	sess.UpdateTimings(ring, grace)
	if err := applog.ApplyLevels(cfg.Log.Level, cfg.Log.Levels); err != nil {
		log.Warnf("log levels: %v", err)
	}
	log.Infof("applied ring timeout %s, ended grace %s", ring, grace)
}
