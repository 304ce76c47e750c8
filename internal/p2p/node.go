package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/goopcall/internal/presence"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("mdns", "warn")
}

type Options struct {
	ListenAddr    string // defaults to 0.0.0.0
	ListenPort    int
	KeyFile       string
	PresenceTopic string
	MdnsTag       string
	MDNS          bool
	// PresenceTTL bounds how long addresses learned from presence are kept.
	PresenceTTL time.Duration
}

// Node is the libp2p host a peer runs. It carries presence over a gossipsub
// topic and signaling events over a dedicated stream protocol.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic

	presenceTTL time.Duration

	// Users announce themselves on the presence topic; this maps each
	// user to the peer that last announced it.
	dirMu sync.RWMutex
	dir   map[string]peer.ID

	sigMu     sync.RWMutex
	nextSub   int
	listeners map[string]map[int]func(signaling.Event)
}

var (
	_ signaling.Transport = (*Node)(nil)
)

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, opt Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opt.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", opt.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", opt.KeyFile)
	}

	listen := opt.ListenAddr
	if listen == "" {
		listen = "0.0.0.0"
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", listen, opt.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	if opt.MDNS {
		tag := opt.MdnsTag
		if tag == "" {
			tag = proto.MdnsTag
		}
		md := mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	topicName := opt.PresenceTopic
	if topicName == "" {
		topicName = proto.PresenceTopic
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:        h,
		ps:          ps,
		topic:       topic,
		presenceTTL: opt.PresenceTTL,
		dir:         make(map[string]peer.ID),
		listeners:   make(map[string]map[int]func(signaling.Event)),
	}
	h.SetStreamHandler(protocol.ID(proto.SignalProtoID), n.handleSignal)
	log.Infof("node %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

func (n *Node) Close() error {
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Learn records that userID is reachable at peer pid.
func (n *Node) Learn(userID string, pid peer.ID) {
	n.dirMu.Lock()
	prev, ok := n.dir[userID]
	n.dir[userID] = pid
	n.dirMu.Unlock()
	if !ok || prev != pid {
		log.Debugf("user %s at peer %s", userID, pid)
	}
}

func (n *Node) lookup(userID string) (peer.ID, bool) {
	n.dirMu.RLock()
	defer n.dirMu.RUnlock()
	pid, ok := n.dir[userID]
	return pid, ok
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore.
func (n *Node) addPeerAddrs(pid peer.ID, addrs []string) {
	var direct []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		direct = append(direct, a)
	}
	if len(direct) == 0 {
		return
	}
	ttl := n.presenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	n.Host.Peerstore().AddAddrs(pid, direct, ttl)
}

// PresenceTransport returns a presence.Transport on the node's topic. Each
// call subscribes afresh; closing it leaves the node running.
func (n *Node) PresenceTransport() (presence.Transport, error) {
	sub, err := n.topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("p2p: subscribe presence: %w", err)
	}
	return &presenceTransport{n: n, sub: sub}, nil
}

type presenceTransport struct {
	n    *Node
	sub  *pubsub.Subscription
	once sync.Once
}

func (p *presenceTransport) Publish(ctx context.Context, msg proto.PresenceMsg) error {
	msg.PeerID = p.n.ID()
	if msg.Type != proto.TypeOffline {
		msg.Addrs = p.n.wanAddrs()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.n.topic.Publish(ctx, b)
}

func (p *presenceTransport) Next(ctx context.Context) (proto.PresenceMsg, error) {
	for {
		m, err := p.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return proto.PresenceMsg{}, presence.ErrClosed
			}
			return proto.PresenceMsg{}, err
		}
		if m.ReceivedFrom == p.n.Host.ID() {
			continue
		}

		var pm proto.PresenceMsg
		if err := json.Unmarshal(m.Data, &pm); err != nil {
			continue
		}
		if pm.UserID == "" || pm.Type == "" {
			continue
		}
		if pid, err := peer.Decode(pm.PeerID); err == nil && pid == m.GetFrom() {
			if pm.Type != proto.TypeOffline {
				p.n.Learn(pm.UserID, pid)
				p.n.addPeerAddrs(pid, pm.Addrs)
			}
		}
		return pm, nil
	}
}

func (p *presenceTransport) Close() error {
	p.once.Do(p.sub.Cancel)
	return nil
}
