package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
)

const ackTimeout = 10 * time.Second

// Deliver sends one event over a fresh stream (libp2p reuses the underlying
// muxed connection) and waits for the receiver's ACK.
func (n *Node) Deliver(ctx context.Context, ev signaling.Event) error {
	pid, ok := n.lookup(ev.To)
	if !ok {
		return &signaling.TransportError{Op: "deliver", Peer: ev.To, Err: signaling.ErrOffline}
	}
	if pid == n.Host.ID() {
		if !n.dispatch(ev) {
			return &signaling.TransportError{Op: "deliver", Peer: ev.To, Err: signaling.ErrOffline}
		}
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := n.Host.NewStream(dialCtx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		return &signaling.TransportError{Op: "open stream", Peer: ev.To, Err: err}
	}
	defer stream.Close()

	deadline, ok := dialCtx.Deadline()
	if !ok {
		deadline = time.Now().Add(ackTimeout)
	}
	_ = stream.SetDeadline(deadline)

	if err := json.NewEncoder(stream).Encode(ev); err != nil {
		return &signaling.TransportError{Op: "write", Peer: ev.To, Err: err}
	}

	var ack proto.SignalAck
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return &signaling.TransportError{Op: "await ack", Peer: ev.To, Err: err}
	}
	if ack.Err != "" {
		return &signaling.TransportError{Op: "deliver", Peer: ev.To, Err: errors.New(ack.Err)}
	}
	return nil
}

// handleSignal is the stream handler for the signal protocol. The event is
// handed to listeners before the ACK goes back, so a sender that waits for
// ACKs keeps its events in order.
func (n *Node) handleSignal(stream network.Stream) {
	defer stream.Close()

	remote := stream.Conn().RemotePeer()
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var ev signaling.Event
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ev); err != nil {
		log.Warnf("signal decode error from %s: %v", remote, err)
		return
	}

	ack := proto.SignalAck{Seq: ev.Seq}
	if known, ok := n.lookup(ev.From); ok && known != remote {
		log.Warnf("signal from %s claims user %s (known at %s), dropping", remote, ev.From, known)
		ack.Err = "sender mismatch"
	} else {
		if !ok {
			n.Learn(ev.From, remote)
		}
		if !n.dispatch(ev) {
			ack.Err = "no listener for " + ev.To
		}
	}

	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		log.Warnf("signal ack write error to %s: %v", remote, err)
	}
}

func (n *Node) dispatch(ev signaling.Event) bool {
	n.sigMu.RLock()
	fns := make([]func(signaling.Event), 0, len(n.listeners[ev.To]))
	for _, fn := range n.listeners[ev.To] {
		fns = append(fns, fn)
	}
	n.sigMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	return len(fns) > 0
}

func (n *Node) Listen(userID string, fn func(signaling.Event)) (func(), error) {
	n.sigMu.Lock()
	defer n.sigMu.Unlock()
	n.nextSub++
	id := n.nextSub
	if n.listeners[userID] == nil {
		n.listeners[userID] = make(map[int]func(signaling.Event))
	}
	n.listeners[userID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.sigMu.Lock()
			delete(n.listeners[userID], id)
			if len(n.listeners[userID]) == 0 {
				delete(n.listeners, userID)
			}
			n.sigMu.Unlock()
		})
	}, nil
}
