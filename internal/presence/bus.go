package presence

import (
	"context"
	"sync"

	"github.com/petervdpas/goopcall/internal/proto"
)

// Bus is an in-process presence topic. Each joined endpoint sees every
// message published by the others.
type Bus struct {
	mu      sync.Mutex
	members map[*BusEndpoint]struct{}
}

func NewBus() *Bus {
	return &Bus{members: make(map[*BusEndpoint]struct{})}
}

// Join attaches a new endpoint for userID.
func (b *Bus) Join(userID string) *BusEndpoint {
	ep := &BusEndpoint{
		bus:    b,
		userID: userID,
		inbox:  make(chan proto.PresenceMsg, 64),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	b.members[ep] = struct{}{}
	b.mu.Unlock()
	return ep
}

// BusEndpoint implements Transport on a Bus.
type BusEndpoint struct {
	bus    *Bus
	userID string
	inbox  chan proto.PresenceMsg
	closed chan struct{}
	once   sync.Once
}

var _ Transport = (*BusEndpoint)(nil)

func (e *BusEndpoint) Publish(_ context.Context, msg proto.PresenceMsg) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	for peer := range e.bus.members {
		if peer == e {
			continue
		}
		select {
		case peer.inbox <- msg:
		default:
		}
	}
	return nil
}

func (e *BusEndpoint) Next(ctx context.Context) (proto.PresenceMsg, error) {
	select {
	case msg := <-e.inbox:
		return msg, nil
	case <-e.closed:
		return proto.PresenceMsg{}, ErrClosed
	case <-ctx.Done():
		return proto.PresenceMsg{}, ctx.Err()
	}
}

func (e *BusEndpoint) Close() error {
	e.once.Do(func() {
		close(e.closed)
		e.bus.mu.Lock()
		delete(e.bus.members, e)
		e.bus.mu.Unlock()
	})
	return nil
}
