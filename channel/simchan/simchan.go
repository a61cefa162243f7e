// Package simchan implements channel.Channel as an in-memory datagram bus,
// used by multi-node simulations (spec §8 scenarios S1-S6) where no real
// socket is available.
package simchan

import (
	"errors"
	"sync"
	"time"

	"github.com/overlaymesh/meshnet/channel"
)

// Addr identifies an endpoint on a Bus by name.
type Addr struct {
	Name string
}

func (a Addr) String() string { return a.Name }

type datagram struct {
	payload []byte
	from    Addr
}

// Bus is a shared medium that routes Send calls between registered
// endpoints. It has no loss or corruption of its own — wrap a Channel with
// channel/garble for that.
type Bus struct {
	mu    sync.Mutex
	peers map[string]*Channel
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{peers: make(map[string]*Channel)}
}

// Register creates and attaches a new endpoint named name, with an inbound
// queue of the given capacity.
func (b *Bus) Register(name string, queueSize int) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &Channel{
		bus:   b,
		self:  Addr{Name: name},
		inbox: make(chan datagram, queueSize),
	}
	b.peers[name] = c
	return c
}

func (b *Bus) deliver(to string, d datagram) {
	b.mu.Lock()
	peer, ok := b.peers[to]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case peer.inbox <- d:
	default:
		// inbox full: drop, same as a real socket buffer overrun would.
	}
}

// Channel is one Bus endpoint.
type Channel struct {
	bus    *Bus
	self   Addr
	inbox  chan datagram
	closed bool
	mu     sync.Mutex
}

func (c *Channel) Send(payload []byte, to channel.Addr) error {
	addr, ok := to.(Addr)
	if !ok {
		return errors.New("simchan: unexpected address type")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.bus.deliver(addr.Name, datagram{payload: cp, from: c.self})
	return nil
}

func (c *Channel) Recv(timeout time.Duration) ([]byte, channel.Addr, bool, error) {
	select {
	case d := <-c.inbox:
		return d.payload, d.from, true, nil
	case <-time.After(timeout):
		return nil, nil, false, nil
	}
}

func (c *Channel) LocalAddr() channel.Addr { return c.self }

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ channel.Channel = (*Channel)(nil)
