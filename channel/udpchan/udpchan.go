// Package udpchan implements channel.Channel over a real net.UDPConn.
package udpchan

import (
	"fmt"
	"net"
	"time"

	"github.com/overlaymesh/meshnet/channel"
)

// Addr wraps a *net.UDPAddr so it satisfies channel.Addr.
type Addr struct {
	UDP *net.UDPAddr
}

func (a Addr) String() string {
	if a.UDP == nil {
		return "<nil>"
	}
	return a.UDP.String()
}

// Channel is a channel.Channel backed by a bound UDP socket.
type Channel struct {
	conn *net.UDPConn
	buf  []byte
}

// New binds a UDP socket at ip:port with the given read buffer size.
func New(ip string, port int, readBufferSize int) (*Channel, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, fmt.Errorf("resolve udp address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp socket: %w", err)
	}
	if readBufferSize > 0 {
		_ = conn.SetReadBuffer(readBufferSize)
	}
	return &Channel{conn: conn, buf: make([]byte, 65535)}, nil
}

func (c *Channel) Send(payload []byte, to channel.Addr) error {
	addr, ok := to.(Addr)
	if !ok {
		return fmt.Errorf("udpchan: unexpected address type %T", to)
	}
	_, err := c.conn.WriteToUDP(payload, addr.UDP)
	return err
}

func (c *Channel) Recv(timeout time.Duration) ([]byte, channel.Addr, bool, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, false, err
	}
	n, from, err := c.conn.ReadFromUDP(c.buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	out := make([]byte, n)
	copy(out, c.buf[:n])
	return out, Addr{UDP: from}, true, nil
}

func (c *Channel) LocalAddr() channel.Addr {
	return Addr{UDP: c.conn.LocalAddr().(*net.UDPAddr)}
}

func (c *Channel) Close() error {
	return c.conn.Close()
}

var _ channel.Channel = (*Channel)(nil)
