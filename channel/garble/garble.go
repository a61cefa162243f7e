// Package garble wraps a channel.Channel with configurable packet loss and
// corruption, modeling the "Channel configuration" collaborator in spec §6.
// Grounded on the original UDP_socket.py send_garbled/set_garble_parameters.
package garble

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/overlaymesh/meshnet/channel"
)

// Channel wraps an underlying channel.Channel, randomly dropping or
// corrupting outbound datagrams. Loss and Corruption are percentages in
// 0..100, checked independently per spec: a packet can be corrupted instead
// of lost, never both.
type Channel struct {
	under       channel.Channel
	rng         *rand.Rand
	Loss        int
	Corruption  int
}

// New wraps under with the given initial loss/corruption percentages.
func New(under channel.Channel, loss, corruption int) (*Channel, error) {
	c := &Channel{under: under, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := c.SetParameters(loss, corruption); err != nil {
		return nil, err
	}
	return c, nil
}

// SetParameters validates and applies new loss/corruption percentages.
func (c *Channel) SetParameters(loss, corruption int) error {
	if loss < 0 || loss > 100 {
		return fmt.Errorf("loss threshold invalid: %d", loss)
	}
	if corruption < 0 || corruption > 100 {
		return fmt.Errorf("corruption threshold invalid: %d", corruption)
	}
	c.Loss = loss
	c.Corruption = corruption
	return nil
}

func (c *Channel) Send(payload []byte, to channel.Addr) error {
	if c.rng.Intn(100) < c.Loss {
		return nil // silently lost
	}
	if c.rng.Intn(100) < c.Corruption {
		payload = corrupt(c.rng, payload)
	}
	return c.under.Send(payload, to)
}

// corrupt flips roughly half the bytes of payload to random values, mirroring
// the reference garbler's per-byte coin flip.
func corrupt(rng *rand.Rand, payload []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	for i := range out {
		if rng.Intn(2) == 0 {
			out[i] = byte(rng.Intn(256))
		}
	}
	return out
}

func (c *Channel) Recv(timeout time.Duration) ([]byte, channel.Addr, bool, error) {
	return c.under.Recv(timeout)
}

func (c *Channel) LocalAddr() channel.Addr { return c.under.LocalAddr() }

func (c *Channel) Close() error { return c.under.Close() }

var _ channel.Channel = (*Channel)(nil)
