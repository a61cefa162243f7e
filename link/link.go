// Package link implements the per-hop LINK framing: a one-byte TTL prepended
// to the DNP payload. See spec §4.1.
package link

import (
	"fmt"

	"github.com/overlaymesh/meshnet/errs"
)

// HeaderSize is the number of bytes LINK prepends.
const HeaderSize = 1

// DefaultTTL is used when a caller does not specify one.
const DefaultTTL = 32

// Pack prepends a TTL byte to payload. The TTL is written as given; a TTL of
// 0 (what a forwarded packet carries after its last allowed hop) is packed
// too, and Unpack rejects it at the next hop. Callers that want the default
// pass DefaultTTL explicitly.
func Pack(payload []byte, ttl uint8) []byte {
	out := make([]byte, HeaderSize+len(payload))
	out[0] = ttl
	copy(out[1:], payload)
	return out
}

// Unpack strips the TTL byte, decrementing it by one. A packet sent with
// TTL=1 (the link-only case: heartbeats, advertisements, handshake packets
// addressed to a direct neighbor) still decodes successfully here with a
// resulting TTL of 0 — it was good for exactly the one hop it just made.
// Only a datagram that arrives with TTL already at 0 (an attempt to forward
// it a further hop) fails with errs.ErrTTLExpired. Too-short datagrams fail
// with errs.ErrCorrupt.
func Unpack(datagram []byte) (newTTL uint8, payload []byte, err error) {
	if len(datagram) < HeaderSize {
		return 0, nil, fmt.Errorf("%w: datagram shorter than link header", errs.ErrCorrupt)
	}
	ttl := datagram[0]
	if ttl == 0 {
		return 0, nil, fmt.Errorf("%w: ttl exhausted before this hop", errs.ErrTTLExpired)
	}
	return ttl - 1, datagram[HeaderSize:], nil
}

// HeaderTotal reports the number of bytes LINK adds to every datagram.
func HeaderTotal() int {
	return HeaderSize
}
