// Package wire implements the on-the-wire DNP header codec: seven
// big-endian uint32 fields, 28 bytes total. See spec §3 "DNP header".
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/overlaymesh/meshnet/errs"
)

// HeaderSize is the number of bytes a DNPHeader occupies on the wire.
const HeaderSize = 7 * 4

// DNPHeader is the end-to-end addressing header every DNP datagram carries.
type DNPHeader struct {
	DestID     uint32
	PacketID   uint32
	ByteOffset uint32
	TotalSize  uint32
	DestPort   uint32
	SourceID   uint32
	SourcePort uint32
}

// Encode serializes h into a fresh HeaderSize-byte slice.
func Encode(h DNPHeader) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.DestID)
	binary.BigEndian.PutUint32(buf[4:8], h.PacketID)
	binary.BigEndian.PutUint32(buf[8:12], h.ByteOffset)
	binary.BigEndian.PutUint32(buf[12:16], h.TotalSize)
	binary.BigEndian.PutUint32(buf[16:20], h.DestPort)
	binary.BigEndian.PutUint32(buf[20:24], h.SourceID)
	binary.BigEndian.PutUint32(buf[24:28], h.SourcePort)
	return buf
}

// Decode parses a DNPHeader from the front of data, returning the header and
// the remaining body bytes. Fails with errs.ErrCorrupt if data is too short.
func Decode(data []byte) (DNPHeader, []byte, error) {
	if len(data) < HeaderSize {
		return DNPHeader{}, nil, fmt.Errorf("%w: header needs %d bytes, got %d", errs.ErrCorrupt, HeaderSize, len(data))
	}
	h := DNPHeader{
		DestID:     binary.BigEndian.Uint32(data[0:4]),
		PacketID:   binary.BigEndian.Uint32(data[4:8]),
		ByteOffset: binary.BigEndian.Uint32(data[8:12]),
		TotalSize:  binary.BigEndian.Uint32(data[12:16]),
		DestPort:   binary.BigEndian.Uint32(data[16:20]),
		SourceID:   binary.BigEndian.Uint32(data[20:24]),
		SourcePort: binary.BigEndian.Uint32(data[24:28]),
	}
	return h, data[HeaderSize:], nil
}
