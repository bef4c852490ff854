// Package wire implements the binary framing and typed-message codec
// spoken on every broker and signaling connection.
//
// Every frame carries a fixed 12-byte header followed by the payload:
//
//	offset 0  : 3 bytes  magic          (0x950414, little-endian)
//	offset 3  : 1 byte   xor key        (0 = payload not obfuscated)
//	offset 4  : 4 bytes  payload length (little-endian uint32)
//	offset 8  : 4 bytes  checksum       (little-endian uint32, reserved)
//	offset 12 : payload
//
// The payload starts with a 4-byte little-endian message type followed
// by the CBOR-encoded message body.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies a v1 frame. Only the low 24 bits are on the wire.
const Magic = 0x950414

// HeaderLen is the fixed frame header size in bytes.
const HeaderLen = 12

// MaxPayloadLen caps a single frame. A peer announcing more than this
// is treated as a corrupted stream, same as a bad magic.
const MaxPayloadLen = 16 << 20

// ErrBadMagic means the stream is corrupted or the peer is not speaking
// this protocol. The connection must be closed; there is no resync.
var ErrBadMagic = errors.New("wire: bad frame magic")

// Packet is one framed unit on the wire. The checksum field is carried
// for layout compatibility but is written as zero and never verified.
type Packet struct {
	XorKey  byte
	Payload []byte
}

// EncodePacket serializes p into a single wire frame. If p.XorKey is
// nonzero the payload bytes are XOR-obfuscated with it.
func EncodePacket(p *Packet) []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	buf[0] = byte(Magic & 0xff)
	buf[1] = byte(Magic >> 8 & 0xff)
	buf[2] = byte(Magic >> 16 & 0xff)
	buf[3] = p.XorKey
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(p.Payload)))
	binary.LittleEndian.PutUint32(buf[8:12], 0) // checksum, reserved
	copy(buf[HeaderLen:], p.Payload)
	if p.XorKey != 0 {
		for i := HeaderLen; i < len(buf); i++ {
			buf[i] ^= p.XorKey
		}
	}
	return buf
}

// DecodePacket attempts to extract one frame from the front of buf.
// It returns (nil, 0, nil) while buf does not yet hold a complete
// frame; it never consumes a partial frame. On success the returned
// packet's payload is de-obfuscated and copied out of buf, and n is
// the number of bytes consumed.
func DecodePacket(buf []byte) (pkt *Packet, n int, err error) {
	if len(buf) < HeaderLen {
		return nil, 0, nil
	}
	magic := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
	if magic != Magic {
		return nil, 0, ErrBadMagic
	}
	key := buf[3]
	payloadLen := binary.LittleEndian.Uint32(buf[4:8])
	if payloadLen > MaxPayloadLen {
		return nil, 0, fmt.Errorf("wire: payload length %d exceeds limit: %w", payloadLen, ErrBadMagic)
	}
	total := HeaderLen + int(payloadLen)
	if len(buf) < total {
		return nil, 0, nil
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderLen:total])
	if key != 0 {
		for i := range payload {
			payload[i] ^= key
		}
	}
	return &Packet{XorKey: key, Payload: payload}, total, nil
}
