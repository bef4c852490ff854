package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes message bodies with Core Deterministic Encoding so
// the same logical message always produces identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields, so newer
// peers can add fields without breaking older brokers.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes a message body to CBOR.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes a CBOR message body into v.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Message is a decoded frame payload: a 32-bit type identifier and a
// typed body produced by the decoder registered for that type.
type Message struct {
	Type uint32
	Body any
}

// ErrUnknownType reports a frame whose type has no registered decoder.
// The frame is dropped; the connection stays open.
var ErrUnknownType = errors.New("wire: unknown message type")

// DecodeFunc parses a message body from its CBOR bytes.
type DecodeFunc func(data []byte) (any, error)

// Registry maps message types to body decoders. Registration happens
// once during startup, before any connection is accepted; lookups are
// read-only afterwards, so no locking is needed.
type Registry struct {
	decoders map[uint32]DecodeFunc
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[uint32]DecodeFunc)}
}

// Register installs the decoder for a message type. Registering the
// same type twice is a startup wiring bug and fails loudly.
func (r *Registry) Register(msgType uint32, fn DecodeFunc) error {
	if _, dup := r.decoders[msgType]; dup {
		return fmt.Errorf("wire: decoder for message type %d already registered", msgType)
	}
	r.decoders[msgType] = fn
	return nil
}

// Decode extracts the typed message from a packet payload. An
// unregistered type returns ErrUnknownType; a body parse failure
// returns the parse error. Both are drop-and-continue conditions for
// the caller, never fatal to the connection.
func (r *Registry) Decode(p *Packet) (*Message, error) {
	if len(p.Payload) < 4 {
		return nil, fmt.Errorf("wire: payload too short for message type (%d bytes)", len(p.Payload))
	}
	msgType := binary.LittleEndian.Uint32(p.Payload[:4])
	fn, ok := r.decoders[msgType]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, msgType)
	}
	body, err := fn(p.Payload[4:])
	if err != nil {
		return nil, fmt.Errorf("wire: decode message type %d: %w", msgType, err)
	}
	return &Message{Type: msgType, Body: body}, nil
}

// EncodeMessage wraps a typed message into a packet. The obfuscation
// key is always zero on the encode path.
func EncodeMessage(m *Message) (*Packet, error) {
	body, err := Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode message type %d: %w", m.Type, err)
	}
	payload := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(payload[:4], m.Type)
	copy(payload[4:], body)
	return &Packet{Payload: payload}, nil
}
