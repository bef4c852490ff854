package wire

import (
	"errors"
	"testing"
)

type ping struct {
	Seq int `cbor:"seq"`
}

func pingDecoder(data []byte) (any, error) {
	var p ping
	if err := Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func TestRegistryRoundTrip(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(7, pingDecoder); err != nil {
		t.Fatalf("register: %v", err)
	}

	pkt, err := EncodeMessage(&Message{Type: 7, Body: &ping{Seq: 42}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := reg.Decode(pkt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != 7 {
		t.Fatalf("type = %d, want 7", msg.Type)
	}
	if got := msg.Body.(*ping); got.Seq != 42 {
		t.Fatalf("seq = %d, want 42", got.Seq)
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(1, pingDecoder); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(1, pingDecoder); err == nil {
		t.Fatal("duplicate registration should fail")
	}
}

func TestRegistryUnknownType(t *testing.T) {
	reg := NewRegistry()
	pkt, err := EncodeMessage(&Message{Type: 999, Body: &ping{}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := reg.Decode(pkt); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestRegistryMalformedBody(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(3, pingDecoder); err != nil {
		t.Fatalf("register: %v", err)
	}
	pkt := &Packet{Payload: []byte{3, 0, 0, 0, 0xff, 0xff, 0xff}}
	if _, err := reg.Decode(pkt); err == nil {
		t.Fatal("malformed body should fail to decode")
	}
}

func TestRegistryShortPayload(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Decode(&Packet{Payload: []byte{1, 2}}); err == nil {
		t.Fatal("short payload should fail")
	}
}
