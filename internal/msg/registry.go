package msg

import (
	"github.com/avaropoint/rendezvous/internal/wire"
)

// decoder builds a wire.DecodeFunc for a concrete body type.
func decoder[T any]() wire.DecodeFunc {
	return func(data []byte) (any, error) {
		body := new(T)
		if err := wire.Unmarshal(data, body); err != nil {
			return nil, err
		}
		return body, nil
	}
}

// RegisterAll installs every message body decoder into the registry.
// Called once per process before the first connection is accepted.
func RegisterAll(reg *wire.Registry) error {
	table := []struct {
		msgType uint32
		fn      wire.DecodeFunc
	}{
		{TypeLoginDevice, decoder[LoginDevice]()},
		{TypeLoginDeviceAck, decoder[LoginDeviceAck]()},
		{TypeAllocateDeviceID, decoder[AllocateDeviceID]()},
		{TypeAllocateDeviceIDAck, decoder[AllocateDeviceIDAck]()},
		{TypeSignalingMessage, decoder[SignalingMessage]()},
		{TypeSignalingMessageAck, decoder[SignalingMessageAck]()},
		{TypeJoinRoom, decoder[JoinRoom]()},
		{TypeJoinRoomAck, decoder[JoinRoomAck]()},
		{TypeRequestConnection, decoder[RequestConnection]()},
		{TypeRequestConnectionAck, decoder[RequestConnectionAck]()},
		{TypeOpenConnection, decoder[OpenConnection]()},
		{TypeOpenConnectionAck, decoder[OpenConnectionAck]()},
		{TypeCloseConnection, decoder[CloseConnection]()},
		{TypeKeepAlive, decoder[KeepAlive]()},
		{TypeKeepAliveAck, decoder[KeepAliveAck]()},
	}
	for _, entry := range table {
		if err := reg.Register(entry.msgType, entry.fn); err != nil {
			return err
		}
	}
	return nil
}
