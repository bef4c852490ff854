package signaling

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/avaropoint/rendezvous/internal/msg"
	"github.com/avaropoint/rendezvous/internal/socket"
	"github.com/avaropoint/rendezvous/internal/wire"
)

// Sender pushes a message to a live connection. *socket.Dispatcher
// satisfies it.
type Sender interface {
	Send(connID uint64, m *wire.Message) bool
}

// Service implements the signaling listener: room membership plus the
// opaque relay between the two occupants.
type Service struct {
	rooms  *Registry
	sender Sender
	log    *slog.Logger
}

func NewService(rooms *Registry, sender Sender, log *slog.Logger) *Service {
	return &Service{
		rooms:  rooms,
		sender: sender,
		log:    log.With("component", "signaling"),
	}
}

// Register wires the service into a dispatcher.
func (s *Service) Register(d *socket.Dispatcher) error {
	handlers := map[uint32]socket.Handler{
		msg.TypeJoinRoom:         s.handleJoinRoom,
		msg.TypeSignalingMessage: s.handleSignalingMessage,
		msg.TypeKeepAlive:        s.handleKeepAlive,
	}
	for t, h := range handlers {
		if err := d.RegisterHandler(t, h); err != nil {
			return fmt.Errorf("register signaling handler %d: %w", t, err)
		}
	}
	if err := d.RegisterLifecycle(socket.EventClosed, s.onClosed); err != nil {
		return fmt.Errorf("register signaling lifecycle: %w", err)
	}
	if err := d.RegisterLifecycle(socket.EventUnexpectedlyClosed, s.onClosed); err != nil {
		return fmt.Errorf("register signaling lifecycle: %w", err)
	}
	return nil
}

func (s *Service) handleJoinRoom(connID uint64, body any) *wire.Message {
	req, ok := body.(*msg.JoinRoom)
	if !ok {
		return nil
	}
	ack := &msg.JoinRoomAck{ErrCode: msg.Success}
	if err := s.rooms.Join(req.RoomID, req.SessionID, connID); err != nil {
		ack.ErrCode = msg.JoinRoomFailed
		reason := "rejected"
		if errors.Is(err, ErrDuplicateSession) {
			reason = "duplicate session"
		} else if errors.Is(err, ErrRoomFull) {
			reason = "room full"
		}
		s.log.Warn("join room rejected",
			"conn_id", connID,
			"room_id", req.RoomID,
			"reason", reason)
	} else {
		s.log.Info("session joined room",
			"conn_id", connID,
			"room_id", req.RoomID,
			"session_id", req.SessionID)
	}
	return &wire.Message{Type: msg.TypeJoinRoomAck, Body: ack}
}

func (s *Service) handleSignalingMessage(connID uint64, body any) *wire.Message {
	req, ok := body.(*msg.SignalingMessage)
	if !ok {
		return nil
	}
	ack := &msg.SignalingMessageAck{ErrCode: msg.Success}
	peer, ok := s.rooms.Peer(connID)
	if !ok {
		ack.ErrCode = msg.SignalingPeerNotOnline
	} else if !s.sender.Send(peer, &wire.Message{Type: msg.TypeSignalingMessage, Body: req}) {
		ack.ErrCode = msg.SignalingPeerNotOnline
	}
	return &wire.Message{Type: msg.TypeSignalingMessageAck, Body: ack}
}

func (s *Service) handleKeepAlive(connID uint64, body any) *wire.Message {
	return &wire.Message{Type: msg.TypeKeepAliveAck, Body: &msg.KeepAliveAck{}}
}

func (s *Service) onClosed(connID uint64) {
	if roomID, ok := s.rooms.Leave(connID); ok {
		s.log.Info("session left room", "conn_id", connID, "room_id", roomID)
	}
}

// RoomCount exposes the live room total for the statistics surface.
func (s *Service) RoomCount() int {
	return s.rooms.RoomCount()
}
