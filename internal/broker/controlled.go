package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avaropoint/rendezvous/internal/msg"
	"github.com/avaropoint/rendezvous/internal/order"
	"github.com/avaropoint/rendezvous/internal/session"
	"github.com/avaropoint/rendezvous/internal/socket"
	"github.com/avaropoint/rendezvous/internal/store"
	"github.com/avaropoint/rendezvous/internal/wire"
)

// Controlled serves the listener used by devices that accept remote
// control. Login is strict here: an unknown identity or a wrong cookie is
// rejected without a replacement, because anyone able to log in as a
// device can receive control sessions aimed at it.
type Controlled struct {
	sessions     *session.Registry
	peerSessions *session.Registry
	peerSend     Sender
	devices      store.DeviceIDStore
	orders       *order.Broker
	log          *slog.Logger
}

func NewControlled(sessions, peerSessions *session.Registry, peerSend Sender, devices store.DeviceIDStore, orders *order.Broker, log *slog.Logger) *Controlled {
	return &Controlled{
		sessions:     sessions,
		peerSessions: peerSessions,
		peerSend:     peerSend,
		devices:      devices,
		orders:       orders,
		log:          log.With("component", "controlled"),
	}
}

// Register wires the controller into its dispatcher.
func (c *Controlled) Register(d *socket.Dispatcher) error {
	handlers := map[uint32]socket.Handler{
		msg.TypeLoginDevice:       c.handleLoginDevice,
		msg.TypeOpenConnectionAck: c.handleOpenConnectionAck,
		msg.TypeCloseConnection:   c.handleCloseConnection,
		msg.TypeKeepAlive:         c.handleKeepAlive,
	}
	for t, h := range handlers {
		if err := d.RegisterHandler(t, h); err != nil {
			return fmt.Errorf("register controlled handler %d: %w", t, err)
		}
	}
	if err := d.RegisterLifecycle(socket.EventConnected, c.onConnected); err != nil {
		return fmt.Errorf("register controlled lifecycle: %w", err)
	}
	if err := d.RegisterLifecycle(socket.EventClosed, c.onClosed); err != nil {
		return fmt.Errorf("register controlled lifecycle: %w", err)
	}
	if err := d.RegisterLifecycle(socket.EventUnexpectedlyClosed, c.onClosed); err != nil {
		return fmt.Errorf("register controlled lifecycle: %w", err)
	}
	return nil
}

func (c *Controlled) onConnected(connID uint64) {
	c.sessions.AddSession(connID)
}

func (c *Controlled) onClosed(connID uint64) {
	deviceID, logged := c.sessions.RemoveSession(connID)
	if !logged {
		return
	}
	if c.orders.ControlledDeviceLogout(context.Background(), deviceID) {
		c.log.Info("order torn down on controlled logout", "device_id", deviceID)
	}
}

func (c *Controlled) handleLoginDevice(connID uint64, body any) *wire.Message {
	req, ok := body.(*msg.LoginDevice)
	if !ok {
		return nil
	}
	ctx := context.Background()
	ack := &msg.LoginDeviceAck{ErrCode: msg.Success}

	cookie, updatedAt, err := c.devices.Lookup(ctx, req.DeviceID)
	switch {
	case req.DeviceID == 0 || errors.Is(err, store.ErrNotFound):
		ack.ErrCode = msg.LoginDeviceInvalidID
	case err != nil:
		c.log.Error("lookup device cookie", "conn_id", connID, "device_id", req.DeviceID, "err", err)
		ack.ErrCode = msg.LoginDeviceInvalidID
	case req.Cookie == "" || req.Cookie != cookie:
		ack.ErrCode = msg.LoginDeviceInvalidID
	}
	if ack.ErrCode != msg.Success {
		c.log.Warn("controlled login rejected",
			"conn_id", connID,
			"device_id", req.DeviceID,
			"err_code", uint32(ack.ErrCode))
		return &wire.Message{Type: msg.TypeLoginDeviceAck, Body: ack}
	}

	if time.Since(updatedAt) > cookieMaxAge {
		rotated := uuid.NewString()
		if err := c.devices.UpdateCookie(ctx, req.DeviceID, rotated); err != nil {
			c.log.Error("rotate cookie", "device_id", req.DeviceID, "err", err)
		} else {
			ack.NewCookie = rotated
		}
	}

	version := packVersion(req.VersionMajor, req.VersionMinor, req.VersionPatch)
	if !c.sessions.LoginDevice(connID, req.DeviceID, req.AllowControl, version, req.OS) {
		ack.ErrCode = msg.LoginDeviceInvalidStatus
		return &wire.Message{Type: msg.TypeLoginDeviceAck, Body: ack}
	}
	c.log.Info("controlled device logged in",
		"conn_id", connID,
		"device_id", req.DeviceID,
		"allow_control", req.AllowControl,
		"os", req.OS)
	return &wire.Message{Type: msg.TypeLoginDeviceAck, Body: ack}
}

// handleOpenConnectionAck closes the rendezvous loop: the controlled
// device answered, so the controlling peer gets its RequestConnectionAck.
func (c *Controlled) handleOpenConnectionAck(connID uint64, body any) *wire.Message {
	ackIn, ok := body.(*msg.OpenConnectionAck)
	if !ok {
		return nil
	}
	own, ok := c.sessions.SessionByConnID(connID)
	if !ok || own.Status != session.StatusDeviceLogged {
		return nil
	}
	o, ok := c.orders.OrderByControlledDevice(own.DeviceID)
	if !ok {
		c.log.Warn("open connection ack without order", "device_id", own.DeviceID)
		return nil
	}
	peerConn, ok := c.peerSessions.ConnIDByDeviceID(o.FromDeviceID)
	if !ok {
		c.log.Warn("controlling peer gone before ack", "room_id", o.RoomID)
		c.orders.ControllingDeviceLogout(context.Background(), o.FromDeviceID)
		return nil
	}

	out := &msg.RequestConnectionAck{
		ErrCode:   ackIn.ErrCode,
		RequestID: o.ClientRequestID,
		DeviceID:  own.DeviceID,
	}
	if ackIn.ErrCode == msg.Success {
		out.SignalingAddr = o.SignalingHost
		out.SignalingPort = o.SignalingPort
		out.RoomID = o.RoomID
		out.ClientID = o.ClientID
		out.AuthToken = o.AuthToken
		out.P2PUsername = o.P2PUsername
		out.P2PPassword = o.P2PPassword
		out.ReflexServers = o.ReflexServers
		out.StreamingParams = ackIn.StreamingParams
		out.TransportType = ackIn.TransportType
	} else {
		c.orders.CloseFromControlled(context.Background(), o.RoomID, own.DeviceID)
	}
	if !c.peerSend.Send(peerConn, &wire.Message{Type: msg.TypeRequestConnectionAck, Body: out}) {
		c.log.Warn("forward request connection ack failed", "room_id", o.RoomID)
	}
	return nil
}

func (c *Controlled) handleCloseConnection(connID uint64, body any) *wire.Message {
	req, ok := body.(*msg.CloseConnection)
	if !ok {
		return nil
	}
	own, ok := c.sessions.SessionByConnID(connID)
	if !ok || own.Status != session.StatusDeviceLogged {
		return nil
	}
	if !c.orders.CloseFromControlled(context.Background(), req.RoomID, own.DeviceID) {
		c.log.Warn("close connection ignored",
			"conn_id", connID,
			"room_id", req.RoomID,
			"device_id", own.DeviceID)
	}
	return nil
}

func (c *Controlled) handleKeepAlive(connID uint64, body any) *wire.Message {
	return &wire.Message{Type: msg.TypeKeepAliveAck, Body: &msg.KeepAliveAck{}}
}

// OnlineCount exposes the live session total for the statistics surface.
func (c *Controlled) OnlineCount() int {
	return c.sessions.Count()
}
