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

// Controlling serves the listener used by devices that initiate remote
// control. Login is lenient here: a stale or unknown identity is replaced
// with a freshly allocated one inside the acknowledgement.
type Controlling struct {
	sessions     *session.Registry
	peerSessions *session.Registry
	peerSend     Sender
	devices      store.DeviceIDStore
	orders       *order.Broker
	log          *slog.Logger
}

func NewControlling(sessions, peerSessions *session.Registry, peerSend Sender, devices store.DeviceIDStore, orders *order.Broker, log *slog.Logger) *Controlling {
	return &Controlling{
		sessions:     sessions,
		peerSessions: peerSessions,
		peerSend:     peerSend,
		devices:      devices,
		orders:       orders,
		log:          log.With("component", "controlling"),
	}
}

// Register wires the controller into its dispatcher.
func (c *Controlling) Register(d *socket.Dispatcher) error {
	handlers := map[uint32]socket.Handler{
		msg.TypeLoginDevice:       c.handleLoginDevice,
		msg.TypeAllocateDeviceID:  c.handleAllocateDeviceID,
		msg.TypeRequestConnection: c.handleRequestConnection,
		msg.TypeCloseConnection:   c.handleCloseConnection,
		msg.TypeKeepAlive:         c.handleKeepAlive,
	}
	for t, h := range handlers {
		if err := d.RegisterHandler(t, h); err != nil {
			return fmt.Errorf("register controlling handler %d: %w", t, err)
		}
	}
	if err := d.RegisterLifecycle(socket.EventConnected, c.onConnected); err != nil {
		return fmt.Errorf("register controlling lifecycle: %w", err)
	}
	if err := d.RegisterLifecycle(socket.EventClosed, c.onClosed); err != nil {
		return fmt.Errorf("register controlling lifecycle: %w", err)
	}
	if err := d.RegisterLifecycle(socket.EventUnexpectedlyClosed, c.onClosed); err != nil {
		return fmt.Errorf("register controlling lifecycle: %w", err)
	}
	return nil
}

func (c *Controlling) onConnected(connID uint64) {
	c.sessions.AddSession(connID)
}

func (c *Controlling) onClosed(connID uint64) {
	deviceID, logged := c.sessions.RemoveSession(connID)
	if !logged {
		return
	}
	if c.orders.ControllingDeviceLogout(context.Background(), deviceID) {
		c.log.Info("order torn down on controlling logout", "device_id", deviceID)
	}
}

func (c *Controlling) handleAllocateDeviceID(connID uint64, body any) *wire.Message {
	ack := &msg.AllocateDeviceIDAck{ErrCode: msg.Success}
	deviceID, cookie, err := c.devices.Allocate(context.Background())
	switch {
	case errors.Is(err, store.ErrPoolExhausted):
		ack.ErrCode = msg.AllocateDeviceIDNoAvailableID
		c.log.Warn("device id pool exhausted", "conn_id", connID)
	case err != nil:
		ack.ErrCode = msg.AllocateDeviceIDNoAvailableID
		c.log.Error("allocate device id", "conn_id", connID, "err", err)
	default:
		ack.DeviceID = deviceID
		ack.Cookie = cookie
	}
	return &wire.Message{Type: msg.TypeAllocateDeviceIDAck, Body: ack}
}

func (c *Controlling) handleLoginDevice(connID uint64, body any) *wire.Message {
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
	case req.Cookie != "" && req.Cookie != cookie:
		ack.ErrCode = msg.LoginDeviceInvalidCookie
	}
	if ack.ErrCode != msg.Success {
		// The connection stays in Connected state; the device adopts
		// the reissued identity and logs in again.
		c.reissueIdentity(ctx, connID, ack)
		return &wire.Message{Type: msg.TypeLoginDeviceAck, Body: ack}
	}

	// Devices predating cookie support send an empty cookie; the
	// current cookie is re-sent so they can adopt it.
	ack.NewCookie = cookie
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
	c.log.Info("controlling device logged in",
		"conn_id", connID,
		"device_id", req.DeviceID)
	return &wire.Message{Type: msg.TypeLoginDeviceAck, Body: ack}
}

// reissueIdentity allocates a replacement identity into the ack. When
// the pool cannot serve one the ack carries only the rejection code.
func (c *Controlling) reissueIdentity(ctx context.Context, connID uint64, ack *msg.LoginDeviceAck) {
	deviceID, cookie, err := c.devices.Allocate(ctx)
	if err != nil {
		c.log.Error("reissue device id", "conn_id", connID, "err", err)
		return
	}
	ack.NewDeviceID = deviceID
	ack.NewCookie = cookie
}

func (c *Controlling) handleRequestConnection(connID uint64, body any) *wire.Message {
	req, ok := body.(*msg.RequestConnection)
	if !ok {
		return nil
	}
	fail := func(code msg.ErrorCode) *wire.Message {
		return &wire.Message{Type: msg.TypeRequestConnectionAck, Body: &msg.RequestConnectionAck{
			ErrCode:   code,
			RequestID: req.RequestID,
			DeviceID:  req.DeviceID,
		}}
	}

	own, ok := c.sessions.SessionByConnID(connID)
	if !ok || own.Status != session.StatusDeviceLogged {
		return fail(msg.RequestConnectionInvalidStatus)
	}
	peer, ok := c.peerSessions.SessionByDeviceID(req.DeviceID)
	if !ok || peer.Status != session.StatusDeviceLogged || !peer.AllowControl {
		return fail(msg.RequestConnectionPeerNotOnline)
	}

	o, err := c.orders.NewOrder(own.DeviceID, req.DeviceID, req.RequestID)
	if err != nil {
		c.log.Warn("new order rejected",
			"from_device_id", own.DeviceID,
			"to_device_id", req.DeviceID,
			"err", err)
		return fail(msg.RequestConnectionCreateOrderFailed)
	}

	open := &msg.OpenConnection{
		SignalingAddr:   o.SignalingHost,
		SignalingPort:   o.SignalingPort,
		RoomID:          o.RoomID,
		ServiceID:       o.ServiceID,
		AuthToken:       o.AuthToken,
		P2PUsername:     o.P2PUsername,
		P2PPassword:     o.P2PPassword,
		ClientDeviceID:  own.DeviceID,
		AccessToken:     req.AccessToken,
		ClientVersion:   req.ClientVersion,
		RequiredVersion: req.RequiredVersion,
		StreamingParams: req.StreamingParams,
		TransportType:   req.TransportType,
		ReflexServers:   o.ReflexServers,
	}
	if o.RelayServer != "" {
		open.RelayServers = []string{o.RelayServer}
	}
	if !c.peerSend.Send(peer.ConnID, &wire.Message{Type: msg.TypeOpenConnection, Body: open}) {
		c.orders.ControlledDeviceLogout(context.Background(), req.DeviceID)
		return fail(msg.RequestConnectionPeerNotOnline)
	}
	// The real acknowledgement arrives once the controlled device
	// answers with OpenConnectionAck.
	c.log.Info("order placed",
		"room_id", o.RoomID,
		"from_device_id", own.DeviceID,
		"to_device_id", req.DeviceID)
	return nil
}

func (c *Controlling) handleCloseConnection(connID uint64, body any) *wire.Message {
	req, ok := body.(*msg.CloseConnection)
	if !ok {
		return nil
	}
	own, ok := c.sessions.SessionByConnID(connID)
	if !ok || own.Status != session.StatusDeviceLogged {
		return nil
	}
	if !c.orders.CloseFromControlling(context.Background(), req.RoomID, own.DeviceID) {
		c.log.Warn("close connection ignored",
			"conn_id", connID,
			"room_id", req.RoomID,
			"device_id", own.DeviceID)
	}
	return nil
}

func (c *Controlling) handleKeepAlive(connID uint64, body any) *wire.Message {
	return &wire.Message{Type: msg.TypeKeepAliveAck, Body: &msg.KeepAliveAck{}}
}

// OnlineCount exposes the live session total for the statistics surface.
func (c *Controlling) OnlineCount() int {
	return c.sessions.Count()
}
