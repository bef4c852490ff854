// Package order owns the lifecycle of rendezvous orders: the credential
// bundle minted when a controlling device asks to reach a controlled one,
// alive until either side closes the connection or logs out.
package order

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avaropoint/rendezvous/internal/security"
	"github.com/avaropoint/rendezvous/internal/store"
)

// Finish reasons recorded with every completed order.
const (
	ReasonControlledClose   = "controlled_close"
	ReasonControllingClose  = "controlling_close"
	ReasonControlledLogout  = "controlled_logout"
	ReasonControllingLogout = "controlling_logout"
)

// ErrDeviceBusy means one of the two devices already has an active order.
var ErrDeviceBusy = errors.New("order: device already in an active order")

const (
	p2pUsernameLen = 6
	p2pPasswordLen = 20
)

// Order is the credential bundle for one controlling/controlled pairing.
// Orders are immutable once minted.
type Order struct {
	FromDeviceID    int64
	ToDeviceID      int64
	ClientRequestID int64
	RoomID          string
	ServiceID       string
	ClientID        string
	AuthToken       string
	P2PUsername     string
	P2PPassword     string
	SignalingHost   string
	SignalingPort   int
	RelayServer     string
	ReflexServers   []string
	CreatedAt       time.Time
}

// Config carries the deployment-level values stamped into every order.
type Config struct {
	SignalingHost string
	SignalingPort int
	Relays        []string
	Reflexes      []string
}

// Broker tracks active orders and enforces the one-active-order-per-device
// rule on both the controlling and controlled side.
type Broker struct {
	cfg     Config
	plat    *security.Platform
	history store.OrderHistoryStore
	log     *slog.Logger

	mu     sync.Mutex
	byFrom map[int64]*Order
	byTo   map[int64]*Order
	byRoom map[string]*Order
}

func NewBroker(cfg Config, plat *security.Platform, history store.OrderHistoryStore, log *slog.Logger) *Broker {
	return &Broker{
		cfg:     cfg,
		plat:    plat,
		history: history,
		log:     log.With("component", "order"),
		byFrom:  make(map[int64]*Order),
		byTo:    make(map[int64]*Order),
		byRoom:  make(map[string]*Order),
	}
}

// NewOrder mints credentials for fromDeviceID controlling toDeviceID. The
// existence check and the insert happen under one lock, so two racing
// requests for the same device cannot both succeed.
func (b *Broker) NewOrder(fromDeviceID, toDeviceID, clientRequestID int64) (*Order, error) {
	roomID := uuid.NewString()
	clientID := uuid.NewString()
	o := &Order{
		FromDeviceID:    fromDeviceID,
		ToDeviceID:      toDeviceID,
		ClientRequestID: clientRequestID,
		RoomID:          roomID,
		ServiceID:       uuid.NewString(),
		ClientID:        clientID,
		AuthToken:       b.plat.SignRoomToken(roomID, clientID),
		P2PUsername:     security.RandomAlphanumeric(p2pUsernameLen),
		P2PPassword:     security.RandomAlphanumeric(p2pPasswordLen),
		SignalingHost:   b.cfg.SignalingHost,
		SignalingPort:   b.cfg.SignalingPort,
		ReflexServers:   slices.Clone(b.cfg.Reflexes),
		CreatedAt:       time.Now().UTC(),
	}
	if len(b.cfg.Relays) > 0 {
		o.RelayServer = b.cfg.Relays[0]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.byFrom[fromDeviceID]; busy {
		return nil, ErrDeviceBusy
	}
	if _, busy := b.byTo[toDeviceID]; busy {
		return nil, ErrDeviceBusy
	}
	b.byFrom[fromDeviceID] = o
	b.byTo[toDeviceID] = o
	b.byRoom[roomID] = o
	return o, nil
}

// OrderByControlledDevice returns the active order whose controlled side is
// deviceID.
func (b *Broker) OrderByControlledDevice(deviceID int64) (*Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byTo[deviceID]
	return o, ok
}

// CloseFromControlled tears down the order for roomID if its controlled side
// is deviceID. Reports whether an order was closed.
func (b *Broker) CloseFromControlled(ctx context.Context, roomID string, deviceID int64) bool {
	return b.closeRoom(ctx, roomID, deviceID, false, ReasonControlledClose)
}

// CloseFromControlling tears down the order for roomID if its controlling
// side is deviceID. Reports whether an order was closed.
func (b *Broker) CloseFromControlling(ctx context.Context, roomID string, deviceID int64) bool {
	return b.closeRoom(ctx, roomID, deviceID, true, ReasonControllingClose)
}

func (b *Broker) closeRoom(ctx context.Context, roomID string, deviceID int64, controlling bool, reason string) bool {
	b.mu.Lock()
	o, ok := b.byRoom[roomID]
	if ok {
		side := o.ToDeviceID
		if controlling {
			side = o.FromDeviceID
		}
		if side != deviceID {
			ok = false
		}
	}
	if ok {
		b.removeLocked(o)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.finish(ctx, o, reason)
	return true
}

// ControlledDeviceLogout tears down the order held by a controlled device
// that dropped off. Safe to call when no order exists.
func (b *Broker) ControlledDeviceLogout(ctx context.Context, deviceID int64) bool {
	b.mu.Lock()
	o, ok := b.byTo[deviceID]
	if ok {
		b.removeLocked(o)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.finish(ctx, o, ReasonControlledLogout)
	return true
}

// ControllingDeviceLogout tears down the order held by a controlling device
// that dropped off. Safe to call when no order exists.
func (b *Broker) ControllingDeviceLogout(ctx context.Context, deviceID int64) bool {
	b.mu.Lock()
	o, ok := b.byFrom[deviceID]
	if ok {
		b.removeLocked(o)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.finish(ctx, o, ReasonControllingLogout)
	return true
}

// ActiveCount returns the number of live orders.
func (b *Broker) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byRoom)
}

func (b *Broker) removeLocked(o *Order) {
	delete(b.byFrom, o.FromDeviceID)
	delete(b.byTo, o.ToDeviceID)
	delete(b.byRoom, o.RoomID)
}

func (b *Broker) finish(ctx context.Context, o *Order, reason string) {
	rec := &store.OrderRecord{
		FromDeviceID:    o.FromDeviceID,
		ToDeviceID:      o.ToDeviceID,
		ClientRequestID: o.ClientRequestID,
		SignalingHost:   o.SignalingHost,
		SignalingPort:   o.SignalingPort,
		RoomID:          o.RoomID,
		ServiceID:       o.ServiceID,
		ClientID:        o.ClientID,
		AuthToken:       o.AuthToken,
		P2PUsername:     o.P2PUsername,
		P2PPassword:     o.P2PPassword,
		RelayServer:     o.RelayServer,
		ReflexServers:   o.ReflexServers,
		CreatedAt:       o.CreatedAt,
		FinishedAt:      time.Now().UTC(),
		FinishReason:    reason,
	}
	if err := b.history.Record(ctx, rec); err != nil {
		b.log.Error("record finished order", "room_id", o.RoomID, "err", err)
	}
	b.log.Info("order finished",
		"room_id", o.RoomID,
		"from_device_id", o.FromDeviceID,
		"to_device_id", o.ToDeviceID,
		"reason", reason)
}
