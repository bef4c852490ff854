// Package store defines the persistence collaborators consumed by the
// rendezvous core: the device-ID pool and the order history. All
// implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrPoolExhausted means the unused device-ID pool is empty. The
// broker surfaces this as a "no identity available" acknowledgement
// and does not retry.
var ErrPoolExhausted = errors.New("store: device id pool exhausted")

// ErrNotFound reports a lookup miss.
var ErrNotFound = errors.New("store: not found")

// DeviceIDStore owns the finite device-ID pool and the cookie attached
// to each issued identity.
type DeviceIDStore interface {
	// Allocate moves the next ID out of the unused pool and issues a
	// fresh cookie for it.
	Allocate(ctx context.Context) (deviceID int64, cookie string, err error)
	// Lookup returns the cookie and its last rotation time for an
	// issued device ID.
	Lookup(ctx context.Context, deviceID int64) (cookie string, updatedAt time.Time, err error)
	// UpdateCookie rotates the cookie for an issued device ID.
	UpdateCookie(ctx context.Context, deviceID int64, cookie string) error
}

// OrderRecord is the persistent trace of one finished order, kept for
// the statistics endpoint. Credentials are stored but never served.
type OrderRecord struct {
	FromDeviceID    int64     `json:"from_device_id"`
	ToDeviceID      int64     `json:"to_device_id"`
	ClientRequestID int64     `json:"client_request_id"`
	SignalingHost   string    `json:"signaling_host"`
	SignalingPort   int       `json:"signaling_port"`
	RoomID          string    `json:"room_id"`
	ServiceID       string    `json:"service_id"`
	ClientID        string    `json:"client_id"`
	AuthToken       string    `json:"-"`
	P2PUsername     string    `json:"-"`
	P2PPassword     string    `json:"-"`
	RelayServer     string    `json:"relay_server"`
	ReflexServers   []string  `json:"reflex_servers"`
	CreatedAt       time.Time `json:"created_at"`
	FinishedAt      time.Time `json:"finished_at"`
	FinishReason    string    `json:"finish_reason"`
}

// OrderHistoryStore records finished orders and serves history pages.
type OrderHistoryStore interface {
	Record(ctx context.Context, rec *OrderRecord) error
	Query(ctx context.Context, offset, limit int) ([]*OrderRecord, error)
	Count(ctx context.Context) (int, error)
}
