// Package session tracks live device sessions for one role of the
// rendezvous broker. The broker runs two independent registries, one
// for controlling devices and one for controlled devices; a device ID
// may appear in both without conflict.
package session

import "sync"

// Status is the per-connection session state machine:
// Connected -> DeviceLogged -> Disconnected (terminal).
type Status int

const (
	StatusConnected Status = iota
	StatusDeviceLogged
	StatusDisconnected
)

// Session is a read-only snapshot of a live session. The registry
// never hands out its mutable records.
type Session struct {
	ConnID       uint64
	DeviceID     int64
	Status       Status
	AllowControl bool
	Version      int
	OS           string
}

type record struct {
	connID       uint64
	deviceID     int64
	status       Status
	allowControl bool
	version      int
	os           string
}

// Registry maps connections to sessions and logged-in device IDs to
// connections. All compound operations run under one lock.
type Registry struct {
	mu        sync.Mutex
	byConn    map[uint64]*record
	connByDev map[int64]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:    make(map[uint64]*record),
		connByDev: make(map[int64]uint64),
	}
}

// AddSession creates a session in Connected state. A session that
// already exists for the connection is left untouched.
func (r *Registry) AddSession(connID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byConn[connID]; exists {
		return
	}
	r.byConn[connID] = &record{connID: connID, status: StatusConnected}
}

// LoginDevice binds a device identity to the connection's session.
// Fails when the session is missing or not in Connected state (a
// second login on the same connection is a state conflict). The device
// ID mapping is last-login-wins: a stale mapping from an earlier
// connection is overwritten, but that connection is not closed here.
func (r *Registry) LoginDevice(connID uint64, deviceID int64, allowControl bool, version int, os string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byConn[connID]
	if !ok || rec.status != StatusConnected {
		return false
	}
	rec.deviceID = deviceID
	rec.allowControl = allowControl
	rec.version = version
	rec.os = os
	rec.status = StatusDeviceLogged
	r.connByDev[deviceID] = connID
	return true
}

// RemoveSession drops the session for a connection. Returns the logged
// device ID and true when a device was logged in, otherwise 0, false.
// The device mapping is only removed when it still points at this
// connection, so a newer login from another connection survives.
func (r *Registry) RemoveSession(connID uint64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byConn[connID]
	if !ok {
		return 0, false
	}
	delete(r.byConn, connID)
	rec.status = StatusDisconnected
	if rec.deviceID == 0 {
		return 0, false
	}
	if current, ok := r.connByDev[rec.deviceID]; ok && current == connID {
		delete(r.connByDev, rec.deviceID)
	}
	return rec.deviceID, true
}

// SessionByConnID returns a snapshot of the session for a connection.
func (r *Registry) SessionByConnID(connID uint64) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byConn[connID]
	if !ok {
		return Session{}, false
	}
	return snapshot(rec), true
}

// SessionByDeviceID returns a snapshot of the session a logged-in
// device currently owns.
func (r *Registry) SessionByDeviceID(deviceID int64) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.connByDev[deviceID]
	if !ok {
		return Session{}, false
	}
	rec, ok := r.byConn[connID]
	if !ok {
		return Session{}, false
	}
	return snapshot(rec), true
}

// ConnIDByDeviceID resolves the live connection for a logged-in
// device.
func (r *Registry) ConnIDByDeviceID(deviceID int64) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.connByDev[deviceID]
	return connID, ok
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

func snapshot(rec *record) Session {
	return Session{
		ConnID:       rec.connID,
		DeviceID:     rec.deviceID,
		Status:       rec.status,
		AllowControl: rec.allowControl,
		Version:      rec.version,
		OS:           rec.os,
	}
}
