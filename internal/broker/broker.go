// Package broker implements the rendezvous business logic on top of the
// socket layer: device identity, session login, and order placement for
// the controlling and controlled listeners.
package broker

import (
	"time"

	"github.com/avaropoint/rendezvous/internal/wire"
)

// Sender pushes a message to a connection on another listener.
// *socket.Dispatcher satisfies it.
type Sender interface {
	Send(connID uint64, m *wire.Message) bool
}

// cookieMaxAge is how long an issued cookie stays valid before a
// successful login rotates it.
const cookieMaxAge = 7 * 24 * time.Hour

// packVersion folds a semantic version into one comparable integer.
func packVersion(major, minor, patch int) int {
	return major*1_000_000 + minor*1_000 + patch
}
