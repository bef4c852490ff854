package socket

import (
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"

	"github.com/avaropoint/rendezvous/internal/wire"
)

// Handler processes one inbound message for a connection. A non-nil
// return value is sent back on the same connection. Handlers for one
// connection never run concurrently with each other.
type Handler func(connID uint64, body any) *wire.Message

// LifecycleFunc observes a connection lifecycle event.
type LifecycleFunc func(connID uint64)

// Event is a connection lifecycle event.
type Event int

const (
	EventConnected Event = iota
	EventClosed
	EventUnexpectedlyClosed
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	case EventUnexpectedlyClosed:
		return "unexpectedly-closed"
	default:
		return "unknown"
	}
}

// Dispatcher routes decoded messages to registered handlers and tracks
// live connections. One dispatcher serves one listener; handler and
// lifecycle registration happens before the listener starts and is
// read-only afterwards.
type Dispatcher struct {
	registry  *wire.Registry
	pool      *Pool
	log       *slog.Logger
	handlers  map[uint32]Handler
	lifecycle map[Event]LifecycleFunc

	mu    sync.RWMutex
	conns map[uint64]*Conn
}

func NewDispatcher(registry *wire.Registry, pool *Pool, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		pool:      pool,
		log:       log,
		handlers:  make(map[uint32]Handler),
		lifecycle: make(map[Event]LifecycleFunc),
		conns:     make(map[uint64]*Conn),
	}
}

// RegisterHandler maps a message type to its handler. Duplicate
// registration is a wiring bug and fails at startup.
func (d *Dispatcher) RegisterHandler(msgType uint32, h Handler) error {
	if _, dup := d.handlers[msgType]; dup {
		return fmt.Errorf("socket: handler for message type %d already registered", msgType)
	}
	d.handlers[msgType] = h
	return nil
}

// RegisterLifecycle maps a lifecycle event to its handler. At most one
// handler per event.
func (d *Dispatcher) RegisterLifecycle(ev Event, fn LifecycleFunc) error {
	if _, dup := d.lifecycle[ev]; dup {
		return fmt.Errorf("socket: lifecycle handler for %s already registered", ev)
	}
	d.lifecycle[ev] = fn
	return nil
}

// ServeConn runs the socket protocol over an accepted transport
// connection. The dispatcher takes ownership of nc. The connection is
// addressable through Send before either loop starts. Returns the
// connection actor so the accept loop (or a test) can close it.
func (d *Dispatcher) ServeConn(nc net.Conn) *Conn {
	c := newConn(d, nc)
	d.mu.Lock()
	d.conns[c.ID] = c
	d.mu.Unlock()
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Send delivers a message to a connection by ID. Returns false when
// the connection is gone; callers treat that the same as a send to a
// peer that disconnected mid-flight.
func (d *Dispatcher) Send(connID uint64, m *wire.Message) bool {
	d.mu.RLock()
	c, ok := d.conns[connID]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	c.Send(m)
	return true
}

// ConnCount reports the number of live connections.
func (d *Dispatcher) ConnCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// dispatch runs on the worker pool, one call at a time per connection.
func (d *Dispatcher) dispatch(c *Conn, m *wire.Message) {
	h, ok := d.handlers[m.Type]
	if !ok {
		d.log.Warn("no handler for message type", "conn", c.ID, "type", m.Type)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", "conn", c.ID, "type", m.Type,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	if resp := h(c.ID, m.Body); resp != nil {
		c.Send(resp)
	}
}

func (d *Dispatcher) onConnected(c *Conn) {
	d.log.Debug("connection accepted", "conn", c.ID)
	if fn := d.lifecycle[EventConnected]; fn != nil {
		c.enqueue(func() { d.runLifecycle(EventConnected, fn, c.ID) })
	}
}

func (d *Dispatcher) onClosed(c *Conn, unexpected bool) {
	d.mu.Lock()
	delete(d.conns, c.ID)
	d.mu.Unlock()
	ev := EventClosed
	if unexpected {
		ev = EventUnexpectedlyClosed
	}
	d.log.Debug("connection closed", "conn", c.ID, "event", ev.String())
	if fn := d.lifecycle[ev]; fn != nil {
		c.enqueue(func() { d.runLifecycle(ev, fn, c.ID) })
	}
}

func (d *Dispatcher) runLifecycle(ev Event, fn LifecycleFunc, connID uint64) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("lifecycle handler panicked", "conn", connID,
				"event", ev.String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(connID)
}
