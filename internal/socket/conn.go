package socket

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/avaropoint/rendezvous/internal/wire"
)

// Status of a connection. A connection goes Connected exactly once and
// Closed exactly once; there is no reopen.
type Status int

const (
	StatusConnected Status = iota
	StatusClosed
)

// connCounter issues process-unique connection IDs. IDs are never
// reused within a process lifetime.
var connCounter atomic.Uint64

// sendQueueDepth bounds the outbound message queue per connection.
const sendQueueDepth = 64

// Conn is one logical connection. Inbound messages are handled in
// arrival order with at most one handler in flight, enforced by the
// busy flag and pending queue below. Outbound messages funnel through
// a single writer goroutine so frames never interleave.
type Conn struct {
	ID uint64

	d  *Dispatcher
	nc net.Conn

	sendCh    chan *wire.Message
	closedCh  chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	status  Status
	busy    bool
	pending []func()
}

func newConn(d *Dispatcher, nc net.Conn) *Conn {
	return &Conn{
		ID:       connCounter.Add(1),
		d:        d,
		nc:       nc,
		sendCh:   make(chan *wire.Message, sendQueueDepth),
		closedCh: make(chan struct{}),
		status:   StatusConnected,
	}
}

// Status reports the connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Send queues a message for transmission. Safe to call from any
// goroutine; messages to a closed connection are silently dropped,
// matching the transport's best-effort contract.
func (c *Conn) Send(m *wire.Message) {
	select {
	case <-c.closedCh:
	case c.sendCh <- m:
	}
}

// enqueue schedules one unit of per-connection work. If no task is in
// flight it goes straight to the pool; otherwise it waits in the
// pending queue and runs after its predecessor completes. This is the
// only ordering synchronization point and it is O(1).
func (c *Conn) enqueue(task func()) {
	c.mu.Lock()
	if c.busy {
		c.pending = append(c.pending, task)
		c.mu.Unlock()
		return
	}
	c.busy = true
	c.mu.Unlock()
	c.d.pool.Submit(func() { c.run(task) })
}

// run executes a task and then drains the pending queue on the same
// worker. Continuations never go back through Submit: a worker that
// blocked there would starve the pool once enough connections are busy
// at once.
func (c *Conn) run(task func()) {
	for {
		task()
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.busy = false
			c.mu.Unlock()
			return
		}
		task = c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
	}
}

// writeLoop is the connection's single writer.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closedCh:
			return
		case m := <-c.sendCh:
			pkt, err := wire.EncodeMessage(m)
			if err != nil {
				c.d.log.Warn("encode outbound message failed", "conn", c.ID, "type", m.Type, "err", err)
				continue
			}
			if _, err := c.nc.Write(wire.EncodePacket(pkt)); err != nil {
				c.d.log.Debug("write failed", "conn", c.ID, "err", err)
				c.close(true)
				return
			}
		}
	}
}

// readLoop accumulates bytes and feeds complete frames through the
// decoder registry into the per-connection queue. It owns the
// Connected lifecycle event so the event is enqueued before any
// message handled on this connection.
func (c *Conn) readLoop() {
	c.d.onConnected(c)

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := c.nc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				pkt, consumed, decErr := wire.DecodePacket(buf)
				if decErr != nil {
					// Corrupted stream, no resync possible.
					c.d.log.Warn("framing error, closing connection", "conn", c.ID, "err", decErr)
					c.close(true)
					return
				}
				if pkt == nil {
					break
				}
				buf = buf[consumed:]
				c.handlePacket(pkt)
			}
		}
		if err != nil {
			unexpected := !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed)
			c.close(unexpected)
			return
		}
	}
}

func (c *Conn) handlePacket(pkt *wire.Packet) {
	m, err := c.d.registry.Decode(pkt)
	if err != nil {
		// Unknown type or malformed body: drop the message, keep
		// the connection.
		c.d.log.Warn("dropping undecodable message", "conn", c.ID, "err", err)
		return
	}
	c.enqueue(func() { c.d.dispatch(c, m) })
}

// Close shuts the connection down cleanly.
func (c *Conn) Close() {
	c.close(false)
}

func (c *Conn) close(unexpected bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.status = StatusClosed
		c.mu.Unlock()
		close(c.closedCh)
		_ = c.nc.Close()
		c.d.onClosed(c, unexpected)
	})
}
