// Package socket implements the connection layer shared by the broker
// and signaling deployments: the framed TCP server, the per-connection
// actor that serializes inbound handling, and the dispatcher that maps
// message types to handlers across a shared worker pool.
package socket

import (
	"sync"
	"sync/atomic"
)

// Pool is a fixed set of worker goroutines draining one task channel.
// Handlers run here, never on a connection's read goroutine, so slow
// handlers cannot stall network I/O.
type Pool struct {
	tasks  chan func()
	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewPool starts a pool with the given number of workers. Submission
// blocks once the backlog fills, which backpressures the read loops.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		tasks: make(chan func(), workers*64),
		quit:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.quit:
			// Drain what was already queued before stopping.
			for {
				select {
				case task := <-p.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Submit schedules a task. Tasks submitted after Close are dropped.
func (p *Pool) Submit(task func()) {
	if p.closed.Load() {
		return
	}
	select {
	case p.tasks <- task:
	case <-p.quit:
	}
}

// Close stops the workers after the queued backlog drains.
func (p *Pool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.quit)
	}
	p.wg.Wait()
}
