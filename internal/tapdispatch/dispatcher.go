// Package tapdispatch provides a single goroutine which runs posted tasks
// serially, in post order. It's the "admin thread" of the tap registry: state
// owned by the dispatcher is only ever touched from tasks, so it needs no
// locks.
package tapdispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when posting to a closed dispatcher.
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher runs tasks on a single goroutine.
type Dispatcher struct {
	queue   *queue[func()]
	signal  chan struct{}
	stopc   chan struct{}
	donec   chan struct{}
	closed  atomic.Bool
	stopped sync.Once
}

// New starts and returns a dispatcher. Callers must eventually call Close.
func New() *Dispatcher {
	d := &Dispatcher{
		queue:  newQueue[func()](),
		signal: make(chan struct{}, 1),
		stopc:  make(chan struct{}),
		donec:  make(chan struct{}),
	}
	go d.loop()
	return d
}

// Post enqueues fn to run on the dispatcher goroutine, and returns immediately.
// Tasks run in the order they were posted. Post returns false, and fn never
// runs, if the dispatcher is closed.
func (d *Dispatcher) Post(fn func()) bool {
	if d.closed.Load() {
		return false
	}
	d.queue.push(fn)
	select {
	case d.signal <- struct{}{}:
	default: // already signaled
	}
	return true
}

// Do posts fn and waits for it to complete. If ctx is canceled first, Do
// returns ctx.Err, but fn may still run later. Do must not be called from the
// dispatcher goroutine itself, as it would deadlock.
func (d *Dispatcher) Do(ctx context.Context, fn func()) error {
	ranc := make(chan struct{})
	if !d.Post(func() { defer close(ranc); fn() }) {
		return ErrClosed
	}
	select {
	case <-ranc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.donec:
		select {
		case <-ranc: // ran during the final drain
			return nil
		default:
			return ErrClosed
		}
	}
}

// Pending returns the approximate number of queued tasks.
func (d *Dispatcher) Pending() int {
	return int(d.queue.len())
}

// Close stops accepting new tasks, runs every task already queued, and waits
// for the dispatcher goroutine to exit. Close is idempotent.
func (d *Dispatcher) Close() {
	d.stopped.Do(func() {
		d.closed.Store(true)
		close(d.stopc)
	})
	<-d.donec
}

func (d *Dispatcher) loop() {
	defer close(d.donec)
	for {
		select {
		case <-d.signal:
			d.drain()
		case <-d.stopc:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		fn, ok := d.queue.pop()
		if !ok {
			return
		}
		fn()
	}
}
