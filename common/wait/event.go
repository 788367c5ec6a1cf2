// Package wait lets a goroutine block until an asynchronously raised event
// occurs. Each Event carries an occurrence counter; a waiter snapshots the
// counter and returns once it advances, the wait is released, or it times out.
//
// Waiting from the goroutine that raises the event (for example from inside a
// delegate callback or a task on the raising entity's own queue) deadlocks
// until the timeout and must not be done.
package wait

import (
	"context"
	"sync"
	"time"
)

type Outcome uint8

const (
	TimedOut Outcome = iota
	Occurred
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Occurred:
		return "occurred"
	case Cancelled:
		return "cancelled"
	default:
		return "timed out"
	}
}

type Event struct {
	access sync.Mutex
	count  uint64
	epoch  uint64
	notify chan struct{}
}

func (e *Event) channel() chan struct{} {
	if e.notify == nil {
		e.notify = make(chan struct{})
	}
	return e.notify
}

func (e *Event) broadcast() {
	if e.notify != nil {
		close(e.notify)
		e.notify = nil
	}
}

// Signal records one occurrence and wakes every waiter.
func (e *Event) Signal() {
	e.access.Lock()
	e.count++
	e.broadcast()
	e.access.Unlock()
}

// Release wakes every pending waiter with Cancelled. Later waits are unaffected.
func (e *Event) Release() {
	e.access.Lock()
	e.epoch++
	e.broadcast()
	e.access.Unlock()
}

func (e *Event) Count() uint64 {
	e.access.Lock()
	defer e.access.Unlock()
	return e.count
}

// Ticket is a snapshot of an Event taken at wait start.
type Ticket struct {
	event  *Event
	count  uint64
	epoch  uint64
	notify chan struct{}
}

// Ticket snapshots the event so that a later Await on it observes every
// occurrence signalled after this call. Owners take it while holding the lock
// under which they signal, closing the gap between checking their own state
// and starting to wait.
func (e *Event) Ticket() Ticket {
	e.access.Lock()
	defer e.access.Unlock()
	return Ticket{
		event:  e,
		count:  e.count,
		epoch:  e.epoch,
		notify: e.channel(),
	}
}

// Wait blocks for the next occurrence and reports whether it happened
// before the timeout. A cancelled wait reports false.
func (e *Event) Wait(timeout time.Duration) bool {
	return e.Await(timeout) == Occurred
}

func (e *Event) Await(timeout time.Duration) Outcome {
	return e.Ticket().Await(timeout)
}

// AwaitContext is Await bounded by ctx instead of a timeout.
func (e *Event) AwaitContext(ctx context.Context) Outcome {
	return e.Ticket().AwaitContext(ctx)
}

func (t Ticket) Await(timeout time.Duration) Outcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return t.await(timer.C, nil)
}

func (t Ticket) AwaitContext(ctx context.Context) Outcome {
	return t.await(nil, ctx.Done())
}

func (t Ticket) await(timeout <-chan time.Time, done <-chan struct{}) Outcome {
	e := t.event
	notify := t.notify
	for {
		select {
		case <-notify:
		case <-timeout:
			return TimedOut
		case <-done:
			return TimedOut
		}
		e.access.Lock()
		switch {
		case e.count != t.count:
			e.access.Unlock()
			return Occurred
		case e.epoch != t.epoch:
			e.access.Unlock()
			return Cancelled
		}
		notify = e.channel()
		e.access.Unlock()
	}
}
