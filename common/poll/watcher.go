// Package poll watches file descriptors for readiness. A Watcher is a
// one-shot subscription for one descriptor and one direction: it fires once,
// is removed, and must be armed again by its owner.
package poll

import (
	"context"
	"sync"
	"sync/atomic"

	E "github.com/sagernet/sing-socket/common/exceptions"
)

type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Handler is called on the poller goroutine when a watcher fires. It must
// not block; owners hand the work to their own queue.
type Handler interface {
	HandleFDEvent()
}

type HandlerFunc func()

func (f HandlerFunc) HandleFDEvent() {
	f()
}

var (
	ErrBusy        = E.New("poll: watcher already armed for descriptor and direction")
	ErrClosed      = E.New("poll: poller closed")
	ErrUnsupported = E.New("poll: not supported on this platform")
)

type Watcher struct {
	poller    *Poller
	fd        int
	direction Direction
	handler   Handler
	cancelled atomic.Bool
}

func (w *Watcher) FD() int {
	return w.fd
}

func (w *Watcher) Direction() Direction {
	return w.direction
}

// Cancel removes the watcher. It is idempotent. A firing already handed to
// the handler concurrently may still complete, so owners compare the watcher
// they hold with the one that fired.
func (w *Watcher) Cancel() {
	if w.cancelled.Swap(true) {
		return
	}
	w.poller.remove(w)
}

func (w *Watcher) fire() {
	if w.cancelled.Swap(true) {
		return
	}
	w.handler.HandleFDEvent()
}

var (
	defaultOnce   sync.Once
	defaultPoller *Poller
	defaultErr    error
)

// Default returns the process-wide poller, creating it on first use.
func Default() (*Poller, error) {
	defaultOnce.Do(func() {
		defaultPoller, defaultErr = NewPoller(context.Background())
	})
	return defaultPoller, defaultErr
}
