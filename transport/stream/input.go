//go:build unix

// Package stream adapts one-directional descriptors such as pipes to the
// buffered reactor: Input reads, Output writes.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/sagernet/sing-socket/common/dispatch"
	E "github.com/sagernet/sing-socket/common/exceptions"
	"github.com/sagernet/sing-socket/common/lineio"
	"github.com/sagernet/sing-socket/common/log"
	"github.com/sagernet/sing-socket/common/reactor"
	"github.com/sagernet/sing-socket/common/wait"
)

var ErrClosed = E.New("stream closed")

type Input struct {
	fd      int
	conn    *reactor.Conn
	onRead  func(input *Input, n int)
	onClose func(input *Input)
	onError func(input *Input, err error)

	access   sync.RWMutex
	delegate any
	opened   bool
}

// NewInput wraps fd, which is not touched until Open.
func NewInput(fd int, opts ...Option) *Input {
	var o options
	for _, option := range opts {
		option(&o)
	}
	input := &Input{
		fd:       fd,
		onRead:   o.onRead,
		onClose:  o.onClose,
		onError:  o.onInputError,
		delegate: o.delegate,
	}
	input.conn = reactor.New(reactorOptions(o, "input", reactor.ModeReadOnly), input.deliver)
	return input
}

func reactorOptions(o options, label string, mode reactor.Mode) reactor.Options {
	logger := o.logger
	if logger == nil {
		logger = log.NewLogger(label)
	}
	return reactor.Options{
		Label:         label,
		Mode:          mode,
		Poller:        o.poller,
		DelegateQueue: o.delegateQueue,
		ReadChunkSize: o.readChunkSize,
		Logger:        logger,
	}
}

// Open starts reading. A stream can be opened once; the descriptor is closed
// with the stream.
func (i *Input) Open() error {
	i.access.Lock()
	defer i.access.Unlock()
	if i.opened {
		if i.conn.State() != reactor.StateDisconnected {
			return reactor.ErrAlreadyConnected
		}
		return ErrClosed
	}
	i.opened = true
	return i.conn.Attach(i.fd)
}

func (i *Input) Close() error {
	return i.conn.Close()
}

func (i *Input) FD() int {
	return i.fd
}

func (i *Input) State() reactor.State {
	return i.conn.State()
}

func (i *Input) Delegate() any {
	i.access.RLock()
	defer i.access.RUnlock()
	return i.delegate
}

func (i *Input) SetDelegate(delegate any) {
	i.access.Lock()
	i.delegate = delegate
	i.access.Unlock()
}

func (i *Input) DelegateQueue() *dispatch.Queue {
	return i.conn.DelegateQueue()
}

func (i *Input) SetDelegateQueue(queue *dispatch.Queue) {
	i.conn.SetDelegateQueue(queue)
}

func (i *Input) BytesAvailable() int {
	return i.conn.BytesAvailable()
}

func (i *Input) ReadToLength(length int) []byte {
	return i.conn.ReadToLength(length)
}

func (i *Input) CanReadLine(separator string, encoding lineio.Encoding) bool {
	return i.conn.CanReadLine(separator, encoding)
}

func (i *Input) ReadLine(separator string, encoding lineio.Encoding) (string, error) {
	return i.conn.ReadLine(separator, encoding)
}

func (i *Input) SkipLine(separator string, encoding lineio.Encoding) int {
	return i.conn.SkipLine(separator, encoding)
}

func (i *Input) ReadLineContext(ctx context.Context, separator string, encoding lineio.Encoding) (string, error) {
	return i.conn.ReadLineContext(ctx, separator, encoding)
}

// WaitForRead blocks until more data arrives or the timeout elapses. It must
// not be called from a delegate callback.
func (i *Input) WaitForRead(timeout time.Duration) bool {
	return i.conn.Await(wait.Readable, timeout) == wait.Occurred
}

func (i *Input) WaitForReadContext(ctx context.Context) wait.Outcome {
	return i.conn.AwaitContext(ctx, wait.Readable)
}

// WaitForClose blocks until the input is closed or reaches end of file.
func (i *Input) WaitForClose(timeout time.Duration) bool {
	return i.conn.Await(wait.Disconnected, timeout) == wait.Occurred
}

func (i *Input) deliver(notification reactor.Notification) {
	delegate := i.Delegate()
	switch notification.Kind {
	case reactor.NotifyReceived:
		if handler, ok := delegate.(ReadHandler); ok {
			handler.InputReceived(i, notification.Bytes)
		}
		if i.onRead != nil {
			i.onRead(i, notification.Bytes)
		}
	case reactor.NotifyDisconnected:
		if handler, ok := delegate.(CloseHandler); ok {
			handler.InputClosed(i)
		}
		if i.onClose != nil {
			i.onClose(i)
		}
	case reactor.NotifyError:
		if handler, ok := delegate.(InputErrorHandler); ok {
			handler.InputError(i, notification.Err)
		}
		if i.onError != nil {
			i.onError(i, notification.Err)
		}
	}
}
