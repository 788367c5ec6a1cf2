//go:build unix

package stream

import (
	"context"
	"sync"
	"time"

	"github.com/sagernet/sing-socket/common/dispatch"
	"github.com/sagernet/sing-socket/common/lineio"
	"github.com/sagernet/sing-socket/common/reactor"
	"github.com/sagernet/sing-socket/common/wait"
)

type Output struct {
	fd      int
	conn    *reactor.Conn
	onWrite func(output *Output, n int)
	onError func(output *Output, err error)

	access   sync.RWMutex
	delegate any
	opened   bool
}

func NewOutput(fd int, opts ...Option) *Output {
	var o options
	for _, option := range opts {
		option(&o)
	}
	output := &Output{
		fd:       fd,
		onWrite:  o.onWrite,
		onError:  o.onOutputError,
		delegate: o.delegate,
	}
	output.conn = reactor.New(reactorOptions(o, "output", reactor.ModeWriteOnly), output.deliver)
	return output
}

func (o *Output) Open() error {
	o.access.Lock()
	defer o.access.Unlock()
	if o.opened {
		if o.conn.State() != reactor.StateDisconnected {
			return reactor.ErrAlreadyConnected
		}
		return ErrClosed
	}
	o.opened = true
	return o.conn.Attach(o.fd)
}

func (o *Output) Close() error {
	return o.conn.Close()
}

func (o *Output) FD() int {
	return o.fd
}

func (o *Output) State() reactor.State {
	return o.conn.State()
}

func (o *Output) Delegate() any {
	o.access.RLock()
	defer o.access.RUnlock()
	return o.delegate
}

func (o *Output) SetDelegate(delegate any) {
	o.access.Lock()
	o.delegate = delegate
	o.access.Unlock()
}

func (o *Output) DelegateQueue() *dispatch.Queue {
	return o.conn.DelegateQueue()
}

func (o *Output) SetDelegateQueue(queue *dispatch.Queue) {
	o.conn.SetDelegateQueue(queue)
}

// Write queues data and returns at once.
func (o *Output) Write(data []byte) error {
	return o.conn.Write(data)
}

func (o *Output) WriteLine(text string, separator string, encoding lineio.Encoding) error {
	return o.conn.WriteLine(text, separator, encoding)
}

// WaitForWrite blocks until every queued byte has been written. It must not
// be called from a delegate callback.
func (o *Output) WaitForWrite(timeout time.Duration) bool {
	return o.conn.Await(wait.WriteFlushed, timeout) == wait.Occurred
}

func (o *Output) WaitForWriteContext(ctx context.Context) wait.Outcome {
	return o.conn.AwaitContext(ctx, wait.WriteFlushed)
}

func (o *Output) deliver(notification reactor.Notification) {
	delegate := o.Delegate()
	switch notification.Kind {
	case reactor.NotifyWritten:
		if handler, ok := delegate.(WriteHandler); ok {
			handler.OutputWritten(o, notification.Bytes)
		}
		if o.onWrite != nil {
			o.onWrite(o, notification.Bytes)
		}
	case reactor.NotifyError:
		if handler, ok := delegate.(OutputErrorHandler); ok {
			handler.OutputError(o, notification.Err)
		}
		if o.onError != nil {
			o.onError(o, notification.Err)
		}
	}
}
