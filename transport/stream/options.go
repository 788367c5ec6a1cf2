//go:build unix

package stream

import (
	"github.com/sagernet/sing-socket/common/dispatch"
	"github.com/sagernet/sing-socket/common/poll"

	"github.com/sirupsen/logrus"
)

type options struct {
	delegate      any
	delegateQueue *dispatch.Queue
	poller        *poll.Poller
	logger        logrus.Ext1FieldLogger
	readChunkSize int
	onRead        func(input *Input, n int)
	onClose       func(input *Input)
	onInputError  func(input *Input, err error)
	onWrite       func(output *Output, n int)
	onOutputError func(output *Output, err error)
}

type Option func(*options)

// WithDelegate sets an observer implementing any of the Input or Output
// handler interfaces. Callbacks set with OnRead, OnClose, OnWrite and the
// error options are called in addition to it.
func WithDelegate(delegate any) Option {
	return func(o *options) {
		o.delegate = delegate
	}
}

func WithDelegateQueue(queue *dispatch.Queue) Option {
	return func(o *options) {
		o.delegateQueue = queue
	}
}

func WithPoller(poller *poll.Poller) Option {
	return func(o *options) {
		o.poller = poller
	}
}

func WithLogger(logger logrus.Ext1FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithReadChunkSize(size int) Option {
	return func(o *options) {
		o.readChunkSize = size
	}
}

func OnRead(callback func(input *Input, n int)) Option {
	return func(o *options) {
		o.onRead = callback
	}
}

// OnClose is called once the input reaches end of file or is closed.
func OnClose(callback func(input *Input)) Option {
	return func(o *options) {
		o.onClose = callback
	}
}

func OnInputError(callback func(input *Input, err error)) Option {
	return func(o *options) {
		o.onInputError = callback
	}
}

func OnWrite(callback func(output *Output, n int)) Option {
	return func(o *options) {
		o.onWrite = callback
	}
}

func OnOutputError(callback func(output *Output, err error)) Option {
	return func(o *options) {
		o.onOutputError = callback
	}
}
