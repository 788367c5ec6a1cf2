package tcp

import (
	"context"
	"net"
	"net/netip"

	"github.com/sagernet/sing-socket/common/dispatch"
	"github.com/sagernet/sing-socket/common/poll"

	"github.com/sirupsen/logrus"
)

const DefaultBacklog = 128

// Resolver looks up the addresses of a host name. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type options struct {
	delegate      any
	delegateQueue *dispatch.Queue
	poller        *poll.Poller
	logger        logrus.Ext1FieldLogger
	resolver      Resolver
	readChunkSize int
	backlog       int
}

type Option func(*options)

func newOptions(defaults options, opts []Option) options {
	for _, option := range opts {
		option(&defaults)
	}
	if defaults.resolver == nil {
		defaults.resolver = net.DefaultResolver
	}
	if defaults.backlog <= 0 {
		defaults.backlog = DefaultBacklog
	}
	return defaults
}

// WithDelegate sets the observer that receives notifications. It may
// implement any subset of the handler interfaces of the entity.
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

func WithResolver(resolver Resolver) Option {
	return func(o *options) {
		o.resolver = resolver
	}
}

func WithReadChunkSize(size int) Option {
	return func(o *options) {
		o.readChunkSize = size
	}
}

// WithBacklog sets the listen backlog of a Server.
func WithBacklog(backlog int) Option {
	return func(o *options) {
		o.backlog = backlog
	}
}
