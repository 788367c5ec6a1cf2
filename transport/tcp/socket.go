//go:build unix

package tcp

import (
	"context"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/sagernet/sing-socket/common/dispatch"
	E "github.com/sagernet/sing-socket/common/exceptions"
	"github.com/sagernet/sing-socket/common/lineio"
	"github.com/sagernet/sing-socket/common/log"
	"github.com/sagernet/sing-socket/common/reactor"
	"github.com/sagernet/sing-socket/common/wait"

	"github.com/SentimensRG/ctx/mergectx"
	"golang.org/x/sys/unix"
)

// Socket is a buffered non-blocking TCP connection. Outbound sockets are
// created with NewSocket or Dial, inbound ones by Server.NextPendingConnection.
type Socket struct {
	host     string
	port     uint16
	resolver Resolver
	conn     *reactor.Conn

	access   sync.RWMutex
	delegate any
}

func NewSocket(host string, port uint16, opts ...Option) *Socket {
	o := newOptions(options{}, opts)
	socket := &Socket{
		host:     host,
		port:     port,
		resolver: o.resolver,
		delegate: o.delegate,
	}
	socket.conn = reactor.New(reactorOptions(o, "tcp"), socket.deliver)
	return socket
}

// NewSocketFromFD adopts an already connected descriptor.
func NewSocketFromFD(fd int, opts ...Option) (*Socket, error) {
	o := newOptions(options{}, opts)
	socket := &Socket{
		resolver: o.resolver,
		delegate: o.delegate,
	}
	if sockaddr, err := unix.Getpeername(fd); err == nil {
		peer := reactor.AddrPortFromSockaddr(sockaddr)
		socket.host = peer.Addr().String()
		socket.port = peer.Port()
	}
	socket.conn = reactor.New(reactorOptions(o, "tcp"), socket.deliver)
	err := socket.conn.Attach(fd)
	if err != nil {
		return nil, err
	}
	return socket, nil
}

// Dial creates a socket and starts connecting it without waiting for the
// outcome. ctx bounds the host lookup only.
func Dial(ctx context.Context, host string, port uint16, opts ...Option) (*Socket, error) {
	socket := NewSocket(host, port, opts...)
	err := socket.connect(ctx)
	if err != nil {
		return nil, err
	}
	return socket, nil
}

func reactorOptions(o options, label string) reactor.Options {
	logger := o.logger
	if logger == nil {
		logger = log.NewLogger(label)
	}
	return reactor.Options{
		Label:         label,
		Mode:          reactor.ModeDuplex,
		Poller:        o.poller,
		DelegateQueue: o.delegateQueue,
		ReadChunkSize: o.readChunkSize,
		Logger:        logger,
	}
}

func (s *Socket) Host() string {
	return s.host
}

func (s *Socket) Port() uint16 {
	return s.port
}

func (s *Socket) String() string {
	return "tcp socket " + s.host + ":" + strconv.Itoa(int(s.port))
}

func (s *Socket) State() reactor.State {
	return s.conn.State()
}

func (s *Socket) Stats() reactor.Stats {
	return s.conn.Stats()
}

func (s *Socket) Delegate() any {
	s.access.RLock()
	defer s.access.RUnlock()
	return s.delegate
}

// SetDelegate replaces the observer. nil detaches it; notifications are then
// dropped.
func (s *Socket) SetDelegate(delegate any) {
	s.access.Lock()
	s.delegate = delegate
	s.access.Unlock()
}

func (s *Socket) DelegateQueue() *dispatch.Queue {
	return s.conn.DelegateQueue()
}

func (s *Socket) SetDelegateQueue(queue *dispatch.Queue) {
	s.conn.SetDelegateQueue(queue)
}

// Connect starts connecting to the configured host and port. It fails at once
// if the socket is not disconnected.
func (s *Socket) Connect() error {
	return s.connect(context.Background())
}

func (s *Socket) connect(ctx context.Context) error {
	if s.host == "" {
		return E.New("missing host")
	}
	return s.conn.Connect(func(connectCtx context.Context) ([]netip.AddrPort, error) {
		return s.resolve(mergectx.Link(ctx, connectCtx))
	})
}

func (s *Socket) resolve(ctx context.Context) ([]netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(s.host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(addr, s.port)}, nil
	}
	addrs, err := s.resolver.LookupNetIP(ctx, "ip", s.host)
	if err != nil {
		return nil, err
	}
	addresses := make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		addresses = append(addresses, netip.AddrPortFrom(addr, s.port))
	}
	return addresses, nil
}

// Disconnect closes the socket. It is a no-op on a disconnected socket.
func (s *Socket) Disconnect() error {
	return s.conn.Close()
}

func (s *Socket) Close() error {
	return s.conn.Close()
}

func (s *Socket) BytesAvailable() int {
	return s.conn.BytesAvailable()
}

func (s *Socket) ReadToLength(length int) []byte {
	return s.conn.ReadToLength(length)
}

func (s *Socket) Write(data []byte) error {
	return s.conn.Write(data)
}

func (s *Socket) CanReadLine(separator string, encoding lineio.Encoding) bool {
	return s.conn.CanReadLine(separator, encoding)
}

func (s *Socket) ReadLine(separator string, encoding lineio.Encoding) (string, error) {
	return s.conn.ReadLine(separator, encoding)
}

// SkipLine drops a buffered line that ReadLine cannot decode.
func (s *Socket) SkipLine(separator string, encoding lineio.Encoding) int {
	return s.conn.SkipLine(separator, encoding)
}

func (s *Socket) ReadLineContext(ctx context.Context, separator string, encoding lineio.Encoding) (string, error) {
	return s.conn.ReadLineContext(ctx, separator, encoding)
}

func (s *Socket) WriteLine(text string, separator string, encoding lineio.Encoding) error {
	return s.conn.WriteLine(text, separator, encoding)
}

func (s *Socket) deliver(notification reactor.Notification) {
	delegate := s.Delegate()
	if delegate == nil {
		return
	}
	switch notification.Kind {
	case reactor.NotifyConnected:
		if handler, ok := delegate.(ConnectHandler); ok {
			handler.SocketConnected(s, s.host, s.port)
		}
	case reactor.NotifyReceived:
		if handler, ok := delegate.(ReceiveHandler); ok {
			handler.SocketReceived(s, notification.Bytes)
		}
	case reactor.NotifyWritten:
		if handler, ok := delegate.(WriteHandler); ok {
			handler.SocketWritten(s, notification.Bytes)
		}
	case reactor.NotifyDisconnected:
		if handler, ok := delegate.(DisconnectHandler); ok {
			handler.SocketDisconnected(s, s.host, s.port)
		}
	case reactor.NotifyError:
		if handler, ok := delegate.(ErrorHandler); ok {
			handler.SocketError(s, notification.Err)
		}
	}
}

// The WaitFor methods block the calling goroutine until the next occurrence
// of an event and report whether it happened before the timeout. Waiting for
// reads or writes on a disconnected socket returns false at once. They must
// not be called from a delegate callback.

func (s *Socket) WaitForConnected(timeout time.Duration) bool {
	return s.conn.Await(wait.Connected, timeout) == wait.Occurred
}

func (s *Socket) WaitForDisconnected(timeout time.Duration) bool {
	return s.conn.Await(wait.Disconnected, timeout) == wait.Occurred
}

func (s *Socket) WaitForReadable(timeout time.Duration) bool {
	return s.conn.Await(wait.Readable, timeout) == wait.Occurred
}

func (s *Socket) WaitForWrite(timeout time.Duration) bool {
	return s.conn.Await(wait.WriteFlushed, timeout) == wait.Occurred
}

func (s *Socket) WaitForConnectedContext(ctx context.Context) wait.Outcome {
	return s.conn.AwaitContext(ctx, wait.Connected)
}

func (s *Socket) WaitForDisconnectedContext(ctx context.Context) wait.Outcome {
	return s.conn.AwaitContext(ctx, wait.Disconnected)
}

func (s *Socket) WaitForReadableContext(ctx context.Context) wait.Outcome {
	return s.conn.AwaitContext(ctx, wait.Readable)
}

func (s *Socket) WaitForWriteContext(ctx context.Context) wait.Outcome {
	return s.conn.AwaitContext(ctx, wait.WriteFlushed)
}
