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
	"github.com/sagernet/sing-socket/common/log"
	"github.com/sagernet/sing-socket/common/poll"
	"github.com/sagernet/sing-socket/common/reactor"
	"github.com/sagernet/sing-socket/common/wait"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	ErrAlreadyListening    = E.New("already listening")
	ErrNoPendingConnection = E.New("no pending connection")
)

type ServerState uint8

const (
	ServerIdle ServerState = iota
	ServerListening
)

func (s ServerState) String() string {
	if s == ServerListening {
		return "listening"
	}
	return "idle"
}

// Server listens on a TCP address and queues accepted connections until they
// are claimed with NextPendingConnection.
type Server struct {
	host     string
	port     uint16
	options  options
	logger   logrus.Ext1FieldLogger
	queue    *dispatch.Queue

	access        sync.Mutex
	delegate      any
	state         ServerState
	fd            int
	bound         netip.AddrPort
	generation    uint64
	watcher       *poll.Watcher
	pending       *queue.Queue
	delegateQueue *dispatch.Queue
	bridge        wait.Bridge
}

func NewServer(host string, port uint16, opts ...Option) *Server {
	o := newOptions(options{}, opts)
	logger := o.logger
	if logger == nil {
		logger = log.NewLogger("server")
	}
	delegateQueue := o.delegateQueue
	if delegateQueue == nil {
		delegateQueue = dispatch.NewQueue("server.delegate")
	}
	return &Server{
		host:          host,
		port:          port,
		options:       o,
		logger:        logger,
		queue:         dispatch.NewQueue("server"),
		delegate:      o.delegate,
		fd:            -1,
		pending:       queue.New(),
		delegateQueue: delegateQueue,
	}
}

// Host returns the bound host once listening, the configured one otherwise.
func (s *Server) Host() string {
	s.access.Lock()
	defer s.access.Unlock()
	if s.bound.IsValid() {
		return s.bound.Addr().String()
	}
	return s.host
}

func (s *Server) Port() uint16 {
	s.access.Lock()
	defer s.access.Unlock()
	if s.bound.IsValid() {
		return s.bound.Port()
	}
	return s.port
}

func (s *Server) String() string {
	return "tcp server " + s.Host() + ":" + strconv.Itoa(int(s.Port()))
}

func (s *Server) State() ServerState {
	s.access.Lock()
	defer s.access.Unlock()
	return s.state
}

func (s *Server) Delegate() any {
	s.access.Lock()
	defer s.access.Unlock()
	return s.delegate
}

func (s *Server) SetDelegate(delegate any) {
	s.access.Lock()
	s.delegate = delegate
	s.access.Unlock()
}

func (s *Server) SetDelegateQueue(delegateQueue *dispatch.Queue) {
	if delegateQueue == nil {
		panic("tcp: nil delegate queue")
	}
	s.access.Lock()
	s.delegateQueue = delegateQueue
	s.access.Unlock()
}

// Pending returns the number of accepted connections not yet claimed.
func (s *Server) Pending() int {
	s.access.Lock()
	defer s.access.Unlock()
	return s.pending.Length()
}

// StartListen binds and listens on the configured address. On failure the
// server stays idle, the error is returned and reported to the delegate.
func (s *Server) StartListen() error {
	address, err := s.resolveBind()
	if err != nil {
		return err
	}
	s.access.Lock()
	defer s.access.Unlock()
	if s.state != ServerIdle {
		return ErrAlreadyListening
	}
	fd, err := listenSocket(address, s.options.backlog)
	if err != nil {
		s.reportErrorLocked(err)
		return err
	}
	sockaddr, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		err = E.Syscall("getsockname", err)
		s.reportErrorLocked(err)
		return err
	}
	s.fd = fd
	s.bound = reactor.AddrPortFromSockaddr(sockaddr)
	s.generation++
	s.state = ServerListening
	s.logger.Info("listening on ", s.bound)
	host, port := s.bound.Addr().String(), s.bound.Port()
	s.emit(func(delegate any) {
		if handler, ok := delegate.(ListenHandler); ok {
			handler.ServerStarted(s, host, port)
		}
	})
	s.bridge.Signal(wait.ListeningStarted)
	s.armAccept()
	return nil
}

func (s *Server) resolveBind() (netip.AddrPort, error) {
	if s.host == "" {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), s.port), nil
	}
	if addr, err := netip.ParseAddr(s.host); err == nil {
		return netip.AddrPortFrom(addr, s.port), nil
	}
	addrs, err := s.options.resolver.LookupNetIP(context.Background(), "ip", s.host)
	if err != nil {
		return netip.AddrPort{}, E.Cause(err, "resolve ", s.host)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, E.New("resolve ", s.host, ": no address")
	}
	return netip.AddrPortFrom(addrs[0], s.port), nil
}

func listenSocket(address netip.AddrPort, backlog int) (int, error) {
	family, sockaddr := reactor.SockaddrFromAddrPort(address)
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, E.Syscall("socket", err)
	}
	unix.CloseOnExec(fd)
	err = unix.SetNonblock(fd, true)
	if err == nil {
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if err != nil {
		unix.Close(fd)
		return -1, E.Syscall("setsockopt", err)
	}
	err = unix.Bind(fd, sockaddr)
	if err != nil {
		unix.Close(fd)
		return -1, E.Syscall("bind "+address.String(), err)
	}
	err = unix.Listen(fd, backlog)
	if err != nil {
		unix.Close(fd)
		return -1, E.Syscall("listen", err)
	}
	return fd, nil
}

// StopListen closes the listening descriptor and every unclaimed accepted
// connection. Stopping an idle server does nothing.
func (s *Server) StopListen() error {
	s.access.Lock()
	defer s.access.Unlock()
	s.stopLocked()
	return nil
}

func (s *Server) Close() error {
	return s.StopListen()
}

func (s *Server) stopLocked() {
	if s.state != ServerListening {
		return
	}
	if s.watcher != nil {
		s.watcher.Cancel()
		s.watcher = nil
	}
	unix.Close(s.fd)
	s.fd = -1
	for s.pending.Length() > 0 {
		unix.Close(s.pending.Remove().(int))
	}
	s.generation++
	s.state = ServerIdle
	s.bridge.Release(wait.ListeningStopped)
	s.logger.Info("stopped listening on ", s.bound)
	host, port := s.bound.Addr().String(), s.bound.Port()
	s.emit(func(delegate any) {
		if handler, ok := delegate.(StopHandler); ok {
			handler.ServerStopped(s, host, port)
		}
	})
	s.bridge.Signal(wait.ListeningStopped)
}

func (s *Server) armAccept() {
	if s.poller() == nil {
		return
	}
	generation := s.generation
	watcher, err := s.options.poller.Watch(s.fd, poll.Read, poll.HandlerFunc(func() {
		s.queue.Async(func() {
			s.handleAcceptable(generation)
		})
	}))
	if err != nil {
		s.failLocked(E.Cause(err, "watch accept"))
		return
	}
	s.watcher = watcher
}

func (s *Server) poller() *poll.Poller {
	if s.options.poller == nil {
		poller, err := poll.Default()
		if err != nil {
			s.failLocked(err)
			return nil
		}
		s.options.poller = poller
	}
	return s.options.poller
}

// handleAcceptable accepts every pending connection and raises one
// notification for the batch.
func (s *Server) handleAcceptable(generation uint64) {
	s.access.Lock()
	defer s.access.Unlock()
	if generation != s.generation || s.watcher == nil {
		return
	}
	s.watcher = nil
	var accepted int
	for {
		fd, err := acceptSocket(s.fd)
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			s.failLocked(E.Syscall("accept", err))
			return
		}
		s.pending.Add(fd)
		accepted++
	}
	if accepted > 0 {
		s.logger.Debug("accepted ", accepted, " connections")
		s.emit(func(delegate any) {
			if handler, ok := delegate.(AcceptHandler); ok {
				handler.ServerAccepted(s, accepted)
			}
		})
		s.bridge.Signal(wait.ConnectionAccepted)
	}
	s.armAccept()
}

// NextPendingConnection wraps the oldest unclaimed connection in a Socket.
// It never blocks and returns ErrNoPendingConnection when the queue is empty.
// Options default to the server's poller.
func (s *Server) NextPendingConnection(opts ...Option) (*Socket, error) {
	s.access.Lock()
	if s.pending.Length() == 0 {
		s.access.Unlock()
		return nil, ErrNoPendingConnection
	}
	fd := s.pending.Remove().(int)
	poller := s.options.poller
	s.access.Unlock()
	socket, err := NewSocketFromFD(fd, append([]Option{WithPoller(poller), WithResolver(s.options.resolver)}, opts...)...)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return socket, nil
}

func (s *Server) emit(call func(delegate any)) {
	s.delegateQueue.Async(func() {
		delegate := s.Delegate()
		if delegate != nil {
			call(delegate)
		}
	})
}

func (s *Server) reportErrorLocked(err error) {
	s.logger.Error(err)
	s.emit(func(delegate any) {
		if handler, ok := delegate.(ServerErrorHandler); ok {
			handler.ServerError(s, err)
		}
	})
	s.bridge.Signal(wait.Failed)
}

func (s *Server) failLocked(err error) {
	s.reportErrorLocked(err)
	s.stopLocked()
}

// The WaitFor methods block the calling goroutine until the next occurrence
// of an event. A condition that already holds is reported at once. They must
// not be called from a delegate callback.

func (s *Server) WaitForStartListening(timeout time.Duration) bool {
	return s.await(wait.ListeningStarted, timeout) == wait.Occurred
}

func (s *Server) WaitForStopListening(timeout time.Duration) bool {
	return s.await(wait.ListeningStopped, timeout) == wait.Occurred
}

// WaitForNewConnection is level triggered: it returns true at once while
// accepted connections are waiting for NextPendingConnection, and only blocks
// for the next accept batch when none are. On an idle server it returns false
// at once.
func (s *Server) WaitForNewConnection(timeout time.Duration) bool {
	return s.await(wait.ConnectionAccepted, timeout) == wait.Occurred
}

func (s *Server) WaitForStartListeningContext(ctx context.Context) wait.Outcome {
	return s.awaitContext(ctx, wait.ListeningStarted)
}

func (s *Server) WaitForStopListeningContext(ctx context.Context) wait.Outcome {
	return s.awaitContext(ctx, wait.ListeningStopped)
}

func (s *Server) WaitForNewConnectionContext(ctx context.Context) wait.Outcome {
	return s.awaitContext(ctx, wait.ConnectionAccepted)
}

func (s *Server) await(kind wait.Kind, timeout time.Duration) wait.Outcome {
	ticket, outcome, pending := s.ticket(kind)
	if !pending {
		return outcome
	}
	return ticket.Await(timeout)
}

func (s *Server) awaitContext(ctx context.Context, kind wait.Kind) wait.Outcome {
	ticket, outcome, pending := s.ticket(kind)
	if !pending {
		return outcome
	}
	return ticket.AwaitContext(ctx)
}

func (s *Server) ticket(kind wait.Kind) (wait.Ticket, wait.Outcome, bool) {
	s.access.Lock()
	defer s.access.Unlock()
	switch {
	case kind == wait.ListeningStarted && s.state == ServerListening,
		kind == wait.ListeningStopped && s.state == ServerIdle,
		kind == wait.ConnectionAccepted && s.pending.Length() > 0:
		return wait.Ticket{}, wait.Occurred, false
	case kind == wait.ConnectionAccepted && s.state == ServerIdle:
		return wait.Ticket{}, wait.Cancelled, false
	}
	return s.bridge.Ticket(kind), wait.TimedOut, true
}
