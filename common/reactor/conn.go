//go:build unix

// Package reactor implements the buffered non-blocking descriptor core shared
// by sockets and streams: a connect/read/write/close state machine driven by
// one-shot readiness watchers, an ordered read buffer, a FIFO write queue and
// ordered notification delivery.
package reactor

import (
	"context"
	"net/netip"
	"sync"

	"github.com/sagernet/sing-socket/common/buf"
	"github.com/sagernet/sing-socket/common/dispatch"
	E "github.com/sagernet/sing-socket/common/exceptions"
	"github.com/sagernet/sing-socket/common/lineio"
	"github.com/sagernet/sing-socket/common/log"
	"github.com/sagernet/sing-socket/common/poll"
	"github.com/sagernet/sing-socket/common/wait"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const DefaultReadChunkSize = 16 * 1024

var (
	ErrAlreadyConnected = E.New("already connected")
	ErrNotConnected     = E.New("not connected")
	ErrWrongDirection   = E.New("direction not supported by this descriptor")
)

type Options struct {
	Label         string
	Mode          Mode
	Poller        *poll.Poller
	DelegateQueue *dispatch.Queue
	ReadChunkSize int
	Logger        logrus.Ext1FieldLogger
}

type pendingWrite struct {
	*buf.Buffer
	size int
}

type Stats struct {
	Received uint64
	Sent     uint64
	Buffered int
}

// Conn owns one descriptor. Its state, read buffer, write queue and watchers
// are only touched with access held; readiness handlers run on the Conn's own
// queue, so reactor work for one Conn is strictly ordered.
type Conn struct {
	label         string
	mode          Mode
	poller        *poll.Poller
	readChunkSize int
	logger        logrus.Ext1FieldLogger
	queue         *dispatch.Queue
	deliver       func(Notification)

	access        sync.Mutex
	state         State
	fd            int
	generation    uint64
	delegateQueue *dispatch.Queue
	readBuffer    *buf.Buffer
	framer        lineio.Framer
	writeQueue    *queue.Queue
	readWatcher   *poll.Watcher
	writeWatcher  *poll.Watcher
	connectCancel context.CancelFunc
	remaining     []netip.AddrPort
	peer          netip.AddrPort
	received      uint64
	sent          uint64
	bridge        wait.Bridge
}

// New creates a disconnected Conn. deliver is invoked on the delegate queue
// for every notification, in generation order.
func New(options Options, deliver func(Notification)) *Conn {
	if options.Label == "" {
		options.Label = "reactor"
	}
	if options.ReadChunkSize <= 0 {
		options.ReadChunkSize = DefaultReadChunkSize
	}
	if options.Logger == nil {
		options.Logger = log.NewLogger(options.Label)
	}
	if options.DelegateQueue == nil {
		options.DelegateQueue = dispatch.NewQueue(options.Label + ".delegate")
	}
	if deliver == nil {
		deliver = func(Notification) {}
	}
	return &Conn{
		label:         options.Label,
		mode:          options.Mode,
		poller:        options.Poller,
		readChunkSize: options.ReadChunkSize,
		logger:        options.Logger,
		queue:         dispatch.NewQueue(options.Label),
		deliver:       deliver,
		fd:            -1,
		delegateQueue: options.DelegateQueue,
		readBuffer:    buf.NewSize(options.ReadChunkSize),
		writeQueue:    queue.New(),
	}
}

func (c *Conn) Logger() logrus.Ext1FieldLogger {
	return c.logger
}

func (c *Conn) State() State {
	c.access.Lock()
	defer c.access.Unlock()
	return c.state
}

// FD returns the owned descriptor, or -1 when disconnected.
func (c *Conn) FD() int {
	c.access.Lock()
	defer c.access.Unlock()
	return c.fd
}

// Peer returns the remote address of a connected socket.
func (c *Conn) Peer() netip.AddrPort {
	c.access.Lock()
	defer c.access.Unlock()
	return c.peer
}

func (c *Conn) SetDelegateQueue(delegateQueue *dispatch.Queue) {
	if delegateQueue == nil {
		panic("reactor: nil delegate queue")
	}
	c.access.Lock()
	c.delegateQueue = delegateQueue
	c.access.Unlock()
}

func (c *Conn) DelegateQueue() *dispatch.Queue {
	c.access.Lock()
	defer c.access.Unlock()
	return c.delegateQueue
}

func (c *Conn) Stats() Stats {
	c.access.Lock()
	defer c.access.Unlock()
	return Stats{
		Received: c.received,
		Sent:     c.sent,
		Buffered: c.readBuffer.Len(),
	}
}

// BytesAvailable returns the number of buffered unread bytes.
func (c *Conn) BytesAvailable() int {
	c.access.Lock()
	defer c.access.Unlock()
	return c.readBuffer.Len()
}

// ReadToLength removes and returns up to length buffered bytes. It never
// reads from the descriptor; an empty buffer yields nil.
func (c *Conn) ReadToLength(length int) []byte {
	if length < 0 {
		panic("reactor: negative read length")
	}
	c.access.Lock()
	defer c.access.Unlock()
	data := c.readBuffer.Next(length)
	c.framer.Consumed(len(data))
	return data
}

// Write queues data for transmission and returns immediately. Completion is
// reported by NotifyWritten once every byte of this submission is sent.
func (c *Conn) Write(data []byte) error {
	if !c.mode.writable() {
		return ErrWrongDirection
	}
	c.access.Lock()
	defer c.access.Unlock()
	if c.state != StateConnected && c.state != StateConnecting {
		return ErrNotConnected
	}
	if len(data) == 0 {
		return nil
	}
	chunk := buf.NewSize(len(data))
	chunk.Write(data)
	c.writeQueue.Add(&pendingWrite{chunk, len(data)})
	if c.state == StateConnected {
		c.armWrite()
	}
	return nil
}

// Attach adopts an already connected descriptor.
func (c *Conn) Attach(fd int) error {
	c.access.Lock()
	defer c.access.Unlock()
	if c.state != StateDisconnected {
		return ErrAlreadyConnected
	}
	err := unix.SetNonblock(fd, true)
	if err != nil {
		return E.Syscall("set nonblock", err)
	}
	c.reset()
	c.fd = fd
	if sockaddr, err := unix.Getpeername(fd); err == nil {
		c.peer = AddrPortFromSockaddr(sockaddr)
	}
	c.connectedLocked()
	return nil
}

// Close cancels both watchers, closes the descriptor and raises
// NotifyDisconnected. Closing a disconnected Conn does nothing.
func (c *Conn) Close() error {
	c.access.Lock()
	defer c.access.Unlock()
	c.closeLocked()
	return nil
}

func (c *Conn) reset() {
	c.generation++
	c.peer = netip.AddrPort{}
	c.readBuffer.Reset()
	c.framer.Reset()
	c.dropWriteQueue()
}

func (c *Conn) dropWriteQueue() {
	for c.writeQueue.Length() > 0 {
		c.writeQueue.Remove().(*pendingWrite).Release()
	}
}

func (c *Conn) emit(notification Notification) {
	deliver := c.deliver
	c.delegateQueue.Async(func() {
		deliver(notification)
	})
}

func (c *Conn) connectedLocked() {
	c.state = StateConnected
	c.logger.Debug("connected, fd ", c.fd)
	c.emit(Notification{Kind: NotifyConnected})
	c.bridge.Signal(wait.Connected)
	c.armRead()
	if c.writeQueue.Length() > 0 {
		c.armWrite()
	}
}

func (c *Conn) closeLocked() {
	if c.state == StateDisconnected {
		return
	}
	wasConnected := c.state == StateConnected
	c.state = StateDisconnecting
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	if c.readWatcher != nil {
		c.readWatcher.Cancel()
		c.readWatcher = nil
	}
	if c.writeWatcher != nil {
		c.writeWatcher.Cancel()
		c.writeWatcher = nil
	}
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	c.generation++
	c.remaining = nil
	c.dropWriteQueue()
	c.state = StateDisconnected
	if !wasConnected {
		c.bridge.Release()
		return
	}
	c.bridge.Release(wait.Disconnected)
	c.logger.Debug("disconnected")
	c.emit(Notification{Kind: NotifyDisconnected})
	c.bridge.Signal(wait.Disconnected)
}

// failLocked reports err once and forces the Conn to disconnect. A Conn that
// never connected returns to disconnected without NotifyDisconnected.
func (c *Conn) failLocked(err error) {
	c.logger.Error(err)
	c.emit(Notification{Kind: NotifyError, Err: err})
	c.bridge.Signal(wait.Failed)
	c.closeLocked()
}
