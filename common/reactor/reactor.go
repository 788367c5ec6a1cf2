//go:build unix

package reactor

import (
	E "github.com/sagernet/sing-socket/common/exceptions"
	"github.com/sagernet/sing-socket/common/poll"
	"github.com/sagernet/sing-socket/common/wait"

	"golang.org/x/sys/unix"
)

func (c *Conn) watch(direction poll.Direction, handle func(generation uint64)) (*poll.Watcher, error) {
	if c.poller == nil {
		poller, err := poll.Default()
		if err != nil {
			return nil, err
		}
		c.poller = poller
	}
	generation := c.generation
	return c.poller.Watch(c.fd, direction, poll.HandlerFunc(func() {
		c.queue.Async(func() {
			handle(generation)
		})
	}))
}

func (c *Conn) armRead() {
	if !c.mode.readable() || c.readWatcher != nil || c.fd < 0 {
		return
	}
	watcher, err := c.watch(poll.Read, c.handleReadable)
	if err != nil {
		c.failLocked(E.Cause(err, "watch read"))
		return
	}
	c.readWatcher = watcher
}

func (c *Conn) armWrite() {
	if c.writeWatcher != nil || c.fd < 0 {
		return
	}
	watcher, err := c.watch(poll.Write, c.handleWritable)
	if err != nil {
		c.failLocked(E.Cause(err, "watch write"))
		return
	}
	c.writeWatcher = watcher
}

func (c *Conn) handleReadable(generation uint64) {
	c.access.Lock()
	defer c.access.Unlock()
	if generation != c.generation || c.readWatcher == nil {
		return
	}
	c.readWatcher = nil
	if c.state != StateConnected {
		return
	}
	free := c.readBuffer.FreeBytes(c.readChunkSize)[:c.readChunkSize]
	n, err := unix.Read(c.fd, free)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		c.armRead()
	case err != nil:
		c.failLocked(E.Syscall("read", err))
	case n == 0:
		c.peerClosedLocked()
	default:
		c.readBuffer.Extend(n)
		c.received += uint64(n)
		c.logger.Trace("read ", n, " bytes")
		c.emit(Notification{Kind: NotifyReceived, Bytes: n})
		c.bridge.Signal(wait.Readable)
		c.armRead()
	}
}

// peerClosedLocked handles a zero-length read. A pending socket error is
// reported before the disconnect.
func (c *Conn) peerClosedLocked() {
	code, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && code != 0 {
		cause := E.FromErrno(code, "read")
		c.logger.Error(cause)
		c.emit(Notification{Kind: NotifyError, Err: cause})
		c.bridge.Signal(wait.Failed)
	}
	c.logger.Trace("peer closed")
	c.closeLocked()
}

func (c *Conn) handleWritable(generation uint64) {
	c.access.Lock()
	defer c.access.Unlock()
	if generation != c.generation || c.writeWatcher == nil {
		return
	}
	c.writeWatcher = nil
	switch c.state {
	case StateConnecting:
		c.finishConnectLocked()
	case StateConnected:
		c.flushLocked()
	}
}

// flushLocked sends queued chunks until the queue drains or the descriptor
// would block. A partially sent chunk stays at the head.
func (c *Conn) flushLocked() {
	for c.writeQueue.Length() > 0 {
		pending := c.writeQueue.Peek().(*pendingWrite)
		n, err := unix.Write(c.fd, pending.Bytes())
		if n > 0 {
			pending.Advance(n)
			c.sent += uint64(n)
			c.logger.Trace("wrote ", n, " bytes")
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			c.armWrite()
			return
		case err != nil:
			c.failLocked(E.Syscall("write", err))
			return
		}
		if pending.IsEmpty() {
			c.writeQueue.Remove()
			pending.Release()
			c.emit(Notification{Kind: NotifyWritten, Bytes: pending.size})
		}
	}
	c.bridge.Signal(wait.WriteFlushed)
}
