//go:build unix

package reactor

import (
	"context"
	"net/netip"

	E "github.com/sagernet/sing-socket/common/exceptions"

	"golang.org/x/sys/unix"
)

var ErrNoAddress = E.New("no address to connect")

// ResolveFunc yields the candidate addresses for an outbound connect. It may
// block and must honor ctx.
type ResolveFunc func(ctx context.Context) ([]netip.AddrPort, error)

// Connect starts an outbound connection and returns at once. Addresses are
// tried in order until one completes; the outcome is reported by
// NotifyConnected or by NotifyError followed by a return to disconnected.
func (c *Conn) Connect(resolve ResolveFunc) error {
	if c.mode != ModeDuplex {
		return ErrWrongDirection
	}
	c.access.Lock()
	defer c.access.Unlock()
	if c.state != StateDisconnected {
		return ErrAlreadyConnected
	}
	c.reset()
	c.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.connectCancel = cancel
	generation := c.generation
	go func() {
		addresses, err := resolve(ctx)
		c.queue.Async(func() {
			c.startConnect(generation, addresses, err)
		})
	}()
	return nil
}

func (c *Conn) startConnect(generation uint64, addresses []netip.AddrPort, err error) {
	c.access.Lock()
	defer c.access.Unlock()
	if generation != c.generation || c.state != StateConnecting {
		return
	}
	c.connectCancel()
	c.connectCancel = nil
	if err != nil {
		c.failLocked(E.Cause(err, "resolve"))
		return
	}
	if len(addresses) == 0 {
		c.failLocked(ErrNoAddress)
		return
	}
	c.remaining = addresses
	c.connectNextLocked(nil)
}

func (c *Conn) connectNextLocked(lastErr error) {
	for len(c.remaining) > 0 {
		address := c.remaining[0]
		c.remaining = c.remaining[1:]
		c.logger.Trace("connecting to ", address)
		fd, err := openSocket(address)
		if err != nil {
			lastErr = err
			continue
		}
		c.fd = fd
		c.peer = address
		_, sockaddr := SockaddrFromAddrPort(address)
		err = unix.Connect(fd, sockaddr)
		switch err {
		case nil:
			c.remaining = nil
			c.connectedLocked()
			return
		case unix.EINPROGRESS, unix.EINTR:
			c.armWrite()
			return
		}
		lastErr = E.Syscall("connect "+address.String(), err)
		c.abandonLocked()
	}
	if lastErr == nil {
		lastErr = ErrNoAddress
	}
	c.failLocked(lastErr)
}

// finishConnectLocked runs when a pending connect becomes writable.
func (c *Conn) finishConnectLocked() {
	code, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && code == 0 {
		c.remaining = nil
		c.connectedLocked()
		return
	}
	if err != nil {
		err = E.Syscall("getsockopt", err)
	} else {
		err = E.FromErrno(code, "connect "+c.peer.String())
	}
	c.logger.Debug(err)
	c.abandonLocked()
	c.connectNextLocked(err)
}

// abandonLocked drops the descriptor of a failed connect attempt.
func (c *Conn) abandonLocked() {
	unix.Close(c.fd)
	c.fd = -1
	c.peer = netip.AddrPort{}
	c.generation++
}

func openSocket(address netip.AddrPort) (int, error) {
	family, _ := SockaddrFromAddrPort(address)
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, E.Syscall("socket", err)
	}
	unix.CloseOnExec(fd)
	err = unix.SetNonblock(fd, true)
	if err != nil {
		unix.Close(fd)
		return -1, E.Syscall("set nonblock", err)
	}
	return fd, nil
}
