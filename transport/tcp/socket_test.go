//go:build linux || darwin

package tcp

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	E "github.com/sagernet/sing-socket/common/exceptions"
	"github.com/sagernet/sing-socket/common/lineio"
	"github.com/sagernet/sing-socket/common/reactor"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
	"golang.org/x/sync/errgroup"
)

type socketRecorder struct {
	access       sync.Mutex
	connected    []string
	disconnected []string
	received     int
	written      []int
	errors       []error
}

func (r *socketRecorder) SocketConnected(socket *Socket, host string, port uint16) {
	r.access.Lock()
	r.connected = append(r.connected, net.JoinHostPort(host, strconv.Itoa(int(port))))
	r.access.Unlock()
}

func (r *socketRecorder) SocketDisconnected(socket *Socket, host string, port uint16) {
	r.access.Lock()
	r.disconnected = append(r.disconnected, host)
	r.access.Unlock()
}

func (r *socketRecorder) SocketReceived(socket *Socket, n int) {
	r.access.Lock()
	r.received += n
	r.access.Unlock()
}

func (r *socketRecorder) SocketWritten(socket *Socket, n int) {
	r.access.Lock()
	r.written = append(r.written, n)
	r.access.Unlock()
}

func (r *socketRecorder) SocketError(socket *Socket, err error) {
	r.access.Lock()
	r.errors = append(r.errors, err)
	r.access.Unlock()
}

func (r *socketRecorder) get(read func(r *socketRecorder) bool) bool {
	r.access.Lock()
	defer r.access.Unlock()
	return read(r)
}

func newLocalListener(t *testing.T) (net.Listener, netip.AddrPort) {
	listener, err := nettest.NewLocalListener("tcp4")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	return listener, listener.Addr().(*net.TCPAddr).AddrPort()
}

func dialTest(t *testing.T, host string, port uint16, opts ...Option) *Socket {
	opts = append([]Option{WithPoller(newTestPoller(t))}, opts...)
	socket, err := Dial(context.Background(), host, port, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { socket.Close() })
	return socket
}

func TestDial(t *testing.T) {
	t.Parallel()
	listener, address := newLocalListener(t)
	record := &socketRecorder{}
	socket := dialTest(t, address.Addr().String(), address.Port(), WithDelegate(record))

	accepted, err := listener.Accept()
	require.NoError(t, err)
	defer accepted.Close()

	require.True(t, socket.WaitForConnected(5*time.Second))
	require.Equal(t, reactor.StateConnected, socket.State())
	require.Eventually(t, func() bool {
		return record.get(func(r *socketRecorder) bool {
			return len(r.connected) == 1 && r.connected[0] == address.String()
		})
	}, time.Second, time.Millisecond)

	require.NoError(t, accepted.Close())
	require.True(t, socket.WaitForDisconnected(5*time.Second))
	require.Eventually(t, func() bool {
		return record.get(func(r *socketRecorder) bool {
			return len(r.disconnected) == 1 && len(r.errors) == 0
		})
	}, time.Second, time.Millisecond)
}

func TestSocketWriteOrder(t *testing.T) {
	t.Parallel()
	listener, address := newLocalListener(t)
	record := &socketRecorder{}
	socket := dialTest(t, address.Addr().String(), address.Port(), WithDelegate(record))

	var (
		expected bytes.Buffer
		sizes    []int
	)
	for i := 0; i < 32; i++ {
		chunk := make([]byte, 8192+i*1031)
		_, err := rand.Read(chunk)
		require.NoError(t, err)
		expected.Write(chunk)
		sizes = append(sizes, len(chunk))
		require.NoError(t, socket.Write(chunk))
	}

	var group errgroup.Group
	received := make([]byte, expected.Len())
	group.Go(func() error {
		accepted, err := listener.Accept()
		if err != nil {
			return err
		}
		defer accepted.Close()
		err = accepted.SetReadDeadline(time.Now().Add(10 * time.Second))
		if err != nil {
			return err
		}
		_, err = io.ReadFull(accepted, received)
		return err
	})
	require.NoError(t, group.Wait())
	require.Equal(t, expected.Bytes(), received)
	require.Eventually(t, func() bool {
		return record.get(func(r *socketRecorder) bool {
			return len(r.written) == len(sizes)
		})
	}, 5*time.Second, time.Millisecond)
	record.get(func(r *socketRecorder) bool {
		require.Equal(t, sizes, r.written)
		return true
	})
}

func TestSocketLineRoundTrip(t *testing.T) {
	t.Parallel()
	server := startTestServer(t, nil)
	client := dialTest(t, server.Host(), server.Port())
	require.True(t, client.WaitForConnected(5*time.Second))
	require.True(t, server.WaitForNewConnection(5*time.Second))
	peer, err := server.NextPendingConnection()
	require.NoError(t, err)
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	texts := []string{"first", "", "ünïcödé", "tab\tseparated"}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for _, text := range texts {
			err := client.WriteLine(text, "\n", lineio.UTF16BE)
			if err != nil {
				return err
			}
		}
		return nil
	})
	var lines []string
	group.Go(func() error {
		for range texts {
			line, err := peer.ReadLineContext(ctx, "\n", lineio.UTF16BE)
			if err != nil {
				return err
			}
			lines = append(lines, line)
		}
		return nil
	})
	require.NoError(t, group.Wait())
	require.Equal(t, texts, lines)
}

func TestSocketCloseTwice(t *testing.T) {
	t.Parallel()
	listener, address := newLocalListener(t)
	socket := dialTest(t, address.Addr().String(), address.Port())
	accepted, err := listener.Accept()
	require.NoError(t, err)
	defer accepted.Close()
	require.True(t, socket.WaitForConnected(5*time.Second))

	require.NoError(t, socket.Disconnect())
	require.NoError(t, socket.Disconnect())
	require.True(t, socket.WaitForDisconnected(100*time.Millisecond))
	require.ErrorIs(t, socket.Write([]byte("late")), reactor.ErrNotConnected)
	require.ErrorIs(t, socket.WriteLine("late", "\n", lineio.UTF8), reactor.ErrNotConnected)
	require.Zero(t, socket.BytesAvailable())
}

func TestSocketWaitAfterPeerClose(t *testing.T) {
	t.Parallel()
	listener, address := newLocalListener(t)
	socket := dialTest(t, address.Addr().String(), address.Port())
	accepted, err := listener.Accept()
	require.NoError(t, err)
	require.True(t, socket.WaitForConnected(5*time.Second))
	require.True(t, socket.WaitForWrite(time.Second))

	require.NoError(t, accepted.Close())
	require.True(t, socket.WaitForDisconnected(5*time.Second))
	start := time.Now()
	require.False(t, socket.WaitForWrite(5*time.Second))
	require.False(t, socket.WaitForReadable(5*time.Second))
	require.Less(t, time.Since(start), time.Second)
}

func TestSocketConnectTwice(t *testing.T) {
	t.Parallel()
	_, address := newLocalListener(t)
	socket := dialTest(t, address.Addr().String(), address.Port())
	require.ErrorIs(t, socket.Connect(), reactor.ErrAlreadyConnected)
}

func TestSocketWaitTimesOut(t *testing.T) {
	t.Parallel()
	listener, address := newLocalListener(t)
	socket := dialTest(t, address.Addr().String(), address.Port())
	accepted, err := listener.Accept()
	require.NoError(t, err)
	defer accepted.Close()
	require.True(t, socket.WaitForConnected(5*time.Second))
	start := time.Now()
	require.False(t, socket.WaitForDisconnected(100*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.False(t, socket.WaitForReadable(50*time.Millisecond))
}

func TestSocketRefused(t *testing.T) {
	t.Parallel()
	listener, address := newLocalListener(t)
	require.NoError(t, listener.Close())
	record := &socketRecorder{}
	socket := dialTest(t, address.Addr().String(), address.Port(), WithDelegate(record))
	require.False(t, socket.WaitForConnected(time.Second))
	require.Eventually(t, func() bool {
		return record.get(func(r *socketRecorder) bool {
			return len(r.errors) == 1 && E.KindOf(r.errors[0]) == E.KindRefused
		})
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, reactor.StateDisconnected, socket.State())
}

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	addrs, loaded := r[host]
	if !loaded {
		return nil, E.New("unknown host ", host)
	}
	return addrs, nil
}

func TestSocketResolver(t *testing.T) {
	t.Parallel()
	listener, address := newLocalListener(t)
	resolver := staticResolver{"line.test": {address.Addr()}}
	socket := dialTest(t, "line.test", address.Port(), WithResolver(resolver))
	accepted, err := listener.Accept()
	require.NoError(t, err)
	defer accepted.Close()
	require.True(t, socket.WaitForConnected(5*time.Second))
	require.Equal(t, "line.test", socket.Host())

	record := &socketRecorder{}
	unknown := dialTest(t, "missing.test", address.Port(), WithResolver(resolver), WithDelegate(record))
	require.False(t, unknown.WaitForConnected(time.Second))
	require.Eventually(t, func() bool {
		return record.get(func(r *socketRecorder) bool {
			return len(r.errors) == 1
		})
	}, 5*time.Second, time.Millisecond)
}

func TestSocketSetDelegate(t *testing.T) {
	t.Parallel()
	listener, address := newLocalListener(t)
	socket := dialTest(t, address.Addr().String(), address.Port())
	accepted, err := listener.Accept()
	require.NoError(t, err)
	defer accepted.Close()
	require.True(t, socket.WaitForConnected(5*time.Second))

	record := &socketRecorder{}
	socket.SetDelegate(record)
	require.Equal(t, record, socket.Delegate())
	_, err = accepted.Write([]byte("data"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return record.get(func(r *socketRecorder) bool {
			return r.received == 4
		})
	}, 5*time.Second, time.Millisecond)

	socket.SetDelegate(nil)
	_, err = accepted.Write([]byte("more"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return socket.BytesAvailable() == 8
	}, 5*time.Second, time.Millisecond)
	socket.DelegateQueue().Sync(func() {})
	record.get(func(r *socketRecorder) bool {
		require.Equal(t, 4, r.received)
		return true
	})
}
