//go:build linux || darwin

package poll

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newPoller(t *testing.T) *Poller {
	t.Helper()
	poller, err := NewPoller(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { poller.Close() })
	return poller
}

func TestWatchFiresOnce(t *testing.T) {
	t.Parallel()
	poller := newPoller(t)
	readFD, writeFD := newPipe(t)

	var fired atomic.Int32
	watcher, err := poller.Watch(readFD, Read, HandlerFunc(func() { fired.Add(1) }))
	require.NoError(t, err)
	require.Equal(t, readFD, watcher.FD())
	require.Equal(t, Read, watcher.Direction())

	_, err = unix.Write(writeFD, []byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)

	// still readable, but the watcher is spent until armed again
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())

	_, err = poller.Watch(readFD, Read, HandlerFunc(func() { fired.Add(1) }))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, time.Millisecond)
}

func TestWatchBusy(t *testing.T) {
	t.Parallel()
	poller := newPoller(t)
	readFD, _ := newPipe(t)

	watcher, err := poller.Watch(readFD, Read, HandlerFunc(func() {}))
	require.NoError(t, err)
	_, err = poller.Watch(readFD, Read, HandlerFunc(func() {}))
	require.ErrorIs(t, err, ErrBusy)
	watcher.Cancel()
	watcher.Cancel()
	again, err := poller.Watch(readFD, Read, HandlerFunc(func() {}))
	require.NoError(t, err)
	again.Cancel()
}

func TestCancelPreventsFiring(t *testing.T) {
	t.Parallel()
	poller := newPoller(t)
	readFD, writeFD := newPipe(t)

	var fired atomic.Bool
	watcher, err := poller.Watch(readFD, Read, HandlerFunc(func() { fired.Store(true) }))
	require.NoError(t, err)
	watcher.Cancel()
	_, err = unix.Write(writeFD, []byte("x"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestReadAndWriteWatchersOnSameDescriptor(t *testing.T) {
	t.Parallel()
	poller := newPoller(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	var readFired, writeFired atomic.Bool
	_, err = poller.Watch(fds[0], Read, HandlerFunc(func() { readFired.Store(true) }))
	require.NoError(t, err)
	_, err = poller.Watch(fds[0], Write, HandlerFunc(func() { writeFired.Store(true) }))
	require.NoError(t, err)

	require.Eventually(t, writeFired.Load, time.Second, time.Millisecond)
	require.False(t, readFired.Load())

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)
	require.Eventually(t, readFired.Load, time.Second, time.Millisecond)
}

func TestClosedPoller(t *testing.T) {
	t.Parallel()
	poller, err := NewPoller(context.Background())
	require.NoError(t, err)
	require.NoError(t, poller.Close())
	require.NoError(t, poller.Close())
	readFD, _ := newPipe(t)
	_, err = poller.Watch(readFD, Read, HandlerFunc(func() {}))
	require.ErrorIs(t, err, ErrClosed)
}

func TestDefaultPoller(t *testing.T) {
	t.Parallel()
	first, err := Default()
	require.NoError(t, err)
	second, err := Default()
	require.NoError(t, err)
	require.Same(t, first, second)
}
