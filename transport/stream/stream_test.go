//go:build linux || darwin

package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	E "github.com/sagernet/sing-socket/common/exceptions"
	"github.com/sagernet/sing-socket/common/lineio"
	"github.com/sagernet/sing-socket/common/poll"
	"github.com/sagernet/sing-socket/common/reactor"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (int, int) {
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	return fds[0], fds[1]
}

func newTestPoller(t *testing.T) *poll.Poller {
	poller, err := poll.NewPoller(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { poller.Close() })
	return poller
}

type inputRecorder struct {
	access   sync.Mutex
	received int
	closed   int
	errors   []error
}

func (r *inputRecorder) InputReceived(input *Input, n int) {
	r.access.Lock()
	r.received += n
	r.access.Unlock()
}

func (r *inputRecorder) InputClosed(input *Input) {
	r.access.Lock()
	r.closed++
	r.access.Unlock()
}

func (r *inputRecorder) InputError(input *Input, err error) {
	r.access.Lock()
	r.errors = append(r.errors, err)
	r.access.Unlock()
}

func (r *inputRecorder) state() (int, int, int) {
	r.access.Lock()
	defer r.access.Unlock()
	return r.received, r.closed, len(r.errors)
}

func TestInput(t *testing.T) {
	t.Parallel()
	readFD, writeFD := newPipe(t)
	record := &inputRecorder{}
	input := NewInput(readFD, WithPoller(newTestPoller(t)), WithDelegate(record))
	defer input.Close()
	require.NoError(t, input.Open())
	require.ErrorIs(t, input.Open(), reactor.ErrAlreadyConnected)

	_, err := unix.Write(writeFD, []byte("first line\nsecond"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return input.BytesAvailable() == 17
	}, 5*time.Second, time.Millisecond)

	require.True(t, input.CanReadLine("\n", lineio.UTF8))
	line, err := input.ReadLine("\n", lineio.UTF8)
	require.NoError(t, err)
	require.Equal(t, "first line", line)
	require.False(t, input.CanReadLine("\n", lineio.UTF8))
	require.Equal(t, []byte("sec"), input.ReadToLength(3))

	require.NoError(t, unix.Close(writeFD))
	require.True(t, input.WaitForClose(5*time.Second))
	require.Equal(t, reactor.StateDisconnected, input.State())
	require.Equal(t, []byte("ond"), input.ReadToLength(16))
	require.Eventually(t, func() bool {
		received, closed, errors := record.state()
		return received == 17 && closed == 1 && errors == 0
	}, time.Second, time.Millisecond)
	require.ErrorIs(t, input.Open(), ErrClosed)
}

func TestInputCallbacks(t *testing.T) {
	t.Parallel()
	readFD, writeFD := newPipe(t)
	var (
		access   sync.Mutex
		received int
		closed   bool
	)
	input := NewInput(readFD,
		WithPoller(newTestPoller(t)),
		OnRead(func(input *Input, n int) {
			access.Lock()
			received += n
			access.Unlock()
		}),
		OnClose(func(input *Input) {
			access.Lock()
			closed = true
			access.Unlock()
		}),
	)
	require.NoError(t, input.Open())
	_, err := unix.Write(writeFD, []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, unix.Close(writeFD))
	require.Eventually(t, func() bool {
		access.Lock()
		defer access.Unlock()
		return received == 3 && closed
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, input.Close())
}

func TestInputReadLineContext(t *testing.T) {
	t.Parallel()
	readFD, writeFD := newPipe(t)
	defer unix.Close(writeFD)
	input := NewInput(readFD, WithPoller(newTestPoller(t)))
	defer input.Close()
	require.NoError(t, input.Open())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		for _, part := range []string{"spl", "it\r", "\nnext\r\n"} {
			unix.Write(writeFD, []byte(part))
			time.Sleep(10 * time.Millisecond)
		}
	}()
	for _, expected := range []string{"split", "next"} {
		line, err := input.ReadLineContext(ctx, "\r\n", lineio.UTF8)
		require.NoError(t, err)
		require.Equal(t, expected, line)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err := input.ReadLineContext(short, "\r\n", lineio.UTF8)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type outputRecorder struct {
	access  sync.Mutex
	written []int
	errors  []error
}

func (r *outputRecorder) OutputWritten(output *Output, n int) {
	r.access.Lock()
	r.written = append(r.written, n)
	r.access.Unlock()
}

func (r *outputRecorder) OutputError(output *Output, err error) {
	r.access.Lock()
	r.errors = append(r.errors, err)
	r.access.Unlock()
}

func TestOutput(t *testing.T) {
	t.Parallel()
	readFD, writeFD := newPipe(t)
	defer unix.Close(readFD)
	record := &outputRecorder{}
	output := NewOutput(writeFD, WithPoller(newTestPoller(t)), WithDelegate(record))
	defer output.Close()
	require.ErrorIs(t, output.Write([]byte("early")), reactor.ErrNotConnected)
	require.NoError(t, output.Open())

	require.NoError(t, output.WriteLine("hello", "\n", lineio.UTF8))
	require.NoError(t, output.Write([]byte("world")))
	require.True(t, output.WaitForWrite(5*time.Second))

	received := make([]byte, 11)
	var read int
	for read < len(received) {
		n, err := unix.Read(readFD, received[read:])
		require.NoError(t, err)
		read += n
	}
	require.Equal(t, "hello\nworld", string(received))
	require.Eventually(t, func() bool {
		record.access.Lock()
		defer record.access.Unlock()
		return len(record.written) == 2 && record.written[0] == 6 && record.written[1] == 5
	}, 5*time.Second, time.Millisecond)

	require.ErrorIs(t, output.WriteLine("雪", "\n", lineio.Latin1), lineio.ErrEncode)
}

func TestOutputBrokenPipe(t *testing.T) {
	t.Parallel()
	readFD, writeFD := newPipe(t)
	var (
		access sync.Mutex
		errs   []error
	)
	output := NewOutput(writeFD, WithPoller(newTestPoller(t)), OnOutputError(func(output *Output, err error) {
		access.Lock()
		errs = append(errs, err)
		access.Unlock()
	}))
	defer output.Close()
	require.NoError(t, output.Open())
	require.NoError(t, unix.Close(readFD))
	require.NoError(t, output.Write([]byte("nobody listens")))
	require.Eventually(t, func() bool {
		access.Lock()
		defer access.Unlock()
		return len(errs) == 1 && E.KindOf(errs[0]) == E.KindBrokenPipe
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, reactor.StateDisconnected, output.State())
}
