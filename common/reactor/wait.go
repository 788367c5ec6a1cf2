//go:build unix

package reactor

import (
	"context"
	"time"

	"github.com/sagernet/sing-socket/common/wait"
)

// Await blocks until the next occurrence of kind. Waiting for a condition
// that already holds returns Occurred at once: Connected on a connected Conn,
// Disconnected on a disconnected one, WriteFlushed with an empty write queue.
// Readable, WriteFlushed and Failed can no longer occur on a disconnected
// Conn, so those waits return Cancelled at once.
// Must not be called from a delegate callback or from the Conn's own queue.
func (c *Conn) Await(kind wait.Kind, timeout time.Duration) wait.Outcome {
	ticket, outcome, pending := c.ticket(kind)
	if !pending {
		return outcome
	}
	return ticket.Await(timeout)
}

func (c *Conn) AwaitContext(ctx context.Context, kind wait.Kind) wait.Outcome {
	ticket, outcome, pending := c.ticket(kind)
	if !pending {
		return outcome
	}
	return ticket.AwaitContext(ctx)
}

// ticket takes a ticket for kind under the lock, or reports the outcome
// directly when the current state already decides it.
func (c *Conn) ticket(kind wait.Kind) (wait.Ticket, wait.Outcome, bool) {
	c.access.Lock()
	defer c.access.Unlock()
	switch {
	case kind == wait.Connected && c.state == StateConnected,
		kind == wait.Disconnected && c.state == StateDisconnected,
		kind == wait.WriteFlushed && c.state == StateConnected && c.writeQueue.Length() == 0:
		return wait.Ticket{}, wait.Occurred, false
	case c.state == StateDisconnected && (kind == wait.Readable || kind == wait.WriteFlushed || kind == wait.Failed):
		return wait.Ticket{}, wait.Cancelled, false
	}
	return c.bridge.Ticket(kind), wait.TimedOut, true
}
