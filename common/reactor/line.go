//go:build unix

package reactor

import (
	"context"

	"github.com/sagernet/sing-socket/common/lineio"
	"github.com/sagernet/sing-socket/common/wait"
)

// CanReadLine reports whether a complete line is buffered. It never changes
// the buffer.
func (c *Conn) CanReadLine(separator string, encoding lineio.Encoding) bool {
	c.access.Lock()
	defer c.access.Unlock()
	return c.framer.CanReadLine(c.readBuffer.Bytes(), separator, encoding)
}

// ReadLine removes the first buffered line and its separator and returns the
// decoded text. It returns lineio.ErrNoLine when no complete line is buffered
// and an lineio.ErrDecode error, consuming nothing, when the line is not valid
// in encoding. Such a line blocks the ones behind it until it is read with
// another encoding or dropped with SkipLine.
func (c *Conn) ReadLine(separator string, encoding lineio.Encoding) (string, error) {
	c.access.Lock()
	defer c.access.Unlock()
	return c.readLineLocked(separator, encoding)
}

// SkipLine drops the first buffered line and its separator without decoding
// it and returns the number of bytes dropped, or 0 when no line is complete.
func (c *Conn) SkipLine(separator string, encoding lineio.Encoding) int {
	c.access.Lock()
	defer c.access.Unlock()
	length := c.framer.LineLength(c.readBuffer.Bytes(), separator, encoding)
	if length < 0 {
		return 0
	}
	c.readBuffer.Advance(length)
	c.framer.Consumed(length)
	return length
}

func (c *Conn) readLineLocked(separator string, encoding lineio.Encoding) (string, error) {
	line, consumed, err := c.framer.ReadLine(c.readBuffer.Bytes(), separator, encoding)
	if err != nil {
		return "", err
	}
	c.readBuffer.Advance(consumed)
	c.framer.Consumed(consumed)
	return line, nil
}

// WriteLine encodes text followed by separator and queues it.
func (c *Conn) WriteLine(text string, separator string, encoding lineio.Encoding) error {
	data, err := lineio.EncodeLine(text, separator, encoding)
	if err != nil {
		return err
	}
	return c.Write(data)
}

// ReadLineContext blocks until a line is available, the Conn disconnects or
// ctx is done. Buffered lines are still returned after a disconnect.
func (c *Conn) ReadLineContext(ctx context.Context, separator string, encoding lineio.Encoding) (string, error) {
	for {
		c.access.Lock()
		line, err := c.readLineLocked(separator, encoding)
		if err != lineio.ErrNoLine {
			c.access.Unlock()
			return line, err
		}
		if c.state != StateConnected {
			c.access.Unlock()
			return "", ErrNotConnected
		}
		ticket := c.bridge.Ticket(wait.Readable)
		c.access.Unlock()
		if ticket.AwaitContext(ctx) == wait.TimedOut {
			return "", ctx.Err()
		}
	}
}
