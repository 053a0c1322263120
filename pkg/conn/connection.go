// Package conn drives accepted sockets: it owns each connection's buffers,
// runs the frame read loop and hands batches of frames to a Handler.
//
// Every Connection is owned by the goroutine running its Serve method.
// Nothing inside a Connection is shared with other connections, so the
// read loop needs no locking. Close may be called from any goroutine; it
// closes the socket, which makes the blocked read fail and the loop exit.
package conn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/salahayoub/restfleet/pkg/wire"
)

// progressEvery controls how often the read loop logs its frame count.
const progressEvery = 100

// Handler processes one batch of frames. Replies staged with
// Connection.Reply are flushed after HandleBatch returns. Returning an
// error closes the connection.
type Handler interface {
	HandleBatch(ctx context.Context, c *Connection, batch []*wire.Frame) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Connection, batch []*wire.Frame) error

// HandleBatch calls f.
func (f HandlerFunc) HandleBatch(ctx context.Context, c *Connection, batch []*wire.Frame) error {
	return f(ctx, c, batch)
}

// Connection is one live socket plus its buffers and frame codec.
type Connection struct {
	id        uint64
	conn      net.Conn
	bufs      *BufferSet
	reader    *wire.Reader
	writer    *wire.Writer
	encrypted bool

	handler Handler
	logger  *slog.Logger

	batches atomic.Int64
	frames  atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// ID returns the server-assigned connection id.
func (c *Connection) ID() uint64 {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Encrypted reports whether the connection runs over TLS.
func (c *Connection) Encrypted() bool {
	return c.encrypted
}

// Frames returns the number of frames received.
func (c *Connection) Frames() int64 {
	return c.frames.Load()
}

// Batches returns the number of batches delivered to the handler.
func (c *Connection) Batches() int64 {
	return c.batches.Load()
}

// Reply stages a frame to send once the current batch is handled.
func (c *Connection) Reply(method wire.Method, body []byte) error {
	return c.writer.WriteFrame(method, body)
}

// Flush sends every staged reply.
func (c *Connection) Flush() error {
	if err := c.writer.Flush(); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close closes the socket. The read loop notices on its next read.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// Serve runs the read loop until the peer closes, the socket fails or the
// handler gives up. The BufferSet is released before Serve returns. A clean
// close by either side returns nil.
func (c *Connection) Serve(ctx context.Context) error {
	defer c.bufs.Release()
	defer c.Close()

	for {
		batch, readErr := c.reader.ReadBatch()
		if len(batch) > 0 {
			if err := c.deliver(ctx, batch); err != nil {
				return err
			}
		}
		if readErr != nil {
			return c.readFailed(readErr)
		}
	}
}

func (c *Connection) deliver(ctx context.Context, batch []*wire.Frame) error {
	before := c.frames.Load()
	total := c.frames.Add(int64(len(batch)))
	c.batches.Add(1)
	if total/progressEvery > before/progressEvery {
		c.logger.Info("read requests", "frames", total, "bytes", c.reader.Bytes())
	}
	c.logger.Debug("received batch", "frames", len(batch))

	if err := c.handler.HandleBatch(ctx, c, batch); err != nil {
		c.logger.Warn("handler failed, closing connection", "error", err)
		return err
	}
	if err := c.Flush(); err != nil {
		if c.closed.Load() {
			return nil
		}
		c.logger.Error("reply failed", "error", err)
		return err
	}
	return nil
}

func (c *Connection) readFailed(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		c.logger.Debug("peer closed connection")
		return nil
	case c.closed.Load() || errors.Is(err, net.ErrClosed):
		return nil
	case errors.Is(err, wire.ErrProtocol):
		c.logger.Warn("dropping connection", "error", err)
		return err
	default:
		terr := &TransportError{Op: "read", Err: err}
		c.logger.Error("connection failed", "error", terr)
		return terr
	}
}
