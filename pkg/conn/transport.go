package conn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// tlsRecordHandshake is the first byte of every TLS ClientHello record.
const tlsRecordHandshake = 0x16

// ErrClosed is the sentinel for operations on a closed connection or server.
var ErrClosed = errors.New("connection closed")

// TransportError reports a socket-level failure. It is fatal to the
// connection and to nothing else.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// availConn exposes the kernel receive queue of a plain socket to the
// frame reader.
type availConn struct {
	net.Conn
}

func (c availConn) Available() (int, error) {
	sc, ok := c.Conn.(syscall.Conn)
	if !ok {
		return 0, nil
	}
	return socketAvailable(sc)
}

// rawConn sits between a socket and crypto/tls. Inbound transport bytes
// are staged in the BufferSet's receive buffer; outbound handshake bytes
// go out through its send buffer.
type rawConn struct {
	net.Conn
	bufs *BufferSet
	r, w int
}

func newRawConn(c net.Conn, bufs *BufferSet) *rawConn {
	return &rawConn{Conn: c, bufs: bufs}
}

// inbound is Recv during the handshake and SSL after it. Both name the
// same array, so staged bytes survive FinalizeHandshake.
func (c *rawConn) inbound() []byte {
	if c.bufs.SSL != nil {
		return c.bufs.SSL
	}
	return c.bufs.Recv
}

// fill reads at least one byte into the inbound buffer.
func (c *rawConn) fill() error {
	in := c.inbound()
	if c.r == c.w {
		c.r, c.w = 0, 0
	}
	n, err := c.Conn.Read(in[c.w:])
	c.w += n
	if n > 0 {
		return nil
	}
	return err
}

// peekByte returns the first pending byte without consuming it.
func (c *rawConn) peekByte() (byte, error) {
	for c.r == c.w {
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	return c.inbound()[c.r], nil
}

// Buffered returns how many inbound bytes are staged.
func (c *rawConn) Buffered() int {
	return c.w - c.r
}

func (c *rawConn) Read(p []byte) (int, error) {
	if c.r == c.w {
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.inbound()[c.r:c.w])
	c.r += n
	return n, nil
}

func (c *rawConn) Write(p []byte) (int, error) {
	send := c.bufs.Send
	if send == nil {
		return c.Conn.Write(p)
	}
	written := 0
	for written < len(p) {
		n := copy(send, p[written:])
		if _, err := c.Conn.Write(send[:n]); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// tlsStageSize bounds how much plaintext Available pulls ahead of the reader.
const tlsStageSize = 1024

// tlsStream is the plaintext side of an encrypted connection. Plaintext
// that crypto/tls has already decrypted never shows up on the socket, so
// Available stages it with a read that cannot block.
type tlsStream struct {
	*tls.Conn
	stage []byte
	r, w  int
	err   error // from the staging read, reported once stage drains
}

func (s *tlsStream) Read(p []byte) (int, error) {
	if s.r < s.w {
		n := copy(p, s.stage[s.r:s.w])
		s.r += n
		return n, nil
	}
	if s.err != nil {
		err := s.err
		s.err = nil
		return 0, err
	}
	return s.Conn.Read(p)
}

// Available returns the staged plaintext, first trying to stage some when
// none is left.
func (s *tlsStream) Available() (int, error) {
	if s.r < s.w {
		return s.w - s.r, nil
	}
	if s.err != nil {
		return 0, nil
	}
	if s.stage == nil {
		s.stage = make([]byte, tlsStageSize)
	}
	if err := s.Conn.SetReadDeadline(time.Now()); err != nil {
		return 0, err
	}
	n, err := s.Conn.Read(s.stage)
	if derr := s.Conn.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		err = derr
	}
	s.r, s.w = 0, n
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		s.err = err
	}
	return n, nil
}
