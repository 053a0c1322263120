package wire

import (
	"errors"
	"io"
)

// defaultBufferSize is used when NewReader is handed a nil buffer.
const defaultBufferSize = 4 * 1024

// maxEmptyReads bounds consecutive (0, nil) reads before giving up.
const maxEmptyReads = 100

// Availabler is implemented by sources that can report how many bytes
// could be read right now without blocking.
type Availabler interface {
	Available() (int, error)
}

// Reader decodes frames from a byte stream. It buffers through a
// caller-supplied slice so connections can hand it a pooled buffer.
//
// A Reader is not safe for concurrent use; it belongs to the goroutine
// that drives the connection.
type Reader struct {
	src     io.Reader
	buf     []byte
	r, w    int
	err     error // sticky error from src, reported once buffered bytes run out
	maxBody int

	frames int64
	bytes  int64
}

// NewReader returns a Reader pulling from src through buf. A buf shorter
// than HeaderSize is replaced by a freshly allocated one. maxBody <= 0
// selects DefaultMaxBody.
func NewReader(src io.Reader, buf []byte, maxBody int) *Reader {
	if len(buf) < HeaderSize {
		buf = make([]byte, defaultBufferSize)
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Reader{src: src, buf: buf, maxBody: maxBody}
}

// NewPrimedReader is like NewReader for a buf whose first n bytes were
// already taken from src, for example while sniffing the transport.
func NewPrimedReader(src io.Reader, buf []byte, n int, maxBody int) *Reader {
	if n > len(buf) {
		n = len(buf)
	}
	if len(buf) < HeaderSize {
		grown := make([]byte, defaultBufferSize)
		copy(grown, buf[:n])
		buf = grown
	}
	rd := NewReader(src, buf, maxBody)
	rd.w = n
	return rd
}

// Buffered returns the number of bytes read from src but not yet decoded.
func (rd *Reader) Buffered() int {
	return rd.w - rd.r
}

// Frames returns the number of frames decoded so far.
func (rd *Reader) Frames() int64 {
	return rd.frames
}

// Bytes returns the number of bytes consumed from src so far.
func (rd *Reader) Bytes() int64 {
	return rd.bytes
}

// Pending reports whether another frame can be started without blocking:
// either bytes are already buffered, or the source says some are waiting.
func (rd *Reader) Pending() bool {
	if rd.w > rd.r {
		return true
	}
	if rd.err != nil {
		return false
	}
	a, ok := rd.src.(Availabler)
	if !ok {
		return false
	}
	n, err := a.Available()
	return err == nil && n > 0
}

// ReadBatch decodes frames until the stream has no immediately available
// bytes and returns them in arrival order. It blocks for at least one
// complete frame.
//
// When an error interrupts the batch the frames completed before it are
// returned together with the error; they are whole and may be handled.
// io.EOF is returned only when the stream closed on a frame boundary.
func (rd *Reader) ReadBatch() ([]*Frame, error) {
	var batch []*Frame
	for {
		f, err := rd.ReadFrame()
		if err != nil {
			return batch, err
		}
		batch = append(batch, f)
		if !rd.Pending() {
			return batch, nil
		}
	}
}

// ReadFrame blocks until one complete frame has been read. Short reads are
// accumulated; a partial frame is never returned.
func (rd *Reader) ReadFrame() (*Frame, error) {
	hdr, err := rd.peek(HeaderSize, true)
	if err != nil {
		return nil, err
	}
	h, err := DecodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	if int64(h.Length) > int64(rd.maxBody) || int64(h.RawLength) > int64(rd.maxBody) {
		return nil, protocolErrorf("body length %d exceeds limit %d", max(h.Length, h.RawLength), rd.maxBody)
	}
	rd.r += HeaderSize

	body, err := rd.readBody(int(h.Length))
	if err != nil {
		return nil, err
	}
	decoded, err := decompressBody(body, h)
	if err != nil {
		return nil, err
	}

	rd.frames++
	rd.bytes += int64(HeaderSize) + int64(h.Length)
	return &Frame{Header: h, Body: decoded}, nil
}

// peek makes n buffered bytes available and returns them without
// consuming. n must not exceed len(rd.buf). atBoundary marks a read that
// starts a new frame, where a clean end of stream is io.EOF.
func (rd *Reader) peek(n int, atBoundary bool) ([]byte, error) {
	for rd.w-rd.r < n {
		if err := rd.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				if atBoundary && rd.w == rd.r {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return rd.buf[rd.r : rd.r+n], nil
}

// readBody consumes and returns a private copy of the next n bytes.
func (rd *Reader) readBody(n int) ([]byte, error) {
	body := make([]byte, n)
	if n <= len(rd.buf) {
		b, err := rd.peek(n, false)
		if err != nil {
			return nil, err
		}
		copy(body, b)
		rd.r += n
		return body, nil
	}

	// Larger than the connection buffer: drain what is buffered and read the
	// remainder straight into the body.
	copied := copy(body, rd.buf[rd.r:rd.w])
	rd.r += copied
	if rd.err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	if _, err := io.ReadFull(rd.src, body[copied:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// fill reads once from src into the free tail of buf, compacting first.
func (rd *Reader) fill() error {
	if rd.err != nil {
		return rd.err
	}
	if rd.r > 0 {
		copy(rd.buf, rd.buf[rd.r:rd.w])
		rd.w -= rd.r
		rd.r = 0
	}
	if rd.w == len(rd.buf) {
		return protocolErrorf("buffer full")
	}
	for i := 0; i < maxEmptyReads; i++ {
		n, err := rd.src.Read(rd.buf[rd.w:])
		if n < 0 {
			return errors.New("wire: source returned negative count")
		}
		rd.w += n
		if err != nil {
			if n > 0 {
				rd.err = err
				return nil
			}
			return err
		}
		if n > 0 {
			return nil
		}
	}
	return io.ErrNoProgress
}
