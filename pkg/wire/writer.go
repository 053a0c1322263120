package wire

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// minCompressBody is the smallest body worth compressing.
const minCompressBody = 256

// AppendFrame encodes one frame onto dst. Bodies that do not shrink under
// the requested compression are sent uncompressed.
func AppendFrame(dst []byte, method Method, body []byte, c Compression) ([]byte, error) {
	if uint64(len(body)) > math.MaxUint32 {
		return dst, fmt.Errorf("body of %d bytes does not fit a frame", len(body))
	}
	payload := body
	if c != CompressionNone && len(body) >= minCompressBody {
		out, err := compressBody(body, c)
		switch {
		case err == nil:
			payload = out
		case errors.Is(err, errIncompressible):
			c = CompressionNone
		default:
			return dst, err
		}
	} else {
		c = CompressionNone
	}

	h := Header{
		Method:    method,
		Flags:     Flags(0).WithCompression(c),
		Length:    uint32(len(payload)),
		RawLength: uint32(len(body)),
	}
	var hdr [HeaderSize]byte
	h.Encode(hdr[:])
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// Writer buffers outgoing frames and writes them to the underlying stream
// on Flush. Several responses to one batch therefore leave in one write.
type Writer struct {
	dst         io.Writer
	buf         []byte
	compression Compression
}

// NewWriter returns a Writer that stages frames in buf (its length is
// discarded, its capacity reused).
func NewWriter(dst io.Writer, buf []byte, c Compression) *Writer {
	return &Writer{dst: dst, buf: buf[:0], compression: c}
}

// WriteFrame stages a frame for the next Flush.
func (w *Writer) WriteFrame(method Method, body []byte) error {
	var err error
	w.buf, err = AppendFrame(w.buf, method, body, w.compression)
	return err
}

// Buffered returns the number of staged bytes.
func (w *Writer) Buffered() int {
	return len(w.buf)
}

// Flush writes every staged frame.
func (w *Writer) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	_, err := w.dst.Write(w.buf)
	w.buf = w.buf[:0]
	return err
}
