// Package wire implements the framed request protocol spoken on the
// plain and ssl listeners.
//
// Every message starts with a fixed 16-byte header:
//
//	offset  size  field
//	0       2     magic "RF"
//	2       1     version
//	3       1     method
//	4       2     flags (low two bits select body compression)
//	6       2     reserved, must be zero
//	8       4     body length on the wire, big-endian
//	12      4     decoded body length, big-endian
//
// A reader with no prior state can always tell how many bytes follow a
// header from the header alone.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed size of a frame header in bytes.
const HeaderSize = 16

// Version is the protocol version written into every header.
const Version = 1

// DefaultMaxBody bounds the body length a Reader accepts when the caller
// does not configure one.
const DefaultMaxBody = 16 << 20

var magic = [2]byte{'R', 'F'}

// ErrProtocol is the sentinel every ProtocolError unwraps to.
var ErrProtocol = errors.New("frame protocol error")

// ProtocolError reports a malformed header or body. It is fatal to the
// connection that produced it and to nothing else.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("frame protocol error: %s", e.Reason)
}

// Unwrap lets errors.Is match ErrProtocol.
func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Method discriminates what a frame carries.
type Method uint8

const (
	MethodPing Method = iota + 1
	MethodPong
	MethodRequest
	MethodResponse
	MethodError
)

// String returns a human-readable representation of the Method.
func (m Method) String() string {
	switch m {
	case MethodPing:
		return "ping"
	case MethodPong:
		return "pong"
	case MethodRequest:
		return "request"
	case MethodResponse:
		return "response"
	case MethodError:
		return "error"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

// Flags holds per-frame option bits.
type Flags uint16

const compressionMask Flags = 0x3

// Compression returns the body compression selected by the flags.
func (f Flags) Compression() Compression {
	return Compression(f & compressionMask)
}

// WithCompression returns f with its compression bits replaced by c.
func (f Flags) WithCompression(c Compression) Flags {
	return (f &^ compressionMask) | Flags(c)&compressionMask
}

// Header is the decoded form of the fixed frame header.
type Header struct {
	Method    Method
	Flags     Flags
	Length    uint32 // bytes that follow the header
	RawLength uint32 // body length after decompression
}

// Encode writes the header into dst, which must hold HeaderSize bytes.
func (h Header) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	dst[0] = magic[0]
	dst[1] = magic[1]
	dst[2] = Version
	dst[3] = byte(h.Method)
	binary.BigEndian.PutUint16(dst[4:6], uint16(h.Flags))
	dst[6] = 0
	dst[7] = 0
	binary.BigEndian.PutUint32(dst[8:12], h.Length)
	binary.BigEndian.PutUint32(dst[12:16], h.RawLength)
}

// DecodeHeader parses a header from b, which must hold HeaderSize bytes.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, protocolErrorf("short header: %d bytes", len(b))
	}
	if b[0] != magic[0] || b[1] != magic[1] {
		return Header{}, protocolErrorf("bad magic %#02x%02x", b[0], b[1])
	}
	if b[2] != Version {
		return Header{}, protocolErrorf("unsupported version %d", b[2])
	}
	if b[6] != 0 || b[7] != 0 {
		return Header{}, protocolErrorf("reserved bytes set")
	}
	h := Header{
		Method:    Method(b[3]),
		Flags:     Flags(binary.BigEndian.Uint16(b[4:6])),
		Length:    binary.BigEndian.Uint32(b[8:12]),
		RawLength: binary.BigEndian.Uint32(b[12:16]),
	}
	if h.Method == 0 {
		return Header{}, protocolErrorf("missing method")
	}
	if h.Flags.Compression() == CompressionNone && h.Length != h.RawLength {
		return Header{}, protocolErrorf("uncompressed body with length %d != raw length %d", h.Length, h.RawLength)
	}
	return h, nil
}

// Frame is one complete message. It is immutable once returned by a Reader.
type Frame struct {
	Header Header
	Body   []byte // decoded body
}

// Method is a shortcut for f.Header.Method.
func (f *Frame) Method() Method {
	return f.Header.Method
}
