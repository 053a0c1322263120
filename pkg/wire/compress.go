package wire

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a frame body is encoded on the wire.
// These values occupy the low two flag bits and are protocol constants.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// String returns the human-readable name of a compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses the names accepted in configuration.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

// errIncompressible makes encode fall back to an uncompressed body.
var errIncompressible = errors.New("body is incompressible")

// zstd.Encoder and zstd.Decoder are safe for concurrent use with the
// EncodeAll/DecodeAll APIs. DecodeAll never grows dst past its capacity,
// so the header's raw length bounds what one body can allocate.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecodeAllCapLimit(true))
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

func compressBody(body []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return body, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(body) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(body, nil)
		if len(out) >= len(body) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %d", c)
	}
}

func decompressBody(body []byte, h Header) ([]byte, error) {
	raw := int(h.RawLength)
	switch h.Flags.Compression() {
	case CompressionNone:
		return body, nil
	case CompressionLZ4:
		dst := make([]byte, raw)
		n, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, protocolErrorf("lz4 body: %v", err)
		}
		if n != raw {
			return nil, protocolErrorf("lz4 body: got %d bytes, header says %d", n, raw)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, raw))
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, protocolErrorf("zstd body: decodes past the %d bytes the header says", raw)
		}
		if err != nil {
			return nil, protocolErrorf("zstd body: %v", err)
		}
		if len(out) != raw {
			return nil, protocolErrorf("zstd body: got %d bytes, header says %d", len(out), raw)
		}
		return out, nil
	default:
		return nil, protocolErrorf("unknown compression %d", h.Flags.Compression())
	}
}
