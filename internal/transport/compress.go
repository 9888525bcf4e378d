package transport

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compression is the request body compression algorithm.
type Compression string

const (
	// CompressionNone disables request compression.
	CompressionNone Compression = "none"
	// CompressionGzip uses gzip (widest server support).
	CompressionGzip Compression = "gzip"
	// CompressionZstd uses zstd (better ratio and speed).
	CompressionZstd Compression = "zstd"
)

// ParseCompression parses a compression name.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unsupported compression: %q", s)
	}
}

// compressor holds the per-transport compression state. The zstd encoder is
// created once and reused via EncodeAll, which is safe for concurrent use.
type compressor struct {
	kind Compression
	zstd *zstd.Encoder

	gzipPool sync.Pool
}

func newCompressor(kind Compression) (*compressor, error) {
	c := &compressor{kind: kind}
	if kind == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.zstd = enc
	}
	return c, nil
}

func (c *compressor) enabled() bool {
	return c.kind != CompressionNone && c.kind != ""
}

// contentEncoding returns the Content-Encoding header value, or "".
func (c *compressor) contentEncoding() string {
	switch c.kind {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return ""
	}
}

func (c *compressor) compress(data []byte) ([]byte, error) {
	switch c.kind {
	case CompressionGzip:
		return c.compressGzip(data)
	case CompressionZstd:
		return c.zstd.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return data, nil
	}
}

func (c *compressor) compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, _ := c.gzipPool.Get().(*gzip.Writer)
	if w == nil {
		w = gzip.NewWriter(&buf)
	} else {
		w.Reset(&buf)
	}
	defer c.gzipPool.Put(w)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to gzip batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}
