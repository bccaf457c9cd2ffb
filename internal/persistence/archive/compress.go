package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Compression wraps a whole archive stream.
type Compression int

const (
	None Compression = iota
	Zstd
	// Deflate is a raw deflate stream without zlib or gzip framing.
	Deflate
)

func (c Compression) String() string {
	switch c {
	case Zstd:
		return "zstd"
	case Deflate:
		return "deflate"
	default:
		return "none"
	}
}

func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "raw":
		return None, nil
	case "zstd", "zst":
		return Zstd, nil
	case "deflate", "flate":
		return Deflate, nil
	default:
		return None, fmt.Errorf("unknown compression %q", s)
	}
}

// CompressionForPath picks a compression from the file extension.
func CompressionForPath(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return Zstd
	case ".deflate", ".dfl":
		return Deflate
	default:
		return None
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewCompressedWriter wraps w. Close flushes the compressor but not w.
func NewCompressedWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case Deflate:
		return flate.NewWriter(w, flate.DefaultCompression)
	default:
		return nopWriteCloser{w}, nil
	}
}

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// NewDecompressedReader unwraps r. Zstd streams are recognized by their
// magic number even when c is None; raw deflate has no magic and must be
// requested explicitly.
func NewDecompressedReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	if c == None {
		br := bufio.NewReader(r)
		if head, _ := br.Peek(len(zstdMagic)); bytes.Equal(head, zstdMagic) {
			c = Zstd
		}
		r = br
	}
	switch c {
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("archive: zstd: %w", err)
		}
		return dec.IOReadCloser(), nil
	case Deflate:
		return flate.NewReader(r), nil
	default:
		return io.NopCloser(r), nil
	}
}
