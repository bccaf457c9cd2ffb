// Package chunkdb holds the durable chunk gateways used by the streaming world.
// Every gateway stores zstd-compressed voxel buffers under "x:y:z" keys.
package chunkdb

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Gateway is a world.Storage that can also list and close.
type Gateway interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(key string, data []byte)
	Keys(ctx context.Context) ([]string, error)
	Stats() Stats
	Close() error
}

type Stats struct {
	Backend    string `json:"backend"`
	Reads      uint64 `json:"reads"`
	Hits       uint64 `json:"hits"`
	Writes     uint64 `json:"writes"`
	WriteErrs  uint64 `json:"write_errors"`
	Dropped    uint64 `json:"dropped"`
	QueueDepth int    `json:"queue_depth"`
	QueueCap   int    `json:"queue_capacity"`
}

// Open picks a backend by name: sqlite, leveldb or memory.
func Open(kind, path string, logger *log.Logger) (Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "sqlite", "":
		return OpenSQLite(path, logger)
	case "leveldb", "ldb":
		return OpenLevelDB(path, logger)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown chunkdb backend %q", kind)
	}
}

func orDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return l
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

func pack(data []byte) ([]byte, error) {
	enc, _, err := codec()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/8)), nil
}

func unpack(blob []byte) ([]byte, error) {
	_, dec, err := codec()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decode chunk blob: %w", err)
	}
	return out, nil
}
