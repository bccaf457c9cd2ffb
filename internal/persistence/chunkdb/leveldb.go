package chunkdb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/opt"
)

// LevelDB stores chunks in an embedded LevelDB directory. Writes are applied
// synchronously on the caller.
type LevelDB struct {
	db  *leveldb.DB
	log *log.Logger

	reads     atomic.Uint64
	hits      atomic.Uint64
	writes    atomic.Uint64
	writeErrs atomic.Uint64
}

func OpenLevelDB(dir string, logger *log.Logger) (*LevelDB, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty leveldb dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	// Blobs are already zstd compressed.
	db, err := leveldb.OpenFile(dir, &opt.Options{Compression: opt.NoCompression})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", dir, err)
	}
	return &LevelDB{db: db, log: orDiscard(logger)}, nil
}

func (l *LevelDB) Get(_ context.Context, key string) ([]byte, bool, error) {
	l.reads.Add(1)
	blob, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err := unpack(blob)
	if err != nil {
		return nil, false, err
	}
	l.hits.Add(1)
	return data, true, nil
}

func (l *LevelDB) Set(key string, data []byte) {
	blob, err := pack(data)
	if err == nil {
		err = l.db.Put([]byte(key), blob, nil)
	}
	if err != nil {
		l.writeErrs.Add(1)
		l.log.Printf("[chunkdb] leveldb put %s: %v", key, err)
		return
	}
	l.writes.Add(1)
}

func (l *LevelDB) Keys(_ context.Context) ([]string, error) {
	it := l.db.NewIterator(nil, nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(it.Key()))
	}
	return out, it.Error()
}

func (l *LevelDB) Stats() Stats {
	return Stats{
		Backend:   "leveldb",
		Reads:     l.reads.Load(),
		Hits:      l.hits.Load(),
		Writes:    l.writes.Load(),
		WriteErrs: l.writeErrs.Load(),
	}
}

func (l *LevelDB) Close() error { return l.db.Close() }
