package chunkdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite writes through a single writer goroutine. Sets are queued and
// batched into transactions; a full queue drops the write. Reads see queued
// writes before they are committed.
type SQLite struct {
	db  *sql.DB
	log *log.Logger

	ch   chan setReq
	wg   sync.WaitGroup
	once sync.Once

	// sendMu orders sends on ch against Close closing it.
	sendMu sync.RWMutex
	closed atomic.Bool

	mu       sync.Mutex
	unsynced map[string][]byte

	reads     atomic.Uint64
	hits      atomic.Uint64
	writes    atomic.Uint64
	writeErrs atomic.Uint64
	dropped   atomic.Uint64
}

type setReq struct {
	key  string
	data []byte
}

const sqliteQueue = 4096

func OpenSQLite(path string, logger *log.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL lets readers run next to the writer connection.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLite{
		db:       db,
		log:      orDiscard(logger),
		ch:       make(chan setReq, sqliteQueue),
		unsynced: map[string][]byte{},
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.reads.Add(1)
	s.mu.Lock()
	if b, ok := s.unsynced[key]; ok {
		s.mu.Unlock()
		s.hits.Add(1)
		return append([]byte(nil), b...), true, nil
	}
	s.mu.Unlock()
	if s.closed.Load() {
		return nil, false, errors.New("chunkdb: closed")
	}

	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM chunks WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err := unpack(blob)
	if err != nil {
		return nil, false, err
	}
	s.hits.Add(1)
	return data, true, nil
}

// Set queues a write. data must not be modified afterwards. Writes after
// Close are counted as dropped.
func (s *SQLite) Set(key string, data []byte) {
	if s == nil {
		return
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	s.mu.Lock()
	s.unsynced[key] = data
	s.mu.Unlock()
	select {
	case s.ch <- setReq{key: key, data: data}:
	default:
		// Drop if the writer falls behind; the edit stays resident in memory.
		s.dropped.Add(1)
		s.forget([]setReq{{key: key, data: data}})
	}
}

func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM chunks ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := map[string]bool{}
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		seen[k] = true
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	for k := range s.unsynced {
		if !seen[k] {
			out = append(out, k)
		}
	}
	s.mu.Unlock()
	return out, nil
}

func (s *SQLite) Stats() Stats {
	return Stats{
		Backend:    "sqlite",
		Reads:      s.reads.Load(),
		Hits:       s.hits.Load(),
		Writes:     s.writes.Load(),
		WriteErrs:  s.writeErrs.Load(),
		Dropped:    s.dropped.Load(),
		QueueDepth: len(s.ch),
		QueueCap:   cap(s.ch),
	}
}

// Close drains queued writes and closes the database.
func (s *SQLite) Close() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.sendMu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLite) loop() {
	ctx := context.Background()
	upsert, err := s.db.Prepare(`INSERT OR REPLACE INTO chunks(key,data,updated_at) VALUES(?,?,?)`)
	if err != nil {
		s.log.Printf("[chunkdb] prepare upsert: %v", err)
		for range s.ch {
			s.writeErrs.Add(1)
		}
		return
	}
	defer upsert.Close()

	const batchMax = 256
	batch := make([]setReq, 0, batchMax)
	for r := range s.ch {
		batch = append(batch[:0], r)
	drain:
		for len(batch) < batchMax {
			select {
			case r, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch = append(batch, r)
			default:
				break drain
			}
		}
		s.writeBatch(ctx, upsert, batch)
	}
}

func (s *SQLite) writeBatch(ctx context.Context, upsert *sql.Stmt, batch []setReq) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.failBatch(batch, err)
		return
	}
	stmt := tx.Stmt(upsert)
	for _, r := range batch {
		blob, err := pack(r.data)
		if err == nil {
			_, err = stmt.Exec(r.key, blob, now)
		}
		if err != nil {
			_ = tx.Rollback()
			s.failBatch(batch, err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		s.failBatch(batch, err)
		return
	}
	s.writes.Add(uint64(len(batch)))
	s.forget(batch)
}

func (s *SQLite) failBatch(batch []setReq, err error) {
	s.writeErrs.Add(uint64(len(batch)))
	s.log.Printf("[chunkdb] sqlite write of %d chunks failed: %v", len(batch), err)
	s.forget(batch)
}

// forget drops read-through entries unless a newer Set replaced them.
func (s *SQLite) forget(batch []setReq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range batch {
		if cur, ok := s.unsynced[r.key]; ok && len(cur) > 0 && len(r.data) > 0 && &cur[0] == &r.data[0] {
			delete(s.unsynced, r.key)
		}
	}
}
