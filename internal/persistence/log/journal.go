package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelstream.ai/internal/sim/world"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush pushes buffered lines through the encoder into the current file.
func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err error
	if w.w != nil {
		err = w.w.Flush()
	}
	if w.enc != nil {
		err = errors.Join(err, w.enc.Close())
		w.enc = nil
	}
	if w.f != nil {
		err = errors.Join(err, w.f.Close())
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// EditEntry is one journaled volume edit.
type EditEntry struct {
	Seq      uint64     `json:"seq"`
	Time     string     `json:"time"`
	Point    [3]float32 `json:"point"`
	Voxel    [3]int     `json:"voxel"`
	Radius   int        `json:"radius"`
	Value    uint8      `json:"value"`
	Color    *[3]uint8  `json:"color,omitempty"`
	Affected []string   `json:"affected"`
	Written  int        `json:"written"`
}

// EditJournal implements world.EditLogger on top of JSONLZstdWriter. Write
// errors are logged, never returned to the world.
type EditJournal struct {
	w   *JSONLZstdWriter
	log *stdlog.Logger
	seq uint64
}

func NewEditJournal(dataDir string, logger *stdlog.Logger) *EditJournal {
	if logger == nil {
		logger = stdlog.New(io.Discard, "", 0)
	}
	return &EditJournal{w: NewJSONLZstdWriter(filepath.Join(dataDir, "edits"), "edits"), log: logger}
}

func (j *EditJournal) LogEdit(e world.Edit) {
	j.seq++
	entry := EditEntry{
		Seq:      j.seq,
		Time:     j.w.now().UTC().Format(time.RFC3339Nano),
		Point:    e.Point,
		Voxel:    e.Voxel,
		Radius:   e.Radius,
		Value:    e.Value,
		Color:    e.Color,
		Affected: make([]string, 0, len(e.Affected)),
		Written:  e.Written,
	}
	for _, k := range e.Affected {
		entry.Affected = append(entry.Affected, k.StorageKey())
	}
	if err := j.w.Write(entry); err != nil {
		j.log.Printf("[journal] edit %d: %v", entry.Seq, err)
	}
}

func (j *EditJournal) Flush() error { return j.w.Flush() }
func (j *EditJournal) Close() error { return j.w.Close() }

// ReadEditFile decodes every entry of one journal file.
func ReadEditFile(path string) ([]EditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []EditEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e EditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s: line %d: %w", path, len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
