package archive

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"

	"voxelstream.ai/internal/sim/voxel"
)

// Layout:
//
//	uint16 LE metadata length N
//	N bytes of JSON metadata
//	repeated until EOF: int16 LE x, y, z then chunkSize³*4 voxel bytes

// FormatVersion is written when metadata carries no version.
const FormatVersion = "1.0.0"

const coordBytes = 6

var (
	ErrChunkSizeMismatch = errors.New("archive: chunk size mismatch")
	ErrTruncated         = errors.New("archive: truncated chunk record")
	ErrCoordRange        = errors.New("archive: chunk coordinate out of int16 range")
	ErrMetadata          = errors.New("archive: invalid metadata")
)

type Metadata struct {
	ChunkSize int            `json:"chunkSize"`
	Scale     float64        `json:"scale,omitempty"`
	Name      string         `json:"name,omitempty"`
	Author    string         `json:"author,omitempty"`
	Spawn     *[3]float64    `json:"spawn,omitempty"`
	Version   string         `json:"version,omitempty"`
	ID        string         `json:"id,omitempty"`
	Created   string         `json:"created,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

type Chunk struct {
	Key  voxel.ChunkKey
	Data []byte
}

// RecordLen is the byte length of one chunk record.
func RecordLen(chunkSize int) int { return coordBytes + voxel.BufferLen(chunkSize) }

type Writer struct {
	bw   *bufio.Writer
	meta Metadata
	n    int
}

// NewWriter writes the metadata block. An empty ID gets a fresh UUID.
func NewWriter(w io.Writer, meta Metadata) (*Writer, error) {
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.Version == "" {
		meta.Version = FormatVersion
	}
	if meta.Created == "" {
		meta.Created = time.Now().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("archive: marshal metadata: %w", err)
	}
	if err := ValidateMetadata(b); err != nil {
		return nil, err
	}
	if len(b) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: metadata is %d bytes", ErrMetadata, len(b))
	}
	bw := bufio.NewWriterSize(w, 256*1024)
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(b)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return nil, err
	}
	if _, err := bw.Write(b); err != nil {
		return nil, err
	}
	return &Writer{bw: bw, meta: meta}, nil
}

func (w *Writer) Metadata() Metadata { return w.meta }

func (w *Writer) Count() int { return w.n }

func (w *Writer) WriteChunk(key voxel.ChunkKey, data []byte) error {
	if err := voxel.CheckBuffer(w.meta.ChunkSize, data); err != nil {
		return fmt.Errorf("archive: chunk %s: %w", key, err)
	}
	if !fitsInt16(key.X) || !fitsInt16(key.Y) || !fitsInt16(key.Z) {
		return fmt.Errorf("%w: %s", ErrCoordRange, key)
	}
	var c [coordBytes]byte
	binary.LittleEndian.PutUint16(c[0:], uint16(int16(key.X)))
	binary.LittleEndian.PutUint16(c[2:], uint16(int16(key.Y)))
	binary.LittleEndian.PutUint16(c[4:], uint16(int16(key.Z)))
	if _, err := w.bw.Write(c[:]); err != nil {
		return err
	}
	if _, err := w.bw.Write(data); err != nil {
		return err
	}
	w.n++
	return nil
}

// Flush must be called once all chunks are written.
func (w *Writer) Flush() error { return w.bw.Flush() }

func fitsInt16(v int) bool { return v >= math.MinInt16 && v <= math.MaxInt16 }

type Reader struct {
	br   *bufio.Reader
	meta Metadata
	buf  []byte
}

// NewReader reads and validates the metadata block.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 256*1024)
	var hdr [2]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrMetadata, err)
	}
	n := int(binary.LittleEndian.Uint16(hdr[:]))
	b := make([]byte, n)
	if _, err := io.ReadFull(br, b); err != nil {
		return nil, fmt.Errorf("%w: read %d bytes: %v", ErrMetadata, n, err)
	}
	if err := ValidateMetadata(b); err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	return &Reader{br: br, meta: meta, buf: make([]byte, RecordLen(meta.ChunkSize))}, nil
}

func (r *Reader) Metadata() Metadata { return r.meta }

// Expect fails with ErrChunkSizeMismatch unless the archive uses chunkSize.
func (r *Reader) Expect(chunkSize int) error {
	if r.meta.ChunkSize != chunkSize {
		return fmt.Errorf("%w: archive=%d store=%d", ErrChunkSizeMismatch, r.meta.ChunkSize, chunkSize)
	}
	return nil
}

// Next returns the next chunk, or io.EOF after the last one. The returned
// buffer is freshly allocated.
func (r *Reader) Next() (Chunk, error) {
	n, err := io.ReadFull(r.br, r.buf)
	if err == io.EOF {
		return Chunk{}, io.EOF
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, n, len(r.buf))
	}
	key := voxel.ChunkKey{
		X: int(int16(binary.LittleEndian.Uint16(r.buf[0:]))),
		Y: int(int16(binary.LittleEndian.Uint16(r.buf[2:]))),
		Z: int(int16(binary.LittleEndian.Uint16(r.buf[4:]))),
	}
	data := make([]byte, len(r.buf)-coordBytes)
	copy(data, r.buf[coordBytes:])
	return Chunk{Key: key, Data: data}, nil
}

// ReadAll drains the remaining chunks.
func (r *Reader) ReadAll() ([]Chunk, error) {
	var out []Chunk
	for {
		c, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
}

func Encode(w io.Writer, meta Metadata, chunks []Chunk) error {
	aw, err := NewWriter(w, meta)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := aw.WriteChunk(c.Key, c.Data); err != nil {
			return err
		}
	}
	return aw.Flush()
}

func Decode(r io.Reader) (Metadata, []Chunk, error) {
	ar, err := NewReader(r)
	if err != nil {
		return Metadata{}, nil, err
	}
	chunks, err := ar.ReadAll()
	if err != nil {
		return ar.meta, nil, err
	}
	return ar.meta, chunks, nil
}
