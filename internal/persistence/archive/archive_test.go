package archive

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"voxelstream.ai/internal/sim/voxel"
)

func sampleChunks(cs int) []Chunk {
	keys := []voxel.ChunkKey{{X: 0, Y: 0, Z: 0}, {X: -1, Y: 2, Z: -3}, {X: 32767, Y: -32768, Z: 5}}
	out := make([]Chunk, 0, len(keys))
	for i, k := range keys {
		buf := voxel.NewBuffer(cs)
		for j := range buf {
			buf[j] = byte(i*31 + j*7)
		}
		out = append(out, Chunk{Key: k, Data: buf})
	}
	return out
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	const cs = 8
	in := sampleChunks(cs)
	var b bytes.Buffer
	meta := Metadata{ChunkSize: cs, Scale: 0.125, Name: "cave", Spawn: &[3]float64{0, 8, 0}}
	if err := Encode(&b, meta, in); err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, chunks, err := Decode(bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ChunkSize != cs || got.Scale != 0.125 || got.Name != "cave" {
		t.Fatalf("meta=%+v", got)
	}
	if got.ID == "" || got.Version != FormatVersion {
		t.Fatalf("id=%q version=%q", got.ID, got.Version)
	}
	if len(chunks) != len(in) {
		t.Fatalf("chunks=%d want %d", len(chunks), len(in))
	}
	for i := range in {
		if chunks[i].Key != in[i].Key {
			t.Fatalf("key[%d]=%v want %v", i, chunks[i].Key, in[i].Key)
		}
		if !bytes.Equal(chunks[i].Data, in[i].Data) {
			t.Fatalf("data[%d] differs", i)
		}
	}
}

func TestEncode_RecordStride(t *testing.T) {
	const cs = 4
	var b bytes.Buffer
	if err := Encode(&b, Metadata{ChunkSize: cs}, sampleChunks(cs)[:2]); err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := b.Bytes()
	n := int(raw[0]) | int(raw[1])<<8
	if got, want := len(raw)-2-n, 2*(6+cs*cs*cs*4); got != want {
		t.Fatalf("payload=%d want %d", got, want)
	}
	// Second record's coordinates: (-1, 2, -3) as int16 LE.
	rec := raw[2+n+RecordLen(cs):]
	if rec[0] != 0xFF || rec[1] != 0xFF || rec[2] != 2 || rec[4] != 0xFD {
		t.Fatalf("coords=% x", rec[:6])
	}
}

func TestWriter_RejectsOutOfRangeCoords(t *testing.T) {
	aw, err := NewWriter(io.Discard, Metadata{ChunkSize: 4})
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := aw.WriteChunk(voxel.ChunkKey{X: 40000}, voxel.NewBuffer(4)); !errors.Is(err, ErrCoordRange) {
		t.Fatalf("err=%v want ErrCoordRange", err)
	}
	if err := aw.WriteChunk(voxel.ChunkKey{}, make([]byte, 10)); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

func TestReader_ChunkSizeMismatchAndTruncation(t *testing.T) {
	var b bytes.Buffer
	if err := Encode(&b, Metadata{ChunkSize: 8}, sampleChunks(8)[:1]); err != nil {
		t.Fatalf("encode: %v", err)
	}
	ar, err := NewReader(bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	if err := ar.Expect(16); !errors.Is(err, ErrChunkSizeMismatch) {
		t.Fatalf("err=%v want ErrChunkSizeMismatch", err)
	}

	cut := b.Bytes()[:b.Len()-10]
	if _, _, err := Decode(bytes.NewReader(cut)); !errors.Is(err, ErrTruncated) {
		t.Fatalf("err=%v want ErrTruncated", err)
	}
}

func TestReader_RejectsInvalidMetadata(t *testing.T) {
	raw := []byte(`{"chunkSize":"big"}`)
	var b bytes.Buffer
	b.Write([]byte{byte(len(raw)), 0})
	b.Write(raw)
	if _, err := NewReader(&b); !errors.Is(err, ErrMetadata) {
		t.Fatalf("err=%v want ErrMetadata", err)
	}
	if _, err := NewWriter(io.Discard, Metadata{}); !errors.Is(err, ErrMetadata) {
		t.Fatalf("zero chunk size err=%v want ErrMetadata", err)
	}
}

func TestCompression_RoundTrip(t *testing.T) {
	const cs = 8
	for _, c := range []Compression{None, Zstd, Deflate} {
		var b bytes.Buffer
		cw, err := NewCompressedWriter(&b, c)
		if err != nil {
			t.Fatalf("%s writer: %v", c, err)
		}
		if err := Encode(cw, Metadata{ChunkSize: cs}, sampleChunks(cs)); err != nil {
			t.Fatalf("%s encode: %v", c, err)
		}
		if err := cw.Close(); err != nil {
			t.Fatalf("%s close: %v", c, err)
		}

		// Zstd is detected without a hint.
		hint := None
		if c == Deflate {
			hint = Deflate
		}
		rc, err := NewDecompressedReader(bytes.NewReader(b.Bytes()), hint)
		if err != nil {
			t.Fatalf("%s reader: %v", c, err)
		}
		_, chunks, err := Decode(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("%s decode: %v", c, err)
		}
		if len(chunks) != 3 {
			t.Fatalf("%s chunks=%d want 3", c, len(chunks))
		}
	}
}

func TestCompressionForPath(t *testing.T) {
	if CompressionForPath("a/b.bin.zst") != Zstd || CompressionForPath("x.deflate") != Deflate || CompressionForPath("x.bin") != None {
		t.Fatalf("extension mapping wrong")
	}
}
