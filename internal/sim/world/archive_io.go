package world

import (
	"fmt"
	"io"

	"voxelstream.ai/internal/persistence/archive"
)

// ImportChunks replaces the world's contents with an archive. The archive is
// fully read and checked before anything is touched, so a chunk size mismatch
// or a truncated record leaves the world as it was. On success the world is
// reset, every chunk is written to storage when one is configured and becomes
// resident up to MaxResidentChunks, and the next UpdateChunks rebuilds meshes
// from it.
func (w *World) ImportChunks(r io.Reader) (archive.Metadata, error) {
	if w.disposed {
		return archive.Metadata{}, ErrDisposed
	}
	rc, err := archive.NewDecompressedReader(r, archive.None)
	if err != nil {
		return archive.Metadata{}, err
	}
	defer rc.Close()
	ar, err := archive.NewReader(rc)
	if err != nil {
		return archive.Metadata{}, err
	}
	meta := ar.Metadata()
	if err := ar.Expect(w.cfg.ChunkSize); err != nil {
		return meta, err
	}
	chunks, err := ar.ReadAll()
	if err != nil {
		return meta, err
	}

	w.Reset()
	for _, c := range chunks {
		if w.storage != nil {
			data := make([]byte, len(c.Data))
			copy(data, c.Data)
			w.storage.Set(c.Key.StorageKey(), data)
		}
		if err := w.store.Put(c.Key, c.Data); err != nil {
			return meta, fmt.Errorf("import %s: %w", c.Key, err)
		}
	}
	if meta.Scale > 0 {
		w.cfg.Scale = meta.Scale
	}
	w.counters.Imports++
	w.log.Printf("[world] imported %d chunks (archive %s, chunkSize=%d)", len(chunks), meta.ID, meta.ChunkSize)
	return meta, nil
}

// ExportChunks writes every resident chunk, ordered by z, y, x. ChunkSize and
// Scale in meta are overwritten with the world's values.
func (w *World) ExportChunks(wr io.Writer, meta archive.Metadata) (archive.Metadata, error) {
	meta.ChunkSize = w.cfg.ChunkSize
	meta.Scale = w.cfg.Scale
	aw, err := archive.NewWriter(wr, meta)
	if err != nil {
		return meta, err
	}
	for _, key := range w.store.Keys() {
		buf, _ := w.store.Peek(key)
		if err := aw.WriteChunk(key, buf); err != nil {
			return aw.Metadata(), err
		}
	}
	if err := aw.Flush(); err != nil {
		return aw.Metadata(), err
	}
	return aw.Metadata(), nil
}
