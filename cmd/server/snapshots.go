package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/sim/world"
)

const snapshotInfix = ".chunks"

func (s *server) snapshotLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.writeSnapshot(ctx); err != nil && ctx.Err() == nil {
				s.log.Printf("snapshot: %v", err)
			}
		}
	}
}

// writeSnapshot exports the resident chunks to <snapDir>/<unixms>.chunks[.ext]
// and prunes older snapshots beyond snapKeep.
func (s *server) writeSnapshot(ctx context.Context) (string, error) {
	body, meta, err := s.export(ctx, s.compression, archive.Metadata{Name: "snapshot"})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.snapDir, 0o755); err != nil {
		return "", err
	}
	name := strconv.FormatInt(time.Now().UnixMilli(), 10) + snapshotInfix + snapshotExt(s.compression)
	path := filepath.Join(s.snapDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	s.log.Printf("snapshot written: %s (%d bytes, id=%s)", name, len(body), meta.ID)
	if n := pruneSnapshots(s.snapDir, s.snapKeep); n > 0 {
		s.log.Printf("pruned %d old snapshots", n)
	}
	if s.feed != nil {
		s.feed.Publish("snapshot", map[string]any{"path": name, "id": meta.ID, "bytes": len(body)})
	}
	return path, nil
}

func snapshotExt(c archive.Compression) string {
	switch c {
	case archive.Zstd:
		return ".zst"
	case archive.Deflate:
		return ".deflate"
	default:
		return ""
	}
}

type snapFile struct {
	name string
	ms   int64
}

func listSnapshots(dir string) []snapFile {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []snapFile
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			continue
		}
		base, _, ok := strings.Cut(name, snapshotInfix)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(base, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, snapFile{name: name, ms: ms})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ms < out[j].ms })
	return out
}

func latestSnapshot(dir string) string {
	snaps := listSnapshots(dir)
	if len(snaps) == 0 {
		return ""
	}
	return filepath.Join(dir, snaps[len(snaps)-1].name)
}

func pruneSnapshots(dir string, keep int) int {
	snaps := listSnapshots(dir)
	if keep <= 0 || len(snaps) <= keep {
		return 0
	}
	n := 0
	for _, sf := range snaps[:len(snaps)-keep] {
		if err := os.Remove(filepath.Join(dir, sf.name)); err == nil {
			n++
		}
	}
	return n
}

// importFile loads an archive into w before Run starts.
func importFile(w *world.World, path string) (archive.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return archive.Metadata{}, err
	}
	defer f.Close()
	rc, err := archive.NewDecompressedReader(f, archive.CompressionForPath(path))
	if err != nil {
		return archive.Metadata{}, err
	}
	defer rc.Close()
	meta, err := w.ImportChunks(rc)
	if err != nil {
		return meta, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return meta, nil
}
