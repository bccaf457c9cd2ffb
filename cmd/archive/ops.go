package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	getter "github.com/hashicorp/go-getter"

	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/persistence/chunkdb"
	"voxelstream.ai/internal/sim/voxel"
)

type summary struct {
	Path        string           `json:"path"`
	Bytes       int64            `json:"bytes"`
	Compression string           `json:"compression"`
	Metadata    archive.Metadata `json:"metadata"`
	Chunks      int              `json:"chunks"`
	// Bounds is the inclusive min and max chunk key.
	Bounds *[2]voxel.ChunkKey `json:"bounds,omitempty"`
	Keys   []string           `json:"keys,omitempty"`
}

func openArchive(path string) (*os.File, io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	rc, err := archive.NewDecompressedReader(f, archive.CompressionForPath(path))
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, rc, nil
}

func inspectFile(path string) (summary, error) {
	f, rc, err := openArchive(path)
	if err != nil {
		return summary{}, err
	}
	defer f.Close()
	defer rc.Close()

	sum := summary{Path: path, Compression: archive.CompressionForPath(path).String()}
	if fi, err := f.Stat(); err == nil {
		sum.Bytes = fi.Size()
	}
	ar, err := archive.NewReader(rc)
	if err != nil {
		return sum, err
	}
	sum.Metadata = ar.Metadata()
	for {
		c, err := ar.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sum, err
		}
		sum.Chunks++
		sum.Keys = append(sum.Keys, c.Key.StorageKey())
		if sum.Bounds == nil {
			sum.Bounds = &[2]voxel.ChunkKey{c.Key, c.Key}
			continue
		}
		lo, hi := &sum.Bounds[0], &sum.Bounds[1]
		lo.X, lo.Y, lo.Z = min(lo.X, c.Key.X), min(lo.Y, c.Key.Y), min(lo.Z, c.Key.Z)
		hi.X, hi.Y, hi.Z = max(hi.X, c.Key.X), max(hi.Y, c.Key.Y), max(hi.Z, c.Key.Z)
	}
	return sum, nil
}

// convertFile rewrites src with a different outer compression. Metadata
// (including the ID) is carried over unchanged.
func convertFile(src, dst string, comp archive.Compression) (int, error) {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return 0, fmt.Errorf("refusing to convert %s in place", src)
	}
	f, rc, err := openArchive(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	defer rc.Close()
	ar, err := archive.NewReader(rc)
	if err != nil {
		return 0, err
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := copyArchive(ar, out, comp)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return 0, err
	}
	return n, nil
}

func copyArchive(ar *archive.Reader, w io.Writer, comp archive.Compression) (int, error) {
	cw, err := archive.NewCompressedWriter(w, comp)
	if err != nil {
		return 0, err
	}
	aw, err := archive.NewWriter(cw, ar.Metadata())
	if err != nil {
		return 0, err
	}
	for {
		c, err := ar.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return aw.Count(), err
		}
		if err := aw.WriteChunk(c.Key, c.Data); err != nil {
			return aw.Count(), err
		}
	}
	if err := aw.Flush(); err != nil {
		return aw.Count(), err
	}
	return aw.Count(), cw.Close()
}

// fetchSource disables go-getter's own decompression so .zst archives land
// on disk as downloaded.
func fetchSource(src string) string {
	if strings.Contains(src, "archive=") {
		return src
	}
	sep := "?"
	if strings.Contains(src, "?") {
		sep = "&"
	}
	return src + sep + "archive=false"
}

// fetchFile downloads src to dst and checks that it parses as an archive.
func fetchFile(src, dst string) (summary, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return summary{}, err
	}
	if err := getter.GetFile(dst, fetchSource(src)); err != nil {
		return summary{}, fmt.Errorf("get %s: %w", src, err)
	}
	sum, err := inspectFile(dst)
	if err != nil {
		return sum, fmt.Errorf("fetched file is not a valid archive: %w", err)
	}
	sum.Keys = nil
	return sum, nil
}

// dumpStore writes every chunk of a store as an archive in z, y, x key order.
func dumpStore(ctx context.Context, gw chunkdb.Gateway, w io.Writer, comp archive.Compression, meta archive.Metadata) (archive.Metadata, int, error) {
	raw, err := gw.Keys(ctx)
	if err != nil {
		return meta, 0, err
	}
	keys := make([]voxel.ChunkKey, 0, len(raw))
	for _, s := range raw {
		k, err := voxel.ParseStorageKey(s)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})

	cw, err := archive.NewCompressedWriter(w, comp)
	if err != nil {
		return meta, 0, err
	}
	aw, err := archive.NewWriter(cw, meta)
	if err != nil {
		return meta, 0, err
	}
	for _, k := range keys {
		data, ok, err := gw.Get(ctx, k.StorageKey())
		if err != nil {
			return aw.Metadata(), aw.Count(), err
		}
		if !ok {
			continue
		}
		if err := aw.WriteChunk(k, data); err != nil {
			return aw.Metadata(), aw.Count(), err
		}
	}
	if err := aw.Flush(); err != nil {
		return aw.Metadata(), aw.Count(), err
	}
	return aw.Metadata(), aw.Count(), cw.Close()
}

// loadFile writes every chunk of an archive into a store. The caller closes
// the store to flush queued writes.
func loadFile(gw chunkdb.Gateway, path string) (int, error) {
	f, rc, err := openArchive(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	defer rc.Close()
	ar, err := archive.NewReader(rc)
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		c, err := ar.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		gw.Set(c.Key.StorageKey(), c.Data)
		n++
	}
}
