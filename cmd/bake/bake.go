package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/alitto/pond/v2"

	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/sim/voxel"
	"voxelstream.ai/internal/sim/worldgen"
)

type bakeJob struct {
	ChunkSize int
	Seed      int64
	Generator string
	Scale     float64
	Min, Max  voxel.ChunkKey
	Workers   int
	SkipEmpty bool
	Name      string
	Author    string
}

// keys lists the box in archive order (z, then y, then x).
func (j bakeJob) keys() []voxel.ChunkKey {
	var out []voxel.ChunkKey
	for z := j.Min.Z; z <= j.Max.Z; z++ {
		for y := j.Min.Y; y <= j.Max.Y; y++ {
			for x := j.Min.X; x <= j.Max.X; x++ {
				out = append(out, voxel.ChunkKey{X: x, Y: y, Z: z})
			}
		}
	}
	return out
}

// bake generates every chunk of the box on a pond pool and streams them to w
// in key order. It returns the written metadata and chunk count.
func bake(w io.Writer, comp archive.Compression, j bakeJob) (archive.Metadata, int, error) {
	if j.Min.X > j.Max.X || j.Min.Y > j.Max.Y || j.Min.Z > j.Max.Z {
		return archive.Metadata{}, 0, fmt.Errorf("empty box %s..%s", j.Min, j.Max)
	}
	kind, err := worldgen.ParseKind(j.Generator)
	if err != nil {
		return archive.Metadata{}, 0, err
	}
	gen, err := worldgen.New(worldgen.Options{ChunkSize: j.ChunkSize, Kind: kind, Seed: j.Seed})
	if err != nil {
		return archive.Metadata{}, 0, err
	}

	keys := j.keys()
	bufs := make([][]byte, len(keys))
	pool := pond.NewPool(max(j.Workers, 1))
	for i, key := range keys {
		pool.Submit(func() {
			bufs[i] = gen.Run(key, nil)
		})
	}
	pool.StopAndWait()

	cw, err := archive.NewCompressedWriter(w, comp)
	if err != nil {
		return archive.Metadata{}, 0, err
	}
	aw, err := archive.NewWriter(cw, archive.Metadata{
		ChunkSize: j.ChunkSize,
		Scale:     j.Scale,
		Name:      j.Name,
		Author:    j.Author,
		Extra: map[string]any{
			"generator": kind.String(),
			"seed":      j.Seed,
		},
	})
	if err != nil {
		return archive.Metadata{}, 0, err
	}
	for i, key := range keys {
		if j.SkipEmpty && !solid(bufs[i]) {
			continue
		}
		if err := aw.WriteChunk(key, bufs[i]); err != nil {
			return aw.Metadata(), aw.Count(), err
		}
	}
	if err := aw.Flush(); err != nil {
		return aw.Metadata(), aw.Count(), err
	}
	if err := cw.Close(); err != nil {
		return aw.Metadata(), aw.Count(), err
	}
	return aw.Metadata(), aw.Count(), nil
}

func solid(buf []byte) bool {
	for i := 0; i < len(buf); i += voxel.BytesPerVoxel {
		if buf[i] != 0 {
			return true
		}
	}
	return false
}

func parseKey(s string) (voxel.ChunkKey, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return voxel.ChunkKey{}, fmt.Errorf("want x,y,z, got %q", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return voxel.ChunkKey{}, fmt.Errorf("component %d: %w", i, err)
		}
		v[i] = n
	}
	return voxel.ChunkKey{X: v[0], Y: v[1], Z: v[2]}, nil
}
