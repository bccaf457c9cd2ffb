package world

import (
	"sort"

	"voxelstream.ai/internal/sim/voxel"
)

// RenderGrid returns every integer offset within Euclidean distance radius of
// the origin, nearest first. Ties are ordered by z, then y, then x.
func RenderGrid(radius int) []voxel.ChunkKey {
	return sphere(radius, -radius, radius+1)
}

// Brush is the voxel-offset sphere used by edits: the half-open range
// [-r, r+1) on each axis under the same distance filter, so it has the same
// cells as RenderGrid. It is cached separately from the chunk grids.
func Brush(radius int) []voxel.ChunkKey {
	return sphere(radius, -radius, radius+1)
}

// sphere collects the offsets in [lo, hi) on each axis within radius.
func sphere(radius, lo, hi int) []voxel.ChunkKey {
	if radius < 0 {
		return nil
	}
	r2 := radius * radius
	var out []voxel.ChunkKey
	for z := lo; z < hi; z++ {
		for y := lo; y < hi; y++ {
			for x := lo; x < hi; x++ {
				if x*x+y*y+z*z <= r2 {
					out = append(out, voxel.ChunkKey{X: x, Y: y, Z: z})
				}
			}
		}
	}
	var origin voxel.ChunkKey
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Dist2(origin) < out[j].Dist2(origin)
	})
	return out
}

// gridCache memoizes grids by radius, keeping the most recently used few.
type gridCache struct {
	build func(int) []voxel.ChunkKey
	limit int
	// Most recently used last.
	entries []gridEntry
}

type gridEntry struct {
	radius int
	grid   []voxel.ChunkKey
}

func newGridCache(build func(int) []voxel.ChunkKey, limit int) *gridCache {
	return &gridCache{build: build, limit: limit}
}

func (c *gridCache) get(radius int) []voxel.ChunkKey {
	for i, e := range c.entries {
		if e.radius == radius {
			copy(c.entries[i:], c.entries[i+1:])
			c.entries[len(c.entries)-1] = e
			return e.grid
		}
	}
	g := c.build(radius)
	if len(c.entries) >= c.limit {
		c.entries = append(c.entries[:0], c.entries[1:]...)
	}
	c.entries = append(c.entries, gridEntry{radius: radius, grid: g})
	return g
}
