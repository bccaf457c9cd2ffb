package world

import (
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/voxel"
	"voxelstream.ai/internal/sim/world/logic/mathx"
)

// UpdateVolume writes value (and color, when non-nil) into every resident
// voxel of the brush sphere around point. Writes to non-resident chunks are
// dropped. Each affected chunk has its mesh re-requested and a save scheduled.
// It returns the number of affected chunks.
func (w *World) UpdateVolume(point mgl32.Vec3, radius int, value uint8, color *[3]uint8) int {
	if w.disposed || radius < 0 {
		return 0
	}
	cs := w.cfg.ChunkSize
	center := w.voxelAt(point)

	var order []voxel.ChunkKey
	seen := map[voxel.ChunkKey]struct{}{}
	mark := func(k voxel.ChunkKey) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		order = append(order, k)
	}
	written := 0
	var wrote map[voxel.ChunkKey]struct{}

	for _, off := range w.brushes.get(radius) {
		cx, lx := mathx.Split(center[0]+off.X, cs)
		cy, ly := mathx.Split(center[1]+off.Y, cs)
		cz, lz := mathx.Split(center[2]+off.Z, cs)
		key := voxel.ChunkKey{X: cx, Y: cy, Z: cz}
		buf, ok := w.store.Peek(key)
		if !ok {
			continue
		}
		i := voxel.Index(cs, lx, ly, lz)
		buf[i] = value
		if color != nil {
			buf[i+1], buf[i+2], buf[i+3] = color[0], color[1], color[2]
		}
		written++
		if wrote == nil {
			wrote = map[voxel.ChunkKey]struct{}{}
		}
		wrote[key] = struct{}{}
		for _, k := range affectedBy(key, lx, ly, lz) {
			mark(k)
		}
	}

	for _, key := range order {
		if _, ok := wrote[key]; ok {
			w.scheduleSave(key)
		}
		w.requestMesh(key)
	}

	w.counters.Edits++
	if w.editLog != nil {
		e := Edit{
			Point:    [3]float32{point.X(), point.Y(), point.Z()},
			Voxel:    center,
			Radius:   radius,
			Value:    value,
			Affected: order,
			Written:  written,
		}
		if color != nil {
			c := *color
			e.Color = &c
		}
		w.editLog.LogEdit(e)
	}
	return len(order)
}

// affectedBy lists the chunks whose meshes read the voxel at local (lx,ly,lz)
// of key. A mesh reads local coordinate 0 of its positive-side neighbors, so a
// voxel on a low face, edge or corner also belongs to the chunks below it.
func affectedBy(key voxel.ChunkKey, lx, ly, lz int) []voxel.ChunkKey {
	x0, y0, z0 := lx == 0, ly == 0, lz == 0
	out := []voxel.ChunkKey{key}
	if x0 {
		out = append(out, key.Add(voxel.ChunkKey{X: -1}))
	}
	if y0 {
		out = append(out, key.Add(voxel.ChunkKey{Y: -1}))
	}
	if z0 {
		out = append(out, key.Add(voxel.ChunkKey{Z: -1}))
	}
	if x0 && y0 {
		out = append(out, key.Add(voxel.ChunkKey{X: -1, Y: -1}))
	}
	if y0 && z0 {
		out = append(out, key.Add(voxel.ChunkKey{Y: -1, Z: -1}))
	}
	if x0 && z0 {
		out = append(out, key.Add(voxel.ChunkKey{X: -1, Z: -1}))
	}
	if x0 && y0 && z0 {
		out = append(out, key.Add(voxel.ChunkKey{X: -1, Y: -1, Z: -1}))
	}
	return out
}

// scheduleSave coalesces writes for key into one per SaveInterval.
func (w *World) scheduleSave(key voxel.ChunkKey) {
	if w.storage == nil {
		return
	}
	if _, ok := w.saves[key]; ok {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(w.cfg.SaveInterval, func() {
		w.loop.Post(func() { w.flushSave(key, t) })
	})
	w.saves[key] = t
}

// flushSave writes a copy of key's buffer if t is still its pending save.
func (w *World) flushSave(key voxel.ChunkKey, t *time.Timer) {
	if w.saves[key] != t {
		return
	}
	t.Stop()
	delete(w.saves, key)
	buf, ok := w.store.Peek(key)
	if !ok {
		return
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	w.storage.Set(key.StorageKey(), data)
	w.counters.Saves++
}

// FlushSaves writes every pending save now.
func (w *World) FlushSaves() {
	for key, t := range w.saves {
		w.flushSave(key, t)
	}
}
