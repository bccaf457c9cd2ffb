package main

import (
	"voxelstream.ai/internal/sim/voxel"
	"voxelstream.ai/internal/sim/world"
)

// meshStats is the headless mesh sink: it keeps vertex counts per chunk
// instead of uploading geometry anywhere. It is only touched on the world's
// control goroutine.
type meshStats struct {
	vertices map[voxel.ChunkKey]int
	total    int

	added   uint64
	updated uint64
	removed uint64
}

func newMeshStats() *meshStats {
	return &meshStats{vertices: map[voxel.ChunkKey]int{}}
}

func (m *meshStats) AddMesh(key voxel.ChunkKey, g *world.MeshGeometry) {
	m.added++
	m.set(key, g.VertexCount())
}

func (m *meshStats) UpdateMesh(key voxel.ChunkKey, g *world.MeshGeometry) {
	m.updated++
	m.set(key, g.VertexCount())
}

func (m *meshStats) RemoveMesh(key voxel.ChunkKey) {
	m.removed++
	m.total -= m.vertices[key]
	delete(m.vertices, key)
}

func (m *meshStats) set(key voxel.ChunkKey, n int) {
	m.total += n - m.vertices[key]
	m.vertices[key] = n
}

type sinkSnapshot struct {
	Meshes   int    `json:"meshes"`
	Vertices int    `json:"vertices"`
	Added    uint64 `json:"added"`
	Updated  uint64 `json:"updated"`
	Removed  uint64 `json:"removed"`
}

func (m *meshStats) snapshot() sinkSnapshot {
	return sinkSnapshot{
		Meshes:   len(m.vertices),
		Vertices: m.total,
		Added:    m.added,
		Updated:  m.updated,
		Removed:  m.removed,
	}
}
