package mesher

import (
	"math"
	"testing"

	"voxelstream.ai/internal/sim/voxel"
)

// slabBlock builds a staged 2x2x2 block that is solid (red) for block-local y < level.
func slabBlock(cs, level int) []byte {
	stride := voxel.BufferLen(cs)
	block := make([]byte, stride*8)
	for dz := 0; dz < 2; dz++ {
		for dy := 0; dy < 2; dy++ {
			for dx := 0; dx < 2; dx++ {
				base := (dz*4 + dy*2 + dx) * stride
				for z := 0; z < cs; z++ {
					for y := 0; y < cs; y++ {
						if dy*cs+y >= level {
							continue
						}
						for x := 0; x < cs; x++ {
							o := base + voxel.Index(cs, x, y, z)
							block[o] = 255
							block[o+1] = 255
						}
					}
				}
			}
		}
	}
	return block
}

func TestIsolevelByte(t *testing.T) {
	if got := IsolevelByte(DefaultIsolevel); got != 178 {
		t.Fatalf("IsolevelByte(0.7)=%d want 178", got)
	}
	if IsolevelByte(-1) != 0 || IsolevelByte(2) != 255 {
		t.Fatalf("IsolevelByte does not clamp")
	}
}

func TestMesh_EmptyAndFullBlocksHaveNoSurface(t *testing.T) {
	const cs = 8
	m, err := New(cs, IsolevelByte(DefaultIsolevel))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g := m.Mesh(slabBlock(cs, 0)); g != nil {
		t.Fatalf("empty block produced %d vertices", g.VertexCount())
	}
	if g := m.Mesh(slabBlock(cs, 2*cs)); g != nil {
		t.Fatalf("solid block produced %d vertices", g.VertexCount())
	}
}

func TestMesh_FlatSlab(t *testing.T) {
	const cs = 8
	m, err := New(cs, IsolevelByte(DefaultIsolevel))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g := m.Mesh(slabBlock(cs, 4))
	if g == nil {
		t.Fatalf("slab produced no geometry")
	}
	// Six tetrahedra per surface cell yield eight triangles on a flat slab.
	if got, want := g.VertexCount(), 24*cs*cs; got != want {
		t.Fatalf("vertices=%d want %d", got, want)
	}
	if len(g.Vertices)%FloatsPerVertex != 0 {
		t.Fatalf("vertex array len=%d not a multiple of %d", len(g.Vertices), FloatsPerVertex)
	}
	for i := 0; i < len(g.Vertices); i += FloatsPerVertex {
		v := g.Vertices[i : i+FloatsPerVertex]
		if v[1] < 3 || v[1] > 4 {
			t.Fatalf("vertex y=%f want within [3,4]", v[1])
		}
		if math.Abs(float64(v[4])-1) > 1e-5 {
			t.Fatalf("normal=(%f,%f,%f) want +y", v[3], v[4], v[5])
		}
		if math.Abs(float64(v[6])-1) > 1e-5 || v[7] != 0 || v[8] != 0 {
			t.Fatalf("color=(%f,%f,%f) want red", v[6], v[7], v[8])
		}
	}
	if g.Bounds[0] != 0 || g.Bounds[3] != cs || g.Bounds[2] != 0 || g.Bounds[5] != cs {
		t.Fatalf("bounds=%v", g.Bounds)
	}
}

func TestRun_ReadsPayloadWithoutScratch(t *testing.T) {
	const cs = 4
	m, _ := New(cs, 128)
	block := slabBlock(cs, 2)
	stride := voxel.BufferLen(cs)
	bufs := make([][]byte, 8)
	for i := range bufs {
		bufs[i] = block[i*stride : (i+1)*stride]
	}
	a := m.Run(bufs, nil)
	b := m.Run(nil, block)
	if a == nil || b == nil || a.VertexCount() != b.VertexCount() {
		t.Fatalf("payload and scratch paths disagree")
	}
}

func TestMesh_IgnoresNeighborVoxelsPastFirstLayer(t *testing.T) {
	const cs = 8
	m, _ := New(cs, IsolevelByte(DefaultIsolevel))
	block := slabBlock(cs, 4)
	before := m.Mesh(block)

	stride := voxel.BufferLen(cs)
	// Chunk (+1,0,0) sits at block slot 1; local x=1 belongs to its own mesh.
	block[stride+voxel.Index(cs, 1, 5, 3)] = 255
	after := m.Mesh(block)
	if before.VertexCount() != after.VertexCount() {
		t.Fatalf("vertices changed %d -> %d after editing outside the overlap layer", before.VertexCount(), after.VertexCount())
	}

	block[stride+voxel.Index(cs, 0, 5, 3)] = 255
	if m.Mesh(block).VertexCount() == before.VertexCount() {
		t.Fatalf("editing the shared face did not change the mesh")
	}
}
