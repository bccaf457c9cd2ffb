package mesher

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/voxel"
)

// FloatsPerVertex is the interleaved vertex stride: position, normal, color.
const FloatsPerVertex = 9

// DefaultIsolevel is the surface threshold as a fraction of full density.
const DefaultIsolevel = 0.7

// Geometry is one chunk's surface. Positions are in chunk-local voxel units.
type Geometry struct {
	// Bounds is minX, minY, minZ, maxX, maxY, maxZ.
	Bounds   [6]float32
	Vertices []float32
}

func (g *Geometry) VertexCount() int {
	if g == nil {
		return 0
	}
	return len(g.Vertices) / FloatsPerVertex
}

// IsolevelByte converts a fractional isolevel to the density byte threshold.
func IsolevelByte(f float64) uint8 {
	if f <= 0 || math.IsNaN(f) {
		return 0
	}
	if f >= 1 {
		return 255
	}
	return uint8(math.Floor(f * 255))
}

// Cube corners are indexed x + 2y + 4z. Every cell is split into six
// tetrahedra around the 0-7 diagonal, which keeps shared faces consistent
// between adjacent cells and chunks.
var cellTets = [6][4]int{
	{0, 1, 3, 7},
	{0, 3, 2, 7},
	{0, 2, 6, 7},
	{0, 6, 4, 7},
	{0, 4, 5, 7},
	{0, 5, 1, 7},
}

// Mesher extracts a surface from a 2x2x2 block of chunk buffers laid out
// contiguously in order (dz, dy, dx). Only local coordinate 0 of the
// positive-side neighbors is read. Not safe for concurrent use.
type Mesher struct {
	cs     int
	stride int
	iso    float32

	out []float32
}

func New(chunkSize int, isolevel uint8) (*Mesher, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("mesher: chunk size %d too small", chunkSize)
	}
	return &Mesher{
		cs:     chunkSize,
		stride: voxel.BufferLen(chunkSize),
		iso:    float32(isolevel),
	}, nil
}

// BlockLen is the byte length of one staged 2x2x2 block.
func (m *Mesher) BlockLen() int { return m.stride * 8 }

// Run meshes the block held in scratch. When scratch is nil the payload
// buffers are read directly. A block without any surface yields nil.
func (m *Mesher) Run(block [][]byte, scratch []byte) *Geometry {
	if scratch == nil {
		scratch = make([]byte, m.BlockLen())
		for i, b := range block {
			copy(scratch[i*m.stride:(i+1)*m.stride], b)
		}
	}
	return m.Mesh(scratch)
}

type corner struct {
	p   mgl32.Vec3
	d   float32
	rgb mgl32.Vec3
}

func (m *Mesher) Mesh(block []byte) *Geometry {
	if len(block) < m.BlockLen() {
		return nil
	}
	cs := m.cs
	m.out = m.out[:0]

	var c [8]corner
	for z := 0; z < cs; z++ {
		for y := 0; y < cs; y++ {
			for x := 0; x < cs; x++ {
				inside := 0
				for i := 0; i < 8; i++ {
					cx, cy, cz := x+i&1, y+(i>>1)&1, z+(i>>2)&1
					o := m.offset(cx, cy, cz)
					c[i] = corner{
						p:   mgl32.Vec3{float32(cx), float32(cy), float32(cz)},
						d:   float32(block[o]),
						rgb: mgl32.Vec3{float32(block[o+1]), float32(block[o+2]), float32(block[o+3])}.Mul(1.0 / 255),
					}
					if c[i].d >= m.iso {
						inside++
					}
				}
				if inside == 0 || inside == 8 {
					continue
				}
				nrm := cellNormal(&c)
				for _, tet := range cellTets {
					m.tet(&c, tet, nrm)
				}
			}
		}
	}

	if len(m.out) == 0 {
		return nil
	}
	verts := make([]float32, len(m.out))
	copy(verts, m.out)
	return &Geometry{Bounds: bounds(verts), Vertices: verts}
}

// cellNormal is the negated density gradient over the cell's corners; density
// grows into the solid, so this points outward. Zero when the gradient vanishes.
func cellNormal(c *[8]corner) mgl32.Vec3 {
	d := func(i int) float32 { return c[i].d }
	g := mgl32.Vec3{
		(d(1) - d(0)) + (d(3) - d(2)) + (d(5) - d(4)) + (d(7) - d(6)),
		(d(2) - d(0)) + (d(3) - d(1)) + (d(6) - d(4)) + (d(7) - d(5)),
		(d(4) - d(0)) + (d(5) - d(1)) + (d(6) - d(2)) + (d(7) - d(3)),
	}
	if g.Len() < 1e-6 {
		return mgl32.Vec3{}
	}
	return g.Mul(-1).Normalize()
}

func (m *Mesher) tet(c *[8]corner, tet [4]int, nrm mgl32.Vec3) {
	var in, out [4]int
	ni, no := 0, 0
	for _, v := range tet {
		if c[v].d >= m.iso {
			in[ni] = v
			ni++
		} else {
			out[no] = v
			no++
		}
	}

	var outward mgl32.Vec3
	for i := 0; i < no; i++ {
		outward = outward.Add(c[out[i]].p.Mul(1 / float32(no)))
	}
	for i := 0; i < ni; i++ {
		outward = outward.Sub(c[in[i]].p.Mul(1 / float32(ni)))
	}

	switch ni {
	case 1:
		a := in[0]
		m.tri(m.cross(c, a, out[0]), m.cross(c, a, out[1]), m.cross(c, a, out[2]), outward, nrm)
	case 3:
		b := out[0]
		m.tri(m.cross(c, in[0], b), m.cross(c, in[1], b), m.cross(c, in[2], b), outward, nrm)
	case 2:
		ac := m.cross(c, in[0], out[0])
		ad := m.cross(c, in[0], out[1])
		bd := m.cross(c, in[1], out[1])
		bc := m.cross(c, in[1], out[0])
		m.tri(ac, ad, bd, outward, nrm)
		m.tri(ac, bd, bc, outward, nrm)
	}
}

// cross is the isosurface crossing on the edge from solid corner a to empty
// corner b, colored by the solid side.
func (m *Mesher) cross(c *[8]corner, a, b int) corner {
	ca, cb := c[a], c[b]
	t := float32(0.5)
	if ca.d != cb.d {
		t = (m.iso - ca.d) / (cb.d - ca.d)
	}
	return corner{p: ca.p.Add(cb.p.Sub(ca.p).Mul(t)), rgb: ca.rgb}
}

func (m *Mesher) tri(a, b, c corner, outward, nrm mgl32.Vec3) {
	face := b.p.Sub(a.p).Cross(c.p.Sub(a.p))
	if face.Dot(outward) < 0 {
		b, c = c, b
		face = face.Mul(-1)
	}
	n := nrm
	if n == (mgl32.Vec3{}) {
		if face.Len() < 1e-12 {
			n = mgl32.Vec3{0, 1, 0}
		} else {
			n = face.Normalize()
		}
	}
	for _, v := range [3]corner{a, b, c} {
		m.out = append(m.out, v.p[0], v.p[1], v.p[2], n[0], n[1], n[2], v.rgb[0], v.rgb[1], v.rgb[2])
	}
}

// offset returns the byte offset of block-local voxel (x,y,z), x,y,z in [0,2cs).
func (m *Mesher) offset(x, y, z int) int {
	cs := m.cs
	dx, dy, dz := 0, 0, 0
	if x >= cs {
		dx, x = 1, x-cs
	}
	if y >= cs {
		dy, y = 1, y-cs
	}
	if z >= cs {
		dz, z = 1, z-cs
	}
	return (dz*4+dy*2+dx)*m.stride + voxel.Index(cs, x, y, z)
}

func bounds(verts []float32) [6]float32 {
	b := [6]float32{verts[0], verts[1], verts[2], verts[0], verts[1], verts[2]}
	for i := FloatsPerVertex; i < len(verts); i += FloatsPerVertex {
		for a := 0; a < 3; a++ {
			b[a] = min(b[a], verts[i+a])
			b[3+a] = max(b[3+a], verts[i+a])
		}
	}
	return b
}
