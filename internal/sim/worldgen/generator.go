package worldgen

import (
	"fmt"
	"math"
	"strings"

	"voxelstream.ai/internal/sim/voxel"
	"voxelstream.ai/internal/sim/world/logic/mathx"
)

// Kind selects the density function.
type Kind uint8

const (
	Cave Kind = iota
	Terrain
)

func (k Kind) String() string {
	switch k {
	case Terrain:
		return "terrain"
	default:
		return "cave"
	}
}

// ParseKind maps a generator name to its Kind. The empty string selects Cave.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cave", "default":
		return Cave, nil
	case "terrain":
		return Terrain, nil
	default:
		return Cave, fmt.Errorf("unknown generator %q", name)
	}
}

const shadeJitter = 0.1

type Options struct {
	ChunkSize int
	Kind      Kind
	Seed      int64
}

// Generator fills chunk buffers from seeded noise. Output depends only on
// (options, key), so any two generators with equal options agree byte for byte.
type Generator struct {
	cs    int
	kind  Kind
	seed  int64
	noise *Noise
}

func New(opts Options) (*Generator, error) {
	if opts.ChunkSize <= 0 || opts.ChunkSize > 255 {
		return nil, fmt.Errorf("worldgen: chunk size %d out of range", opts.ChunkSize)
	}
	return &Generator{cs: opts.ChunkSize, kind: opts.Kind, seed: opts.Seed, noise: NewNoise(opts.Seed)}, nil
}

func (g *Generator) ChunkSize() int { return g.cs }

// Run generates the chunk at key into a freshly allocated buffer. The result is
// owned by the caller.
func (g *Generator) Run(key voxel.ChunkKey, _ []byte) []byte {
	buf := voxel.NewBuffer(g.cs)
	g.Fill(buf, key)
	return buf
}

// Fill writes the chunk at key into buf, which must be BufferLen(cs) bytes.
func (g *Generator) Fill(buf []byte, key voxel.ChunkKey) {
	cs := g.cs
	ox, oy, oz := key.X*cs, key.Y*cs, key.Z*cs
	i := 0
	for z := oz; z < oz+cs; z++ {
		for y := oy; y < oy+cs; y++ {
			for x := ox; x < ox+cs; x++ {
				fx, fy, fz := float64(x), float64(y), float64(z)
				buf[i] = g.density(fx, fy, fz)
				hue := math.Mod(g.noise.FBM(fz*0.25, fx*0.25, fy*0.25)+1, 1)
				buf[i+1], buf[i+2], buf[i+3] = hsv(hue, 0.8, g.shade(x, y, z))
				i += voxel.BytesPerVoxel
			}
		}
	}
}

func (g *Generator) density(x, y, z float64) uint8 {
	switch g.kind {
	case Terrain:
		n := math.Abs(g.noise.FBM(x*0.75, y*0.75, z*0.75))
		return clampByte(64 + n*128 - y)
	default:
		n := math.Abs(g.noise.FBM(x*1.5, y*1.5, z*1.5))
		return clampByte(n * 384)
	}
}

// shade is a per-voxel brightness in [1-shadeJitter, 1].
func (g *Generator) shade(x, y, z int) float64 {
	h := mathx.Hash3(g.seed, x, y, z)
	return 1 - shadeJitter*float64(h&0xFF)/0xFF
}

func clampByte(v float64) uint8 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// hsv converts h,s,v in [0,1] to 8-bit RGB.
func hsv(h, s, v float64) (r, g, b uint8) {
	i := int(math.Floor(h * 6))
	f := h*6 - float64(i)
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)

	var rf, gf, bf float64
	switch ((i % 6) + 6) % 6 {
	case 0:
		rf, gf, bf = v, t, p
	case 1:
		rf, gf, bf = q, v, p
	case 2:
		rf, gf, bf = p, v, t
	case 3:
		rf, gf, bf = p, q, v
	case 4:
		rf, gf, bf = t, p, v
	default:
		rf, gf, bf = v, p, q
	}
	return uint8(rf * 0xFF), uint8(gf * 0xFF), uint8(bf * 0xFF)
}
