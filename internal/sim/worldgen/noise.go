package worldgen

import "voxelstream.ai/internal/sim/world/logic/mathx"

// Seeded 3D simplex noise with fractal (fBm) layering. Output is in [-1, 1].

var grad3 = [12][3]float64{
	{1, 1, 0},
	{-1, 1, 0},
	{1, -1, 0},
	{-1, -1, 0},
	{1, 0, 1},
	{-1, 0, 1},
	{1, 0, -1},
	{-1, 0, -1},
	{0, 1, 1},
	{0, -1, 1},
	{0, 1, -1},
	{0, -1, -1},
}

const (
	// Base sampling frequency applied to raw voxel coordinates.
	defaultFrequency = 0.01
	fbmOctaves       = 3
	fbmLacunarity    = 2.0
	fbmGain          = 0.5
)

// Noise is a seeded simplex noise source. It is immutable after construction
// and safe for concurrent use.
type Noise struct {
	perm      [512]int
	frequency float64
}

func NewNoise(seed int64) *Noise {
	n := &Noise{frequency: defaultFrequency}

	var p [256]int
	for i := range p {
		p[i] = i
	}
	for i := 255; i > 0; i-- {
		j := int(mathx.Hash64(seed, uint64(i)) % uint64(i+1))
		p[i], p[j] = p[j], p[i]
	}
	for i := 0; i < 512; i++ {
		n.perm[i] = p[i&255]
	}
	return n
}

// FBM samples fractal noise at (x,y,z), scaled by the base frequency.
func (n *Noise) FBM(x, y, z float64) float64 {
	x *= n.frequency
	y *= n.frequency
	z *= n.frequency

	var total, maxAmp float64
	amp := 1.0
	for o := 0; o < fbmOctaves; o++ {
		total += n.Simplex3(x, y, z) * amp
		maxAmp += amp
		amp *= fbmGain
		x *= fbmLacunarity
		y *= fbmLacunarity
		z *= fbmLacunarity
	}
	return total / maxAmp
}

func (n *Noise) Simplex3(x, y, z float64) float64 {
	const (
		f3 = 1.0 / 3.0
		g3 = 1.0 / 6.0
	)

	s := (x + y + z) * f3
	i := fastFloor(x + s)
	j := fastFloor(y + s)
	k := fastFloor(z + s)

	t := float64(i+j+k) * g3
	x0 := x - (float64(i) - t)
	y0 := y - (float64(j) - t)
	z0 := z - (float64(k) - t)

	var i1, j1, k1, i2, j2, k2 int
	if x0 >= y0 {
		switch {
		case y0 >= z0:
			i1, j1, k1, i2, j2, k2 = 1, 0, 0, 1, 1, 0
		case x0 >= z0:
			i1, j1, k1, i2, j2, k2 = 1, 0, 0, 1, 0, 1
		default:
			i1, j1, k1, i2, j2, k2 = 0, 0, 1, 1, 0, 1
		}
	} else {
		switch {
		case y0 < z0:
			i1, j1, k1, i2, j2, k2 = 0, 0, 1, 0, 1, 1
		case x0 < z0:
			i1, j1, k1, i2, j2, k2 = 0, 1, 0, 0, 1, 1
		default:
			i1, j1, k1, i2, j2, k2 = 0, 1, 0, 1, 1, 0
		}
	}

	x1 := x0 - float64(i1) + g3
	y1 := y0 - float64(j1) + g3
	z1 := z0 - float64(k1) + g3
	x2 := x0 - float64(i2) + 2.0*g3
	y2 := y0 - float64(j2) + 2.0*g3
	z2 := z0 - float64(k2) + 2.0*g3
	x3 := x0 - 1.0 + 3.0*g3
	y3 := y0 - 1.0 + 3.0*g3
	z3 := z0 - 1.0 + 3.0*g3

	ii := i & 255
	jj := j & 255
	kk := k & 255
	p := &n.perm
	gi0 := p[ii+p[jj+p[kk]]] % 12
	gi1 := p[ii+i1+p[jj+j1+p[kk+k1]]] % 12
	gi2 := p[ii+i2+p[jj+j2+p[kk+k2]]] % 12
	gi3 := p[ii+1+p[jj+1+p[kk+1]]] % 12

	return 32.0 * (corner(gi0, x0, y0, z0) +
		corner(gi1, x1, y1, z1) +
		corner(gi2, x2, y2, z2) +
		corner(gi3, x3, y3, z3))
}

func corner(gi int, x, y, z float64) float64 {
	t := 0.6 - x*x - y*y - z*z
	if t < 0 {
		return 0
	}
	t *= t
	g := grad3[gi]
	return t * t * (g[0]*x + g[1]*y + g[2]*z)
}

func fastFloor(x float64) int {
	xi := int(x)
	if x < float64(xi) {
		return xi - 1
	}
	return xi
}
