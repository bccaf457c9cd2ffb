package mathx

import "math"

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Split returns the chunk coordinate and the local coordinate of an absolute
// voxel coordinate along one axis.
func Split(v, size int) (chunk, local int) {
	return FloorDiv(v, size), Mod(v, size)
}

// FloorToInt floors a float coordinate. NaN and infinities map to 0.
func FloorToInt(v float32) int {
	f := math.Floor(float64(v))
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(f)
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Hash3 mixes a seed with an integer lattice point.
func Hash3(seed int64, x, y, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

// Hash64 mixes a single value, used to derive per-purpose sub-seeds.
func Hash64(seed int64, salt uint64) uint64 {
	return mix64(uint64(seed) ^ (salt * 0x9e3779b97f4a7c15))
}
