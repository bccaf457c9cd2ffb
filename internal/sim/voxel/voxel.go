package voxel

import (
	"fmt"
	"strconv"
	"strings"
)

// BytesPerVoxel is the size of one voxel record: density followed by RGB.
const BytesPerVoxel = 4

// ChunkKey identifies one cubic cell of the volume in chunk coordinates.
type ChunkKey struct {
	X, Y, Z int
}

func (k ChunkKey) Add(o ChunkKey) ChunkKey {
	return ChunkKey{X: k.X + o.X, Y: k.Y + o.Y, Z: k.Z + o.Z}
}

func (k ChunkKey) Sub(o ChunkKey) ChunkKey {
	return ChunkKey{X: k.X - o.X, Y: k.Y - o.Y, Z: k.Z - o.Z}
}

// Dist2 is the squared Euclidean distance between two keys.
func (k ChunkKey) Dist2(o ChunkKey) int {
	dx, dy, dz := k.X-o.X, k.Y-o.Y, k.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("(%d,%d,%d)", k.X, k.Y, k.Z)
}

// StorageKey is the key used with persistence gateways ("x:y:z").
func (k ChunkKey) StorageKey() string {
	return strconv.Itoa(k.X) + ":" + strconv.Itoa(k.Y) + ":" + strconv.Itoa(k.Z)
}

func ParseStorageKey(s string) (ChunkKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ChunkKey{}, fmt.Errorf("bad chunk key %q", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return ChunkKey{}, fmt.Errorf("bad chunk key %q: %w", s, err)
		}
		v[i] = n
	}
	return ChunkKey{X: v[0], Y: v[1], Z: v[2]}, nil
}

// BufferLen returns the byte length of a chunk buffer: chunkSize³*4.
func BufferLen(chunkSize int) int {
	return chunkSize * chunkSize * chunkSize * BytesPerVoxel
}

// NewBuffer allocates a zero-filled (fully empty) chunk buffer.
func NewBuffer(chunkSize int) []byte {
	return make([]byte, BufferLen(chunkSize))
}

// Index returns the byte offset of local voxel (x,y,z) inside a chunk buffer.
func Index(chunkSize, x, y, z int) int {
	return (z*chunkSize*chunkSize + y*chunkSize + x) * BytesPerVoxel
}

// CheckBuffer reports whether buf has the exact length required for chunkSize.
func CheckBuffer(chunkSize int, buf []byte) error {
	if want := BufferLen(chunkSize); len(buf) != want {
		return fmt.Errorf("chunk buffer len=%d want %d", len(buf), want)
	}
	return nil
}
