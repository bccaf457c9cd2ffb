package world

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"voxelstream.ai/internal/sim/mesher"
	"voxelstream.ai/internal/sim/voxel"
	"voxelstream.ai/internal/sim/worldgen"
)

type Config struct {
	ChunkSize    int
	RenderRadius int
	// EvictionMargin is added to RenderRadius to get the eviction distance.
	// Zero means 0.25*RenderRadius (at least 0.5).
	EvictionMargin float64

	Seed      int64
	Generator string
	// Isolevel is the surface threshold as a fraction of full density.
	Isolevel float64
	// Scale is world units per voxel. Zero means 1.
	Scale float64

	SaveInterval      time.Duration
	GenerationWorkers int
	MeshingWorkers    int

	// MaxResidentChunks caps resident data chunks once pending meshes settle
	// (0 = unbounded).
	MaxResidentChunks int
	// Watchdog > 0 fails and resubmits worker tasks that run longer than this.
	Watchdog time.Duration

	// DisableGeneration leaves chunks missing from storage zero-filled.
	DisableGeneration bool
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 32
	}
	if c.RenderRadius <= 0 {
		c.RenderRadius = 5
	}
	if c.EvictionMargin == 0 {
		c.EvictionMargin = max(0.25*float64(c.RenderRadius), 0.5)
	}
	if c.Isolevel == 0 {
		c.Isolevel = mesher.DefaultIsolevel
	}
	if c.Scale == 0 {
		c.Scale = 1
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = 5 * time.Second
	}
	if c.GenerationWorkers <= 0 {
		c.GenerationWorkers = 4
	}
	if c.MeshingWorkers <= 0 {
		c.MeshingWorkers = 4
	}
}

func (c Config) Validate() error {
	if c.ChunkSize < 2 || c.ChunkSize > 255 {
		return fmt.Errorf("chunk size %d out of range [2,255]", c.ChunkSize)
	}
	if c.EvictionMargin <= 0 {
		return fmt.Errorf("eviction margin %v must be > 0", c.EvictionMargin)
	}
	if c.Isolevel <= 0 || c.Isolevel > 1 {
		return fmt.Errorf("isolevel %v out of range (0,1]", c.Isolevel)
	}
	if c.Scale <= 0 {
		return fmt.Errorf("scale %v must be > 0", c.Scale)
	}
	if c.MaxResidentChunks < 0 {
		return errors.New("max resident chunks must be >= 0")
	}
	if _, err := worldgen.ParseKind(c.Generator); err != nil {
		return err
	}
	return nil
}

// EvictionDistance is the chunk distance past which resident state is dropped.
func (c Config) EvictionDistance() float64 {
	return float64(c.RenderRadius) + c.EvictionMargin
}

// Storage is a durable key/value gateway for edited chunks. Get reports
// found=false for missing keys; Set is fire-and-forget.
type Storage interface {
	Get(ctx context.Context, key string) (data []byte, found bool, err error)
	Set(key string, data []byte)
}

// MeshSink receives renderable surfaces. All calls happen on the control
// goroutine.
type MeshSink interface {
	AddMesh(key voxel.ChunkKey, g *MeshGeometry)
	UpdateMesh(key voxel.ChunkKey, g *MeshGeometry)
	RemoveMesh(key voxel.ChunkKey)
}

// EditLogger records applied volume edits.
type EditLogger interface {
	LogEdit(e Edit)
}

type MeshGeometry = mesher.Geometry

type Deps struct {
	Storage Storage
	Sink    MeshSink
	Logger  *log.Logger
	EditLog EditLogger
}

// Edit describes one UpdateVolume call after it has been applied.
type Edit struct {
	Point    [3]float32
	Voxel    [3]int
	Radius   int
	Value    uint8
	Color    *[3]uint8
	Affected []voxel.ChunkKey
	Written  int
}
