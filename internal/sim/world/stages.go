package world

import (
	"errors"
	"log"

	"voxelstream.ai/internal/sim/mesher"
	"voxelstream.ai/internal/sim/taskpool"
	"voxelstream.ai/internal/sim/voxel"
	"voxelstream.ai/internal/sim/worldgen"
)

// Failed worker tasks (watchdog only) are resubmitted this many times in total.
const maxTaskAttempts = 3

// blockOffsets is the 2x2x2 neighbor block in (z, y, x) order, matching the
// mesher's scratch layout.
var blockOffsets = [8]voxel.ChunkKey{
	{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}, {X: 1, Y: 1, Z: 0},
	{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1}, {X: 0, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1},
}

type generationStage struct {
	pool *taskpool.Pool[voxel.ChunkKey, []byte]
	loop *loop
	log  *log.Logger
}

func newGenerationStage(cfg Config, lp *loop, logger *log.Logger) (*generationStage, error) {
	kind, err := worldgen.ParseKind(cfg.Generator)
	if err != nil {
		return nil, err
	}
	opts := worldgen.Options{ChunkSize: cfg.ChunkSize, Kind: kind, Seed: cfg.Seed}
	if _, err := worldgen.New(opts); err != nil {
		return nil, err
	}
	pool := taskpool.New[voxel.ChunkKey, []byte](func() (taskpool.Program[voxel.ChunkKey, []byte], error) {
		g, err := worldgen.New(opts)
		if err != nil {
			return nil, err
		}
		return g, nil
	}, taskpool.Options[voxel.ChunkKey]{
		Name:     "worldgen",
		Workers:  cfg.GenerationWorkers,
		Mailbox:  lp,
		Watchdog: cfg.Watchdog,
		Logger:   logger,
	})
	return &generationStage{pool: pool, loop: lp, log: logger}, nil
}

func (g *generationStage) generate(key voxel.ChunkKey, req *LoadRequest, done func([]byte), fail func(error)) {
	g.submit(key, req, done, fail, 1)
}

func (g *generationStage) submit(key voxel.ChunkKey, req *LoadRequest, done func([]byte), fail func(error), attempt int) {
	g.loop.track(1)
	g.pool.Submit(key).Then(func(buf []byte, err error) {
		g.loop.track(-1)
		if req.Cancelled() {
			return
		}
		if err != nil {
			if retryable(err) && attempt < maxTaskAttempts {
				g.log.Printf("[worldgen] %s attempt %d: %v (resubmitting)", key, attempt, err)
				g.submit(key, req, done, fail, attempt+1)
				return
			}
			fail(err)
			return
		}
		done(buf)
	})
}

type meshingStage struct {
	pool *taskpool.Pool[[][]byte, *mesher.Geometry]
	loop *loop
	log  *log.Logger
}

func newMeshingStage(cfg Config, lp *loop, logger *log.Logger) (*meshingStage, error) {
	iso := mesher.IsolevelByte(cfg.Isolevel)
	if _, err := mesher.New(cfg.ChunkSize, iso); err != nil {
		return nil, err
	}
	stride := voxel.BufferLen(cfg.ChunkSize)
	pool := taskpool.New[[][]byte, *mesher.Geometry](func() (taskpool.Program[[][]byte, *mesher.Geometry], error) {
		m, err := mesher.New(cfg.ChunkSize, iso)
		if err != nil {
			return nil, err
		}
		return m, nil
	}, taskpool.Options[[][]byte]{
		Name:        "mesher",
		Workers:     cfg.MeshingWorkers,
		ScratchSize: stride * len(blockOffsets),
		Stage:       taskpool.StageBuffers(stride),
		Mailbox:     lp,
		Watchdog:    cfg.Watchdog,
		Logger:      logger,
	})
	return &meshingStage{pool: pool, loop: lp, log: logger}, nil
}

// mesh submits a complete neighbor block. The block is copied into worker
// scratch at dispatch, on the control goroutine, so later edits never race the
// worker. done is skipped when req has been cancelled.
func (m *meshingStage) mesh(key voxel.ChunkKey, block [][]byte, req *LoadRequest, done func(*MeshGeometry), fail func(error)) {
	m.submit(key, block, req, done, fail, 1)
}

func (m *meshingStage) submit(key voxel.ChunkKey, block [][]byte, req *LoadRequest, done func(*MeshGeometry), fail func(error), attempt int) {
	m.loop.track(1)
	m.pool.Submit(block).Then(func(g *mesher.Geometry, err error) {
		m.loop.track(-1)
		if req.Cancelled() {
			return
		}
		if err != nil {
			if retryable(err) && attempt < maxTaskAttempts {
				m.log.Printf("[mesher] %s attempt %d: %v (resubmitting)", key, attempt, err)
				m.submit(key, block, req, done, fail, attempt+1)
				return
			}
			fail(err)
			return
		}
		done(g)
	})
}

func retryable(err error) bool {
	return errors.Is(err, taskpool.ErrTaskTimeout) || errors.Is(err, taskpool.ErrWorkerFault)
}
