package world

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/taskpool"
	"voxelstream.ai/internal/sim/voxel"
	"voxelstream.ai/internal/sim/world/logic/mathx"
)

var ErrDisposed = errors.New("world disposed")

// ChunkPhase is the streaming state of one chunk key.
type ChunkPhase int

const (
	Unloaded ChunkPhase = iota
	DataPending
	DataReady
	MeshPending
	Rendered
)

func (p ChunkPhase) String() string {
	switch p {
	case DataPending:
		return "data_pending"
	case DataReady:
		return "data_ready"
	case MeshPending:
		return "mesh_pending"
	case Rendered:
		return "rendered"
	default:
		return "unloaded"
	}
}

// World streams chunks around an anchor and owns the rendered-mesh
// bookkeeping. All methods except Do must be called from the control
// goroutine; completions from workers are applied by Pump, Settle or Run.
type World struct {
	cfg     Config
	log     *log.Logger
	sink    MeshSink
	storage Storage
	editLog EditLogger

	ctx    context.Context
	cancel context.CancelFunc
	loop   *loop

	store *ChunkStore
	gen   *generationStage
	mesh  *meshingStage

	anchor    voxel.ChunkKey
	anchorSet bool

	rendered map[voxel.ChunkKey]struct{}
	// Meshed with no surface.
	empty   map[voxel.ChunkKey]struct{}
	meshing map[voxel.ChunkKey]*LoadRequest
	blocked map[voxel.ChunkKey]struct{}
	saves   map[voxel.ChunkKey]*time.Timer

	grids   *gridCache
	brushes *gridCache

	disposed bool
	counters Counters
}

type Counters struct {
	MeshesAdded   uint64 `json:"meshes_added"`
	MeshesUpdated uint64 `json:"meshes_updated"`
	MeshesRemoved uint64 `json:"meshes_removed"`
	MeshFailures  uint64 `json:"mesh_failures"`
	Evicted       uint64 `json:"evicted"`
	Edits         uint64 `json:"edits"`
	Saves         uint64 `json:"saves"`
	Imports       uint64 `json:"imports"`
}

type Stats struct {
	Anchor       voxel.ChunkKey `json:"anchor"`
	AnchorSet    bool           `json:"anchor_set"`
	Rendered     int            `json:"rendered"`
	Empty        int            `json:"empty"`
	Meshing      int            `json:"meshing"`
	Blocked      int            `json:"blocked"`
	PendingSaves int            `json:"pending_saves"`
	Inflight     int            `json:"inflight"`
	Store        StoreStats     `json:"store"`
	GenPool      taskpool.Stats `json:"gen_pool"`
	MeshPool     taskpool.Stats `json:"mesh_pool"`
	Counters     Counters       `json:"counters"`
}

func New(cfg Config, deps Deps) (*World, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("world config: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	lp := newLoop()
	ctx, cancel := context.WithCancel(context.Background())
	w := &World{
		cfg:      cfg,
		log:      logger,
		sink:     deps.Sink,
		storage:  deps.Storage,
		editLog:  deps.EditLog,
		ctx:      ctx,
		cancel:   cancel,
		loop:     lp,
		rendered: map[voxel.ChunkKey]struct{}{},
		empty:    map[voxel.ChunkKey]struct{}{},
		meshing:  map[voxel.ChunkKey]*LoadRequest{},
		blocked:  map[voxel.ChunkKey]struct{}{},
		saves:    map[voxel.ChunkKey]*time.Timer{},
		grids:    newGridCache(RenderGrid, 4),
		brushes:  newGridCache(Brush, 8),
	}

	var gen generator
	if !cfg.DisableGeneration {
		g, err := newGenerationStage(cfg, lp, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("generation stage: %w", err)
		}
		w.gen = g
		gen = g
	}
	m, err := newMeshingStage(cfg, lp, logger)
	if err != nil {
		if w.gen != nil {
			w.gen.pool.Dispose()
		}
		cancel()
		return nil, fmt.Errorf("meshing stage: %w", err)
	}
	w.mesh = m

	w.store = newChunkStore(ctx, cfg.ChunkSize, lp, deps.Storage, gen, logger)
	w.store.onArrive = w.onChunkArrived
	return w, nil
}

func (w *World) Config() Config     { return w.cfg }
func (w *World) Store() *ChunkStore { return w.store }

// ChunkAt converts a world-space position to the chunk containing it.
func (w *World) ChunkAt(p mgl32.Vec3) voxel.ChunkKey {
	v := w.voxelAt(p)
	cs := w.cfg.ChunkSize
	return voxel.ChunkKey{
		X: mathx.FloorDiv(v[0], cs),
		Y: mathx.FloorDiv(v[1], cs),
		Z: mathx.FloorDiv(v[2], cs),
	}
}

func (w *World) voxelAt(p mgl32.Vec3) [3]int {
	s := float32(w.cfg.Scale)
	return [3]int{mathx.FloorToInt(p.X() / s), mathx.FloorToInt(p.Y() / s), mathx.FloorToInt(p.Z() / s)}
}

// UpdateChunks moves the anchor. When the anchor enters a new chunk, far
// state is evicted and every cell of the render grid starts loading, nearest
// first. Calling it again within the same chunk is a no-op.
func (w *World) UpdateChunks(anchor mgl32.Vec3) {
	if w.disposed {
		return
	}
	k := w.ChunkAt(anchor)
	if w.anchorSet && k == w.anchor {
		return
	}
	w.anchor = k
	w.anchorSet = true

	w.evictFar()
	for _, off := range w.grids.get(w.cfg.RenderRadius) {
		w.loadChunk(k.Add(off))
	}
	w.enforceResidentCap()
}

func (w *World) beyond(key voxel.ChunkKey) bool {
	return math.Sqrt(float64(key.Dist2(w.anchor))) > w.cfg.EvictionDistance()
}

func (w *World) evictFar() {
	for _, key := range w.store.Keys() {
		if w.beyond(key) {
			w.evictData(key)
		}
	}
	for _, key := range w.store.PendingKeys() {
		if w.beyond(key) {
			w.store.Evict(key)
			w.counters.Evicted++
		}
	}
	for key := range w.rendered {
		if w.beyond(key) {
			w.removeMesh(key)
		}
	}
	for key, req := range w.meshing {
		if w.beyond(key) {
			req.Cancel()
			delete(w.meshing, key)
		}
	}
	for key := range w.blocked {
		if w.beyond(key) {
			delete(w.blocked, key)
		}
	}
	for key := range w.empty {
		if w.beyond(key) {
			delete(w.empty, key)
		}
	}
}

// evictData flushes any pending save for key and drops its buffer.
func (w *World) evictData(key voxel.ChunkKey) {
	if t, ok := w.saves[key]; ok {
		w.flushSave(key, t)
	}
	w.store.Evict(key)
	w.counters.Evicted++
}

// enforceResidentCap drops the farthest resident buffers beyond
// MaxResidentChunks. Buffers a pending or blocked mesh still reads are kept,
// so the count can sit above the cap until those meshes settle.
func (w *World) enforceResidentCap() {
	limit := w.cfg.MaxResidentChunks
	if limit <= 0 || w.store.Len() <= limit {
		return
	}
	needed := w.meshInputs()
	keys := w.store.Keys()
	sort.SliceStable(keys, func(i, j int) bool {
		return keys[i].Dist2(w.anchor) > keys[j].Dist2(w.anchor)
	})
	over := len(keys) - limit
	for _, key := range keys {
		if over == 0 {
			break
		}
		if _, ok := needed[key]; ok {
			continue
		}
		w.evictData(key)
		over--
	}
}

// meshInputs returns every key whose buffer belongs to the block of a
// meshing or blocked chunk.
func (w *World) meshInputs() map[voxel.ChunkKey]struct{} {
	out := make(map[voxel.ChunkKey]struct{}, (len(w.meshing)+len(w.blocked))*len(blockOffsets))
	add := func(key voxel.ChunkKey) {
		for _, off := range blockOffsets {
			out[key.Add(off)] = struct{}{}
		}
	}
	for key := range w.meshing {
		add(key)
	}
	for key := range w.blocked {
		add(key)
	}
	return out
}

// loadChunk starts loading and meshing key unless it already has (or is
// getting) a mesh. Blocked keys are retried so evicted neighbors are fetched
// again.
func (w *World) loadChunk(key voxel.ChunkKey) {
	if _, ok := w.rendered[key]; ok {
		return
	}
	if _, ok := w.empty[key]; ok {
		return
	}
	if _, ok := w.meshing[key]; ok {
		return
	}
	w.requestMesh(key)
}

// requestMesh supersedes any in-flight mesh for key and submits its neighbor
// block, or records key as blocked until the missing neighbors arrive.
func (w *World) requestMesh(key voxel.ChunkKey) {
	if req, ok := w.meshing[key]; ok {
		req.Cancel()
		delete(w.meshing, key)
	}
	block := make([][]byte, len(blockOffsets))
	missing := false
	for i, off := range blockOffsets {
		nk := key.Add(off)
		buf, ok := w.store.Peek(nk)
		if !ok {
			missing = true
			w.store.Get(nk, nil)
			continue
		}
		block[i] = buf
	}
	if missing {
		w.blocked[key] = struct{}{}
		return
	}
	delete(w.blocked, key)

	req := &LoadRequest{}
	w.meshing[key] = req
	w.mesh.mesh(key, block, req,
		func(g *MeshGeometry) { w.applyMesh(key, req, g) },
		func(err error) {
			if w.meshing[key] != req {
				return
			}
			delete(w.meshing, key)
			w.counters.MeshFailures++
			w.log.Printf("[world] mesh %s: %v", key, err)
			w.enforceResidentCap()
		},
	)
}

func (w *World) onChunkArrived(key voxel.ChunkKey) {
	for _, off := range blockOffsets {
		bk := key.Sub(off)
		if _, ok := w.blocked[bk]; ok {
			w.requestMesh(bk)
		}
	}
	w.enforceResidentCap()
}

func (w *World) applyMesh(key voxel.ChunkKey, req *LoadRequest, g *MeshGeometry) {
	if w.meshing[key] != req {
		return
	}
	delete(w.meshing, key)
	defer w.enforceResidentCap()
	if g == nil {
		w.removeMesh(key)
		w.empty[key] = struct{}{}
		return
	}
	delete(w.empty, key)
	if _, ok := w.rendered[key]; ok {
		w.counters.MeshesUpdated++
		if w.sink != nil {
			w.sink.UpdateMesh(key, g)
		}
		return
	}
	w.rendered[key] = struct{}{}
	w.counters.MeshesAdded++
	if w.sink != nil {
		w.sink.AddMesh(key, g)
	}
}

func (w *World) removeMesh(key voxel.ChunkKey) {
	if _, ok := w.rendered[key]; !ok {
		return
	}
	delete(w.rendered, key)
	w.counters.MeshesRemoved++
	if w.sink != nil {
		w.sink.RemoveMesh(key)
	}
}

// ChunkState reports the streaming phase of key.
func (w *World) ChunkState(key voxel.ChunkKey) ChunkPhase {
	if _, ok := w.rendered[key]; ok {
		if _, busy := w.meshing[key]; busy {
			return MeshPending
		}
		return Rendered
	}
	if _, ok := w.meshing[key]; ok {
		return MeshPending
	}
	if w.store.Has(key) {
		return DataReady
	}
	if w.store.IsPending(key) {
		return DataPending
	}
	return Unloaded
}

// Anchor returns the current anchor chunk; ok is false before the first
// UpdateChunks.
func (w *World) Anchor() (voxel.ChunkKey, bool) { return w.anchor, w.anchorSet }

func (w *World) Stats() Stats {
	st := Stats{
		Anchor:       w.anchor,
		AnchorSet:    w.anchorSet,
		Rendered:     len(w.rendered),
		Empty:        len(w.empty),
		Meshing:      len(w.meshing),
		Blocked:      len(w.blocked),
		PendingSaves: len(w.saves),
		Inflight:     w.loop.inflight,
		Store:        w.store.Stats(),
		MeshPool:     w.mesh.pool.Stats(),
		Counters:     w.counters,
	}
	if w.gen != nil {
		st.GenPool = w.gen.pool.Stats()
	}
	return st
}

// Reset flushes pending saves, cancels all in-flight work and forgets every
// chunk and mesh. Worker pools stay alive.
func (w *World) Reset() {
	w.FlushSaves()
	for _, req := range w.meshing {
		req.Cancel()
	}
	for key := range w.rendered {
		w.removeMesh(key)
	}
	clear(w.meshing)
	clear(w.blocked)
	clear(w.empty)
	w.store.Reset()
	w.anchorSet = false
	w.anchor = voxel.ChunkKey{}
}

// Dispose resets the world and terminates both worker pools. The world is
// unusable afterwards.
func (w *World) Dispose() {
	if w.disposed {
		return
	}
	w.Reset()
	if w.gen != nil {
		w.gen.pool.Dispose()
	}
	w.mesh.pool.Dispose()
	w.disposed = true
	w.cancel()
	close(w.loop.closed)
}
