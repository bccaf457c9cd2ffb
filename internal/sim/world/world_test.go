package world

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/sim/voxel"
)

type recordingSink struct {
	mu      sync.Mutex
	live    map[voxel.ChunkKey]*MeshGeometry
	adds    int
	updates int
	removes int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{live: map[voxel.ChunkKey]*MeshGeometry{}}
}

func (s *recordingSink) AddMesh(k voxel.ChunkKey, g *MeshGeometry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	s.live[k] = g
}

func (s *recordingSink) UpdateMesh(k voxel.ChunkKey, g *MeshGeometry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.live[k] = g
}

func (s *recordingSink) RemoveMesh(k voxel.ChunkKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes++
	delete(s.live, k)
}

type editRecorder struct{ edits []Edit }

func (r *editRecorder) LogEdit(e Edit) { r.edits = append(r.edits, e) }

func newTestWorld(t *testing.T, cfg Config, deps Deps) *World {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	w, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	t.Cleanup(w.Dispose)
	return w
}

func settle(t *testing.T, w *World) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := w.Settle(ctx); err != nil {
		t.Fatalf("settle: %v", err)
	}
}

func chunkCenter(k voxel.ChunkKey, cs int) mgl32.Vec3 {
	h := float32(cs) / 2
	return mgl32.Vec3{float32(k.X*cs) + h, float32(k.Y*cs) + h, float32(k.Z*cs) + h}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	if _, err := New(Config{ChunkSize: 300}, Deps{}); err == nil {
		t.Fatalf("expected error for chunk size 300")
	}
	if _, err := New(Config{Generator: "moon"}, Deps{}); err == nil {
		t.Fatalf("expected error for unknown generator")
	}
}

func TestWorld_StreamsRenderGrid(t *testing.T) {
	sink := newRecordingSink()
	cfg := Config{ChunkSize: 8, RenderRadius: 1, Seed: 7, GenerationWorkers: 2, MeshingWorkers: 2}
	w := newTestWorld(t, cfg, Deps{Sink: sink})

	w.UpdateChunks(mgl32.Vec3{1, 1, 1})
	if st := w.ChunkState(voxel.ChunkKey{}); st != DataPending {
		t.Fatalf("origin state=%s want data_pending", st)
	}
	settle(t, w)

	st := w.Stats()
	if st.Meshing != 0 || st.Blocked != 0 {
		t.Fatalf("meshing=%d blocked=%d after settle", st.Meshing, st.Blocked)
	}
	if got, want := st.Rendered+st.Empty, len(RenderGrid(1)); got != want {
		t.Fatalf("rendered+empty=%d want %d", got, want)
	}
	if len(sink.live) != st.Rendered || sink.adds != st.Rendered {
		t.Fatalf("sink live=%d adds=%d rendered=%d", len(sink.live), sink.adds, st.Rendered)
	}
	for _, key := range w.Store().Keys() {
		buf, _ := w.Store().Peek(key)
		if err := voxel.CheckBuffer(8, buf); err != nil {
			t.Fatalf("%s: %v", key, err)
		}
	}
	for k, g := range sink.live {
		if w.ChunkState(k) != Rendered {
			t.Fatalf("%s state=%s want rendered", k, w.ChunkState(k))
		}
		if g.VertexCount() == 0 {
			t.Fatalf("%s has empty geometry", k)
		}
	}

	// Same chunk, nothing new to do.
	w.UpdateChunks(mgl32.Vec3{2, 2, 2})
	if w.Pump() != 0 || w.Stats().Inflight != 0 {
		t.Fatalf("re-anchoring inside the same chunk started work")
	}
}

func TestWorld_EvictsBeyondThreshold(t *testing.T) {
	const cs = 4
	sink := newRecordingSink()
	cfg := Config{ChunkSize: cs, RenderRadius: 2, DisableGeneration: true}
	w := newTestWorld(t, cfg, Deps{Sink: sink})

	w.UpdateChunks(chunkCenter(voxel.ChunkKey{}, cs))
	settle(t, w)

	// Give one chunk a surface so eviction has a mesh to remove.
	near := voxel.ChunkKey{X: 1}
	buf, _ := w.Store().Peek(near)
	for i := 0; i < len(buf); i += voxel.BytesPerVoxel {
		buf[i] = 255
	}
	w.requestMesh(near)
	inflightMesh := w.meshing[near]
	pendingKey := voxel.ChunkKey{X: -2, Y: 1}
	w.Store().Evict(pendingKey)
	w.Store().Get(pendingKey, nil)
	pendingReq := w.Store().pending[pendingKey].req
	if inflightMesh == nil {
		t.Fatalf("no in-flight mesh for %s", near)
	}

	before := append(w.Store().Keys(), w.Store().PendingKeys()...)
	for k := range w.rendered {
		before = append(before, k)
	}

	far := voxel.ChunkKey{X: 10}
	w.UpdateChunks(chunkCenter(far, cs))
	if !inflightMesh.Cancelled() || !pendingReq.Cancelled() {
		t.Fatalf("in-flight tokens not cancelled: mesh=%v fetch=%v", inflightMesh.Cancelled(), pendingReq.Cancelled())
	}
	limit := w.Config().EvictionDistance()
	check := func() {
		for _, k := range before {
			if float64(k.Dist2(far)) <= limit*limit {
				continue
			}
			if w.Store().Has(k) || w.Store().IsPending(k) {
				t.Fatalf("%s still loaded beyond %.2f", k, limit)
			}
			if _, ok := w.rendered[k]; ok {
				t.Fatalf("%s still rendered", k)
			}
			if _, ok := w.meshing[k]; ok {
				t.Fatalf("%s still meshing", k)
			}
			if _, ok := sink.live[k]; ok {
				t.Fatalf("%s still in sink", k)
			}
		}
	}
	check()
	// At the moment of the move no resident or meshed state sits past the
	// threshold. Pending fetches may, since they include the +1 block
	// neighbors of edge cells.
	var live []voxel.ChunkKey
	live = append(live, w.Store().Keys()...)
	for k := range w.rendered {
		live = append(live, k)
	}
	for k := range w.meshing {
		live = append(live, k)
	}
	for k := range w.blocked {
		live = append(live, k)
	}
	for _, k := range live {
		if float64(k.Dist2(far)) > limit*limit {
			t.Fatalf("%s live past %.2f right after the move (phase %v)", k, limit, w.ChunkState(k))
		}
	}
	settle(t, w)
	// Settling refetches the +1 block neighbors of edge cells, which may lie
	// past the threshold again; only the old keys must stay gone.
	check()
	if w.Stats().Counters.Evicted == 0 {
		t.Fatalf("nothing evicted")
	}
}

func TestWorld_MaxResidentChunks(t *testing.T) {
	const limit = 10
	cfg := Config{ChunkSize: 4, RenderRadius: 2, DisableGeneration: true, MaxResidentChunks: limit}
	w := newTestWorld(t, cfg, Deps{})
	meshed := func(anchor voxel.ChunkKey) {
		t.Helper()
		for _, off := range RenderGrid(2) {
			k := anchor.Add(off)
			_, r := w.rendered[k]
			_, e := w.empty[k]
			if !r && !e {
				t.Fatalf("%s never meshed (phase %v)", k, w.ChunkState(k))
			}
		}
	}

	w.UpdateChunks(mgl32.Vec3{})
	settle(t, w)
	if n := w.Store().Len(); n > limit {
		t.Fatalf("resident=%d after settle want <= %d", n, limit)
	}
	meshed(voxel.ChunkKey{})

	next := voxel.ChunkKey{X: 1}
	w.UpdateChunks(chunkCenter(next, 4))
	if n := w.Store().Len(); n > limit {
		t.Fatalf("resident=%d after move want <= %d", n, limit)
	}
	settle(t, w)
	if n := w.Store().Len(); n > limit {
		t.Fatalf("resident=%d after second settle want <= %d", n, limit)
	}
	meshed(next)
	if w.Stats().Counters.Evicted == 0 {
		t.Fatalf("nothing evicted")
	}
}

func sortedKeys(keys []voxel.ChunkKey) []voxel.ChunkKey {
	out := append([]voxel.ChunkKey(nil), keys...)
	sort.Slice(out, func(i, j int) bool { return zyxLess(out[i], out[j]) })
	return out
}

func TestUpdateVolume_CornerVoxelAffectsEightChunks(t *testing.T) {
	const cs = 4
	rec := &editRecorder{}
	w := newTestWorld(t, Config{ChunkSize: cs, DisableGeneration: true}, Deps{EditLog: rec})
	if err := w.Store().Put(voxel.ChunkKey{}, voxel.NewBuffer(cs)); err != nil {
		t.Fatalf("put: %v", err)
	}

	color := [3]uint8{10, 20, 30}
	n := w.UpdateVolume(mgl32.Vec3{0.5, 0.5, 0.5}, 0, 200, &color)
	if n != 8 {
		t.Fatalf("affected=%d want 8", n)
	}
	want := sortedKeys([]voxel.ChunkKey{
		{}, {X: -1}, {Y: -1}, {Z: -1},
		{X: -1, Y: -1}, {Y: -1, Z: -1}, {X: -1, Z: -1},
		{X: -1, Y: -1, Z: -1},
	})
	got := sortedKeys(rec.edits[0].Affected)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("affected=%v want %v", got, want)
		}
	}
	buf, _ := w.Store().Peek(voxel.ChunkKey{})
	if buf[0] != 200 || buf[1] != 10 || buf[2] != 20 || buf[3] != 30 {
		t.Fatalf("voxel=% d", buf[:4])
	}
	if rec.edits[0].Written != 1 {
		t.Fatalf("written=%d want 1", rec.edits[0].Written)
	}
}

func TestUpdateVolume_InteriorVoxelAffectsOwnChunk(t *testing.T) {
	const cs = 4
	rec := &editRecorder{}
	w := newTestWorld(t, Config{ChunkSize: cs, DisableGeneration: true}, Deps{EditLog: rec})
	key := voxel.ChunkKey{X: 2, Y: -1, Z: 0}
	if err := w.Store().Put(key, voxel.NewBuffer(cs)); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Voxel (9,-3,1) is local (1,1,1) of chunk (2,-1,0).
	n := w.UpdateVolume(mgl32.Vec3{9.5, -2.5, 1.5}, 0, 255, nil)
	if n != 1 || rec.edits[0].Affected[0] != key {
		t.Fatalf("affected=%v want [%v]", rec.edits[0].Affected, key)
	}
	buf, _ := w.Store().Peek(key)
	i := voxel.Index(cs, 1, 1, 1)
	if buf[i] != 255 || buf[i+1] != 0 {
		t.Fatalf("voxel=% d", buf[i:i+4])
	}
}

func TestUpdateVolume_DropsWritesToMissingChunks(t *testing.T) {
	w := newTestWorld(t, Config{ChunkSize: 4, DisableGeneration: true}, Deps{})
	if n := w.UpdateVolume(mgl32.Vec3{100, 100, 100}, 1, 255, nil); n != 0 {
		t.Fatalf("affected=%d want 0", n)
	}
	settle(t, w)
	if w.Store().Has(voxel.ChunkKey{X: 25, Y: 25, Z: 25}) {
		t.Fatalf("edit loaded a chunk")
	}
}

func TestUpdateVolume_RemeshesEditedChunk(t *testing.T) {
	const cs = 4
	sink := newRecordingSink()
	w := newTestWorld(t, Config{ChunkSize: cs, RenderRadius: 1, DisableGeneration: true}, Deps{Sink: sink})
	w.UpdateChunks(chunkCenter(voxel.ChunkKey{}, cs))
	settle(t, w)
	if w.Stats().Rendered != 0 {
		t.Fatalf("zero-filled world rendered %d meshes", w.Stats().Rendered)
	}

	w.UpdateVolume(chunkCenter(voxel.ChunkKey{}, cs), 1, 255, &[3]uint8{255, 0, 0})
	settle(t, w)
	if w.ChunkState(voxel.ChunkKey{}) != Rendered {
		t.Fatalf("origin state=%s want rendered", w.ChunkState(voxel.ChunkKey{}))
	}
	if sink.live[voxel.ChunkKey{}] == nil {
		t.Fatalf("sink has no mesh for origin")
	}

	// Clearing the edit removes the surface again.
	w.UpdateVolume(chunkCenter(voxel.ChunkKey{}, cs), 1, 0, nil)
	settle(t, w)
	if _, ok := sink.live[voxel.ChunkKey{}]; ok {
		t.Fatalf("mesh not removed after clearing")
	}
}

func TestSaves_CoalesceWithinInterval(t *testing.T) {
	const cs = 4
	st := newMemStorage()
	w := newTestWorld(t, Config{ChunkSize: cs, DisableGeneration: true, SaveInterval: 40 * time.Millisecond}, Deps{Storage: st})
	key := voxel.ChunkKey{}
	if err := w.Store().Put(key, voxel.NewBuffer(cs)); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 3; i++ {
		w.UpdateVolume(mgl32.Vec3{1.5, 1.5, 1.5}, 0, uint8(100+i), nil)
	}
	if n := st.setCount(key.StorageKey()); n != 0 {
		t.Fatalf("sets=%d before the interval", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for st.setCount(key.StorageKey()) == 0 && time.Now().Before(deadline) {
		w.Pump()
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(80 * time.Millisecond)
	w.Pump()
	if n := st.setCount(key.StorageKey()); n != 1 {
		t.Fatalf("sets=%d want 1", n)
	}
	st.mu.Lock()
	saved := st.data[key.StorageKey()]
	st.mu.Unlock()
	if saved[voxel.Index(cs, 1, 1, 1)] != 102 {
		t.Fatalf("saved density=%d want 102", saved[voxel.Index(cs, 1, 1, 1)])
	}
	// Neighbors that were only remeshed are not written.
	if n := st.setCount(voxel.ChunkKey{X: -1}.StorageKey()); n != 0 {
		t.Fatalf("unwritten neighbor saved %d times", n)
	}
}

func TestSaves_FlushedOnEvictAndReset(t *testing.T) {
	const cs = 4
	st := newMemStorage()
	w := newTestWorld(t, Config{ChunkSize: cs, DisableGeneration: true, SaveInterval: time.Hour}, Deps{Storage: st})
	key := voxel.ChunkKey{}
	if err := w.Store().Put(key, voxel.NewBuffer(cs)); err != nil {
		t.Fatalf("put: %v", err)
	}
	w.UpdateVolume(mgl32.Vec3{1, 1, 1}, 0, 1, nil)
	w.Reset()
	if n := st.setCount(key.StorageKey()); n != 1 {
		t.Fatalf("sets=%d want 1 after reset", n)
	}
	if w.Stats().PendingSaves != 0 || w.Store().Len() != 0 {
		t.Fatalf("reset left state: %+v", w.Stats())
	}
}

func TestImportChunks_MismatchLeavesStoreUntouched(t *testing.T) {
	w := newTestWorld(t, Config{ChunkSize: 4, DisableGeneration: true}, Deps{})
	if err := w.Store().Put(voxel.ChunkKey{X: 3}, voxel.NewBuffer(4)); err != nil {
		t.Fatalf("put: %v", err)
	}
	var b bytes.Buffer
	err := archive.Encode(&b, archive.Metadata{ChunkSize: 8}, []archive.Chunk{{Key: voxel.ChunkKey{}, Data: voxel.NewBuffer(8)}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := w.ImportChunks(&b); !errors.Is(err, archive.ErrChunkSizeMismatch) {
		t.Fatalf("err=%v want ErrChunkSizeMismatch", err)
	}
	if !w.Store().Has(voxel.ChunkKey{X: 3}) || w.Store().Len() != 1 {
		t.Fatalf("store mutated by failed import")
	}
	if w.Stats().Counters.Imports != 0 {
		t.Fatalf("imports counted")
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	const cs = 4
	src := newTestWorld(t, Config{ChunkSize: cs, DisableGeneration: true, Scale: 0.5}, Deps{})
	keys := []voxel.ChunkKey{{}, {X: -3, Y: 1, Z: 2}, {Z: -7}}
	for i, k := range keys {
		buf := voxel.NewBuffer(cs)
		for j := range buf {
			buf[j] = byte(i + j*3)
		}
		if err := src.Store().Put(k, buf); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	var raw bytes.Buffer
	zw, err := archive.NewCompressedWriter(&raw, archive.Zstd)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	meta, err := src.ExportChunks(zw, archive.Metadata{Name: "roundtrip"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if meta.ChunkSize != cs || meta.Scale != 0.5 {
		t.Fatalf("meta=%+v", meta)
	}

	st := newMemStorage()
	dst := newTestWorld(t, Config{ChunkSize: cs, DisableGeneration: true}, Deps{Storage: st})
	if err := dst.Store().Put(voxel.ChunkKey{X: 50}, voxel.NewBuffer(cs)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := dst.ImportChunks(&raw)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if got.Name != "roundtrip" || got.ID != meta.ID {
		t.Fatalf("meta=%+v", got)
	}
	if dst.Store().Has(voxel.ChunkKey{X: 50}) {
		t.Fatalf("import did not reset the store")
	}
	if dst.Store().Len() != len(keys) {
		t.Fatalf("resident=%d want %d", dst.Store().Len(), len(keys))
	}
	for _, k := range keys {
		a, _ := src.Store().Peek(k)
		b, ok := dst.Store().Peek(k)
		if !ok || !bytes.Equal(a, b) {
			t.Fatalf("%s differs after round trip", k)
		}
		if st.setCount(k.StorageKey()) != 1 {
			t.Fatalf("%s not persisted on import", k)
		}
	}
	if dst.Config().Scale != 0.5 {
		t.Fatalf("scale=%v want 0.5", dst.Config().Scale)
	}
}

func TestRunAndDo(t *testing.T) {
	w, err := New(Config{ChunkSize: 4, RenderRadius: 1, DisableGeneration: true}, Deps{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if err := w.Do(ctx, func(w *World) { w.UpdateChunks(mgl32.Vec3{}) }); err != nil {
		t.Fatalf("do: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		var st Stats
		if err := w.Do(ctx, func(w *World) { st = w.Stats() }); err != nil {
			t.Fatalf("do: %v", err)
		}
		if st.Empty == len(RenderGrid(1)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats=%+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := w.Do(ctx, func(w *World) { w.Dispose() }); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after dispose")
	}
	if err := w.Do(context.Background(), func(*World) {}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("err=%v want ErrDisposed", err)
	}
	cancel()
}
