package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/persistence/chunkdb"
	"voxelstream.ai/internal/sim/world"
	"voxelstream.ai/internal/transport/observer"
)

const maxImportBytes = 512 << 20

type server struct {
	world   *world.World
	sink    *meshStats
	feed    *observer.Server
	storage chunkdb.Gateway
	log     *log.Logger

	snapDir     string
	snapKeep    int
	compression archive.Compression

	// stopped is set once Run has returned; the caller then owns the world.
	stopped atomic.Bool

	mu     sync.Mutex
	anchor mgl32.Vec3
}

// onWorld runs fn on the control goroutine.
func (s *server) onWorld(ctx context.Context, fn func(w *world.World)) error {
	if s.stopped.Load() {
		fn(s.world)
		return nil
	}
	return s.world.Do(ctx, fn)
}

func (s *server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", s.adminOnly(s.handleState))
	mux.HandleFunc("/admin/v1/anchor", s.adminOnly(s.handleAnchor))
	mux.HandleFunc("/admin/v1/edit", s.adminOnly(s.handleEdit))
	mux.HandleFunc("/admin/v1/export", s.adminOnly(s.handleExport))
	mux.HandleFunc("/admin/v1/import", s.adminOnly(s.handleImport))
	mux.HandleFunc("/admin/v1/snapshot", s.adminOnly(s.handleSnapshot))
	mux.HandleFunc("/admin/v1/feed", s.feed.WSHandler())
}

func (s *server) adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !observer.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

type stateResponse struct {
	Anchor  [3]float32     `json:"anchor"`
	World   world.Stats    `json:"world"`
	Sink    sinkSnapshot   `json:"sink"`
	Storage *chunkdb.Stats `json:"storage,omitempty"`
	Feed    int            `json:"feed_sessions"`
}

func (s *server) state(ctx context.Context) (stateResponse, error) {
	var out stateResponse
	err := s.onWorld(ctx, func(w *world.World) {
		out.World = w.Stats()
		if s.sink != nil {
			out.Sink = s.sink.snapshot()
		}
	})
	if err != nil {
		return out, err
	}
	s.mu.Lock()
	a := s.anchor
	s.mu.Unlock()
	out.Anchor = [3]float32{a.X(), a.Y(), a.Z()}
	if s.storage != nil {
		st := s.storage.Stats()
		out.Storage = &st
	}
	if s.feed != nil {
		out.Feed = s.feed.Sessions()
	}
	return out, nil
}

func (s *server) handleState(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st, err := s.state(r.Context())
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

type anchorRequest struct {
	Position [3]float32 `json:"position"`
}

func (s *server) handleAnchor(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req anchorRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	p := mgl32.Vec3(req.Position)
	var chunk string
	err := s.onWorld(r.Context(), func(w *world.World) {
		w.UpdateChunks(p)
		chunk = w.ChunkAt(p).String()
	})
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.mu.Lock()
	s.anchor = p
	s.mu.Unlock()
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "chunk": chunk})
}

type editRequest struct {
	Point  [3]float32 `json:"point"`
	Radius int        `json:"radius"`
	Value  *int       `json:"value"`
	Color  *[3]uint8  `json:"color,omitempty"`
}

func (s *server) handleEdit(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req editRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	if req.Value == nil || *req.Value < 0 || *req.Value > 255 {
		http.Error(rw, "value must be in [0,255]", http.StatusBadRequest)
		return
	}
	if req.Radius < 0 || req.Radius > 64 {
		http.Error(rw, "radius must be in [0,64]", http.StatusBadRequest)
		return
	}
	var affected int
	err := s.onWorld(r.Context(), func(w *world.World) {
		affected = w.UpdateVolume(mgl32.Vec3(req.Point), req.Radius, uint8(*req.Value), req.Color)
	})
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "affected": affected})
}

func (s *server) handleExport(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	comp := s.compression
	if q := r.URL.Query().Get("compression"); q != "" {
		c, err := archive.ParseCompression(q)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		comp = c
	}
	body, meta, err := s.export(r.Context(), comp, archive.Metadata{Name: r.URL.Query().Get("name")})
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.Header().Set("Content-Length", strconv.Itoa(len(body)))
	rw.Header().Set("X-Archive-Id", meta.ID)
	rw.Header().Set("X-Archive-Compression", comp.String())
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write(body)
}

// export serializes the resident chunks on the control goroutine and
// compresses them outside of it.
func (s *server) export(ctx context.Context, comp archive.Compression, meta archive.Metadata) ([]byte, archive.Metadata, error) {
	var raw bytes.Buffer
	var exportErr error
	err := s.onWorld(ctx, func(w *world.World) {
		if a, ok := w.Anchor(); ok && meta.Spawn == nil {
			cs := float64(w.Config().ChunkSize) * w.Config().Scale
			meta.Spawn = &[3]float64{(float64(a.X) + 0.5) * cs, (float64(a.Y) + 0.5) * cs, (float64(a.Z) + 0.5) * cs}
		}
		meta, exportErr = w.ExportChunks(&raw, meta)
	})
	if err == nil {
		err = exportErr
	}
	if err != nil {
		return nil, meta, err
	}
	if comp == archive.None {
		return raw.Bytes(), meta, nil
	}
	var out bytes.Buffer
	cw, err := archive.NewCompressedWriter(&out, comp)
	if err != nil {
		return nil, meta, err
	}
	if _, err := raw.WriteTo(cw); err != nil {
		_ = cw.Close()
		return nil, meta, err
	}
	if err := cw.Close(); err != nil {
		return nil, meta, err
	}
	return out.Bytes(), meta, nil
}

func (s *server) handleImport(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	comp := archive.None
	if q := r.URL.Query().Get("compression"); q != "" {
		c, err := archive.ParseCompression(q)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		comp = c
	}
	rc, err := archive.NewDecompressedReader(http.MaxBytesReader(rw, r.Body, maxImportBytes), comp)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	raw, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		http.Error(rw, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	meta, n, err := s.importArchive(r.Context(), raw)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "id": meta.ID, "chunks": n})
}

// importArchive replaces the world with raw and re-streams around the last
// anchor, since Reset forgets it.
func (s *server) importArchive(ctx context.Context, raw []byte) (archive.Metadata, int, error) {
	s.mu.Lock()
	anchor := s.anchor
	s.mu.Unlock()

	var meta archive.Metadata
	var n int
	var importErr error
	err := s.onWorld(ctx, func(w *world.World) {
		meta, importErr = w.ImportChunks(bytes.NewReader(raw))
		if importErr != nil {
			return
		}
		n = w.Store().Len()
		w.UpdateChunks(anchor)
	})
	if err == nil {
		err = importErr
	}
	if err != nil {
		return meta, 0, err
	}
	s.log.Printf("imported archive id=%s chunks=%d", meta.ID, n)
	if s.feed != nil {
		s.feed.Publish("import", map[string]any{"id": meta.ID, "chunks": n})
	}
	return meta, n, nil
}

func (s *server) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path, err := s.writeSnapshot(r.Context())
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": path})
}

func (s *server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	st, err := s.state(ctx)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	ws := st.World
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n", name, help, name, name, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(rw, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}

	gauge("voxelstream_chunks_resident", "Chunks with voxel data in memory.", ws.Store.Resident)
	gauge("voxelstream_chunks_pending", "Chunk fetches in flight.", ws.Store.Pending)
	gauge("voxelstream_chunks_rendered", "Chunks with a mesh in the sink.", ws.Rendered)
	gauge("voxelstream_chunks_empty", "Meshed chunks without a surface.", ws.Empty)
	gauge("voxelstream_chunks_meshing", "Mesh requests in flight.", ws.Meshing)
	gauge("voxelstream_chunks_blocked", "Chunks waiting on neighbor data.", ws.Blocked)
	gauge("voxelstream_pending_saves", "Chunks with a scheduled save.", ws.PendingSaves)
	gauge("voxelstream_inflight_tasks", "Worker completions not yet applied.", ws.Inflight)
	gauge("voxelstream_mesh_vertices", "Vertices across all sink meshes.", st.Sink.Vertices)
	gauge("voxelstream_gen_queue_depth", "Generation tasks waiting for a worker.", ws.GenPool.Queued)
	gauge("voxelstream_mesh_queue_depth", "Meshing tasks waiting for a worker.", ws.MeshPool.Queued)
	gauge("voxelstream_feed_sessions", "Connected feed sessions.", st.Feed)

	c := ws.Counters
	counter("voxelstream_meshes_added_total", "Meshes added to the sink.", c.MeshesAdded)
	counter("voxelstream_meshes_updated_total", "Meshes replaced in the sink.", c.MeshesUpdated)
	counter("voxelstream_meshes_removed_total", "Meshes removed from the sink.", c.MeshesRemoved)
	counter("voxelstream_mesh_failures_total", "Meshing tasks that failed.", c.MeshFailures)
	counter("voxelstream_chunks_evicted_total", "Chunks evicted from memory.", c.Evicted)
	counter("voxelstream_edits_total", "Volume edits applied.", c.Edits)
	counter("voxelstream_saves_total", "Chunk saves sent to storage.", c.Saves)
	counter("voxelstream_imports_total", "Archives imported.", c.Imports)

	if sto := st.Storage; sto != nil {
		backend := strings.ReplaceAll(sto.Backend, `"`, "")
		fmt.Fprintf(rw, "# HELP voxelstream_chunkdb_queue_depth Chunk writes waiting for the writer.\n# TYPE voxelstream_chunkdb_queue_depth gauge\n")
		fmt.Fprintf(rw, "voxelstream_chunkdb_queue_depth{backend=%q} %d\n", backend, sto.QueueDepth)
		fmt.Fprintf(rw, "# HELP voxelstream_chunkdb_writes_total Chunk writes committed.\n# TYPE voxelstream_chunkdb_writes_total counter\n")
		fmt.Fprintf(rw, "voxelstream_chunkdb_writes_total{backend=%q} %d\n", backend, sto.Writes)
		fmt.Fprintf(rw, "# HELP voxelstream_chunkdb_write_errors_total Chunk writes that failed.\n# TYPE voxelstream_chunkdb_write_errors_total counter\n")
		fmt.Fprintf(rw, "voxelstream_chunkdb_write_errors_total{backend=%q} %d\n", backend, sto.WriteErrs)
		fmt.Fprintf(rw, "# HELP voxelstream_chunkdb_dropped_total Chunk writes dropped on a full queue.\n# TYPE voxelstream_chunkdb_dropped_total counter\n")
		fmt.Fprintf(rw, "voxelstream_chunkdb_dropped_total{backend=%q} %d\n", backend, sto.Dropped)
		fmt.Fprintf(rw, "# HELP voxelstream_chunkdb_reads_total Chunk reads.\n# TYPE voxelstream_chunkdb_reads_total counter\n")
		fmt.Fprintf(rw, "voxelstream_chunkdb_reads_total{backend=%q} %d\n", backend, sto.Reads)
		fmt.Fprintf(rw, "# HELP voxelstream_chunkdb_hits_total Chunk reads that found data.\n# TYPE voxelstream_chunkdb_hits_total counter\n")
		fmt.Fprintf(rw, "voxelstream_chunkdb_hits_total{backend=%q} %d\n", backend, sto.Hits)
	}
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func parseVec3(s string) (mgl32.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return mgl32.Vec3{}, fmt.Errorf("want x,y,z, got %q", s)
	}
	var v mgl32.Vec3
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return mgl32.Vec3{}, fmt.Errorf("component %d: %w", i, err)
		}
		v[i] = float32(f)
	}
	return v, nil
}

func spawnVec(p *[3]float64) mgl32.Vec3 {
	return mgl32.Vec3{float32(p[0]), float32(p[1]), float32(p[2])}
}
