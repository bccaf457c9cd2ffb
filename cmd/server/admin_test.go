package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/persistence/chunkdb"
	"voxelstream.ai/internal/sim/world"
	"voxelstream.ai/internal/transport/observer"
)

func testConfig() world.Config {
	return world.Config{
		ChunkSize:         8,
		RenderRadius:      1,
		Seed:              7,
		Generator:         "cave",
		GenerationWorkers: 2,
		MeshingWorkers:    2,
		SaveInterval:      20 * time.Millisecond,
	}
}

// newTestServer runs a small world on its own control goroutine.
func newTestServer(t *testing.T) (*server, *http.ServeMux) {
	t.Helper()
	sink := newMeshStats()
	mem := chunkdb.NewMemory()
	w, err := world.New(testConfig(), world.Deps{Sink: sink, Storage: mem})
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Dispose()
	})

	s := &server{
		world:       w,
		sink:        sink,
		storage:     mem,
		log:         log.New(io.Discard, "", 0),
		snapDir:     filepath.Join(t.TempDir(), "snapshots"),
		snapKeep:    2,
		compression: archive.Zstd,
	}
	s.feed = observer.NewServer(func(ctx context.Context) (world.Stats, error) {
		var st world.Stats
		err := w.Do(ctx, func(w *world.World) { st = w.Stats() })
		return st, err
	}, observer.Options{})
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	s.routes(mux)
	return s, mux
}

func do(t *testing.T, mux *http.ServeMux, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:5555"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func waitStreamed(t *testing.T, s *server, want int) stateResponse {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for {
		st, err := s.state(context.Background())
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		ws := st.World
		if ws.Rendered+ws.Empty == want && ws.Inflight == 0 && ws.Meshing == 0 {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("not streamed: %+v", ws)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAdmin_RejectsNonLoopback(t *testing.T) {
	_, mux := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("code=%d want 403", rr.Code)
	}
}

func TestAdmin_AnchorEditExportImport(t *testing.T) {
	s, mux := newTestServer(t)

	rr := do(t, mux, http.MethodPost, "/admin/v1/anchor", []byte(`{"position":[4,4,4]}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("anchor code=%d body=%s", rr.Code, rr.Body.String())
	}
	st := waitStreamed(t, s, 7)
	if !st.World.AnchorSet || st.Sink.Meshes != st.World.Rendered {
		t.Fatalf("state=%+v", st)
	}

	rr = do(t, mux, http.MethodPost, "/admin/v1/edit", []byte(`{"point":[4,4,4],"radius":1,"value":255}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("edit code=%d body=%s", rr.Code, rr.Body.String())
	}
	var er struct {
		Affected int `json:"affected"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &er); err != nil || er.Affected != 1 {
		t.Fatalf("edit resp=%s err=%v", rr.Body.String(), err)
	}

	rr = do(t, mux, http.MethodPost, "/admin/v1/edit", []byte(`{"point":[4,4,4],"radius":1}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("edit without value code=%d want 400", rr.Code)
	}

	rr = do(t, mux, http.MethodGet, "/admin/v1/export?compression=zstd", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("export code=%d", rr.Code)
	}
	exported := rr.Body.Bytes()
	meta, chunks, err := decodeZstd(exported)
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if meta.ChunkSize != 8 || len(chunks) < 7 || meta.Spawn == nil {
		t.Fatalf("meta=%+v chunks=%d", meta, len(chunks))
	}

	rr = do(t, mux, http.MethodPost, "/admin/v1/import", exported)
	if rr.Code != http.StatusOK {
		t.Fatalf("import code=%d body=%s", rr.Code, rr.Body.String())
	}
	var ir struct {
		Chunks int `json:"chunks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &ir); err != nil || ir.Chunks != len(chunks) {
		t.Fatalf("import resp=%s want chunks=%d", rr.Body.String(), len(chunks))
	}
	st = waitStreamed(t, s, 7)
	if st.World.Counters.Imports != 1 {
		t.Fatalf("imports=%d want 1", st.World.Counters.Imports)
	}
}

func TestAdmin_ImportRejectsChunkSizeMismatch(t *testing.T) {
	_, mux := newTestServer(t)
	var buf bytes.Buffer
	if err := archive.Encode(&buf, archive.Metadata{ChunkSize: 16}, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	rr := do(t, mux, http.MethodPost, "/admin/v1/import", buf.Bytes())
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("code=%d want 400", rr.Code)
	}
}

func TestMetrics_Exposition(t *testing.T) {
	s, mux := newTestServer(t)
	do(t, mux, http.MethodPost, "/admin/v1/anchor", []byte(`{"position":[0,0,0]}`))
	waitStreamed(t, s, 7)

	rr := do(t, mux, http.MethodGet, "/metrics", nil)
	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE voxelstream_chunks_rendered gauge",
		"# TYPE voxelstream_meshes_added_total counter",
		`voxelstream_chunkdb_writes_total{backend="memory"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestSnapshots_WriteLatestPrune(t *testing.T) {
	s, mux := newTestServer(t)
	do(t, mux, http.MethodPost, "/admin/v1/anchor", []byte(`{"position":[0,0,0]}`))
	waitStreamed(t, s, 7)

	var paths []string
	for i := 0; i < 3; i++ {
		p, err := s.writeSnapshot(context.Background())
		if err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
		paths = append(paths, p)
		time.Sleep(2 * time.Millisecond)
	}
	if got := latestSnapshot(s.snapDir); got != paths[2] {
		t.Fatalf("latest=%s want %s", got, paths[2])
	}
	if n := len(listSnapshots(s.snapDir)); n != 2 {
		t.Fatalf("snapshots=%d want 2 after prune", n)
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Fatalf("oldest snapshot not pruned: %v", err)
	}

	fresh, err := world.New(testConfig(), world.Deps{})
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	defer fresh.Dispose()
	meta, err := importFile(fresh, paths[2])
	if err != nil {
		t.Fatalf("import snapshot: %v", err)
	}
	if meta.Name != "snapshot" || fresh.Store().Len() < 7 {
		t.Fatalf("meta=%+v resident=%d", meta, fresh.Store().Len())
	}
}

func TestLatestSnapshot_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"10.chunks.zst", "9.chunks", "abc.chunks.zst", "11.chunks.zst.tmp", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := filepath.Base(latestSnapshot(dir)); got != "10.chunks.zst" {
		t.Fatalf("latest=%s want 10.chunks.zst", got)
	}
	if latestSnapshot(filepath.Join(dir, "missing")) != "" {
		t.Fatalf("missing dir should yield no snapshot")
	}
}

func TestParseVec3(t *testing.T) {
	v, err := parseVec3(" 1, -2.5,3 ")
	if err != nil || v[0] != 1 || v[1] != -2.5 || v[2] != 3 {
		t.Fatalf("v=%v err=%v", v, err)
	}
	if _, err := parseVec3("1,2"); err == nil {
		t.Fatalf("expected error for two components")
	}
}

func decodeZstd(b []byte) (archive.Metadata, []archive.Chunk, error) {
	rc, err := archive.NewDecompressedReader(bytes.NewReader(b), archive.Zstd)
	if err != nil {
		return archive.Metadata{}, nil, err
	}
	defer rc.Close()
	return archive.Decode(rc)
}
