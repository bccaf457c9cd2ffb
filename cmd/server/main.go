package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/persistence/chunkdb"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/sim/world"
	"voxelstream.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		tuningPath = flag.String("tuning", "./configs/streaming.yaml", "path to streaming.yaml")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		seed       = flag.Int64("seed", 0, "override world seed (0 keeps the tuning value)")
		backend    = flag.String("db", "", "chunk store backend: sqlite, leveldb, memory or none (default from tuning)")

		snapPath   = flag.String("snapshot", "", "archive to load on boot (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		anchor     = flag.String("anchor", "0,0,0", "initial anchor position x,y,z")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune, _ = tuning.Load("")
	}
	if *seed != 0 {
		tune.World.Seed = *seed
	}
	if b := strings.TrimSpace(*backend); b != "" {
		tune.Persistence.Backend = b
		if err := tune.Validate(); err != nil {
			logger.Fatalf("tuning: %v", err)
		}
	}
	start, err := parseVec3(*anchor)
	if err != nil {
		logger.Fatalf("-anchor: %v", err)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	sink := newMeshStats()
	deps := world.Deps{
		Logger: logger,
		Sink:   sink,
	}
	var gw chunkdb.Gateway
	if tune.Persistence.Backend != "none" {
		gw, err = chunkdb.Open(tune.Persistence.Backend, dbPath(*dataDir, tune.Persistence.Backend), logger)
		if err != nil {
			logger.Fatalf("open chunk store: %v", err)
		}
		defer gw.Close()
		deps.Storage = gw
	}
	if tune.Persistence.Journal {
		j := persistlog.NewEditJournal(*dataDir, logger)
		defer j.Close()
		deps.EditLog = j
	}

	w, err := world.New(tune.WorldConfig(), deps)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	snapDir := filepath.Join(*dataDir, "snapshots")
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(snapDir)
	}
	if snapshotToLoad != "" {
		meta, err := importFile(w, snapshotToLoad)
		if err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s chunks=%d", filepath.Base(snapshotToLoad), w.Store().Len())
		if meta.Spawn != nil && *anchor == "0,0,0" {
			start = spawnVec(meta.Spawn)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	comp, _ := archive.ParseCompression(tune.Persistence.Compression)
	feed := observer.NewServer(func(ctx context.Context) (world.Stats, error) {
		var st world.Stats
		err := w.Do(ctx, func(w *world.World) { st = w.Stats() })
		return st, err
	}, observer.Options{PushHz: tune.Feed.PushHz, Burst: tune.Feed.Burst, Logger: logger})

	app := &server{
		world:       w,
		sink:        sink,
		feed:        feed,
		storage:     gw,
		log:         logger,
		snapDir:     snapDir,
		snapKeep:    tune.Persistence.SnapshotKeep,
		compression: comp,
		anchor:      start,
	}
	w.UpdateChunks(start)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	if every := tune.SnapshotEvery(); every > 0 {
		go app.snapshotLoop(ctx, every)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", app.handleMetrics)

	enableAdminHTTP := envBool("VS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("VS_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		app.routes(mux)
	} else {
		logger.Printf("admin endpoints disabled (VS_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (chunk_size=%d radius=%d backend=%s)", *addr, tune.World.ChunkSize, tune.World.RenderRadius, tune.Persistence.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	<-runDone
	// Run has returned, so this goroutine owns the world again.
	app.stopped.Store(true)
	if _, err := app.writeSnapshot(context.Background()); err != nil {
		logger.Printf("final snapshot: %v", err)
	}
	w.Dispose()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func dbPath(dataDir, backend string) string {
	switch backend {
	case "leveldb":
		return filepath.Join(dataDir, "chunks.ldb")
	default:
		return filepath.Join(dataDir, "chunks.sqlite")
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
