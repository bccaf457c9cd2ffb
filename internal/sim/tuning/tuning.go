package tuning

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/sim/world"
	"voxelstream.ai/internal/sim/worldgen"
)

type Tuning struct {
	World       WorldTuning       `yaml:"world"`
	Workers     WorkerTuning      `yaml:"workers"`
	Persistence PersistenceTuning `yaml:"persistence"`
	Feed        FeedTuning        `yaml:"feed"`
}

type WorldTuning struct {
	ChunkSize         int     `yaml:"chunk_size"`
	RenderRadius      int     `yaml:"render_radius"`
	EvictionMargin    float64 `yaml:"eviction_margin"`
	Seed              int64   `yaml:"seed"`
	Generator         string  `yaml:"generator"`
	Isolevel          float64 `yaml:"isolevel"`
	Scale             float64 `yaml:"scale"`
	MaxResidentChunks int     `yaml:"max_resident_chunks"`
}

type WorkerTuning struct {
	Generation int `yaml:"generation"`
	Meshing    int `yaml:"meshing"`
	// WatchdogMs > 0 fails and resubmits tasks stuck longer than this.
	WatchdogMs int `yaml:"watchdog_ms"`
}

type PersistenceTuning struct {
	Backend        string `yaml:"backend"`
	SaveIntervalMs int    `yaml:"save_interval_ms"`
	// SnapshotEverySec = 0 disables periodic archive snapshots.
	SnapshotEverySec int    `yaml:"snapshot_every_sec"`
	SnapshotKeep     int    `yaml:"snapshot_keep"`
	Compression      string `yaml:"compression"`
	Journal          bool   `yaml:"journal"`
}

type FeedTuning struct {
	PushHz float64 `yaml:"push_hz"`
	Burst  int     `yaml:"burst"`
}

func Defaults() Tuning {
	return Tuning{
		World: WorldTuning{
			ChunkSize:    32,
			RenderRadius: 5,
			Generator:    "cave",
			Isolevel:     0.7,
			Scale:        1,
		},
		Workers: WorkerTuning{
			Generation: 4,
			Meshing:    4,
		},
		Persistence: PersistenceTuning{
			Backend:          "sqlite",
			SaveIntervalMs:   5000,
			SnapshotEverySec: 300,
			SnapshotKeep:     4,
			Compression:      "zstd",
			Journal:          true,
		},
		Feed: FeedTuning{
			PushHz: 2,
			Burst:  4,
		},
	}
}

// Load reads path over Defaults. An empty path returns the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("streaming.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("streaming.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	t.World.Generator = strings.ToLower(strings.TrimSpace(t.World.Generator))
	if t.World.EvictionMargin == 0 {
		t.World.EvictionMargin = max(0.25*float64(t.World.RenderRadius), 0.5)
	}
	if t.World.Scale == 0 {
		t.World.Scale = 1
	}
	t.Persistence.Backend = strings.ToLower(strings.TrimSpace(t.Persistence.Backend))
	if t.Persistence.SnapshotKeep <= 0 {
		t.Persistence.SnapshotKeep = 1
	}
	if t.Feed.Burst <= 0 {
		t.Feed.Burst = 1
	}
}

func (t Tuning) Validate() error {
	w := t.World
	if w.ChunkSize < 2 || w.ChunkSize > 255 {
		return fmt.Errorf("world.chunk_size %d out of range [2,255]", w.ChunkSize)
	}
	if w.RenderRadius <= 0 {
		return fmt.Errorf("world.render_radius must be > 0")
	}
	if w.EvictionMargin <= 0 {
		return fmt.Errorf("world.eviction_margin must be > 0")
	}
	if w.Isolevel <= 0 || w.Isolevel > 1 {
		return fmt.Errorf("world.isolevel %v out of range (0,1]", w.Isolevel)
	}
	if w.Scale <= 0 {
		return fmt.Errorf("world.scale must be > 0")
	}
	if w.MaxResidentChunks < 0 {
		return fmt.Errorf("world.max_resident_chunks must be >= 0")
	}
	if _, err := worldgen.ParseKind(w.Generator); err != nil {
		return fmt.Errorf("world.generator: %w", err)
	}
	if t.Workers.Generation <= 0 || t.Workers.Meshing <= 0 {
		return fmt.Errorf("workers.generation and workers.meshing must be > 0")
	}
	if t.Workers.WatchdogMs < 0 {
		return fmt.Errorf("workers.watchdog_ms must be >= 0")
	}
	switch t.Persistence.Backend {
	case "sqlite", "leveldb", "memory", "none":
	default:
		return fmt.Errorf("persistence.backend %q must be sqlite, leveldb, memory or none", t.Persistence.Backend)
	}
	if t.Persistence.SaveIntervalMs <= 0 {
		return fmt.Errorf("persistence.save_interval_ms must be > 0")
	}
	if t.Persistence.SnapshotEverySec < 0 {
		return fmt.Errorf("persistence.snapshot_every_sec must be >= 0")
	}
	if _, err := archive.ParseCompression(t.Persistence.Compression); err != nil {
		return fmt.Errorf("persistence.compression: %w", err)
	}
	if t.Feed.PushHz <= 0 {
		return fmt.Errorf("feed.push_hz must be > 0")
	}
	return nil
}

// WorldConfig converts the tuning into a world.Config.
func (t Tuning) WorldConfig() world.Config {
	return world.Config{
		ChunkSize:         t.World.ChunkSize,
		RenderRadius:      t.World.RenderRadius,
		EvictionMargin:    t.World.EvictionMargin,
		Seed:              t.World.Seed,
		Generator:         t.World.Generator,
		Isolevel:          t.World.Isolevel,
		Scale:             t.World.Scale,
		SaveInterval:      time.Duration(t.Persistence.SaveIntervalMs) * time.Millisecond,
		GenerationWorkers: t.Workers.Generation,
		MeshingWorkers:    t.Workers.Meshing,
		MaxResidentChunks: t.World.MaxResidentChunks,
		Watchdog:          time.Duration(t.Workers.WatchdogMs) * time.Millisecond,
	}
}

func (t Tuning) SnapshotEvery() time.Duration {
	return time.Duration(t.Persistence.SnapshotEverySec) * time.Second
}
