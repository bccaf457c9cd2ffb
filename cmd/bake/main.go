// Command bake pre-generates a box of chunks and writes them as an archive.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/sim/tuning"
)

func main() {
	var (
		out        = flag.String("out", "", "output archive (.zst, .deflate or raw)")
		tuningPath = flag.String("tuning", "", "streaming.yaml to take chunk_size, seed, generator and scale from (optional)")
		seed       = flag.Int64("seed", 0, "override seed")
		generator  = flag.String("generator", "", "override generator: cave or terrain")
		chunkSize  = flag.Int("chunk_size", 0, "override chunk size")
		minKey     = flag.String("min", "-2,-2,-2", "lowest chunk key x,y,z (inclusive)")
		maxKey     = flag.String("max", "2,2,2", "highest chunk key x,y,z (inclusive)")
		workers    = flag.Int("workers", runtime.NumCPU(), "generation workers")
		skipEmpty  = flag.Bool("skip_empty", false, "leave out chunks with no solid voxel")
		name       = flag.String("name", "", "archive name")
		author     = flag.String("author", "", "archive author")
	)
	flag.Parse()

	if *out == "" {
		fmt.Fprintln(os.Stderr, "missing -out")
		os.Exit(2)
	}
	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	lo, err := parseKey(*minKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "-min:", err)
		os.Exit(2)
	}
	hi, err := parseKey(*maxKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "-max:", err)
		os.Exit(2)
	}

	job := bakeJob{
		ChunkSize: tune.World.ChunkSize,
		Seed:      tune.World.Seed,
		Generator: tune.World.Generator,
		Scale:     tune.World.Scale,
		Min:       lo,
		Max:       hi,
		Workers:   *workers,
		SkipEmpty: *skipEmpty,
		Name:      *name,
		Author:    *author,
	}
	if *seed != 0 {
		job.Seed = *seed
	}
	if *generator != "" {
		job.Generator = *generator
	}
	if *chunkSize > 0 {
		job.ChunkSize = *chunkSize
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create:", err)
		os.Exit(1)
	}
	start := time.Now()
	comp := archive.CompressionForPath(*out)
	meta, n, err := bake(f, comp, job)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(*out)
		fmt.Fprintln(os.Stderr, "bake:", err)
		os.Exit(1)
	}
	fmt.Printf("baked %d chunks (chunkSize=%d generator=%s seed=%d compression=%s) id=%s in %s\n",
		n, meta.ChunkSize, job.Generator, job.Seed, comp, meta.ID, time.Since(start).Round(time.Millisecond))
}
