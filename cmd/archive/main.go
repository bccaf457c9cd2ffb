// Command archive inspects, converts, fetches and moves voxel archives in
// and out of chunk stores.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"voxelstream.ai/internal/persistence/archive"
	"voxelstream.ai/internal/persistence/chunkdb"
)

const usage = `usage: archive <command> [flags]

commands:
  inspect  -in FILE [-keys]
  convert  -in FILE -out FILE [-compression zstd|deflate|none]
  fetch    -src URL -out FILE
  dump     -db PATH [-backend sqlite|leveldb] -out FILE -chunk_size N
  load     -db PATH [-backend sqlite|leveldb] -in FILE
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "inspect":
		err = runInspect(args)
	case "convert":
		err = runConvert(args)
	case "fetch":
		err = runFetch(args)
	case "dump":
		err = runDump(args)
	case "load":
		err = runLoad(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	in := fs.String("in", "", "archive path")
	keys := fs.Bool("keys", false, "print every chunk key")
	_ = fs.Parse(args)
	if *in == "" {
		return fmt.Errorf("missing -in")
	}
	sum, err := inspectFile(*in)
	if err != nil {
		return err
	}
	if !*keys {
		sum.Keys = nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	in := fs.String("in", "", "source archive")
	out := fs.String("out", "", "destination archive")
	compression := fs.String("compression", "", "output compression (default from -out extension)")
	_ = fs.Parse(args)
	if *in == "" || *out == "" {
		return fmt.Errorf("missing -in or -out")
	}
	comp := archive.CompressionForPath(*out)
	if *compression != "" {
		c, err := archive.ParseCompression(*compression)
		if err != nil {
			return err
		}
		comp = c
	}
	n, err := convertFile(*in, *out, comp)
	if err != nil {
		return err
	}
	fmt.Printf("converted %d chunks to %s (%s)\n", n, *out, comp)
	return nil
}

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	src := fs.String("src", "", "source URL or path (anything go-getter understands)")
	out := fs.String("out", "", "destination file")
	_ = fs.Parse(args)
	if *src == "" || *out == "" {
		return fmt.Errorf("missing -src or -out")
	}
	sum, err := fetchFile(*src, *out)
	if err != nil {
		return err
	}
	fmt.Printf("fetched %s: %d chunks chunkSize=%d id=%s\n", *out, sum.Chunks, sum.Metadata.ChunkSize, sum.Metadata.ID)
	return nil
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	db := fs.String("db", "", "chunk store path")
	backend := fs.String("backend", "sqlite", "chunk store backend")
	out := fs.String("out", "", "destination archive")
	chunkSize := fs.Int("chunk_size", 32, "chunk size of the stored buffers")
	name := fs.String("name", "", "archive name")
	_ = fs.Parse(args)
	if *db == "" || *out == "" {
		return fmt.Errorf("missing -db or -out")
	}
	gw, err := chunkdb.Open(*backend, *db, nil)
	if err != nil {
		return err
	}
	defer gw.Close()

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	meta, n, err := dumpStore(context.Background(), gw, f, archive.CompressionForPath(*out), archive.Metadata{ChunkSize: *chunkSize, Name: *name})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(*out)
		return err
	}
	fmt.Printf("dumped %d chunks to %s id=%s\n", n, *out, meta.ID)
	return nil
}

func runLoad(args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	db := fs.String("db", "", "chunk store path")
	backend := fs.String("backend", "sqlite", "chunk store backend")
	in := fs.String("in", "", "source archive")
	_ = fs.Parse(args)
	if *db == "" || *in == "" {
		return fmt.Errorf("missing -db or -in")
	}
	gw, err := chunkdb.Open(*backend, *db, nil)
	if err != nil {
		return err
	}
	n, err := loadFile(gw, *in)
	if cerr := gw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Printf("loaded %d chunks into %s\n", n, *db)
	return nil
}
