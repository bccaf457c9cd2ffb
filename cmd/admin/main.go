package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	persistlog "voxelstream.ai/internal/persistence/log"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "edits":
			editsCmd(os.Args[2:])
			return
		case "replay":
			replayCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "anchor":
			anchorCmd(os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		case "import":
			importCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the snapshots in a data dir, oldest first.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "snapshots"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Printf("%s\t%d\n", e.Name(), fi.Size())
	}
}

type editFilter struct {
	since    time.Time
	until    time.Time
	min, max [3]int
	useAABB  bool
}

func (f editFilter) match(e persistlog.EditEntry) bool {
	if !f.since.IsZero() || !f.until.IsZero() {
		ts, err := time.Parse(time.RFC3339Nano, e.Time)
		if err != nil {
			return false
		}
		if !f.since.IsZero() && ts.Before(f.since) {
			return false
		}
		if !f.until.IsZero() && ts.After(f.until) {
			return false
		}
	}
	if f.useAABB && !withinAABB(e.Voxel, f.min, f.max) {
		return false
	}
	return true
}

func filterFlags(fs *flag.FlagSet) func() (editFilter, error) {
	since := fs.String("since", "", "only edits at or after this RFC3339 time")
	until := fs.String("until", "", "only edits at or before this RFC3339 time")
	aabb := fs.String("aabb", "", "voxel AABB filter: x1,y1,z1:x2,y2,z2")
	return func() (editFilter, error) {
		var f editFilter
		var err error
		if s := strings.TrimSpace(*since); s != "" {
			if f.since, err = time.Parse(time.RFC3339, s); err != nil {
				return f, fmt.Errorf("-since: %w", err)
			}
		}
		if s := strings.TrimSpace(*until); s != "" {
			if f.until, err = time.Parse(time.RFC3339, s); err != nil {
				return f, fmt.Errorf("-until: %w", err)
			}
		}
		if s := strings.TrimSpace(*aabb); s != "" {
			if f.min, f.max, err = parseAABB(s); err != nil {
				return f, fmt.Errorf("-aabb: %w", err)
			}
			f.useAABB = true
		}
		return f, nil
	}
}

func editsCmd(args []string) {
	fs := flag.NewFlagSet("edits", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	filter := filterFlags(fs)
	_ = fs.Parse(args)

	f, err := filter()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	recs, err := readEdits(*dataDir, f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range recs {
		_ = enc.Encode(e)
	}
}

// readEdits returns the journaled edits under dataDir/edits that match f, in
// file (hour) order.
func readEdits(dataDir string, f editFilter) ([]persistlog.EditEntry, error) {
	dir := filepath.Join(dataDir, "edits")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "edits-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []persistlog.EditEntry
	for _, name := range names {
		entries, err := persistlog.ReadEditFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if f.match(e) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func withinAABB(pos [3]int, min, max [3]int) bool {
	return pos[0] >= min[0] && pos[0] <= max[0] &&
		pos[1] >= min[1] && pos[1] <= max[1] &&
		pos[2] >= min[2] && pos[2] <= max[2]
}

func parseAABB(s string) (min, max [3]int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return min, max, fmt.Errorf("expected x1,y1,z1:x2,y2,z2")
	}
	a, err := parseVec3(parts[0])
	if err != nil {
		return min, max, err
	}
	b, err := parseVec3(parts[1])
	if err != nil {
		return min, max, err
	}
	for i := 0; i < 3; i++ {
		if a[i] <= b[i] {
			min[i], max[i] = a[i], b[i]
		} else {
			min[i], max[i] = b[i], a[i]
		}
	}
	return min, max, nil
}

func parseVec3(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected x,y,z")
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}
