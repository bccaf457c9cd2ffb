package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	persistlog "voxelstream.ai/internal/persistence/log"
)

func adminURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/admin/v1/" + path
}

func call(cl *http.Client, method, u, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := cl.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return b, fmt.Errorf("%s %s: %s: %s", method, u, resp.Status, strings.TrimSpace(string(b)))
	}
	return b, nil
}

func printOrExit(b []byte, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	fmt.Println(strings.TrimSpace(string(b)))
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	cl := &http.Client{Timeout: 5 * time.Second}
	printOrExit(call(cl, http.MethodGet, adminURL(*baseURL, "state"), "", nil))
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	cl := &http.Client{Timeout: 60 * time.Second}
	printOrExit(call(cl, http.MethodPost, adminURL(*baseURL, "snapshot"), "", nil))
}

func anchorCmd(args []string) {
	fs := flag.NewFlagSet("anchor", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	pos := fs.String("pos", "0,0,0", "anchor position x,y,z")
	_ = fs.Parse(args)

	p, err := parseVec3(*pos)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -pos:", err)
		os.Exit(2)
	}
	body, _ := json.Marshal(map[string]any{"position": [3]float32{float32(p[0]), float32(p[1]), float32(p[2])}})
	cl := &http.Client{Timeout: 5 * time.Second}
	printOrExit(call(cl, http.MethodPost, adminURL(*baseURL, "anchor"), "application/json", bytes.NewReader(body)))
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	out := fs.String("out", "", "output archive path")
	compression := fs.String("compression", "zstd", "zstd, deflate or none")
	_ = fs.Parse(args)
	if *out == "" {
		fmt.Fprintln(os.Stderr, "missing -out")
		os.Exit(2)
	}

	cl := &http.Client{Timeout: 5 * time.Minute}
	b, err := call(cl, http.MethodGet, adminURL(*baseURL, "export")+"?compression="+*compression, "", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, b, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
	fmt.Printf("exported %d bytes to %s\n", len(b), *out)
}

func importCmd(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	in := fs.String("in", "", "archive path")
	compression := fs.String("compression", "", "set to deflate for raw deflate archives (zstd is detected)")
	_ = fs.Parse(args)
	if *in == "" {
		fmt.Fprintln(os.Stderr, "missing -in")
		os.Exit(2)
	}
	f, err := os.Open(*in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer f.Close()

	u := adminURL(*baseURL, "import")
	if *compression != "" {
		u += "?compression=" + *compression
	}
	cl := &http.Client{Timeout: 5 * time.Minute}
	printOrExit(call(cl, http.MethodPost, u, "application/octet-stream", f))
}

// replayCmd re-applies journaled edits against a running server, e.g. after
// restoring an older snapshot.
func replayCmd(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	dataDir := fs.String("data", "./data", "runtime data directory")
	dryRun := fs.Bool("dry_run", false, "print the matching edits without sending them")
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
	if *dryRun {
		fmt.Printf("%d edits match\n", len(recs))
		return
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	applied, err := replayEdits(cl, *baseURL, recs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay stopped after %d of %d edits: %v\n", applied, len(recs), err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: edits=%d\n", applied)
}

func replayEdits(cl *http.Client, baseURL string, recs []persistlog.EditEntry) (int, error) {
	u := adminURL(baseURL, "edit")
	for i, e := range recs {
		body, err := json.Marshal(map[string]any{
			"point":  e.Point,
			"radius": e.Radius,
			"value":  int(e.Value),
			"color":  e.Color,
		})
		if err != nil {
			return i, err
		}
		if _, err := call(cl, http.MethodPost, u, "application/json", bytes.NewReader(body)); err != nil {
			return i, fmt.Errorf("edit seq=%d: %w", e.Seq, err)
		}
	}
	return len(recs), nil
}
