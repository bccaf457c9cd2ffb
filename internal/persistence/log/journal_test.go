package log

import (
	"path/filepath"
	"testing"
	"time"

	"voxelstream.ai/internal/sim/voxel"
	"voxelstream.ai/internal/sim/world"
)

func TestEditJournal_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	j := NewEditJournal(dir, nil)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	j.w.now = func() time.Time { return clock }

	red := [3]uint8{255, 0, 0}
	j.LogEdit(world.Edit{Voxel: [3]int{0, 0, 0}, Radius: 2, Value: 255, Color: &red,
		Affected: []voxel.ChunkKey{{}, {X: -1}}, Written: 5})
	j.LogEdit(world.Edit{Voxel: [3]int{1, 2, 3}, Value: 0})
	clock = clock.Add(2 * time.Minute)
	j.LogEdit(world.Edit{Voxel: [3]int{4, 5, 6}, Value: 9})
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	first, err := ReadEditFile(filepath.Join(dir, "edits", "edits-2026-03-01-10.jsonl.zst"))
	if err != nil {
		t.Fatalf("read hour 10: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("hour 10 entries=%d want 2", len(first))
	}
	if first[0].Seq != 1 || first[0].Affected[1] != "-1:0:0" || first[0].Color == nil || first[0].Color[0] != 255 {
		t.Fatalf("entry=%+v", first[0])
	}
	second, err := ReadEditFile(filepath.Join(dir, "edits", "edits-2026-03-01-11.jsonl.zst"))
	if err != nil {
		t.Fatalf("read hour 11: %v", err)
	}
	if len(second) != 1 || second[0].Seq != 3 || second[0].Voxel != [3]int{4, 5, 6} {
		t.Fatalf("hour 11=%+v", second)
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "edits")
		w.now = func() time.Time { return clock }
		if err := w.Write(EditEntry{Seq: uint64(i + 1)}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	got, err := ReadEditFile(filepath.Join(dir, "edits-2026-01-02-03.jsonl.zst"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[1].Seq != 2 {
		t.Fatalf("entries=%+v", got)
	}
}
