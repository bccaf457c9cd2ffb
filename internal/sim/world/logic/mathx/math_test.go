package mathx

import "testing"

func TestSplit_NegativeCoordinates(t *testing.T) {
	cases := []struct {
		v, size      int
		chunk, local int
	}{
		{0, 32, 0, 0},
		{31, 32, 0, 31},
		{32, 32, 1, 0},
		{-1, 32, -1, 31},
		{-32, 32, -1, 0},
		{-33, 32, -2, 31},
	}
	for _, c := range cases {
		ch, l := Split(c.v, c.size)
		if ch != c.chunk || l != c.local {
			t.Fatalf("Split(%d,%d)=(%d,%d) want (%d,%d)", c.v, c.size, ch, l, c.chunk, c.local)
		}
	}
}

func TestFloorToInt(t *testing.T) {
	if got := FloorToInt(-0.5); got != -1 {
		t.Fatalf("FloorToInt(-0.5)=%d want -1", got)
	}
	if got := FloorToInt(2.99); got != 2 {
		t.Fatalf("FloorToInt(2.99)=%d want 2", got)
	}
}

func TestHash3_Deterministic(t *testing.T) {
	a := Hash3(42, 1, -2, 3)
	b := Hash3(42, 1, -2, 3)
	if a != b {
		t.Fatalf("hash not deterministic")
	}
	if a == Hash3(43, 1, -2, 3) {
		t.Fatalf("seed does not affect hash")
	}
}

func TestHash64_SaltsDiffer(t *testing.T) {
	seen := map[uint64]uint64{}
	for salt := uint64(0); salt < 256; salt++ {
		h := Hash64(7, salt)
		if prev, ok := seen[h]; ok {
			t.Fatalf("salt %d collides with %d", salt, prev)
		}
		seen[h] = salt
	}
	if Hash64(7, 1) == Hash64(8, 1) {
		t.Fatalf("seed does not affect hash")
	}
}
