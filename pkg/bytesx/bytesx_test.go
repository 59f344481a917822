package bytesx

import "testing"

func TestPutUintRoundTrip(t *testing.T) {
	cases := []struct {
		width int
		val   uint64
	}{
		{1, 0}, {1, 255}, {2, 65535}, {3, 1 << 20}, {8, 1<<63 + 7},
	}
	for _, c := range cases {
		buf := make([]byte, c.width)
		PutUint(buf, c.val)
		got := Uint(buf)
		if got != c.val {
			t.Errorf("width %d: PutUint/Uint round trip got %d, want %d", c.width, got, c.val)
		}
	}
}

func TestFitsWidth(t *testing.T) {
	if !FitsWidth(255, 1) {
		t.Error("255 should fit in 1 byte")
	}
	if FitsWidth(256, 1) {
		t.Error("256 should not fit in 1 byte")
	}
	if !FitsWidth(1<<64-1, 8) {
		t.Error("max uint64 should fit in 8 bytes")
	}
}

func TestBitmapLen(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 7: 1, 8: 1, 9: 2, 64: 8, 65: 9}
	for n, want := range cases {
		if got := BitmapLen(n); got != want {
			t.Errorf("BitmapLen(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestBitSetClear(t *testing.T) {
	bm := make([]byte, BitmapLen(10))
	SetBit(bm, 3, true)
	SetBit(bm, 9, true)
	for i := 0; i < 10; i++ {
		want := i == 3 || i == 9
		if got := BitSet(bm, i); got != want {
			t.Errorf("bit %d: got %v, want %v", i, got, want)
		}
	}
	SetBit(bm, 3, false)
	if BitSet(bm, 3) {
		t.Error("bit 3 should be cleared")
	}
}

func TestIsZeroRun(t *testing.T) {
	if !IsZeroRun([]byte{0, 0, 0}) {
		t.Error("all-zero slice should be a zero run")
	}
	if IsZeroRun([]byte{0, 1, 0}) {
		t.Error("slice with a nonzero byte should not be a zero run")
	}
	if !IsZeroRun(nil) {
		t.Error("empty slice is vacuously a zero run")
	}
}
