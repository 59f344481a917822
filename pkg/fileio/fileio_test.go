package fileio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	h, err := Open(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if err := h.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if err := h.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Errorf("got %q, want hello", buf)
	}
}

func TestReadAtShortReadIsEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	h, err := Open(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	h.WriteAt([]byte("ab"), 0)

	buf := make([]byte, 10)
	err = h.ReadAt(buf, 0)
	if err == nil {
		t.Fatal("expected an IOFailure for a short read")
	}
}

func TestCopyBlockForwardOverlap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	h, err := Open(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	data := []byte("0123456789")
	h.WriteAt(data, 0)
	// Overlapping forward copy: src=0 len=8 dst=2 -> must end up "0101234567".
	if err := CopyBlock(h, 0, 8, 2, make([]byte, 3)); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 10)
	h.ReadAt(got, 0)
	want := "0101234567"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestProviderModeZeroClosesImmediately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	p := NewProvider(0, os.O_RDWR|os.O_CREATE, 0o644)
	h1, err := p.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(path)
	h2, err := p.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("mode 0 provider should not reuse handles across Release/Acquire")
	}
	p.CloseAll()
}

func TestProviderLifetimeModeReusesHandle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	p := NewProvider(-1, os.O_RDWR|os.O_CREATE, 0o644)
	h1, err := p.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(path)
	h2, err := p.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("lifetime-of-db provider should reuse the same handle")
	}
	p.CloseAll()
}
