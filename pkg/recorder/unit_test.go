package recorder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/acdp-project/acdp/pkg/fspace"
)

type memFile struct {
	path string
	data []byte
}

func (m *memFile) Path() string { return m.path }
func (m *memFile) ReadAt(buf []byte, pos int64) error {
	copy(buf, m.data[pos:pos+int64(len(buf))])
	return nil
}
func (m *memFile) WriteAt(buf []byte, pos int64) error {
	end := pos + int64(len(buf))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[pos:end], buf)
	return nil
}
func (m *memFile) Truncate(size int64) error {
	if int64(len(m.data)) > size {
		m.data = m.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, m.data)
		m.data = grown
	}
	return nil
}
func (m *memFile) Force(metadata bool) error { return nil }

func newTestRecorder(t *testing.T, files map[string]*memFile) *Recorder {
	t.Helper()
	dir := t.TempDir()
	resolve := func(path string) (TargetFile, error) { return files[path], nil }
	r, err := Open(filepath.Join(dir, "rec"), false, resolve, fspace.New())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestCommitTruncatesToEndMarker(t *testing.T) {
	files := map[string]*memFile{"f": {path: "f", data: []byte("0123456789")}}
	r := newTestRecorder(t, files)
	owner := new(int)
	u, err := r.OpenUnit(owner)
	if err != nil {
		t.Fatal(err)
	}
	if err := u.Record(files["f"], 2, []byte("23")); err != nil {
		t.Fatal(err)
	}
	if err := u.Commit(owner); err != nil {
		t.Fatal(err)
	}
	size, _ := r.file.Size()
	if size != 8 {
		t.Errorf("recorder file size after commit = %d, want 8", size)
	}
}

func TestRollbackRestoresBeforeImage(t *testing.T) {
	files := map[string]*memFile{"f": {path: "f", data: []byte("0123456789")}}
	r := newTestRecorder(t, files)
	owner := new(int)
	u, err := r.OpenUnit(owner)
	if err != nil {
		t.Fatal(err)
	}
	if err := u.Record(files["f"], 2, []byte("23")); err != nil {
		t.Fatal(err)
	}
	// Mutate the file as if the write-op actually happened.
	files["f"].WriteAt([]byte("XX"), 2)
	if string(files["f"].data) != "01XX456789" {
		t.Fatalf("setup: got %q", files["f"].data)
	}
	if err := u.Rollback(); err != nil {
		t.Fatal(err)
	}
	if string(files["f"].data) != "0123456789" {
		t.Errorf("after rollback got %q, want original", files["f"].data)
	}
}

func TestRollbackOfPureExtensionTruncates(t *testing.T) {
	files := map[string]*memFile{"f": {path: "f", data: []byte("01234")}}
	r := newTestRecorder(t, files)
	owner := new(int)
	u, err := r.OpenUnit(owner)
	if err != nil {
		t.Fatal(err)
	}
	// Empty before-image at pos=5 models an append/extension.
	if err := u.Record(files["f"], 5, nil); err != nil {
		t.Fatal(err)
	}
	files["f"].WriteAt([]byte("56789"), 5)
	if err := u.Rollback(); err != nil {
		t.Fatal(err)
	}
	if string(files["f"].data) != "01234" {
		t.Errorf("after rollback got %q, want 01234", files["f"].data)
	}
}

func TestNestedCommitThenOuterRollbackUndoesBoth(t *testing.T) {
	files := map[string]*memFile{"f": {path: "f", data: []byte("AAAA")}}
	r := newTestRecorder(t, files)
	owner := new(int)
	outer, err := r.OpenUnit(owner)
	if err != nil {
		t.Fatal(err)
	}
	// r1: overwrite byte 0.
	outer.Record(files["f"], 0, []byte{'A'})
	files["f"].WriteAt([]byte{'1'}, 0)

	nested, err := outer.Nest(owner)
	if err != nil {
		t.Fatal(err)
	}
	// r2: overwrite byte 1, then nested commits.
	nested.Record(files["f"], 1, []byte{'A'})
	files["f"].WriteAt([]byte{'2'}, 1)
	if err := nested.Commit(owner); err != nil {
		t.Fatal(err)
	}

	if err := outer.Rollback(); err != nil {
		t.Fatal(err)
	}
	if string(files["f"].data) != "AAAA" {
		t.Errorf("outer rollback after a committed nested unit should undo both writes, got %q", files["f"].data)
	}
}

func TestRecoveryRollsBackIncompleteUnit(t *testing.T) {
	files := map[string]*memFile{"f": {path: "f", data: []byte("before")}}
	dir := t.TempDir()
	resolve := func(path string) (TargetFile, error) { return files[path], nil }
	path := filepath.Join(dir, "rec")

	r, err := Open(path, false, resolve, fspace.New())
	if err != nil {
		t.Fatal(err)
	}
	owner := new(int)
	u, err := r.OpenUnit(owner)
	if err != nil {
		t.Fatal(err)
	}
	u.Record(files["f"], 0, []byte("before"))
	files["f"].WriteAt([]byte("AFTER!"), 0)
	// Simulate a crash: never commit or roll back; just drop the Recorder.

	r2, err := Open(path, false, resolve, fspace.New())
	if err != nil {
		t.Fatal(err)
	}
	if !r2.NeedsRecovery() {
		t.Fatal("expected NeedsRecovery to be true after a crash mid-unit")
	}
	if err := r2.Recover(); err != nil {
		t.Fatal(err)
	}
	if string(files["f"].data) != "before" {
		t.Errorf("after recovery got %q, want before", files["f"].data)
	}
	size, _ := r2.file.Size()
	if size != 8 {
		t.Errorf("recorder file size after recovery = %d, want 8", size)
	}
}

func TestOpenRejectsCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec")
	os.WriteFile(path, []byte("not a valid recorder file"), 0o644)
	resolve := func(path string) (TargetFile, error) { return nil, nil }
	if _, err := Open(path, false, resolve, fspace.New()); err == nil {
		t.Fatal("expected Open to reject a file with a bad trailing marker")
	}
}
