/*
Copyright 2013 Google Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package convert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/acdp-project/acdp/pkg/coltype"
	"github.com/acdp-project/acdp/pkg/fileio"
	"github.com/acdp-project/acdp/pkg/fspace"
	"github.com/acdp-project/acdp/pkg/store/ro"
	"github.com/acdp-project/acdp/pkg/store/wr"
)

func peopleTable() *wr.Table {
	return &wr.Table{
		Name: "people",
		Columns: []wr.Column{
			{Name: "age", Type: coltype.NewSimple(coltype.Int, false, 0)},
			{Name: "nickname", Type: coltype.NewSimple(coltype.String, true, 0)},
		},
		NobsRowRef:    4,
		NobsOutrowPtr: 4,
		NobsRefCount:  2,
	}
}

func TestConvertRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tracker := fspace.New()
	tbl := peopleTable()
	store, err := wr.Open(tbl, filepath.Join(dir, "people.fl"), filepath.Join(dir, "people.vl"), 0, 0, tracker, wr.LayoutPersist{})
	if err != nil {
		t.Fatalf("wr.Open: %v", err)
	}
	defer store.Close()

	want := [][]interface{}{
		{int32(30), "alice"},
		{int32(41), nil},
		{int32(19), "carol"},
	}
	var refs []coltype.Ref
	for _, v := range want {
		ref, err := store.Insert(nil, v)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		refs = append(refs, ref)
	}
	// Delete the middle row, leaving a gap convert must skip.
	if err := store.Delete(nil, refs[1]); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	outPath := filepath.Join(dir, "people.ro")
	dbLayout := []byte("fake gzip-wrapped layout bytes")
	result, err := Convert(outPath, []Source{{Store: store, NobsRowPtr: 8}}, dbLayout, nil)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(result.Tables) != 1 {
		t.Fatalf("got %d table layouts, want 1", len(result.Tables))
	}
	if result.Tables[0].Meta.NofRows != 2 {
		t.Errorf("NofRows = %d, want 2 (gap skipped)", result.Tables[0].Meta.NofRows)
	}
	if result.Encrypted {
		t.Error("Encrypted should be false with a nil factory")
	}

	h, err := fileio.Open(outPath, os.O_RDONLY, 0o644)
	if err != nil {
		t.Fatalf("fileio.Open: %v", err)
	}
	defer h.Close()

	roTable := &ro.Table{Name: tbl.Name, Columns: tbl.Columns, NobsRowRef: tbl.NobsRowRef}
	rs, err := ro.Open(h, roTable, result.Tables[0].Meta, ro.FilePacked, nil, false)
	if err != nil {
		t.Fatalf("ro.Open: %v", err)
	}

	got, err := rs.Get(1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if got[0].(int32) != 30 || got[1].(string) != "alice" {
		t.Errorf("Get(1) = %v, want alice row", got)
	}
	got, err = rs.Get(2)
	if err != nil {
		t.Fatalf("Get(2): %v", err)
	}
	if got[0].(int32) != 19 || got[1].(string) != "carol" {
		t.Errorf("Get(2) = %v, want carol row (gap row skipped)", got)
	}
	if rs.NofRows() != 2 {
		t.Errorf("NofRows = %d, want 2", rs.NofRows())
	}
}
