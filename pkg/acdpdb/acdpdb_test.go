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

package acdpdb

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/acdp-project/acdp/pkg/bytesx"
	"github.com/acdp-project/acdp/pkg/coltype"
	"github.com/acdp-project/acdp/pkg/layout"
	"github.com/acdp-project/acdp/pkg/store/ro"
	"github.com/acdp-project/acdp/pkg/store/wr"
)

func peopleLayout() layout.Obj {
	obj := layout.New()
	obj.Set("name", "people-db")
	obj.Set("version", "1")
	obj.Set("consistencyNumber", "1")

	ageCol := layout.New()
	ageCol.Set("typeDesc", "int")
	nicknameCol := layout.New()
	nicknameCol.Set("typeDesc", "string?")
	columns := layout.New()
	columns.SetObject("age", ageCol)
	columns.SetObject("nickname", nicknameCol)

	people := layout.New()
	people.SetObject("columns", columns)

	tables := layout.New()
	tables.SetObject("people", people)
	obj.SetObject("tables", tables)
	return obj
}

// TestOpenWRInsertAndGet builds a bare layout file by hand (the
// on-disk form spec.md §4.10 expects a WR database to start as) and
// exercises Open's two-phase wr.Store construction through an actual
// insert and read.
func TestOpenWRInsertAndGet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "people.layout")
	if err := layout.WriteFile(path, peopleLayout()); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if db.IsRO() {
		t.Fatal("expected a WR database")
	}
	store, err := db.WRTable("people")
	if err != nil {
		t.Fatalf("WRTable: %v", err)
	}

	owner := new(int)
	u, err := db.OpenUnit(owner)
	if err != nil {
		t.Fatalf("OpenUnit: %v", err)
	}
	if _, err := store.Insert(u, []interface{}{int32(30), "alice"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := u.Commit(owner); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := store.Get(1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if got[0].(int32) != 30 || got[1].(string) != "alice" {
		t.Errorf("Get(1) = %v, want alice row", got)
	}
}

// TestOpenDetectsROTrailer hand-assembles a packed RO file (one gzip
// block plus its row-pointer segment, mirroring pkg/store/ro's own
// round-trip test) with a trailing gzipped layout, and checks Open
// follows the RO-trailer path (spec.md §4.9's file assembly order)
// straight through to a working ro.Store.
func TestOpenDetectsROTrailer(t *testing.T) {
	table := &ro.Table{
		Name: "people",
		Columns: []wr.Column{
			{Name: "age", Type: coltype.NewSimple(coltype.Int, false, 0)},
			{Name: "nickname", Type: coltype.NewSimple(coltype.String, true, 0)},
		},
	}
	rows := [][]interface{}{
		{int32(30), "alice"},
		{int32(41), nil},
	}

	var raws [][]byte
	rowPtrs := make([]uint64, len(rows)+1)
	var pos uint64
	for i, r := range rows {
		raw, err := ro.EncodeRow(table, r)
		if err != nil {
			t.Fatalf("EncodeRow: %v", err)
		}
		raws = append(raws, raw)
		rowPtrs[i] = pos
		pos += uint64(len(raw))
	}
	rowPtrs[len(rows)] = pos

	var gzBlock bytes.Buffer
	w := gzip.NewWriter(&gzBlock)
	for _, raw := range raws {
		if _, err := w.Write(raw); err != nil {
			t.Fatalf("gzip block: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip block close: %v", err)
	}

	var segment bytes.Buffer
	for _, p := range rowPtrs {
		b := make([]byte, 8)
		bytesx.PutUint(b, p)
		segment.Write(b)
	}
	blockStart := make([]byte, 8)
	bytesx.PutUint(blockStart, 0)
	segment.Write(blockStart)
	blockSize := make([]byte, ro.BlockSizeWidth)
	bytesx.PutUint(blockSize, uint64(gzBlock.Len()))
	segment.Write(blockSize)

	var gzSegment bytes.Buffer
	w2 := gzip.NewWriter(&gzSegment)
	if _, err := w2.Write(segment.Bytes()); err != nil {
		t.Fatalf("gzip segment: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("gzip segment close: %v", err)
	}

	const startData = 8 // leave room for the 8-byte layout-offset prefix
	startRowPtrs := int64(startData + gzBlock.Len())

	dbLayout := layout.New()
	dbLayout.Set("name", "people-ro")
	dbLayout.Set("version", "1")
	dbLayout.Set("consistencyNumber", "1")

	ageCol := layout.New()
	ageCol.Set("typeDesc", "int")
	nicknameCol := layout.New()
	nicknameCol.Set("typeDesc", "string?")
	columns := layout.New()
	columns.SetObject("age", ageCol)
	columns.SetObject("nickname", nicknameCol)

	people := layout.New()
	people.SetObject("columns", columns)
	people.Set("nofRows", strconv.Itoa(len(rows)))
	people.Set("startData", strconv.FormatInt(startData, 10))
	people.Set("dataLength", strconv.Itoa(gzBlock.Len()))
	people.Set("startRowPtrs", strconv.FormatInt(startRowPtrs, 10))
	people.Set("nobsRowPtr", "8")
	people.Set("nofBlocks", "1")

	tables := layout.New()
	tables.SetObject("people", people)
	dbLayout.SetObject("tables", tables)

	var layoutText bytes.Buffer
	if err := layout.Write(&layoutText, dbLayout); err != nil {
		t.Fatalf("layout.Write: %v", err)
	}
	var gzLayout bytes.Buffer
	w3 := gzip.NewWriter(&gzLayout)
	if _, err := w3.Write(layoutText.Bytes()); err != nil {
		t.Fatalf("gzip layout: %v", err)
	}
	if err := w3.Close(); err != nil {
		t.Fatalf("gzip layout close: %v", err)
	}

	var full bytes.Buffer
	full.Write(make([]byte, 8))
	full.Write(gzBlock.Bytes())
	full.Write(gzSegment.Bytes())
	layoutStart := full.Len()
	if got, want := int64(layoutStart), startRowPtrs+int64(gzSegment.Len()); got != want {
		t.Fatalf("layoutStart = %d, want %d (single table's segment runs right up to it)", got, want)
	}
	full.Write(gzLayout.Bytes())

	out := full.Bytes()
	bytesx.PutUint(out[0:8], uint64(layoutStart))

	dir := t.TempDir()
	path := filepath.Join(dir, "people.ro")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if !db.IsRO() {
		t.Fatal("expected an RO database")
	}
	rs, err := db.ROTable("people")
	if err != nil {
		t.Fatalf("ROTable: %v", err)
	}
	got, err := rs.Get(1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if got[0].(int32) != 30 || got[1].(string) != "alice" {
		t.Errorf("Get(1) = %v, want alice row", got)
	}
	if rs.NofRows() != uint64(len(rows)) {
		t.Errorf("NofRows = %d, want %d", rs.NofRows(), len(rows))
	}
}
