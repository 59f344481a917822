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

package wr

import (
	"path/filepath"
	"testing"

	"github.com/acdp-project/acdp/pkg/acdperr"
	"github.com/acdp-project/acdp/pkg/coltype"
	"github.com/acdp-project/acdp/pkg/fspace"
	"github.com/acdp-project/acdp/pkg/recorder"
)

func openTestStore(t *testing.T, tbl *Table) *Store {
	t.Helper()
	dir := t.TempDir()
	tracker := fspace.New()
	s, err := Open(tbl, filepath.Join(dir, tbl.Name+".fl"), filepath.Join(dir, tbl.Name+".vl"), 0, 0, tracker, LayoutPersist{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func peopleTable() *Table {
	return &Table{
		Name: "people",
		Columns: []Column{
			{Name: "age", Type: coltype.NewSimple(coltype.Int, false, 0)},
			{Name: "nickname", Type: coltype.NewSimple(coltype.String, true, 0)},
		},
		NobsRowRef:    4,
		NobsOutrowPtr: 4,
		NobsRefCount:  2,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := openTestStore(t, peopleTable())
	ref, err := s.Insert(nil, []interface{}{int32(30), "ada"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	vals, err := s.Get(ref.Index())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if vals[0].(int32) != 30 || vals[1].(string) != "ada" {
		t.Fatalf("unexpected row: %v", vals)
	}
}

func TestInsertNullOutrowColumn(t *testing.T) {
	s := openTestStore(t, peopleTable())
	ref, err := s.Insert(nil, []interface{}{int32(1), nil})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	vals, err := s.Get(ref.Index())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if vals[1] != nil {
		t.Fatalf("expected nil nickname, got %v", vals[1])
	}
}

func TestDeleteReusesGapOnNextInsert(t *testing.T) {
	s := openTestStore(t, peopleTable())
	r1, err := s.Insert(nil, []interface{}{int32(1), "a"})
	if err != nil {
		t.Fatalf("Insert 1: %v", err)
	}
	r2, err := s.Insert(nil, []interface{}{int32(2), "b"})
	if err != nil {
		t.Fatalf("Insert 2: %v", err)
	}
	if err := s.Delete(nil, r1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(r1.Index()); !acdperr.Is(err, acdperr.IllegalReference) {
		t.Fatalf("expected IllegalReference reading a gap, got %v", err)
	}
	r3, err := s.Insert(nil, []interface{}{int32(3), "c"})
	if err != nil {
		t.Fatalf("Insert 3: %v", err)
	}
	if r3.Index() != r1.Index() {
		t.Fatalf("expected gap reuse at row %d, got row %d", r1.Index(), r3.Index())
	}
	vals, err := s.Get(r2.Index())
	if err != nil {
		t.Fatalf("Get r2: %v", err)
	}
	if vals[0].(int32) != 2 {
		t.Fatalf("r2 row corrupted by gap reuse: %v", vals)
	}
}

func TestDeleteConstraintBlocksReferencedRow(t *testing.T) {
	parent := peopleTable()
	parent.Referenced = true
	ps := openTestStore(t, parent)

	child := &Table{
		Name: "pets",
		Columns: []Column{
			{Name: "owner", Type: coltype.NewReference("people")},
		},
		NobsRowRef:    4,
		NobsOutrowPtr: 4,
	}
	cs := openTestStore(t, child)
	cs.SetResolver(func(name string) (*Store, error) {
		if name == "people" {
			return ps, nil
		}
		return nil, acdperr.New(acdperr.MissingLayoutEntry, "no such table %q", name)
	})

	owner, err := ps.Insert(nil, []interface{}{int32(5), "rex-owner"})
	if err != nil {
		t.Fatalf("Insert owner: %v", err)
	}
	if _, err := cs.Insert(nil, []interface{}{owner}); err != nil {
		t.Fatalf("Insert pet: %v", err)
	}

	rc, err := ps.RefCount(owner.Index())
	if err != nil {
		t.Fatalf("RefCount: %v", err)
	}
	if rc != 1 {
		t.Fatalf("expected refcount 1, got %d", rc)
	}

	if err := ps.Delete(nil, owner); !acdperr.Is(err, acdperr.DeleteConstraint) {
		t.Fatalf("expected DeleteConstraint, got %v", err)
	}
}

func TestUnitRollbackUndoesInsert(t *testing.T) {
	dir := t.TempDir()
	tracker := fspace.New()
	tbl := peopleTable()
	s, err := Open(tbl, filepath.Join(dir, "people.fl"), filepath.Join(dir, "people.vl"), 0, 0, tracker, LayoutPersist{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	resolve := func(path string) (recorder.TargetFile, error) {
		switch path {
		case s.fl.Path():
			return s.fl, nil
		case s.vl.h.Path():
			return s.vl.h, nil
		}
		return nil, acdperr.New(acdperr.MissingLayoutEntry, "no such recorded file %q", path)
	}
	recPath := filepath.Join(dir, "rec.log")
	rec, err := recorder.Open(recPath, false, resolve, tracker)
	if err != nil {
		t.Fatalf("recorder.Open: %v", err)
	}
	owner := new(int)
	u, err := rec.OpenUnit(owner)
	if err != nil {
		t.Fatalf("OpenUnit: %v", err)
	}

	ref, err := s.Insert(u, []interface{}{int32(42), "temp"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := u.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, err := s.Get(ref.Index()); err == nil {
		t.Fatalf("expected row to be gone after rollback")
	}
}

func TestRefCountOverflowReportsMaximumExceeded(t *testing.T) {
	tbl := peopleTable()
	tbl.Referenced = true
	tbl.NobsRefCount = 1
	s := openTestStore(t, tbl)
	ref, err := s.Insert(nil, []interface{}{int32(1), "x"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	var lastErr error
	for i := 0; i < 260; i++ {
		lastErr = s.bumpOwnRefCount(nil, ref.Index(), +1)
		if lastErr != nil {
			break
		}
	}
	if !acdperr.Is(lastErr, acdperr.MaximumExceeded) {
		t.Fatalf("expected MaximumExceeded, got %v", lastErr)
	}
}
