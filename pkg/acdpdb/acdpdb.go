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

// Package acdpdb is the ACDP database control layer (spec.md §4.10):
// opening, locking, validating a layout and building its table
// registry, grounded on perkeep's pkg/blobserver two-phase
// construct-then-initialize wiring (a storage backend is built from
// jsonconfig, then StorageGeneratorFunc-initialized against its
// siblings so cross-referencing backends can resolve each other) and
// perkeep's syncutil/lock.go advisory-lock-on-open shape.
package acdpdb

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/acdp-project/acdp/pkg/acdpcrypto"
	"github.com/acdp-project/acdp/pkg/acdperr"
	"github.com/acdp-project/acdp/pkg/bytesx"
	"github.com/acdp-project/acdp/pkg/coltype"
	"github.com/acdp-project/acdp/pkg/fileio"
	"github.com/acdp-project/acdp/pkg/fspace"
	"github.com/acdp-project/acdp/pkg/layout"
	"github.com/acdp-project/acdp/pkg/recorder"
	"github.com/acdp-project/acdp/pkg/store/ro"
	"github.com/acdp-project/acdp/pkg/store/wr"
	"github.com/acdp-project/acdp/pkg/syncmgr"
)

// DB is an open ACDP database: either a writable database backed by a
// layout file plus one FL/VL file pair per table, or a read-only
// database backed by a single packed file (spec.md §4.10).
type DB struct {
	path    string
	isRO    bool
	obj     layout.Obj // in-memory layout, rewritten to disk as WR tables mutate their FL/VL state
	lockH   *fileio.Handle
	cipher  *acdpcrypto.Provider
	sync    *syncmgr.Manager
	rec     *recorder.Recorder
	tracker *fspace.Tracker

	order   []string
	wrTable map[string]*wr.Store
	roTable map[string]*ro.Store
}

// Open opens the ACDP database at path: it first tries to read an RO
// trailer (an 8-byte layout-offset prefix followed by packed table
// data, per spec.md §4.9's file assembly order); if that fails it locks
// and parses path as a WR layout file directly (spec.md §4.10).
// factory may be nil if the database uses no encryption.
func Open(path string, factory acdpcrypto.CipherFactory) (*DB, error) {
	cipher := acdpcrypto.NewProvider(factory)

	fi, err := os.Stat(path)
	if err != nil {
		return nil, acdperr.IOErr(path, false, err)
	}

	if obj, layoutOffset, ok := tryReadROTrailer(path, fi.Size()); ok {
		return openRO(path, obj, layoutOffset, cipher)
	}
	return openWR(path, cipher)
}

// tryReadROTrailer attempts the spec.md §4.9 RO trailer read: an 8-byte
// big-endian offset at the start of the file, pointing at a gzip blob
// running to EOF that parses as a valid layout. Any failure along the
// way means path is not an RO file. The returned offset is the start of
// the gzipped layout blob, needed by openRO to compute the last table's
// RowPtrSegmentEnd.
func tryReadROTrailer(path string, size int64) (layout.Obj, int64, bool) {
	if size < 8 {
		return nil, 0, false
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false
	}
	defer f.Close()

	hdr := make([]byte, 8)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return nil, 0, false
	}
	off := int64(bytesx.Uint(hdr))
	if off <= 0 || off >= size {
		return nil, 0, false
	}

	gz := make([]byte, size-off)
	if _, err := f.ReadAt(gz, off); err != nil {
		return nil, 0, false
	}
	r, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, 0, false
	}
	defer r.Close()
	text, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, false
	}
	obj, err := layout.Parse(bytes.NewReader(text))
	if err != nil {
		return nil, 0, false
	}
	// Probe structurally only; cipher-factory consistency and the
	// caller's real factory presence are checked by the real Open path
	// once the mode is settled.
	probe := cloneForProbe(obj)
	if err := validateLayout(probe, probe.OptionalString("cipherClass", "") != ""); err != nil {
		return nil, 0, false
	}
	return obj, off, true
}

// cloneForProbe re-parses text already consumed by one Validate pass so
// the bookkeeping keys ("_knownkeys", "_errors") the real Open path
// relies on start fresh.
func cloneForProbe(obj layout.Obj) layout.Obj {
	var buf bytes.Buffer
	if err := layout.Write(&buf, obj); err != nil {
		return obj
	}
	fresh, err := layout.Parse(&buf)
	if err != nil {
		return obj
	}
	return fresh
}

// validateLayout checks spec.md §4.10's layout invariants: non-empty
// name/version, a parseable consistency number, cipher-challenge/class
// consistency with whether the embedder supplied a factory, and a
// non-empty table sequence.
func validateLayout(obj layout.Obj, haveFactory bool) error {
	name := obj.RequiredString("name")
	version := obj.RequiredString("version")
	consistency := obj.RequiredString("consistencyNumber")
	cipherClass := obj.OptionalString("cipherClass", "")
	cipherChallenge := obj.OptionalString("cipherChallenge", "")
	obj.OptionalString("recorderPath", "")
	tables := obj.RequiredNamedSequence("tables")

	if name == "" {
		return acdperr.New(acdperr.MissingLayoutEntry, "layout: empty database name")
	}
	if version == "" {
		return acdperr.New(acdperr.MissingLayoutEntry, "layout: empty database version")
	}
	if _, err := strconv.ParseInt(consistency, 10, 64); err != nil {
		return acdperr.Wrap(acdperr.ConsistencyMismatch, err, "layout: unparseable consistencyNumber %q", consistency)
	}
	if (cipherClass == "") != (cipherChallenge == "") {
		return acdperr.New(acdperr.ConsistencyMismatch, "layout: cipherClass and cipherChallenge must be set together")
	}
	if haveFactory != (cipherClass != "") {
		return acdperr.New(acdperr.ConsistencyMismatch, "layout: cipher factory presence does not match layout's cipherClass")
	}
	if len(tables) == 0 {
		return acdperr.New(acdperr.MissingLayoutEntry, "layout: no tables declared")
	}
	for _, t := range tables {
		if len(t.Obj.RequiredNamedSequence("columns")) == 0 {
			return acdperr.New(acdperr.MissingLayoutEntry, "layout: table %q declares no columns", t.Name)
		}
	}
	return obj.Validate()
}

// columnsOf parses a table's "columns" named sequence into wr.Column
// values, using coltype.ParseTypeDesc to turn each "typeDesc" string
// back into a *coltype.Type. It consumes every column key so
// Obj.Validate doesn't flag them as unknown.
func columnsOf(tableObj layout.Obj) ([]wr.Column, error) {
	var cols []wr.Column
	for _, c := range tableObj.RequiredNamedSequence("columns") {
		desc := c.Obj.RequiredString("typeDesc")
		refd := c.Obj.OptionalString("refdTable", "")
		if err := c.Obj.Validate(); err != nil {
			return nil, err
		}
		t, err := coltype.ParseTypeDesc(desc, refd)
		if err != nil {
			return nil, err
		}
		cols = append(cols, wr.Column{Name: c.Name, Type: t})
	}
	return cols, nil
}

// openRO builds a read-only DB: every table is constructed directly
// from the layout's RO sublayout keys (spec.md §6), no resolver phase
// needed since an ro.Store never mutates and so never bumps another
// table's reference counter.
func openRO(path string, obj layout.Obj, layoutOffset int64, cipher *acdpcrypto.Provider) (*DB, error) {
	if err := validateLayout(obj, cipher.Enabled()); err != nil {
		return nil, err
	}
	if cipher.Enabled() {
		if err := acdpcrypto.VerifyChallenge(cipher.Factory(), obj.OptionalString("cipherChallenge", "")); err != nil {
			return nil, err
		}
	}

	h, err := fileio.Open(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}

	tables := obj.RequiredNamedSequence("tables")
	db := &DB{
		path:    path,
		isRO:    true,
		obj:     obj,
		lockH:   h,
		cipher:  cipher,
		sync:    syncmgr.New(),
		roTable: make(map[string]*ro.Store, len(tables)),
	}

	metas := make([]ro.Meta, len(tables))
	roTables := make([]*ro.Table, len(tables))
	for i, t := range tables {
		cols, err := columnsOf(t.Obj)
		if err != nil {
			db.Close()
			return nil, err
		}
		t.Obj.OptionalBool("referenced", false) // RO never adjusts reference counters; recorded only for round-tripping the layout.
		nobsRowRef := t.Obj.OptionalInt("nobsRowRef", 0)
		metas[i] = ro.Meta{
			NofRows:      uint64(t.Obj.RequiredInt("nofRows")),
			StartData:    int64(t.Obj.RequiredInt("startData")),
			DataLength:   int64(t.Obj.RequiredInt("dataLength")),
			StartRowPtrs: int64(t.Obj.RequiredInt("startRowPtrs")),
			NobsRowPtr:   t.Obj.RequiredInt("nobsRowPtr"),
			NofBlocks:    t.Obj.RequiredInt("nofBlocks"),
		}
		if err := t.Obj.Validate(); err != nil {
			db.Close()
			return nil, err
		}
		roTables[i] = &ro.Table{Name: t.Name, Columns: cols, NobsRowRef: nobsRowRef}
	}

	// RowPtrSegmentEnd is not carried in the layout (ro.Meta's doc
	// explains why): it is the next table's StartData in declaration
	// order, or layoutOffset for the last table.
	for i, t := range tables {
		if i+1 < len(tables) {
			metas[i].RowPtrSegmentEnd = metas[i+1].StartData
		} else {
			metas[i].RowPtrSegmentEnd = layoutOffset
		}
		store, err := ro.Open(h, roTables[i], metas[i], ro.FilePacked, cipher, false)
		if err != nil {
			db.Close()
			return nil, err
		}
		db.order = append(db.order, t.Name)
		db.roTable[t.Name] = store
	}
	return db, nil
}

// openWR builds a writable DB: the layout file itself is locked for
// the process's lifetime (spec.md §4.10 "acquire lock"), every table's
// wr.Store is constructed first, then every Store's cross-table
// resolver is wired in a second pass (spec.md §4.10's two-phase
// discipline, needed because table A's Reference column may target
// table B before B's Store exists yet, and vice versa for self- or
// mutually-referencing tables).
func openWR(path string, cipher *acdpcrypto.Provider) (*DB, error) {
	h, err := fileio.Open(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := h.TryLock(0, 0, false); err != nil {
		h.Close()
		return nil, acdperr.Wrap(acdperr.OverlappingLock, err, "database %s already locked by another process", path)
	}

	obj, err := layout.ReadFile(path)
	if err != nil {
		h.Close()
		return nil, err
	}
	if err := validateLayout(obj, cipher.Enabled()); err != nil {
		h.Close()
		return nil, err
	}
	if cipher.Enabled() {
		if err := acdpcrypto.VerifyChallenge(cipher.Factory(), obj.OptionalString("cipherChallenge", "")); err != nil {
			h.Close()
			return nil, err
		}
	}

	dir := filepath.Dir(path)
	tables := obj.RequiredNamedSequence("tables")
	tracker := fspace.New()

	db := &DB{
		path:    path,
		isRO:    false,
		obj:     obj,
		lockH:   h,
		cipher:  cipher,
		sync:    syncmgr.New(),
		tracker: tracker,
		wrTable: make(map[string]*wr.Store, len(tables)),
	}

	recPath := obj.OptionalString("recorderPath", path+".wal")
	rec, err := recorder.Open(recPath, false, db.resolveTargetFile, tracker)
	if err != nil {
		db.Close()
		return nil, err
	}
	db.rec = rec
	if rec.NeedsRecovery() {
		if err := rec.Recover(); err != nil {
			db.Close()
			return nil, err
		}
	}

	for _, t := range tables {
		cols, err := columnsOf(t.Obj)
		if err != nil {
			db.Close()
			return nil, err
		}
		referenced := t.Obj.OptionalBool("referenced", false)
		nobsRowRef := t.Obj.OptionalInt("nobsRowRef", 4)
		nobsOutrowPtr := t.Obj.OptionalInt("nobsOutrowPtr", 4)
		nobsRefCount := t.Obj.OptionalInt("nobsRefCount", 2)
		gapHead := uint64(t.Obj.OptionalInt("flGapHead", 0))
		gapCount := uint64(t.Obj.OptionalInt("flGapCount", 0))
		flPath := t.Obj.OptionalString("flPath", filepath.Join(dir, t.Name+".fl"))
		vlPath := t.Obj.OptionalString("vlPath", filepath.Join(dir, t.Name+".vl"))
		if err := t.Obj.Validate(); err != nil {
			db.Close()
			return nil, err
		}

		table := &wr.Table{
			Name:          t.Name,
			Columns:       cols,
			Referenced:    referenced,
			NobsRowRef:    nobsRowRef,
			NobsOutrowPtr: nobsOutrowPtr,
			NobsRefCount:  nobsRefCount,
		}
		name := t.Name
		persist := wr.LayoutPersist{
			FL: func(head, count uint64) error { return db.persistFLState(name, head, count) },
			VL: func(eod, freeHead uint64) error { return db.persistVLState(name, eod, freeHead) },
		}
		store, err := wr.Open(table, flPath, vlPath, gapHead, gapCount, tracker, persist)
		if err != nil {
			db.Close()
			return nil, err
		}
		db.order = append(db.order, t.Name)
		db.wrTable[t.Name] = store
	}

	for _, name := range db.order {
		store := db.wrTable[name]
		store.SetResolver(db.resolveWRTable)
	}
	return db, nil
}

func (db *DB) resolveWRTable(name string) (*wr.Store, error) {
	s, ok := db.wrTable[name]
	if !ok {
		return nil, acdperr.New(acdperr.MissingLayoutEntry, "no such table %q", name)
	}
	return s, nil
}

// resolveTargetFile satisfies recorder.Resolver: it maps a path
// recorded in the WAL back to one of this DB's open FL/VL handles, for
// rollback and crash recovery.
func (db *DB) resolveTargetFile(path string) (recorder.TargetFile, error) {
	for _, s := range db.wrTable {
		if s.FLHandle().Path() == path {
			return s.FLHandle(), nil
		}
		if s.VLHandle().Path() == path {
			return s.VLHandle(), nil
		}
	}
	return nil, acdperr.New(acdperr.MissingLayoutEntry, "recorder: no open file for path %q", path)
}

// persistFLState and persistVLState mirror a table's FL gap-list or VL
// heap state into the in-memory layout and rewrite the layout file, the
// LayoutPersist half of spec.md §6's "WR store sublayout carries...
// FL gap-list head, FL gap-count, VL end-of-data, VL free-list head".
func (db *DB) persistFLState(table string, head, count uint64) error {
	db.tableObj(table).Set("flGapHead", strconv.FormatUint(head, 10))
	db.tableObj(table).Set("flGapCount", strconv.FormatUint(count, 10))
	return layout.WriteFile(db.path, db.obj)
}

func (db *DB) persistVLState(table string, eod, freeHead uint64) error {
	db.tableObj(table).Set("vlEndOfData", strconv.FormatUint(eod, 10))
	db.tableObj(table).Set("vlFreeHead", strconv.FormatUint(freeHead, 10))
	return layout.WriteFile(db.path, db.obj)
}

func (db *DB) tableObj(name string) layout.Obj {
	for _, t := range db.obj.RequiredNamedSequence("tables") {
		if t.Name == name {
			return t.Obj
		}
	}
	return layout.New()
}

// WRTable returns the writable store for table name, or an error if
// this database is read-only or has no such table.
func (db *DB) WRTable(name string) (*wr.Store, error) {
	if db.isRO {
		return nil, acdperr.New(acdperr.UnsupportedOperation, "database %s is read-only", db.path)
	}
	s, ok := db.wrTable[name]
	if !ok {
		return nil, acdperr.New(acdperr.MissingLayoutEntry, "no such table %q", name)
	}
	return s, nil
}

// ROTable returns the read-only store for table name, or an error if
// this database is writable or has no such table.
func (db *DB) ROTable(name string) (*ro.Store, error) {
	if !db.isRO {
		return nil, acdperr.New(acdperr.UnsupportedOperation, "database %s is writable", db.path)
	}
	s, ok := db.roTable[name]
	if !ok {
		return nil, acdperr.New(acdperr.MissingLayoutEntry, "no such table %q", name)
	}
	return s, nil
}

// IsRO reports whether this DB opened as RO (packed, compressed) or WR.
func (db *DB) IsRO() bool { return db.isRO }

// Tables returns the table names in declaration order.
func (db *DB) Tables() []string { return append([]string(nil), db.order...) }

// OpenUnit issues a top-level recorder unit for owner (spec.md §4.5),
// required before any mutating operation on a WR table.
func (db *DB) OpenUnit(owner interface{}) (*recorder.Unit, error) {
	if db.isRO {
		return nil, acdperr.New(acdperr.UnsupportedOperation, "database %s is read-only", db.path)
	}
	return db.rec.OpenUnit(owner)
}

// Sync exposes the zone-based concurrency controller (spec.md §4.5)
// guarding WR units, read zones and whole-database control operations.
func (db *DB) Sync() *syncmgr.Manager { return db.sync }

// Close releases every table's file handles, the recorder and the
// main file's lock.
func (db *DB) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range db.wrTable {
		note(s.Close())
	}
	if db.rec != nil {
		note(db.rec.Close())
	}
	db.sync.Shutdown()
	if db.lockH != nil {
		note(db.lockH.Close())
	}
	return firstErr
}
