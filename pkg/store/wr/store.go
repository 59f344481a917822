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
	"os"

	"github.com/acdp-project/acdp/pkg/acdperr"
	"github.com/acdp-project/acdp/pkg/coltype"
	"github.com/acdp-project/acdp/pkg/fileio"
	"github.com/acdp-project/acdp/pkg/fspace"
	"github.com/acdp-project/acdp/pkg/recorder"
)

// TableResolver looks up another table's Store by name, used to bump
// reference counters on the table a Reference column targets (possibly
// this same store, for self-references). Database control wires this up
// once every table's Store exists (spec.md §4.10's two-phase
// construct-then-initialize discipline).
type TableResolver func(name string) (*Store, error)

// LayoutPersist receives the FL gap-list state and VL heap state to mirror
// into the database's layout file on commit (spec.md §6 "WR store
// sublayout carries... FL gap-list head, FL gap-count, VL end-of-data").
type LayoutPersist struct {
	FL func(head, count uint64) error
	VL func(eod, freeHead uint64) error
}

// Store is the WR store for one table: the FL row file, the VL heap, and
// the in-memory file-space mirrors the recorder/tracker coordinate around
// units (spec.md §4.7).
type Store struct {
	table *Table
	rl    *rowLayout

	fl *fileio.Handle
	vl *vlHeap

	nofRows uint64 // number of FL blocks currently allocated (live + gap)

	gap     *flGapState
	vlSpace *vlSpace
	tracker *fspace.Tracker

	resolve TableResolver
}

// Open opens (creating if needed) the FL and VL files for table t.
func Open(t *Table, flPath, vlPath string, gapHead, gapCount uint64, tracker *fspace.Tracker, persist LayoutPersist) (*Store, error) {
	rl, err := newRowLayout(t)
	if err != nil {
		return nil, err
	}
	flH, err := fileio.Open(flPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	vlH, err := fileio.Open(vlPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	heap, err := openVLHeap(vlH, t.NobsOutrowPtr)
	if err != nil {
		return nil, err
	}
	size, err := flH.Size()
	if err != nil {
		return nil, err
	}
	s := &Store{
		table:   t,
		rl:      rl,
		fl:      flH,
		vl:      heap,
		nofRows: uint64(size) / uint64(rl.blockSize),
		gap:     &flGapState{id: t.Name + ".FL", headIndex: gapHead, count: gapCount, persist: persist.FL},
		vlSpace: &vlSpace{id: t.Name + ".VL", heap: heap, persist: persist.VL},
		tracker: tracker,
	}
	return s, nil
}

// SetResolver wires up cross-table reference lookups, completing the
// two-phase construction spec.md §4.10 requires for tables that
// reference each other.
func (s *Store) SetResolver(r TableResolver) { s.resolve = r }

// NofRows returns the number of FL blocks allocated (live rows plus gaps).
func (s *Store) NofRows() uint64 { return s.nofRows }

// Table returns the column schema s encodes rows against, for callers
// (pkg/convert) that need to mirror it into an RO table definition.
func (s *Store) Table() *Table { return s.table }

// FLHandle and VLHandle expose s's two underlying files as
// recorder.TargetFile, so pkg/acdpdb can resolve WAL entries back to the
// right table's FL/VL file during Unit rollback and recovery.
func (s *Store) FLHandle() recorder.TargetFile { return s.fl }
func (s *Store) VLHandle() recorder.TargetFile { return s.vl.h }

// IsLive reports whether row holds a live row rather than a free-list
// gap, for callers (pkg/convert) that must skip gaps when streaming a
// table's rows out in order.
func (s *Store) IsLive(row uint64) (bool, error) {
	block, err := s.readBlock(row)
	if err != nil {
		return false, err
	}
	return s.rl.isLive(block), nil
}

func (s *Store) blockOffset(row uint64) int64 { return int64(row-1) * int64(s.rl.blockSize) }

func (s *Store) readBlock(row uint64) ([]byte, error) {
	buf := make([]byte, s.rl.blockSize)
	if err := s.fl.ReadAt(buf, s.blockOffset(row)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Store) writeBlock(row uint64, block []byte) error {
	return s.fl.WriteAt(block, s.blockOffset(row))
}

// recordFL writes a before-image WAL entry for the FL block at row, when
// running inside a unit (u == nil means a Kamikaze write, which per
// spec.md §5 has no automatic crash-safety).
func (s *Store) recordFL(u *recorder.Unit, row uint64, before []byte) error {
	if u == nil {
		return nil
	}
	return u.Record(s.fl, s.blockOffset(row), before)
}

func (s *Store) recordFLRange(u *recorder.Unit, row uint64, relOff int, before []byte) error {
	if u == nil {
		return nil
	}
	return u.Record(s.fl, s.blockOffset(row)+int64(relOff), before)
}

func (s *Store) recordVLHeader(u *recorder.Unit, before []byte) error {
	if u == nil {
		return nil
	}
	return u.Record(s.vl.h, 0, before)
}

func (s *Store) recordVL(u *recorder.Unit, ptr uint64, before []byte) error {
	if u == nil {
		return nil
	}
	return u.Record(s.vl.h, s.vl.offsetOf(ptr), before)
}

// checkRow validates a row index is in range and resolves its block,
// raising IllegalReference (with RowGap set) for a gap.
func (s *Store) checkRow(row uint64) ([]byte, error) {
	if row < 1 || row > s.nofRows {
		return nil, acdperr.IllegalRef(false, "row %d out of range [1,%d]", row, s.nofRows)
	}
	block, err := s.readBlock(row)
	if err != nil {
		return nil, err
	}
	if !s.rl.isLive(block) {
		return nil, acdperr.IllegalRef(true, "row %d is a gap", row)
	}
	return block, nil
}

// vlAlloc reserves capacity bytes in the VL heap, WAL-recording both the
// header before-image and the displaced payload bytes (empty for a
// fresh extension, so rollback truncates; the stale free-block stub for
// a reused slot), and reporting the heap's pristine state to the
// file-space tracker before mutating it in memory (spec.md §4.4/§4.7).
func (s *Store) vlAlloc(u *recorder.Unit, capacity int) (uint64, error) {
	headerBefore := make([]byte, s.vl.headLen)
	if err := s.vl.h.ReadAt(headerBefore, 0); err != nil {
		return 0, err
	}
	s.tracker.ReportOldState(s.vlSpace)
	oldEOD := s.vl.eod
	ptr, err := s.vl.alloc(capacity)
	if err != nil {
		return 0, err
	}
	if ptr <= oldEOD {
		before, err := s.vl.readAt(ptr, capacity)
		if err != nil {
			return 0, err
		}
		if err := s.recordVL(u, ptr, before); err != nil {
			return 0, err
		}
	} else if err := s.recordVL(u, ptr, nil); err != nil {
		return 0, err
	}
	if err := s.recordVLHeader(u, headerBefore); err != nil {
		return 0, err
	}
	if err := s.vl.writeHeader(); err != nil {
		return 0, err
	}
	return ptr, nil
}

// vlFree returns the VL block at ptr (of capacity bytes) to the free
// list, following the same WAL-before-mutate discipline as vlAlloc.
func (s *Store) vlFree(u *recorder.Unit, ptr uint64, capacity int) error {
	headerBefore := make([]byte, s.vl.headLen)
	if err := s.vl.h.ReadAt(headerBefore, 0); err != nil {
		return err
	}
	s.tracker.ReportOldState(s.vlSpace)
	payloadBefore, err := s.vl.readAt(ptr, capacity)
	if err != nil {
		return err
	}
	if err := s.recordVL(u, ptr, payloadBefore); err != nil {
		return err
	}
	if err := s.vl.free(ptr, capacity); err != nil {
		return err
	}
	if err := s.recordVLHeader(u, headerBefore); err != nil {
		return err
	}
	return s.vl.writeHeader()
}

// touchGap reports the FL gap-list's pristine state to the tracker,
// idempotently, before the caller mutates s.gap in memory.
func (s *Store) touchGap() {
	s.tracker.ReportOldState(s.gap)
}

// adjustRefCount increments/decrements the reference counter of table
// name's row at index, bumping through the resolver for cross-table and
// self references alike.
func (s *Store) adjustRefCount(u *recorder.Unit, tableName string, ref coltype.Ref, delta int) error {
	if ref.IsNull() {
		return nil
	}
	target := s
	if tableName != s.table.Name {
		if s.resolve == nil {
			return acdperr.New(acdperr.MissingLayoutEntry, "no resolver configured to reach table %q", tableName)
		}
		t, err := s.resolve(tableName)
		if err != nil {
			return err
		}
		target = t
	}
	return target.bumpOwnRefCount(u, ref.Index(), delta)
}

func (s *Store) bumpOwnRefCount(u *recorder.Unit, row uint64, delta int) error {
	if !s.table.Referenced {
		return acdperr.New(acdperr.ImplementationLimit, "table %s is not marked Referenced but received a reference bump", s.table.Name)
	}
	block, err := s.checkRow(row)
	if err != nil {
		return err
	}
	old := s.rl.refCount(block)
	next := int64(old) + int64(delta)
	if next < 0 {
		return acdperr.New(acdperr.ConsistencyMismatch, "reference counter for row %d would go negative", row)
	}
	beforeBytes := append([]byte(nil), block[s.rl.refCountOff:s.rl.refCountOff+s.rl.refCountLen]...)
	if err := s.rl.setRefCount(block, uint64(next)); err != nil {
		return err
	}
	if err := s.recordFLRange(u, row, s.rl.refCountOff, beforeBytes); err != nil {
		return err
	}
	return s.writeBlock(row, block)
}

// RefCount returns the current reference counter for row (0 if the table
// is not Referenced).
func (s *Store) RefCount(row uint64) (uint64, error) {
	block, err := s.checkRow(row)
	if err != nil {
		return 0, err
	}
	return s.rl.refCount(block), nil
}

// Close releases the FL/VL file handles.
func (s *Store) Close() error {
	err1 := s.fl.Close()
	err2 := s.vl.h.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
