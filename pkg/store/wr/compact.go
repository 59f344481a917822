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
	"github.com/acdp-project/acdp/pkg/acdperr"
	"github.com/acdp-project/acdp/pkg/coltype"
	"github.com/acdp-project/acdp/pkg/recorder"
)

// VerifyReport summarizes one pass over a table's FL file (spec.md §4.7
// "Verify"). It checks structural invariants this store alone can see;
// cross-table reference-counter accuracy is Reindex's job, which needs a
// whole-database view.
type VerifyReport struct {
	NofRows  uint64
	LiveRows uint64
	GapRows  uint64
	Errors   []error
}

// Verify walks every FL block, checking liveness/gap bookkeeping and that
// every outrow and array pointer lands inside the VL heap's allocated
// range. It does not mutate anything and repairs nothing; reference
// counters are neither checked here nor fixed, Reindex recomputes them.
func (s *Store) Verify() (*VerifyReport, error) {
	rep := &VerifyReport{NofRows: s.nofRows}

	seenGaps := make(map[uint64]bool)
	cur := s.gap.headIndex
	for cur != 0 {
		if cur < 1 || cur > s.nofRows {
			rep.Errors = append(rep.Errors, acdperr.New(acdperr.ConsistencyMismatch, "gap chain points at out-of-range row %d", cur))
			break
		}
		if seenGaps[cur] {
			rep.Errors = append(rep.Errors, acdperr.New(acdperr.ConsistencyMismatch, "gap chain cycles back to row %d", cur))
			break
		}
		seenGaps[cur] = true
		block, err := s.readBlock(cur)
		if err != nil {
			return nil, err
		}
		if s.rl.isLive(block) {
			rep.Errors = append(rep.Errors, acdperr.New(acdperr.ConsistencyMismatch, "gap chain visits live row %d", cur))
			break
		}
		cur = coltype.DecodeRef(block[s.rl.gapLinkOff : s.rl.gapLinkOff+s.table.NobsRowRef]).Index()
	}
	if uint64(len(seenGaps)) != s.gap.count {
		rep.Errors = append(rep.Errors, acdperr.New(acdperr.ConsistencyMismatch,
			"gap count mismatch: chain has %d, recorded %d", len(seenGaps), s.gap.count))
	}

	for row := uint64(1); row <= s.nofRows; row++ {
		block, err := s.readBlock(row)
		if err != nil {
			return nil, err
		}
		if !s.rl.isLive(block) {
			rep.GapRows++
			continue
		}
		rep.LiveRows++
		for i, c := range s.table.Columns {
			slot := s.rl.slot(block, i)
			var ptr, length uint64
			switch c.Type.Kind {
			case coltype.KindSimple:
				if c.Type.Scheme() != coltype.Outrow {
					continue
				}
				length, ptr = splitOutrowSlot(slot, c.Type.LenPrefixWidth())
			case coltype.KindArrayOfSimple, coltype.KindArrayOfReference:
				length, ptr = splitOutrowSlot(slot, arrayLenWidth)
			default:
				continue
			}
			if ptr == 0 {
				continue
			}
			if ptr < 1 || ptr+length-1 > s.vl.eod {
				rep.Errors = append(rep.Errors, acdperr.New(acdperr.ConsistencyMismatch,
					"row %d column %s points outside VL heap (ptr=%d len=%d eod=%d)", row, c.Name, ptr, length, s.vl.eod))
			}
		}
	}
	return rep, nil
}

// Reindex recomputes every Referenced table's reference counters from
// scratch by scanning every live row of every store for Reference and
// array-of-reference columns, then overwriting each table's counters in
// one pass. This mirrors the teacher's reindex-from-content recovery
// path, generalized from blob content to row-reference scanning.
// Reindex is a maintenance operation: it writes directly (Kamikaze,
// no WAL) since it is meant to run with exclusive access to the whole
// database, recomputing state rather than undoing a single mistake.
func Reindex(stores []*Store) error {
	counts := make(map[*Store]map[uint64]uint64)
	byName := make(map[string]*Store)
	for _, s := range stores {
		byName[s.table.Name] = s
		if s.table.Referenced {
			counts[s] = make(map[uint64]uint64)
		}
	}

	for _, s := range stores {
		for row := uint64(1); row <= s.nofRows; row++ {
			block, err := s.readBlock(row)
			if err != nil {
				return err
			}
			if !s.rl.isLive(block) {
				continue
			}
			for i, c := range s.table.Columns {
				slot := s.rl.slot(block, i)
				switch c.Type.Kind {
				case coltype.KindReference:
					r := coltype.DecodeRef(slot)
					if r.IsNull() {
						continue
					}
					target := byName[c.Type.RefdTable]
					if target == nil {
						return acdperr.New(acdperr.MissingLayoutEntry, "reindex: unknown target table %q", c.Type.RefdTable)
					}
					counts[target][r.Index()]++
				case coltype.KindArrayOfReference:
					length, ptr := splitOutrowSlot(slot, arrayLenWidth)
					if ptr == 0 {
						continue
					}
					payload, err := s.vl.readAt(ptr, int(length))
					if err != nil {
						return err
					}
					v, err := coltype.DecodeArray(c.Type, payload, s.table.NobsRowRef)
					if err != nil {
						return err
					}
					target := byName[c.Type.ElemRefd]
					if target == nil {
						return acdperr.New(acdperr.MissingLayoutEntry, "reindex: unknown target table %q", c.Type.ElemRefd)
					}
					for _, r := range v.([]coltype.Ref) {
						if !r.IsNull() {
							counts[target][r.Index()]++
						}
					}
				}
			}
		}
	}

	for s, rowCounts := range counts {
		for row := uint64(1); row <= s.nofRows; row++ {
			block, err := s.readBlock(row)
			if err != nil {
				return err
			}
			if !s.rl.isLive(block) {
				continue
			}
			if err := s.rl.setRefCount(block, rowCounts[row]); err != nil {
				return err
			}
			if err := s.writeBlock(row, block); err != nil {
				return err
			}
		}
	}
	return nil
}

// CompactVL rewrites the VL heap with every reachable block packed
// contiguously in row order, eliminating free-list fragmentation
// (spec.md §4.7 "Compact-VL"). FL outrow/array pointers are updated to
// match. Atomicity is provided by the recorder plus tracker: the whole
// pre-compaction VL payload is recorded as one before-image.
func (s *Store) CompactVL(u *recorder.Unit) error {
	type slotRef struct {
		row      uint64
		colIndex int
	}
	var live []slotRef
	for row := uint64(1); row <= s.nofRows; row++ {
		block, err := s.readBlock(row)
		if err != nil {
			return err
		}
		if !s.rl.isLive(block) {
			continue
		}
		for i, c := range s.table.Columns {
			switch c.Type.Kind {
			case coltype.KindSimple:
				if c.Type.Scheme() != coltype.Outrow {
					continue
				}
			case coltype.KindArrayOfSimple, coltype.KindArrayOfReference:
			default:
				continue
			}
			slot := s.rl.slot(block, i)
			lw := arrayLenWidth
			if c.Type.Kind == coltype.KindSimple {
				lw = c.Type.LenPrefixWidth()
			}
			_, ptr := splitOutrowSlot(slot, lw)
			if ptr != 0 {
				live = append(live, slotRef{row: row, colIndex: i})
			}
		}
	}

	oldHeader := make([]byte, s.vl.headLen)
	if err := s.vl.h.ReadAt(oldHeader, 0); err != nil {
		return err
	}
	oldEOD := s.vl.eod
	oldPayload, err := s.vl.readAt(1, int(oldEOD))
	if err != nil {
		return err
	}
	s.tracker.ReportOldState(s.vlSpace)

	newPayload := make([]byte, 0, len(oldPayload))
	newEOD := uint64(0)

	for _, sr := range live {
		block, err := s.readBlock(sr.row)
		if err != nil {
			return err
		}
		c := s.table.Columns[sr.colIndex]
		lw := arrayLenWidth
		if c.Type.Kind == coltype.KindSimple {
			lw = c.Type.LenPrefixWidth()
		}
		slot := s.rl.slot(block, sr.colIndex)
		length, oldPtr := splitOutrowSlot(slot, lw)
		payload, err := s.vl.readAt(oldPtr, int(length))
		if err != nil {
			return err
		}
		newPtr := newEOD + 1
		newPayload = append(newPayload, payload...)
		newEOD += length

		before := append([]byte(nil), block[s.rl.colOffs[sr.colIndex]:s.rl.colOffs[sr.colIndex]+s.rl.colWidths[sr.colIndex]]...)
		putOutrowSlot(slot, lw, length, newPtr)
		if err := s.recordFLRange(u, sr.row, s.rl.colOffs[sr.colIndex], before); err != nil {
			return err
		}
		if err := s.writeBlock(sr.row, block); err != nil {
			return err
		}
	}

	if err := s.recordVL(u, 1, oldPayload); err != nil {
		return err
	}
	if err := s.vl.h.Truncate(s.vl.headLen + int64(len(newPayload))); err != nil {
		return err
	}
	if len(newPayload) > 0 {
		if err := s.vl.writeAt(1, newPayload); err != nil {
			return err
		}
	}
	s.vl.eod = newEOD
	s.vl.freeHd = 0
	if err := s.recordVLHeader(u, oldHeader); err != nil {
		return err
	}
	return s.vl.writeHeader()
}
