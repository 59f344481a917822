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

// refBump is a deferred reference-counter adjustment, applied only after
// the row mutation that caused it has been safely recorded and written.
type refBump struct {
	table string
	ref   coltype.Ref
	delta int
}

// Insert adds a new row holding values (one per column, in table order)
// and returns a reference to it (spec.md §4.7 "Insert").
func (s *Store) Insert(u *recorder.Unit, values []interface{}) (coltype.Ref, error) {
	if len(values) != len(s.table.Columns) {
		return coltype.NullRef, acdperr.New(acdperr.IncompatibleValue,
			"table %s: got %d values, want %d", s.table.Name, len(values), len(s.table.Columns))
	}
	for i, c := range s.table.Columns {
		if !c.Type.IsCompatible(values[i]) {
			return coltype.NullRef, acdperr.New(acdperr.IncompatibleValue,
				"table %s column %s: value %v incompatible", s.table.Name, c.Name, values[i])
		}
	}

	row, reusedGap, err := s.claimRow(u)
	if err != nil {
		return coltype.NullRef, err
	}

	block := make([]byte, s.rl.blockSize)
	var bumps []refBump

	for i, c := range s.table.Columns {
		v := values[i]
		slot := s.rl.slot(block, i)
		switch c.Type.Kind {
		case coltype.KindSimple:
			if v == nil {
				s.rl.setNull(block, s.rl.nullableIdx[i], true)
				continue
			}
			if c.Type.Scheme() == coltype.Inrow {
				b, err := c.Type.ToBytes(v)
				if err != nil {
					return coltype.NullRef, err
				}
				copy(slot, b)
				if s.rl.nullableIdx[i] >= 0 {
					s.rl.setNull(block, s.rl.nullableIdx[i], false)
				}
			} else {
				payload, err := c.Type.ToBytes(v)
				if err != nil {
					return coltype.NullRef, err
				}
				ptr, err := s.vlAlloc(u, len(payload))
				if err != nil {
					return coltype.NullRef, err
				}
				if err := s.vl.writeAt(ptr, payload); err != nil {
					return coltype.NullRef, err
				}
				putOutrowSlot(slot, c.Type.LenPrefixWidth(), uint64(len(payload)), ptr)
			}

		case coltype.KindReference:
			ref, _ := v.(coltype.Ref)
			b, err := coltype.EncodeRef(ref, s.table.NobsRowRef)
			if err != nil {
				return coltype.NullRef, err
			}
			copy(slot, b)
			if !ref.IsNull() {
				bumps = append(bumps, refBump{table: c.Type.RefdTable, ref: ref, delta: +1})
			}

		case coltype.KindArrayOfSimple, coltype.KindArrayOfReference:
			if v == nil {
				putOutrowSlot(slot, arrayLenWidth, 0, 0)
				continue
			}
			payload, err := coltype.EncodeArray(c.Type, v, s.table.NobsRowRef)
			if err != nil {
				return coltype.NullRef, err
			}
			ptr, err := s.vlAlloc(u, len(payload))
			if err != nil {
				return coltype.NullRef, err
			}
			if err := s.vl.writeAt(ptr, payload); err != nil {
				return coltype.NullRef, err
			}
			putOutrowSlot(slot, arrayLenWidth, uint64(len(payload)), ptr)
			if c.Type.Kind == coltype.KindArrayOfReference {
				for _, r := range v.([]coltype.Ref) {
					if !r.IsNull() {
						bumps = append(bumps, refBump{table: c.Type.ElemRefd, ref: r, delta: +1})
					}
				}
			}
		}
	}

	s.rl.setLive(block, true)

	var before []byte
	if reusedGap {
		before, err = s.readBlock(row)
		if err != nil {
			return coltype.NullRef, err
		}
	} // a freshly extended row has no prior on-disk image; rollback truncates the file.
	if err := s.recordFL(u, row, before); err != nil {
		return coltype.NullRef, err
	}
	if err := s.writeBlock(row, block); err != nil {
		return coltype.NullRef, err
	}

	for _, b := range bumps {
		if err := s.adjustRefCount(u, b.table, b.ref, b.delta); err != nil {
			return coltype.NullRef, err
		}
	}

	return coltype.NewRef(row), nil
}

// claimRow pops the gap chain's head row, or extends the FL file by one
// block, returning the claimed 1-based row index.
func (s *Store) claimRow(u *recorder.Unit) (row uint64, reusedGap bool, err error) {
	if s.gap.headIndex != 0 {
		row = s.gap.headIndex
		block, err := s.readBlock(row)
		if err != nil {
			return 0, false, err
		}
		next := coltype.DecodeRef(block[s.rl.gapLinkOff : s.rl.gapLinkOff+s.table.NobsRowRef]).Index()
		s.touchGap()
		s.gap.headIndex = next
		s.gap.count--
		return row, true, nil
	}
	s.nofRows++
	return s.nofRows, false, nil
}

// Get reads the current column values of row (spec.md §4.7 "Read").
func (s *Store) Get(row uint64) ([]interface{}, error) {
	block, err := s.checkRow(row)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(s.table.Columns))
	for i, c := range s.table.Columns {
		slot := s.rl.slot(block, i)
		switch c.Type.Kind {
		case coltype.KindSimple:
			if c.Type.Scheme() == coltype.Inrow {
				if s.rl.nullableIdx[i] >= 0 && s.rl.isNull(block, s.rl.nullableIdx[i]) {
					out[i] = nil
					continue
				}
				v, err := c.Type.FromBytes(slot, 0, len(slot))
				if err != nil {
					return nil, err
				}
				out[i] = v
			} else {
				length, ptr := splitOutrowSlot(slot, c.Type.LenPrefixWidth())
				if ptr == 0 {
					out[i] = nil
					continue
				}
				payload, err := s.vl.readAt(ptr, int(length))
				if err != nil {
					return nil, err
				}
				v, err := c.Type.FromBytes(payload, 0, len(payload))
				if err != nil {
					return nil, err
				}
				out[i] = v
			}

		case coltype.KindReference:
			out[i] = coltype.DecodeRef(slot)

		case coltype.KindArrayOfSimple, coltype.KindArrayOfReference:
			length, ptr := splitOutrowSlot(slot, arrayLenWidth)
			if ptr == 0 {
				out[i] = nil
				continue
			}
			payload, err := s.vl.readAt(ptr, int(length))
			if err != nil {
				return nil, err
			}
			v, err := coltype.DecodeArray(c.Type, payload, s.table.NobsRowRef)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
	}
	return out, nil
}

// Delete removes ref's row, failing with DeleteConstraint if other rows
// still reference it (spec.md §4.7 "Delete").
func (s *Store) Delete(u *recorder.Unit, ref coltype.Ref) error {
	row := ref.Index()
	block, err := s.checkRow(row)
	if err != nil {
		return err
	}
	if s.table.Referenced {
		if rc := s.rl.refCount(block); rc > 0 {
			return acdperr.New(acdperr.DeleteConstraint, "table %s row %d still has %d references", s.table.Name, row, rc)
		}
	}

	var bumps []refBump
	var frees []struct {
		ptr uint64
		n   int
	}
	for i, c := range s.table.Columns {
		slot := s.rl.slot(block, i)
		switch c.Type.Kind {
		case coltype.KindSimple:
			if c.Type.Scheme() == coltype.Outrow {
				length, ptr := splitOutrowSlot(slot, c.Type.LenPrefixWidth())
				if ptr != 0 {
					frees = append(frees, struct {
						ptr uint64
						n   int
					}{ptr, int(length)})
				}
			}
		case coltype.KindReference:
			r := coltype.DecodeRef(slot)
			if !r.IsNull() {
				bumps = append(bumps, refBump{table: c.Type.RefdTable, ref: r, delta: -1})
			}
		case coltype.KindArrayOfSimple, coltype.KindArrayOfReference:
			length, ptr := splitOutrowSlot(slot, arrayLenWidth)
			if ptr != 0 {
				if c.Type.Kind == coltype.KindArrayOfReference {
					payload, err := s.vl.readAt(ptr, int(length))
					if err != nil {
						return err
					}
					v, err := coltype.DecodeArray(c.Type, payload, s.table.NobsRowRef)
					if err != nil {
						return err
					}
					for _, r := range v.([]coltype.Ref) {
						if !r.IsNull() {
							bumps = append(bumps, refBump{table: c.Type.ElemRefd, ref: r, delta: -1})
						}
					}
				}
				frees = append(frees, struct {
					ptr uint64
					n   int
				}{ptr, int(length)})
			}
		}
	}

	before := append([]byte(nil), block...)
	gapBlock := make([]byte, s.rl.blockSize)
	nextLink, err := coltype.EncodeRef(coltype.NewRef(s.gap.headIndex), s.table.NobsRowRef)
	if err != nil {
		return err
	}
	copy(gapBlock[s.rl.gapLinkOff:s.rl.gapLinkOff+s.table.NobsRowRef], nextLink)
	s.rl.setLive(gapBlock, false)

	s.touchGap()
	s.gap.headIndex = row
	s.gap.count++

	if err := s.recordFL(u, row, before); err != nil {
		return err
	}
	if err := s.writeBlock(row, gapBlock); err != nil {
		return err
	}

	for _, f := range frees {
		if err := s.vlFree(u, f.ptr, f.n); err != nil {
			return err
		}
	}
	for _, b := range bumps {
		if err := s.adjustRefCount(u, b.table, b.ref, b.delta); err != nil {
			return err
		}
	}
	return nil
}
