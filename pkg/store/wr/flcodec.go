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
	"github.com/acdp-project/acdp/pkg/bytesx"
	"github.com/acdp-project/acdp/pkg/coltype"
)

// arrayLenWidth is the fixed byte width of the FL slot's length field for
// array-of-simple/array-of-reference columns (the encoded VL payload's
// byte length, not the element count). spec.md §3 only says the length
// field is "a type-derived number of bytes"; arrays have no MaxSize-driven
// width the way String/Bytes do, so this store fixes it at 4 bytes
// (matching coltype's own unbounded-length-prefix convention).
const arrayLenWidth = 4

// rowLayout is the precomputed byte layout of one table's FL block.
type rowLayout struct {
	infoLen     int // bytes of the info bitmap (liveness bit + nullable-inrow-simple bits)
	nullBitBase int // bit index of the first nullable-column bit (1, liveness owns bit 0)
	refCountOff int
	refCountLen int
	gapLinkOff  int // offset of the singly-linked gap-chain pointer within a gap block
	colOffs     []int // byte offset of each column's slot, in table order
	colWidths   []int // byte width of each column's slot
	nullableIdx []int // bit index (relative to nullBitBase) for inrow-simple-nullable columns, -1 otherwise
	blockSize   int
}

func newRowLayout(t *Table) (*rowLayout, error) {
	nullable := t.nullableInrowCount()
	if nullable > 64 {
		return nil, acdperr.New(acdperr.ImplementationLimit, "table %s: more than 64 nullable columns", t.Name)
	}
	rl := &rowLayout{
		infoLen:     bytesx.BitmapLen(1 + nullable),
		nullBitBase: 1,
		colOffs:     make([]int, len(t.Columns)),
		colWidths:   make([]int, len(t.Columns)),
		nullableIdx: make([]int, len(t.Columns)),
	}
	off := rl.infoLen
	if t.Referenced {
		rl.refCountOff = off
		rl.refCountLen = t.NobsRefCount
		off += t.NobsRefCount
	}
	rl.gapLinkOff = off
	nextNullBit := 0
	for i, c := range t.Columns {
		w, err := columnWidth(t, c.Type)
		if err != nil {
			return nil, err
		}
		rl.colOffs[i] = off
		rl.colWidths[i] = w
		rl.nullableIdx[i] = -1
		if c.Type.Kind == coltype.KindSimple && c.Type.Scheme() == coltype.Inrow && c.Type.Nullable() {
			rl.nullableIdx[i] = nextNullBit
			nextNullBit++
		}
		off += w
	}
	if off > (1<<31)-1 {
		return nil, acdperr.New(acdperr.ImplementationLimit, "table %s: FL block size %d exceeds 2^31-1", t.Name, off)
	}
	rl.blockSize = off
	return rl, nil
}

func columnWidth(t *Table, ct *coltype.Type) (int, error) {
	switch ct.Kind {
	case coltype.KindSimple:
		if ct.Scheme() == coltype.Inrow {
			return ct.ByteLength(), nil
		}
		return ct.LenPrefixWidth() + t.NobsOutrowPtr, nil
	case coltype.KindReference:
		return t.NobsRowRef, nil
	case coltype.KindArrayOfSimple, coltype.KindArrayOfReference:
		return arrayLenWidth + t.NobsOutrowPtr, nil
	}
	return 0, acdperr.New(acdperr.ImplementationLimit, "unknown column kind")
}

func (rl *rowLayout) isLive(block []byte) bool {
	return bytesx.BitSet(block[:rl.infoLen], 0)
}

func (rl *rowLayout) setLive(block []byte, live bool) {
	bytesx.SetBit(block[:rl.infoLen], 0, live)
}

func (rl *rowLayout) isNull(block []byte, nullableIdx int) bool {
	return bytesx.BitSet(block[:rl.infoLen], rl.nullBitBase+nullableIdx)
}

func (rl *rowLayout) setNull(block []byte, nullableIdx int, null bool) {
	bytesx.SetBit(block[:rl.infoLen], rl.nullBitBase+nullableIdx, null)
}

func (rl *rowLayout) refCount(block []byte) uint64 {
	if rl.refCountLen == 0 {
		return 0
	}
	return bytesx.Uint(block[rl.refCountOff : rl.refCountOff+rl.refCountLen])
}

func (rl *rowLayout) setRefCount(block []byte, n uint64) error {
	if !bytesx.FitsWidth(n, rl.refCountLen) {
		return acdperr.New(acdperr.MaximumExceeded, "reference counter overflow (width %d bytes)", rl.refCountLen)
	}
	bytesx.PutUint(block[rl.refCountOff:rl.refCountOff+rl.refCountLen], n)
	return nil
}

func (rl *rowLayout) slot(block []byte, col int) []byte {
	return block[rl.colOffs[col] : rl.colOffs[col]+rl.colWidths[col]]
}

// splitOutrowSlot splits a column's outrow slot into its (length, pointer)
// halves, where lenWidth is the column's own length-field width.
func splitOutrowSlot(slot []byte, lenWidth int) (length uint64, ptr uint64) {
	length = bytesx.Uint(slot[:lenWidth])
	ptr = bytesx.Uint(slot[lenWidth:])
	return
}

func putOutrowSlot(slot []byte, lenWidth int, length, ptr uint64) {
	bytesx.PutUint(slot[:lenWidth], length)
	bytesx.PutUint(slot[lenWidth:], ptr)
}
