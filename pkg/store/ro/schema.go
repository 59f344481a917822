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

// Package ro implements the ACDP RO (read-only) store (spec.md §4.8):
// a block-compressed packed reader over the table layout the converter
// (pkg/convert) writes, in three operating modes, grounded on the
// block-oriented decrypt shape of perkeep.org/pkg/blobserver/encrypt
// and the row-iterator idiom of perkeep.org/pkg/sorted (Next/Row/Value
// here; the Iterator has no Close).
package ro

import (
	"github.com/acdp-project/acdp/pkg/acdperr"
	"github.com/acdp-project/acdp/pkg/bytesx"
	"github.com/acdp-project/acdp/pkg/coltype"
	"github.com/acdp-project/acdp/pkg/store/wr"
)

// RegularBlockSize is the fixed unpacked byte budget per block (spec.md
// §6: "Block size constant: 65535 unpacked").
const RegularBlockSize = 65535

// BlockSizeWidth is the on-disk byte width of a packed block-size entry
// (spec.md §6: "block-size field width 2 bytes").
const BlockSizeWidth = 2

// arrayLenWidth is the length-info segment's field width for array
// columns; see pkg/store/wr's identical constant and rationale (arrays
// have no MaxSize-derived width).
const arrayLenWidth = 4

// Table is the column schema an RO Store decodes rows against. It
// reuses wr.Column: the same type system describes both a table's
// writable and read-only on-disk shapes.
type Table struct {
	Name       string
	Columns    []wr.Column
	NobsRowRef int
}

// nullBitmapLen is the byte length of a row's null bitmap: one bit per
// column (spec.md §4.8 "for each column whose null bit is unset"),
// unlike pkg/store/wr's FL layout which only bitmaps inrow-nullable
// simple columns — RO rows carry no reference-slot zero-sentinel
// shortcut, since a packed row has no fixed per-column slot to hold one.
func nullBitmapLen(t *Table) int { return bytesx.BitmapLen(len(t.Columns)) }

// EncodeRow serializes values (one per column) into an RO row: a null
// bitmap, a length-info segment for each non-null variable-length
// column (outrow simple or array), then the payload bytes themselves
// (spec.md §4.8 "RO row decode").
func EncodeRow(t *Table, values []interface{}) ([]byte, error) {
	if len(values) != len(t.Columns) {
		return nil, acdperr.New(acdperr.IncompatibleValue, "table %s: got %d values, want %d", t.Name, len(values), len(t.Columns))
	}
	bitmap := make([]byte, nullBitmapLen(t))
	var lengths, payload []byte

	for i, c := range t.Columns {
		v := values[i]
		if v == nil {
			bytesx.SetBit(bitmap, i, true)
			continue
		}
		switch c.Type.Kind {
		case coltype.KindSimple:
			b, err := c.Type.ToBytes(v)
			if err != nil {
				return nil, err
			}
			if c.Type.Scheme() == coltype.Outrow {
				lengths = appendLen(lengths, c.Type.LenPrefixWidth(), len(b))
			}
			payload = append(payload, b...)
		case coltype.KindReference:
			ref, _ := v.(coltype.Ref)
			b, err := coltype.EncodeRef(ref, t.NobsRowRef)
			if err != nil {
				return nil, err
			}
			payload = append(payload, b...)
		case coltype.KindArrayOfSimple, coltype.KindArrayOfReference:
			b, err := coltype.EncodeArray(c.Type, v, t.NobsRowRef)
			if err != nil {
				return nil, err
			}
			lengths = appendLen(lengths, arrayLenWidth, len(b))
			payload = append(payload, b...)
		}
	}

	row := make([]byte, 0, len(bitmap)+len(lengths)+len(payload))
	row = append(row, bitmap...)
	row = append(row, lengths...)
	row = append(row, payload...)
	return row, nil
}

// DecodeRow is EncodeRow's inverse.
func DecodeRow(t *Table, raw []byte) ([]interface{}, error) {
	nH := nullBitmapLen(t)
	bitmap := raw[:nH]
	off := nH

	isNull := make([]bool, len(t.Columns))
	lenOf := make([]int, len(t.Columns))
	for i, c := range t.Columns {
		if bytesx.BitSet(bitmap, i) {
			isNull[i] = true
			continue
		}
		switch c.Type.Kind {
		case coltype.KindSimple:
			if c.Type.Scheme() == coltype.Outrow {
				lw := c.Type.LenPrefixWidth()
				lenOf[i] = int(bytesx.Uint(raw[off : off+lw]))
				off += lw
			}
		case coltype.KindArrayOfSimple, coltype.KindArrayOfReference:
			lenOf[i] = int(bytesx.Uint(raw[off : off+arrayLenWidth]))
			off += arrayLenWidth
		}
	}

	out := make([]interface{}, len(t.Columns))
	for i, c := range t.Columns {
		if isNull[i] {
			out[i] = nil
			continue
		}
		switch c.Type.Kind {
		case coltype.KindSimple:
			n := c.Type.ByteLength()
			if c.Type.Scheme() == coltype.Outrow {
				n = lenOf[i]
			}
			v, err := c.Type.FromBytes(raw, off, n)
			if err != nil {
				return nil, err
			}
			out[i] = v
			off += n
		case coltype.KindReference:
			out[i] = coltype.DecodeRef(raw[off : off+t.NobsRowRef])
			off += t.NobsRowRef
		case coltype.KindArrayOfSimple, coltype.KindArrayOfReference:
			v, err := coltype.DecodeArray(c.Type, raw[off:off+lenOf[i]], t.NobsRowRef)
			if err != nil {
				return nil, err
			}
			out[i] = v
			off += lenOf[i]
		}
	}
	return out, nil
}

func appendLen(buf []byte, width, n int) []byte {
	l := make([]byte, width)
	bytesx.PutUint(l, uint64(n))
	return append(buf, l...)
}
