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

package coltype

import (
	"github.com/acdp-project/acdp/pkg/acdperr"
	"github.com/acdp-project/acdp/pkg/bytesx"
)

// Ref is an opaque, immutable row reference. The zero value is NullRef.
type Ref struct {
	index uint64
}

// NullRef denotes the absence of a reference (spec.md §3).
var NullRef = Ref{index: 0}

// NewRef wraps a 1-based row index as a Ref. index 0 is NullRef.
func NewRef(index uint64) Ref { return Ref{index: index} }

// IsNull reports whether r is the null reference.
func (r Ref) IsNull() bool { return r.index == 0 }

// Index returns the 1-based row index, or 0 for NullRef.
func (r Ref) Index() uint64 { return r.index }

// EncodeRef encodes r into a nobsRowRef-byte big-endian slot.
func EncodeRef(r Ref, nobsRowRef int) ([]byte, error) {
	if !bytesx.FitsWidth(r.index, nobsRowRef) {
		return nil, acdperr.New(acdperr.MaximumExceeded, "row index %d does not fit nobsRowRef=%d", r.index, nobsRowRef)
	}
	buf := make([]byte, nobsRowRef)
	bytesx.PutUint(buf, r.index)
	return buf, nil
}

// DecodeRef reads a nobsRowRef-byte reference slot.
func DecodeRef(b []byte) Ref {
	return Ref{index: bytesx.Uint(b)}
}

// EncodeArray encodes an array-of-simple or array-of-reference value per
// spec.md §4.1: sizeLen-byte size, optional nullability bitmap (if the
// element type is nullable), then the elements.
func EncodeArray(t *Type, v interface{}, nobsRowRef int) ([]byte, error) {
	sizeLen := lenPrefixWidth(t.ArrMax)
	switch t.Kind {
	case KindArrayOfSimple:
		arr := v.([]interface{})
		n := len(arr)
		out := make([]byte, sizeLen)
		bytesx.PutUint(out, uint64(n))
		if t.Elem.Nullable() {
			bm := make([]byte, bytesx.BitmapLen(n))
			for i, e := range arr {
				bytesx.SetBit(bm, i, e == nil)
			}
			out = append(out, bm...)
		}
		elemFixed := t.Elem.ByteLength()
		for _, e := range arr {
			if e == nil {
				continue
			}
			eb, err := t.Elem.ToBytes(e)
			if err != nil {
				return nil, err
			}
			if elemFixed < 0 { // outrow element: (length, payload)
				lw := t.Elem.LenPrefixWidth()
				lp := make([]byte, lw)
				bytesx.PutUint(lp, uint64(len(eb)))
				out = append(out, lp...)
				out = append(out, eb...)
			} else {
				out = append(out, eb...)
			}
		}
		return out, nil
	case KindArrayOfReference:
		arr := v.([]Ref)
		n := len(arr)
		out := make([]byte, sizeLen)
		bytesx.PutUint(out, uint64(n))
		for _, r := range arr {
			rb, err := EncodeRef(r, nobsRowRef)
			if err != nil {
				return nil, err
			}
			out = append(out, rb...)
		}
		return out, nil
	}
	return nil, acdperr.New(acdperr.ImplementationLimit, "EncodeArray: not an array type")
}

// DecodeArray decodes a value previously written by EncodeArray.
func DecodeArray(t *Type, b []byte, nobsRowRef int) (interface{}, error) {
	sizeLen := lenPrefixWidth(t.ArrMax)
	if len(b) < sizeLen {
		return nil, acdperr.New(acdperr.IncompatibleValue, "array payload shorter than size prefix")
	}
	n := int(bytesx.Uint(b[:sizeLen]))
	off := sizeLen
	switch t.Kind {
	case KindArrayOfSimple:
		var bm []byte
		if t.Elem.Nullable() {
			bmLen := bytesx.BitmapLen(n)
			bm = b[off : off+bmLen]
			off += bmLen
		}
		out := make([]interface{}, n)
		elemFixed := t.Elem.ByteLength()
		for i := 0; i < n; i++ {
			if bm != nil && bytesx.BitSet(bm, i) {
				out[i] = nil
				continue
			}
			if elemFixed >= 0 {
				v, err := t.Elem.FromBytes(b, off, elemFixed)
				if err != nil {
					return nil, err
				}
				out[i] = v
				off += elemFixed
			} else {
				lw := t.Elem.LenPrefixWidth()
				l := int(bytesx.Uint(b[off : off+lw]))
				off += lw
				v, err := t.Elem.FromBytes(b, off, l)
				if err != nil {
					return nil, err
				}
				out[i] = v
				off += l
			}
		}
		return out, nil
	case KindArrayOfReference:
		out := make([]Ref, n)
		for i := 0; i < n; i++ {
			out[i] = DecodeRef(b[off : off+nobsRowRef])
			off += nobsRowRef
		}
		return out, nil
	}
	return nil, acdperr.New(acdperr.ImplementationLimit, "DecodeArray: not an array type")
}
