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

// Package coltype implements the ACDP column type system (spec.md §4.1):
// a tagged variant over simple-inrow, simple-outrow, reference,
// array-of-simple and array-of-reference types, each satisfying the Codec
// interface.
package coltype

import (
	"fmt"

	"github.com/acdp-project/acdp/pkg/acdperr"
)

// Scheme says whether a column's values live inside the FL row block
// (Inrow) or in the VL heap, addressed by a (length, pointer) pair
// (Outrow).
type Scheme int

const (
	Inrow Scheme = iota
	Outrow
)

// Kind tags the variant.
type Kind int

const (
	KindSimple Kind = iota
	KindReference
	KindArrayOfSimple
	KindArrayOfReference
)

// Simple is the set of atomic value kinds a simple column may hold.
type Simple int

const (
	Bool Simple = iota
	Byte
	Short
	Int
	Long
	Float
	Double
	String // variable length, outrow unless MaxSize caps it small
	Bytes  // variable length, outrow unless MaxSize caps it small
)

// simpleFixedLen returns the fixed byte width of a simple type, or -1 if
// it is variable length (String, Bytes).
func simpleFixedLen(s Simple) int {
	switch s {
	case Bool, Byte:
		return 1
	case Short:
		return 2
	case Int, Float:
		return 4
	case Long, Double:
		return 8
	default:
		return -1
	}
}

// Type is a column type. Exactly one of the per-kind fields is meaningful,
// selected by Kind.
type Type struct {
	Kind Kind

	// KindSimple
	Simple   Simple
	Null     bool
	MaxSize  int // for String/Bytes; 0 means unbounded (outrow, length-prefixed)
	Inline   bool
	nobsLen  int // bytes used for the outrow length prefix, derived from MaxSize

	// KindReference
	RefdTable string

	// KindArrayOfSimple / KindArrayOfReference
	Elem     *Type // element type for array-of-simple
	ElemRefd string
	ArrMax   int // max number of elements; 0 means unbounded
}

// Codec is the per-type encode/decode/validate contract (spec.md §4.1,
// §9 "Polymorphism over column types").
type Codec interface {
	ByteLength() int // -1 if variable length
	Scheme() Scheme
	Nullable() bool
	MaxSize() int
	ElementType() *Type
	ToBytes(v interface{}) ([]byte, error)
	FromBytes(b []byte, off, n int) (interface{}, error)
	IsCompatible(v interface{}) bool
}

// NewSimple builds a simple column type. nullable marks whether the
// column stores NULLs via the FL information-byte bitmap (inrow fixed
// types) or, in the WR store, via a zero VL pointer (outrow variable
// types).
func NewSimple(s Simple, nullable bool, maxSize int) *Type {
	t := &Type{Kind: KindSimple, Simple: s, Null: nullable, MaxSize: maxSize}
	if t.Scheme() == Outrow {
		t.nobsLen = lenPrefixWidth(maxSize)
	}
	return t
}

// NewReference builds a reference column type targeting refdTable.
func NewReference(refdTable string) *Type {
	return &Type{Kind: KindReference, RefdTable: refdTable}
}

// NewArrayOfSimple builds an array-of-simple-type column, max elements
// arrMax (0 = unbounded up to bytesx width limits).
func NewArrayOfSimple(elem *Type, nullableElems bool, arrMax int) *Type {
	e := *elem
	e.Null = nullableElems
	return &Type{Kind: KindArrayOfSimple, Elem: &e, ArrMax: arrMax}
}

// NewArrayOfReference builds an array-of-reference column targeting
// refdTable, max elements arrMax.
func NewArrayOfReference(refdTable string, arrMax int) *Type {
	return &Type{Kind: KindArrayOfReference, ElemRefd: refdTable, ArrMax: arrMax}
}

// lenPrefixWidth picks the smallest integer width that can express
// maxSize (0 means "unbounded", which still needs a width to describe the
// largest value ACDP will ever write: 4 bytes, matching Java's
// Integer.MAX_VALUE convention referenced in spec.md §4.7).
func lenPrefixWidth(maxSize int) int {
	switch {
	case maxSize <= 0:
		return 4
	case maxSize <= 0xFF:
		return 1
	case maxSize <= 0xFFFF:
		return 2
	case maxSize <= 0xFFFFFF:
		return 3
	default:
		return 4
	}
}

func (t *Type) ByteLength() int {
	switch t.Kind {
	case KindSimple:
		return simpleFixedLen(t.Simple)
	case KindReference:
		return -1 // width supplied externally (nobsRowRef); see EncodeRef/DecodeRef
	case KindArrayOfSimple, KindArrayOfReference:
		return -1
	}
	return -1
}

func (t *Type) Scheme() Scheme {
	switch t.Kind {
	case KindSimple:
		if simpleFixedLen(t.Simple) >= 0 {
			return Inrow
		}
		if t.MaxSize > 0 && t.MaxSize <= 255 && t.Simple == Bytes {
			// small fixed-capacity byte blobs may still be stored
			// inrow at the embedder's discretion; ACDP always treats
			// variable-length simple types as outrow per spec.md §3.
		}
		return Outrow
	case KindReference:
		return Inrow
	case KindArrayOfSimple, KindArrayOfReference:
		return Outrow
	}
	return Inrow
}

func (t *Type) Nullable() bool {
	if t.Kind == KindSimple {
		return t.Null
	}
	return true // references: 0 = null-ref; arrays: elements carry their own nullability
}

func (t *Type) MaxSizeOf() int { return t.MaxSize }
func (t *Type) ElementType() *Type {
	if t.Kind == KindArrayOfSimple {
		return t.Elem
	}
	return nil
}

// LenPrefixWidth returns the byte width of the outrow length prefix for a
// simple-outrow type.
func (t *Type) LenPrefixWidth() int {
	if t.Kind != KindSimple || t.Scheme() != Outrow {
		return 0
	}
	return t.nobsLen
}

// ToBytes encodes v using this type's fixed-width or variable-width rule.
// Reference and array encoding additionally need nobsRowRef, supplied by
// the caller (the WR/RO store, which owns the table-wide width); this
// method handles only simple types directly. See coltype.EncodeRef and
// coltype.EncodeArray for the width-parametrized variants.
func (t *Type) ToBytes(v interface{}) ([]byte, error) {
	if t.Kind != KindSimple {
		return nil, acdperr.New(acdperr.ImplementationLimit, "ToBytes: use EncodeRef/EncodeArray for non-simple types")
	}
	if !t.IsCompatible(v) {
		return nil, acdperr.New(acdperr.IncompatibleValue, "value %v incompatible with type %v", v, t)
	}
	return encodeSimple(t.Simple, v)
}

func (t *Type) FromBytes(b []byte, off, n int) (interface{}, error) {
	if t.Kind != KindSimple {
		return nil, acdperr.New(acdperr.ImplementationLimit, "FromBytes: use DecodeRef/DecodeArray for non-simple types")
	}
	return decodeSimple(t.Simple, b[off:off+n])
}

func (t *Type) IsCompatible(v interface{}) bool {
	if v == nil {
		return t.Nullable()
	}
	switch t.Kind {
	case KindSimple:
		return simpleCompatible(t.Simple, v, t.MaxSize)
	case KindReference:
		_, ok := v.(Ref)
		return ok
	case KindArrayOfSimple, KindArrayOfReference:
		return arrayCompatible(t, v)
	}
	return false
}

func (t *Type) String() string {
	switch t.Kind {
	case KindSimple:
		return fmt.Sprintf("Simple(%d,null=%v,max=%d)", t.Simple, t.Null, t.MaxSize)
	case KindReference:
		return fmt.Sprintf("Reference(%s)", t.RefdTable)
	case KindArrayOfSimple:
		return fmt.Sprintf("ArrayOfSimple(%v,max=%d)", t.Elem, t.ArrMax)
	case KindArrayOfReference:
		return fmt.Sprintf("ArrayOfReference(%s,max=%d)", t.ElemRefd, t.ArrMax)
	}
	return "Type(?)"
}

func arrayCompatible(t *Type, v interface{}) bool {
	switch t.Kind {
	case KindArrayOfSimple:
		arr, ok := v.([]interface{})
		if !ok {
			return false
		}
		if t.ArrMax > 0 && len(arr) > t.ArrMax {
			return false
		}
		for _, e := range arr {
			if !t.Elem.IsCompatible(e) {
				return false
			}
		}
		return true
	case KindArrayOfReference:
		arr, ok := v.([]Ref)
		if !ok {
			return false
		}
		if t.ArrMax > 0 && len(arr) > t.ArrMax {
			return false
		}
		return true
	}
	return false
}
