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
	"strconv"
	"strings"

	"github.com/acdp-project/acdp/pkg/acdperr"
)

// ParseTypeDesc parses a column-sublayout's typeDesc string (spec.md §6)
// into a Type. refdTable is the column's own "refdTable" layout key,
// required iff desc names a reference or array-of-reference type.
//
// Grammar: "reference" | "arrayref[:max]" | "array<elem[?]>[:max]" | simple
// simple := name["?"][":max]", name one of bool/byte/short/int/long/
// float/double/string/bytes. "?" marks a simple column nullable; ":max"
// caps String/Bytes length or an array's element count.
func ParseTypeDesc(desc, refdTable string) (*Type, error) {
	desc = strings.TrimSpace(desc)
	switch {
	case desc == "reference":
		if refdTable == "" {
			return nil, acdperr.New(acdperr.MissingLayoutEntry, "typeDesc %q requires refdTable", desc)
		}
		return NewReference(refdTable), nil

	case strings.HasPrefix(desc, "arrayref"):
		if refdTable == "" {
			return nil, acdperr.New(acdperr.MissingLayoutEntry, "typeDesc %q requires refdTable", desc)
		}
		max, err := parseMaxSuffix(strings.TrimPrefix(desc, "arrayref"))
		if err != nil {
			return nil, err
		}
		return NewArrayOfReference(refdTable, max), nil

	case strings.HasPrefix(desc, "array<"):
		end := strings.LastIndex(desc, ">")
		if end < 0 {
			return nil, acdperr.New(acdperr.MissingLayoutEntry, "typeDesc %q: unterminated array<...>", desc)
		}
		inner := desc[len("array<"):end]
		max, err := parseMaxSuffix(desc[end+1:])
		if err != nil {
			return nil, err
		}
		elemNullable := strings.HasSuffix(inner, "?")
		elem, err := parseSimple(strings.TrimSuffix(inner, "?"))
		if err != nil {
			return nil, err
		}
		return NewArrayOfSimple(elem, elemNullable, max), nil

	default:
		return parseSimple(desc)
	}
}

func parseSimple(desc string) (*Type, error) {
	nullable := strings.HasSuffix(desc, "?")
	desc = strings.TrimSuffix(desc, "?")
	name := desc
	maxSize := 0
	if i := strings.IndexByte(desc, ':'); i >= 0 {
		name = desc[:i]
		n, err := parseMaxSuffix(desc[i:])
		if err != nil {
			return nil, err
		}
		maxSize = n
	}
	if strings.HasSuffix(name, "?") {
		nullable = true
		name = strings.TrimSuffix(name, "?")
	}
	s, ok := simpleByName[name]
	if !ok {
		return nil, acdperr.New(acdperr.MissingLayoutEntry, "unknown typeDesc %q", name)
	}
	return NewSimple(s, nullable, maxSize), nil
}

// parseMaxSuffix parses an optional ":N" suffix, returning 0 (unbounded)
// if suffix is empty.
func parseMaxSuffix(suffix string) (int, error) {
	if suffix == "" {
		return 0, nil
	}
	if !strings.HasPrefix(suffix, ":") {
		return 0, acdperr.New(acdperr.MissingLayoutEntry, "malformed max-size suffix %q", suffix)
	}
	n, err := strconv.Atoi(suffix[1:])
	if err != nil {
		return 0, acdperr.Wrap(acdperr.MissingLayoutEntry, err, "malformed max-size suffix %q", suffix)
	}
	return n, nil
}

var simpleByName = map[string]Simple{
	"bool":   Bool,
	"byte":   Byte,
	"short":  Short,
	"int":    Int,
	"long":   Long,
	"float":  Float,
	"double": Double,
	"string": String,
	"bytes":  Bytes,
}

// TypeDesc renders t back into layout typeDesc syntax, the inverse of
// ParseTypeDesc (used when a database rewrites its own layout file).
func (t *Type) TypeDesc() string {
	switch t.Kind {
	case KindReference:
		return "reference"
	case KindArrayOfReference:
		return withMax("arrayref", t.ArrMax)
	case KindArrayOfSimple:
		elem := simpleDesc(t.Elem)
		return withMax("array<"+elem+">", t.ArrMax)
	default:
		return simpleDesc(t)
	}
}

func simpleDesc(t *Type) string {
	name := nameBySimple[t.Simple]
	if t.Null {
		name += "?"
	}
	return withMax(name, t.MaxSize)
}

func withMax(base string, max int) string {
	if max <= 0 {
		return base
	}
	return base + ":" + strconv.Itoa(max)
}

var nameBySimple = map[Simple]string{
	Bool:   "bool",
	Byte:   "byte",
	Short:  "short",
	Int:    "int",
	Long:   "long",
	Float:  "float",
	Double: "double",
	String: "string",
	Bytes:  "bytes",
}
