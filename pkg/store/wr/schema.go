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

// Package wr implements the ACDP WR (writable) store (spec.md §4.7):
// the FL fixed-length row file, the VL variable-length heap, and the
// insert/delete write operations (there is no in-place update
// operation; a row is changed only by deleting and inserting), grounded on the
// sequential block layout and reindex-on-corruption shape of
// perkeep.org/pkg/blobserver/diskpacked.
package wr

import "github.com/acdp-project/acdp/pkg/coltype"

// Column is one column of a table definition: a name and a type.
type Column struct {
	Name string
	Type *coltype.Type
}

// Table is the ordered column list a Store encodes rows against.
type Table struct {
	Name    string
	Columns []Column
	// Referenced marks whether any column in the database (in this or
	// another table) declares a reference targeting this table; when
	// true, every FL block carries a reference counter of NobsRefCount
	// bytes (spec.md §3).
	Referenced bool

	NobsRowRef    int // width of reference slots (inrow Reference columns, array-of-reference elements)
	NobsOutrowPtr int // width of VL pointers
	NobsRefCount  int // width of the per-row reference counter, meaningful iff Referenced
}

func (t *Table) nullableInrowCount() int {
	n := 0
	for _, c := range t.Columns {
		if c.Type.Kind == coltype.KindSimple && c.Type.Scheme() == coltype.Inrow && c.Type.Nullable() {
			n++
		}
	}
	return n
}
