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

package ro

import (
	"bytes"
	"compress/gzip"
	"io"
	"sort"

	"github.com/acdp-project/acdp/pkg/acdpcrypto"
	"github.com/acdp-project/acdp/pkg/acdperr"
	"github.com/acdp-project/acdp/pkg/bytesx"
	"github.com/acdp-project/acdp/pkg/fileio"
)

// Meta is one table's RO store sublayout (spec.md §6): "nofRows",
// "startData", "dataLength", "startRowPtrs", "nobsRowPtr", "nofBlocks".
// RowPtrSegmentEnd is not a layout key — the layout names no explicit
// length for the gzipped row-pointer blob, so the caller (pkg/acdpdb,
// which knows table declaration order) supplies the next table's
// startData, or the database's trailing layout offset for the last
// table, as the exclusive end of this table's segment.
type Meta struct {
	NofRows          uint64
	StartData        int64
	DataLength       int64
	StartRowPtrs     int64
	RowPtrSegmentEnd int64
	NobsRowPtr       int
	NofBlocks        int
}

// Store is a read-only, packed table reader (spec.md §4.8). Every
// mutating entry point returns UnsupportedOperation.
type Store struct {
	table *Table
	meta  Meta
	mode  Mode

	rowPtrs     []uint64
	blockStarts []uint64 // absolute unpacked offset where each block begins
	blockSizes  []uint32
	unp         *unpacker
	unpacked    []byte // populated only in MemoryUnpacked mode
}

// Open builds a Store over table's region of an already-open RO database
// file, per Meta and mode. cipherPool may be nil (no RO encryption).
// useStdlibGzip forces the compress/gzip fallback decompressor instead of
// the faster klauspost/compress path; production callers pass false.
func Open(h *fileio.Handle, table *Table, meta Meta, mode Mode, cipherPool *acdpcrypto.Provider, useStdlibGzip bool) (*Store, error) {
	s := &Store{table: table, meta: meta, mode: mode}
	if err := s.loadRowPtrs(h); err != nil {
		return nil, err
	}
	s.unp = newUnpacker(h, meta.StartData, s.blockSizes, cipherPool, useStdlibGzip)

	switch mode {
	case MemoryPacked:
		if err := s.unp.loadPacked(meta.DataLength); err != nil {
			return nil, err
		}
	case MemoryUnpacked:
		var all []byte
		for i := range s.blockSizes {
			b, err := s.unp.block(i, true)
			if err != nil {
				return nil, err
			}
			all = append(all, b...)
		}
		s.unpacked = all
	}
	return s, nil
}

// loadRowPtrs reads and gunzips the table's row-pointer + block-size
// segment (spec.md §4.9 "gzipped(row-pointers||block-sizes)"), always via
// the stdlib compress/gzip reader: this segment is small header data read
// exactly once at Open, not the hot per-block decode path klauspost
// speeds up.
func (s *Store) loadRowPtrs(h *fileio.Handle) error {
	raw := make([]byte, s.meta.RowPtrSegmentEnd-s.meta.StartRowPtrs)
	if err := h.ReadAt(raw, s.meta.StartRowPtrs); err != nil {
		return err
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return acdperr.Wrap(acdperr.ConsistencyMismatch, err, "table %s: corrupt row-pointer segment", s.table.Name)
	}
	defer r.Close()
	buf, err := io.ReadAll(r)
	if err != nil {
		return acdperr.Wrap(acdperr.ConsistencyMismatch, err, "table %s: corrupt row-pointer segment", s.table.Name)
	}

	nPtrs := int(s.meta.NofRows) + 1
	ptrBytes := nPtrs * s.meta.NobsRowPtr
	startsBytes := s.meta.NofBlocks * s.meta.NobsRowPtr
	if len(buf) < ptrBytes+startsBytes+s.meta.NofBlocks*BlockSizeWidth {
		return acdperr.New(acdperr.ConsistencyMismatch, "table %s: row-pointer segment truncated", s.table.Name)
	}
	s.rowPtrs = make([]uint64, nPtrs)
	for i := 0; i < nPtrs; i++ {
		off := i * s.meta.NobsRowPtr
		s.rowPtrs[i] = bytesx.Uint(buf[off : off+s.meta.NobsRowPtr])
	}
	off := ptrBytes
	s.blockStarts = make([]uint64, s.meta.NofBlocks)
	for i := 0; i < s.meta.NofBlocks; i++ {
		s.blockStarts[i] = bytesx.Uint(buf[off : off+s.meta.NobsRowPtr])
		off += s.meta.NobsRowPtr
	}
	s.blockSizes = make([]uint32, s.meta.NofBlocks)
	for i := 0; i < s.meta.NofBlocks; i++ {
		s.blockSizes[i] = uint32(bytesx.Uint(buf[off : off+BlockSizeWidth]))
		off += BlockSizeWidth
	}
	return nil
}

// blockIndexFor returns the index of the block whose unpacked range
// contains pos. Blocks are not all exactly RegularBlockSize: a row is
// never split across a block boundary, so a block's unpacked length is
// whatever had accumulated when the next row would have overshot the
// budget. blockStarts (recorded at conversion time, see pkg/convert)
// is searched rather than computed by division.
func (s *Store) blockIndexFor(pos uint64) int {
	return sort.Search(len(s.blockStarts), func(i int) bool {
		return s.blockStarts[i] > pos
	}) - 1
}

func (s *Store) checkRow(row uint64) error {
	if row < 1 || row > s.meta.NofRows {
		return acdperr.IllegalRef(false, "row %d out of range [1,%d]", row, s.meta.NofRows)
	}
	return nil
}

// rowSpan returns the row's byte range in the table's unpacked stream.
func (s *Store) rowSpan(row uint64) (start, end uint64) {
	idx := row - 1
	return s.rowPtrs[idx], s.rowPtrs[idx+1]
}

// rawRow returns row's still-decoded (but not yet split-into-columns)
// bytes. lookAhead is forwarded to the unpacker: true for iteration,
// false for a direct Get.
func (s *Store) rawRow(row uint64, lookAhead bool) ([]byte, error) {
	if s.unpacked != nil {
		start, end := s.rowSpan(row)
		return s.unpacked[start:end], nil
	}
	start, end := s.rowSpan(row)
	blockIdx := s.blockIndexFor(start)
	block, err := s.unp.block(blockIdx, lookAhead)
	if err != nil {
		return nil, err
	}
	blockStart := s.blockStarts[blockIdx]
	return block[start-blockStart : end-blockStart], nil
}

// Get decodes and returns row (1-based). It is a random point read: no
// look-ahead block is scheduled.
func (s *Store) Get(row uint64) ([]interface{}, error) {
	if err := s.checkRow(row); err != nil {
		return nil, err
	}
	raw, err := s.rawRow(row, false)
	if err != nil {
		return nil, err
	}
	return DecodeRow(s.table, raw)
}

// NofRows returns the table's row count.
func (s *Store) NofRows() uint64 { return s.meta.NofRows }

// Iterator walks every row in order with look-ahead block decoding
// enabled, matching spec.md §4.8's per-call iteration budget.
type Iterator struct {
	s   *Store
	row uint64
}

// Iterate returns a fresh Iterator positioned before row 1.
func (s *Store) Iterate() *Iterator { return &Iterator{s: s} }

// Next advances to the next row, reporting whether one exists.
func (it *Iterator) Next() bool {
	it.row++
	return it.row <= it.s.meta.NofRows
}

// Row returns the current 1-based row index.
func (it *Iterator) Row() uint64 { return it.row }

// Value decodes the current row.
func (it *Iterator) Value() ([]interface{}, error) {
	raw, err := it.s.rawRow(it.row, true)
	if err != nil {
		return nil, err
	}
	return DecodeRow(it.s.table, raw)
}

func unsupported(table, op string) error {
	return acdperr.New(acdperr.UnsupportedOperation, "RO table %s does not support %s", table, op)
}

// Insert always fails: an RO store is strictly read-only (spec.md §4.8).
func (s *Store) Insert([]interface{}) (interface{}, error) { return nil, unsupported(s.table.Name, "Insert") }

// Delete always fails: an RO store is strictly read-only.
func (s *Store) Delete(uint64) error { return unsupported(s.table.Name, "Delete") }

// Update always fails: an RO store is strictly read-only.
func (s *Store) Update(uint64, []interface{}) error { return unsupported(s.table.Name, "Update") }
