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

// Package convert streams a WR database into the RO packed file format
// (spec.md §4.9), table by table, reusing pkg/store/ro's row codec so
// the writer and reader never drift. It is grounded on perkeep's
// pkg/blobserver/diskpacked reindex-by-rewrite shape: both rebuild an
// on-disk structure by reading every live record once, in order, and
// writing a fresh packed form.
package convert

import (
	"bytes"
	"compress/gzip"
	"crypto/cipher"
	"os"

	kgzip "github.com/klauspost/compress/gzip"

	"github.com/acdp-project/acdp/pkg/acdpcrypto"
	"github.com/acdp-project/acdp/pkg/acdperr"
	"github.com/acdp-project/acdp/pkg/bytesx"
	"github.com/acdp-project/acdp/pkg/fileio"
	"github.com/acdp-project/acdp/pkg/store/ro"
	"github.com/acdp-project/acdp/pkg/store/wr"
)

// Source is one table to carry across into the RO file. NobsRowPtr is
// the byte width of the row-pointer/block-start offset table written
// for this table; it is independent of the table's own NobsRowRef
// (the Reference-column slot width, carried over unchanged from Store).
type Source struct {
	Store      *wr.Store
	NobsRowPtr int
}

// TableLayout is what the caller (pkg/acdpdb) needs back per table to
// splice into the RO database layout it writes alongside the packed
// file, and to reopen the table later via ro.Open.
type TableLayout struct {
	Name string
	Meta ro.Meta
}

// Result is everything Convert produced: the per-table layout
// fragments, and whether RO encryption was actually applied (so the
// caller knows whether to add a fresh RO cipher challenge to the
// database layout, per spec.md §4.9 "new RO-cipher challenge computed
// if RO side encrypts").
type Result struct {
	Tables    []TableLayout
	Encrypted bool
}

// Convert streams every source table's live rows into outPath as RO
// block layout, then appends dbLayout (already-serialized, spec.md §6
// "gzipped database layout") and writes the 8-byte layout-offset prefix
// (spec.md §4.9 "Write 8-byte layout-offset prefix to final file").
// factory may be nil (no RO encryption).
func Convert(outPath string, sources []Source, dbLayout []byte, factory acdpcrypto.CipherFactory) (*Result, error) {
	h, err := fileio.Open(outPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	if err := h.WriteAt(make([]byte, 8), 0); err != nil {
		return nil, err
	}

	var encBlock cipher.Block
	if factory != nil {
		bc, err := factory.CreateROCipher()
		if err != nil {
			return nil, acdperr.Wrap(acdperr.CryptoFailure, err, "create RO encrypt cipher")
		}
		if err := factory.InitROCipher(bc, true); err != nil {
			return nil, acdperr.Wrap(acdperr.CryptoFailure, err, "init RO encrypt cipher")
		}
		encBlock = bc
	}

	cursor := int64(8)
	result := &Result{Encrypted: encBlock != nil}

	for _, src := range sources {
		meta, next, err := convertTable(h, cursor, src, encBlock)
		if err != nil {
			return nil, err
		}
		result.Tables = append(result.Tables, TableLayout{Name: src.Store.Table().Name, Meta: meta})
		cursor = next
	}

	layoutStart := cursor
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(dbLayout); err != nil {
		return nil, acdperr.Wrap(acdperr.IOFailure, err, "gzip database layout")
	}
	if err := w.Close(); err != nil {
		return nil, acdperr.Wrap(acdperr.IOFailure, err, "gzip database layout")
	}
	if err := h.WriteAt(gz.Bytes(), layoutStart); err != nil {
		return nil, err
	}

	// Fill in RowPtrSegmentEnd now that every table's successor offset
	// (or, for the last table, the layout's start offset) is known.
	for i := range result.Tables {
		if i+1 < len(result.Tables) {
			result.Tables[i].Meta.RowPtrSegmentEnd = result.Tables[i+1].Meta.StartData
		} else {
			result.Tables[i].Meta.RowPtrSegmentEnd = layoutStart
		}
	}

	prefix := make([]byte, 8)
	bytesx.PutUint(prefix, uint64(layoutStart))
	if err := h.WriteAt(prefix, 0); err != nil {
		return nil, err
	}
	return result, nil
}

// convertTable streams one table's live rows into blocks of at most
// ro.RegularBlockSize unpacked bytes (a single row larger than that
// forms a block of its own; rows are never split), gzip-compressing (and optionally
// encrypting) each as it fills, then writes the table's row-pointer and
// block-size segment immediately after its packed data. It returns the
// table's Meta (RowPtrSegmentEnd left zero; the caller fills it in once
// the next table's start, or the database layout's start, is known) and
// the file cursor positioned just past the segment.
func convertTable(h *fileio.Handle, cursor int64, src Source, encBlock cipher.Block) (ro.Meta, int64, error) {
	store := src.Store
	startData := cursor

	var rowPtrs []uint64
	var blockStarts []uint64
	var blockSizes []uint32
	var pending bytes.Buffer
	var pendingStart uint64
	var unpackedPos uint64
	nofRows := uint64(0)

	flush := func() error {
		if pending.Len() == 0 {
			return nil
		}
		var gz bytes.Buffer
		w := kgzip.NewWriter(&gz)
		if _, err := w.Write(pending.Bytes()); err != nil {
			return acdperr.Wrap(acdperr.IOFailure, err, "table %s: gzip block", store.Table().Name)
		}
		if err := w.Close(); err != nil {
			return acdperr.Wrap(acdperr.IOFailure, err, "table %s: gzip block", store.Table().Name)
		}
		packed := gz.Bytes()
		if encBlock != nil {
			packed = encryptBlock(encBlock, len(blockSizes), packed)
		}
		if err := h.WriteAt(packed, cursor); err != nil {
			return err
		}
		cursor += int64(len(packed))
		blockStarts = append(blockStarts, pendingStart)
		blockSizes = append(blockSizes, uint32(len(packed)))
		pending.Reset()
		return nil
	}

	roTable := &ro.Table{Name: store.Table().Name, Columns: store.Table().Columns, NobsRowRef: store.Table().NobsRowRef}

	for row := uint64(1); row <= store.NofRows(); row++ {
		live, err := store.IsLive(row)
		if err != nil {
			return ro.Meta{}, 0, err
		}
		if !live {
			continue
		}
		values, err := store.Get(row)
		if err != nil {
			return ro.Meta{}, 0, err
		}
		raw, err := ro.EncodeRow(roTable, values)
		if err != nil {
			return ro.Meta{}, 0, err
		}

		if pending.Len() > 0 && pending.Len()+len(raw) > ro.RegularBlockSize {
			if err := flush(); err != nil {
				return ro.Meta{}, 0, err
			}
		}
		if pending.Len() == 0 {
			pendingStart = unpackedPos
		}
		rowPtrs = append(rowPtrs, unpackedPos)
		pending.Write(raw)
		unpackedPos += uint64(len(raw))
		nofRows++
	}
	rowPtrs = append(rowPtrs, unpackedPos)
	if err := flush(); err != nil {
		return ro.Meta{}, 0, err
	}

	dataLength := cursor - startData
	startRowPtrs := cursor

	segment := make([]byte, 0, (len(rowPtrs)+len(blockStarts))*src.NobsRowPtr+len(blockSizes)*ro.BlockSizeWidth)
	for _, p := range rowPtrs {
		b := make([]byte, src.NobsRowPtr)
		bytesx.PutUint(b, p)
		segment = append(segment, b...)
	}
	for _, p := range blockStarts {
		b := make([]byte, src.NobsRowPtr)
		bytesx.PutUint(b, p)
		segment = append(segment, b...)
	}
	for _, sz := range blockSizes {
		b := make([]byte, ro.BlockSizeWidth)
		bytesx.PutUint(b, uint64(sz))
		segment = append(segment, b...)
	}

	var gzSeg bytes.Buffer
	w := gzip.NewWriter(&gzSeg)
	if _, err := w.Write(segment); err != nil {
		return ro.Meta{}, 0, acdperr.Wrap(acdperr.IOFailure, err, "table %s: gzip row-pointer segment", store.Table().Name)
	}
	if err := w.Close(); err != nil {
		return ro.Meta{}, 0, acdperr.Wrap(acdperr.IOFailure, err, "table %s: gzip row-pointer segment", store.Table().Name)
	}
	if err := h.WriteAt(gzSeg.Bytes(), startRowPtrs); err != nil {
		return ro.Meta{}, 0, err
	}
	cursor = startRowPtrs + int64(gzSeg.Len())

	meta := ro.Meta{
		NofRows:      nofRows,
		StartData:    startData,
		DataLength:   dataLength,
		StartRowPtrs: startRowPtrs,
		NobsRowPtr:   src.NobsRowPtr,
		NofBlocks:    len(blockSizes),
	}
	return meta, cursor, nil
}

// encryptBlock XORs packed with a CTR stream keyed by blockIdx, the
// inverse of pkg/store/ro's unpacker.decrypt.
func encryptBlock(bc cipher.Block, blockIdx int, packed []byte) []byte {
	iv := make([]byte, bc.BlockSize())
	if len(iv) >= 8 {
		bytesx.PutUint(iv[len(iv)-8:], uint64(blockIdx))
	}
	out := make([]byte, len(packed))
	cipher.NewCTR(bc, iv).XORKeyStream(out, packed)
	return out
}
