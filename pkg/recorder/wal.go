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

// Package recorder implements the ACDP recorder file and Unit
// (spec.md §4.5): an append-only before-image write-ahead log, a
// nestable unit stack, and commit/rollback/recovery.
package recorder

import (
	"bytes"
	"encoding/binary"

	"github.com/acdp-project/acdp/pkg/acdperr"
)

// EndMarker is the constant 8-byte sequence terminating the recorder
// file and every entry within it (spec.md §6).
var EndMarker = [8]byte{0x8F, 0x38, 0x05, 0xF4, 0x5D, 0x7C, 0xA7, 0xFB}

// entry is the parsed form of one recorder-file record:
//
//	utf8(path) '\t' u64(pos) before-image-bytes u64(back-pointer) end-marker
type entry struct {
	path      string
	pos       int64
	before    []byte
	start     int64 // entry_start: the back-pointer value
	afterSize int64 // total byte length of the encoded entry
}

func encodeEntry(path string, pos int64, before []byte, entryStart int64) []byte {
	var buf bytes.Buffer
	buf.WriteString(path)
	buf.WriteByte('\t')
	var posBuf [8]byte
	binary.BigEndian.PutUint64(posBuf[:], uint64(pos))
	buf.Write(posBuf[:])
	buf.Write(before)
	var backBuf [8]byte
	binary.BigEndian.PutUint64(backBuf[:], uint64(entryStart))
	buf.Write(backBuf[:])
	buf.Write(EndMarker[:])
	return buf.Bytes()
}

// decodeEntryAt parses the entry ending at file offset end (the offset of
// the byte right after its trailing end-marker), using the 16 bytes
// immediately preceding end to recover entry_start, then re-reading the
// span [entry_start, end) to split out path/pos/before-image.
//
// read(off, n) must return exactly n bytes or an error.
func decodeEntryAt(end int64, read func(off int64, n int) ([]byte, error)) (*entry, error) {
	if end < 16 {
		return nil, acdperr.New(acdperr.CreationFailure, "recorder: corrupted entry boundary at %d", end)
	}
	tail, err := read(end-16, 16)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(tail[8:16], EndMarker[:]) {
		return nil, acdperr.New(acdperr.CreationFailure, "recorder: missing end-marker before offset %d", end)
	}
	entryStart := int64(binary.BigEndian.Uint64(tail[0:8]))
	if entryStart < 0 || entryStart >= end-16 {
		return nil, acdperr.New(acdperr.CreationFailure, "recorder: invalid back-pointer %d at offset %d", entryStart, end)
	}
	span, err := read(entryStart, int(end-16-entryStart))
	if err != nil {
		return nil, err
	}
	tabIdx := bytes.IndexByte(span, '\t')
	if tabIdx < 0 || len(span) < tabIdx+1+8 {
		return nil, acdperr.New(acdperr.CreationFailure, "recorder: malformed entry header at offset %d", entryStart)
	}
	path := string(span[:tabIdx])
	pos := int64(binary.BigEndian.Uint64(span[tabIdx+1 : tabIdx+9]))
	before := span[tabIdx+9:]
	beforeCopy := make([]byte, len(before))
	copy(beforeCopy, before)
	return &entry{
		path:      path,
		pos:       pos,
		before:    beforeCopy,
		start:     entryStart,
		afterSize: end - entryStart,
	}, nil
}
