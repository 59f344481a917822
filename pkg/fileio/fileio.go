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

// Package fileio is the ACDP file I/O facade (spec.md §4.2): a
// path-tagged file handle, a pooling provider honoring the three open-mode
// lifetime policies, and an overlap-aware same-file copy helper.
package fileio

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/acdp-project/acdp/pkg/acdperr"
)

// Mode selects how aggressively the Provider keeps handles open, per
// spec.md §6 "Operating-mode codes":
//
//	> 0  -> keep open Mode ms (floored to 10) after last use
//	  0  -> close immediately after use
//	 -1  -> keep open for the database's lifetime
type Mode int

const MinDelay = 10 * time.Millisecond

// Handle is a path-tagged, ACDP-error-translating wrapper around *os.File.
type Handle struct {
	path string
	f    *os.File
}

// Open opens path with the given flags/permissions.
func Open(path string, flag int, perm os.FileMode) (*Handle, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, acdperr.IOErr(path, false, err)
	}
	return &Handle{path: path, f: f}, nil
}

func (h *Handle) Path() string { return h.path }

func (h *Handle) Size() (int64, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return 0, acdperr.IOErr(h.path, false, err)
	}
	return fi.Size(), nil
}

// ReadAt reads len(buf) bytes at pos, translating a short read into an
// IOFailure with EOF set, as spec.md §4.2 requires.
func (h *Handle) ReadAt(buf []byte, pos int64) error {
	n, err := h.f.ReadAt(buf, pos)
	if err != nil && err != io.EOF {
		return acdperr.IOErr(h.path, false, err)
	}
	if n < len(buf) {
		return acdperr.IOErr(h.path, true, io.ErrUnexpectedEOF)
	}
	return nil
}

func (h *Handle) WriteAt(buf []byte, pos int64) error {
	if _, err := h.f.WriteAt(buf, pos); err != nil {
		return acdperr.IOErr(h.path, false, err)
	}
	return nil
}

func (h *Handle) Truncate(size int64) error {
	if err := h.f.Truncate(size); err != nil {
		return acdperr.IOErr(h.path, false, err)
	}
	return nil
}

// Force flushes data (and, if metadata is true, metadata) to stable
// storage, mirroring spec.md §4.2's `force(metadata_bool)`.
func (h *Handle) Force(metadata bool) error {
	if err := h.f.Sync(); err != nil {
		return acdperr.IOErr(h.path, false, err)
	}
	return nil
}

func (h *Handle) Close() error {
	if err := h.f.Close(); err != nil {
		return acdperr.IOErr(h.path, false, err)
	}
	return nil
}

// TryLock attempts an advisory lock on [start, start+length) of the file,
// shared if shared is true, exclusive otherwise. See lock_unix.go/
// lock_windows.go.
func (h *Handle) TryLock(start, length int64, shared bool) error {
	return tryLock(h.f, start, length, shared)
}

// CopyBlock copies length bytes from offset src to offset dst within the
// same file, correctly handling forward overlap by copying right-to-left
// (spec.md §4.2).
func CopyBlock(h *Handle, src int64, length int64, dst int64, buf []byte) error {
	if length == 0 {
		return nil
	}
	if len(buf) == 0 {
		buf = make([]byte, 64*1024)
	}
	if dst <= src || dst >= src+length {
		// No forward overlap (or copying backwards/disjoint): left-to-right is safe.
		return copyLTR(h, src, dst, length, buf)
	}
	return copyRTL(h, src, dst, length, buf)
}

func copyLTR(h *Handle, src, dst, length int64, buf []byte) error {
	var done int64
	for done < length {
		chunk := int64(len(buf))
		if remain := length - done; chunk > remain {
			chunk = remain
		}
		b := buf[:chunk]
		if err := h.ReadAt(b, src+done); err != nil {
			return err
		}
		if err := h.WriteAt(b, dst+done); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

func copyRTL(h *Handle, src, dst, length int64, buf []byte) error {
	var remaining = length
	for remaining > 0 {
		chunk := int64(len(buf))
		if chunk > remaining {
			chunk = remaining
		}
		remaining -= chunk
		b := buf[:chunk]
		if err := h.ReadAt(b, src+remaining); err != nil {
			return err
		}
		if err := h.WriteAt(b, dst+remaining); err != nil {
			return err
		}
	}
	return nil
}

// entry is a pooled handle plus its idle-close bookkeeping.
type entry struct {
	h       *Handle
	timer   *time.Timer
	closing bool
}

// Provider pools open file handles per path for a single database,
// applying one of the three lifetime policies selected by Mode
// (spec.md §4.2 "a file channel provider pools open handles... handles
// may be immediately closed after idle, closed after a configurable
// delay, or kept open for the lifetime of the database").
type Provider struct {
	mode Mode
	flag int
	perm os.FileMode

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewProvider creates a Provider that opens files with flag/perm and
// applies the given lifetime Mode. Mode -2/-3 (RO memory modes) are
// handled by the RO reader directly and never reach this type.
func NewProvider(mode Mode, flag int, perm os.FileMode) *Provider {
	if mode > 0 && mode < Mode(MinDelay/time.Millisecond) {
		mode = Mode(MinDelay / time.Millisecond)
	}
	return &Provider{mode: mode, flag: flag, perm: perm, entries: make(map[string]*entry)}
}

// Acquire returns the handle for path, opening it if necessary.
func (p *Provider) Acquire(path string) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, acdperr.New(acdperr.Shutdown, "file provider closed")
	}
	if e, ok := p.entries[path]; ok {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		return e.h, nil
	}
	h, err := Open(path, p.flag, p.perm)
	if err != nil {
		return nil, err
	}
	p.entries[path] = &entry{h: h}
	return h, nil
}

// Release signals the provider that the caller is done with path for
// now; the provider applies its Mode policy (close now, schedule a
// delayed close, or keep it open indefinitely).
func (p *Provider) Release(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[path]
	if !ok || p.closed {
		return
	}
	switch {
	case p.mode == 0:
		delete(p.entries, path)
		e.h.Close()
	case p.mode > 0:
		delay := time.Duration(p.mode) * time.Millisecond
		e.timer = time.AfterFunc(delay, func() { p.closeIfIdle(path) })
	default: // -1: keep open for db lifetime
	}
}

func (p *Provider) closeIfIdle(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[path]
	if !ok {
		return
	}
	delete(p.entries, path)
	e.h.Close()
}

// CloseAll closes every pooled handle; used on database shutdown.
func (p *Provider) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	for path, e := range p.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if err := e.h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.entries, path)
	}
	return firstErr
}
