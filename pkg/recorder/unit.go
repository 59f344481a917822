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

package recorder

import (
	"os"
	"sync"

	"github.com/acdp-project/acdp/pkg/acdperr"
	"github.com/acdp-project/acdp/pkg/fileio"
	"github.com/acdp-project/acdp/pkg/fspace"
)

// TargetFile is the narrow file contract the recorder needs to record
// before-images into and undo them from; *fileio.Handle satisfies it.
type TargetFile interface {
	Path() string
	ReadAt(buf []byte, pos int64) error
	WriteAt(buf []byte, pos int64) error
	Truncate(size int64) error
	Force(metadata bool) error
}

// Resolver maps a path recorded in the WAL back to an open TargetFile,
// used during rollback/recovery when the recorder only has a path string
// on disk.
type Resolver func(path string) (TargetFile, error)

// Recorder owns one recorder file for a WR database: the WAL handle, the
// nested-unit back_pos stack, the force-write-on-commit policy and the
// force-list of files touched since the last commit.
type Recorder struct {
	mu   sync.Mutex
	file *fileio.Handle
	// cursor is the current logical end of the WAL: end of the last
	// complete entry (including that entry's own end-marker), i.e. the
	// offset the next entry's bytes will be appended at.
	cursor int64

	forceWriteCommit bool
	resolve          Resolver
	tracker          *fspace.Tracker

	owner        interface{}
	backPosStack []int64
	forceList    map[string]TargetFile

	broken error
}

// Open opens or creates the recorder file at path. If the file already
// holds entries beyond the bare end-marker, the caller must invoke
// Recover before issuing units (spec.md §4.5 "Recovery at open").
func Open(path string, forceWriteCommit bool, resolve Resolver, tracker *fspace.Tracker) (*Recorder, error) {
	h, err := fileio.Open(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	size, err := h.Size()
	if err != nil {
		return nil, err
	}
	r := &Recorder{file: h, forceWriteCommit: forceWriteCommit, resolve: resolve, tracker: tracker}
	if size < 8 {
		if err := r.writeBareEndMarker(); err != nil {
			return nil, err
		}
		size = 8
	} else {
		tail := make([]byte, 8)
		if err := h.ReadAt(tail, size-8); err != nil {
			return nil, acdperr.New(acdperr.CreationFailure, "recorder: file %s too short or unreadable: %v", path, err)
		}
		for i, b := range tail {
			if b != EndMarker[i] {
				return nil, acdperr.New(acdperr.CreationFailure, "recorder: %s missing trailing end-marker, corrupted", path)
			}
		}
	}
	r.cursor = size
	return r, nil
}

func (r *Recorder) writeBareEndMarker() error {
	if err := r.file.Truncate(0); err != nil {
		return err
	}
	return r.file.WriteAt(EndMarker[:], 0)
}

// NeedsRecovery reports whether the recorder file holds an incomplete
// unit's entries beyond the bare 8-byte end-marker.
func (r *Recorder) NeedsRecovery() bool { return r.cursor > 8 }

// Close closes the underlying WAL file.
func (r *Recorder) Close() error { return r.file.Close() }

// OpenUnit issues the top-level unit for owner (spec.md §4.5 "open(thread_id)").
func (r *Recorder) OpenUnit(owner interface{}) (*Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken != nil {
		return nil, acdperr.Wrap(acdperr.UnitBroken, r.broken, "recorder is broken")
	}
	if r.owner != nil {
		return nil, acdperr.New(acdperr.CreationFailure, "a unit is already open")
	}
	r.owner = owner
	r.backPosStack = []int64{r.cursor}
	r.forceList = make(map[string]TargetFile)
	return &Unit{r: r, owner: owner, depth: 0}, nil
}

// Recover runs rollback as if inside a synthetic top-level unit, per
// spec.md §4.5 "Recovery at open".
func (r *Recorder) Recover() error {
	r.mu.Lock()
	owner := new(int)
	r.owner = owner
	r.backPosStack = []int64{8}
	r.forceList = make(map[string]TargetFile)
	r.mu.Unlock()
	u := &Unit{r: r, owner: owner, depth: 0}
	return u.Rollback()
}

// Unit is a nestable write unit (spec.md §4.5). The zero value is not
// usable; obtain one from Recorder.OpenUnit or Unit.Nest.
type Unit struct {
	r     *Recorder
	owner interface{}
	depth int
}

func (u *Unit) checkOwner(caller interface{}) error {
	if caller != u.owner {
		return acdperr.New(acdperr.CreationFailure, "unit operation invoked from a different owner than opened it")
	}
	return nil
}

// Broken returns the recorder's sticky failure, if any (spec.md §4.5
// "a broken unit still... re-throw the saved cause").
func (u *Unit) Broken() error {
	u.r.mu.Lock()
	defer u.r.mu.Unlock()
	return u.r.broken
}

func (u *Unit) fail(err error) error {
	u.r.mu.Lock()
	if u.r.broken == nil {
		u.r.broken = err
	}
	saved := u.r.broken
	u.r.mu.Unlock()
	return acdperr.Wrap(acdperr.UnitBroken, saved, "unit operation failed")
}

// Nest opens a nested unit within u, owned by the same caller.
func (u *Unit) Nest(caller interface{}) (*Unit, error) {
	if err := u.checkOwner(caller); err != nil {
		return nil, err
	}
	if b := u.Broken(); b != nil {
		return nil, acdperr.Wrap(acdperr.UnitBroken, b, "recorder broken")
	}
	u.r.mu.Lock()
	u.r.backPosStack = append(u.r.backPosStack, u.r.cursor)
	u.r.mu.Unlock()
	u.r.tracker.Nest()
	return &Unit{r: u.r, owner: u.owner, depth: u.depth + 1}, nil
}

// Record writes a before-image entry for bytes previously occupying
// [pos, pos+len(before)) in file. Record may be called from any
// goroutine, not just the unit's owner (spec.md §4.5).
func (u *Unit) Record(file TargetFile, pos int64, before []byte) error {
	if b := u.Broken(); b != nil {
		return acdperr.Wrap(acdperr.UnitBroken, b, "recorder broken")
	}
	u.r.mu.Lock()
	defer u.r.mu.Unlock()
	start := u.r.cursor
	buf := encodeEntry(file.Path(), pos, before, start)
	if err := u.r.file.WriteAt(buf, start); err != nil {
		u.r.broken = err
		return acdperr.Wrap(acdperr.UnitBroken, err, "record: write failed")
	}
	u.r.cursor = start + int64(len(buf))
	u.r.forceList[file.Path()] = file
	if u.r.forceWriteCommit {
		if err := u.r.file.Force(false); err != nil {
			u.r.broken = err
			return acdperr.Wrap(acdperr.UnitBroken, err, "record: force failed")
		}
	}
	return nil
}

// Commit commits the unit (spec.md §4.5).
func (u *Unit) Commit(caller interface{}) error {
	if err := u.checkOwner(caller); err != nil {
		return err
	}
	if b := u.Broken(); b != nil {
		return acdperr.Wrap(acdperr.UnitBroken, b, "recorder broken")
	}
	if u.depth == 0 {
		return u.commitTopLevel()
	}
	u.r.tracker.CommitNested()
	u.r.mu.Lock()
	if n := len(u.r.backPosStack); n > 0 {
		u.r.backPosStack = u.r.backPosStack[:n-1]
	}
	u.r.mu.Unlock()
	return nil
}

func (u *Unit) commitTopLevel() error {
	u.r.tracker.MergeStash()
	if err := u.r.tracker.WriteStates(); err != nil {
		return u.fail(err)
	}
	u.r.mu.Lock()
	// spec.md §9 Open Question: with forceWriteCommit=off, an otherwise
	// empty force-list leaves the recorder materialized only at Close,
	// reproduced bug-for-bug rather than upgraded to always-fsync.
	if u.r.forceWriteCommit {
		for _, f := range u.r.forceList {
			if err := f.Force(true); err != nil {
				u.r.mu.Unlock()
				return u.fail(err)
			}
		}
	}
	err := u.r.writeBareEndMarker()
	if err == nil {
		u.r.cursor = 8
		u.r.owner = nil
		u.r.backPosStack = nil
		u.r.forceList = nil
	}
	u.r.mu.Unlock()
	if err != nil {
		return u.fail(err)
	}
	u.r.tracker.ClearPristine()
	return nil
}

// Rollback undoes every entry recorded since this unit (or nesting
// level) was opened, per spec.md §4.5.
func (u *Unit) Rollback() error {
	u.r.mu.Lock()
	backPos := u.r.backPosStack[len(u.r.backPosStack)-1]
	cursor := u.r.cursor
	u.r.mu.Unlock()

	for cursor > backPos {
		e, err := decodeEntryAt(cursor, u.readRange)
		if err != nil {
			return u.fail(err)
		}
		if err := u.undo(e); err != nil {
			return u.fail(err)
		}
		cursor = e.start
	}

	u.r.mu.Lock()
	if err := u.r.file.Truncate(backPos); err != nil {
		u.r.mu.Unlock()
		return u.fail(err)
	}
	u.r.cursor = backPos
	if u.depth == 0 {
		u.r.owner = nil
		u.r.backPosStack = nil
		u.r.forceList = nil
	} else if n := len(u.r.backPosStack); n > 0 {
		u.r.backPosStack = u.r.backPosStack[:n-1]
	}
	u.r.mu.Unlock()

	if u.depth == 0 {
		u.r.tracker.AdoptPristine()
		u.r.tracker.ClearPristine()
	} else {
		u.r.tracker.RollbackNested()
	}
	return nil
}

func (u *Unit) readRange(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := u.r.file.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// undo writes e's before-image back into its target file, or truncates
// the file to e.pos when the before-image is empty (pure extension
// undo, per spec.md §4.5).
func (u *Unit) undo(e *entry) error {
	f, err := u.r.resolve(e.path)
	if err != nil {
		return err
	}
	if len(e.before) == 0 {
		return f.Truncate(e.pos)
	}
	return f.WriteAt(e.before, e.pos)
}

// Close closes the unit: if it is broken, it rolls back and returns a
// UnitBroken error; otherwise it does nothing and returns nil (ACDP
// always commits or rolls back explicitly).
func (u *Unit) Close() error {
	if b := u.Broken(); b != nil {
		_ = u.Rollback()
		return acdperr.Wrap(acdperr.UnitBroken, b, "unit closed after a broken operation")
	}
	return nil
}
