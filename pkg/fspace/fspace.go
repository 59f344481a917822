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

// Package fspace implements the ACDP file-space state tracker
// (spec.md §4.4): pristine-state bookkeeping for a unit, with nested-unit
// stash/merge semantics.
package fspace

import "sync"

// Space is anything with an in-memory file-space state that can be
// persisted (on commit) or restored from a prior snapshot (on rollback).
// FL gap-chain head/count and VL end-of-data/free-chain-head are the two
// concrete Spaces spec.md §3/§4.4 names.
type Space interface {
	// ID identifies this space uniquely within a database (e.g. a table
	// name plus "FL" or "VL"); report_old_state is idempotent by this
	// identity.
	ID() string
	// Snapshot captures the current in-memory state.
	Snapshot() interface{}
	// Restore replaces the in-memory state with a previously captured
	// snapshot.
	Restore(snapshot interface{})
	// Persist writes the current in-memory state to its backing layout
	// entry.
	Persist() error
}

// Tracker tracks, per open unit, the set of pristine (pre-modification)
// Space snapshots reported during that unit's lifetime.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]trackedSpace
	stack   []map[string]trackedSpace // nest() pushes; each level's "S" before the nested unit
	stash   map[string]trackedSpace   // accumulates pristine states from committed nested units
}

type trackedSpace struct {
	space    Space
	snapshot interface{}
}

func New() *Tracker {
	return &Tracker{pending: make(map[string]trackedSpace)}
}

// ReportOldState idempotently records sp's current state as pristine for
// this unit, keyed by sp.ID(); only the first report per unit is kept
// (spec.md §4.4).
func (t *Tracker) ReportOldState(sp Space) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[sp.ID()]; ok {
		return
	}
	t.pending[sp.ID()] = trackedSpace{space: sp, snapshot: sp.Snapshot()}
}

// WriteStates persists every tracked space's current (post-modification)
// in-memory state, used on commit.
func (t *Tracker) WriteStates() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ts := range t.pending {
		if err := ts.space.Persist(); err != nil {
			return err
		}
	}
	return nil
}

// AdoptPristine restores every tracked space from its recorded pristine
// snapshot, used on rollback.
func (t *Tracker) AdoptPristine() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ts := range t.pending {
		ts.space.Restore(ts.snapshot)
	}
}

// ClearPristine discards the tracked set without touching in-memory state.
func (t *Tracker) ClearPristine() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]trackedSpace)
}

// Reset discards tracked state and the nesting stack entirely.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]trackedSpace)
	t.stack = nil
	t.stash = nil
}

// Nest pushes a snapshot of the current pending set onto the nesting
// stack, entering a nested unit.
func (t *Tracker) Nest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	copy := make(map[string]trackedSpace, len(t.pending))
	for k, v := range t.pending {
		copy[k] = v
	}
	t.stack = append(t.stack, copy)
}

// CommitNested moves the nested level's pristine states into the stash
// (merged into the enclosing unit's set only when that unit itself
// commits, per spec.md §4.4) and pops the nesting stack.
func (t *Tracker) CommitNested() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stash == nil {
		t.stash = make(map[string]trackedSpace)
	}
	for k, v := range t.pending {
		if _, already := t.stash[k]; !already {
			t.stash[k] = v
		}
	}
	t.popStackLocked()
}

// RollbackNested discards the stash accumulated at this nesting level and
// restores the pending set to what it was before Nest was called; the
// enclosing stack state is otherwise unchanged.
func (t *Tracker) RollbackNested() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.popStackLocked()
}

func (t *Tracker) popStackLocked() {
	n := len(t.stack)
	if n == 0 {
		t.pending = make(map[string]trackedSpace)
		return
	}
	t.pending = t.stack[n-1]
	t.stack = t.stack[:n-1]
}

// MergeStash folds the stash accumulated from committed nested units into
// the pending set; called when the enclosing (outer) unit itself commits.
func (t *Tracker) MergeStash() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.stash {
		if _, already := t.pending[k]; !already {
			t.pending[k] = v
		}
	}
	t.stash = nil
}
