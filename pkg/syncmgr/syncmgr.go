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

// Package syncmgr implements the ACDP synchronization manager
// (spec.md §4.6): the Unit, Read and ACDP zones plus Kamikaze writes,
// gated by the predicate table in spec.md §4.6 over a single
// mutex+condvar, grounded in the gate shape of
// perkeep.org/pkg/syncutil's lock helpers (stripped of that file's
// unrelated deadlock-debug logging — see DESIGN.md).
package syncmgr

import (
	"sync"

	"github.com/acdp-project/acdp/pkg/acdperr"
)

// OwnerID identifies the calling goroutine for thread-affinity purposes.
// spec.md's "thread" maps to this caller-supplied opaque identity (see
// DESIGN.md Open Question decisions); typically a *int or a
// context.Context value allocated once per logical request.
type OwnerID interface{}

// Manager is the single per-database synchronization manager.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	shutdown bool

	unitOwner OwnerID
	unitDepth int

	readDepth map[OwnerID]int

	acdpOwner OwnerID
	acdpDepth int
}

func New() *Manager {
	m := &Manager{readDepth: make(map[OwnerID]int)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// UnitZone, ReadZone and ACDPZone are opaque handles returned by the
// corresponding Open/Issue calls; callers must Close them exactly once
// (e.g. via defer), mirroring the scoped-acquisition discipline of
// spec.md §5.
type UnitZone struct{ m *Manager; owner OwnerID }
type ReadZone struct{ m *Manager; owner OwnerID }
type ACDPZone struct{ m *Manager; owner OwnerID }

var errShutdown = acdperr.New(acdperr.Shutdown, "synchronization manager is shutting down")

// IssueUnit issues (or, within the same owner, nests) the single
// process-wide unit.
func (m *Manager) IssueUnit(owner OwnerID) (*UnitZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.shutdown {
			return nil, errShutdown
		}
		if m.readDepth[owner] > 0 {
			return nil, acdperr.New(acdperr.CreationFailure, "cannot issue a unit while holding a read zone in this goroutine")
		}
		if m.acdpOwner == owner {
			return nil, acdperr.New(acdperr.CreationFailure, "cannot issue a unit while holding the ACDP zone in this goroutine")
		}
		if m.unitOwner == owner {
			m.unitDepth++
			return &UnitZone{m: m, owner: owner}, nil
		}
		if m.unitOwner == nil && len(m.readDepth) == 0 && m.acdpOwner == nil {
			m.unitOwner = owner
			m.unitDepth = 1
			return &UnitZone{m: m, owner: owner}, nil
		}
		m.cond.Wait()
	}
}

func (z *UnitZone) Close() {
	m := z.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unitDepth--
	if m.unitDepth <= 0 {
		m.unitOwner = nil
		m.unitDepth = 0
		m.cond.Broadcast()
	}
}

// OpenReadZone opens (or nests) a read zone for owner.
func (m *Manager) OpenReadZone(owner OwnerID) (*ReadZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.shutdown {
			return nil, errShutdown
		}
		blockedByOtherUnit := m.unitOwner != nil && m.unitOwner != owner
		blockedByOtherACDP := m.acdpOwner != nil && m.acdpOwner != owner
		if !blockedByOtherUnit && !blockedByOtherACDP {
			m.readDepth[owner]++
			return &ReadZone{m: m, owner: owner}, nil
		}
		m.cond.Wait()
	}
}

func (z *ReadZone) Close() {
	m := z.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDepth[z.owner]--
	if m.readDepth[z.owner] <= 0 {
		delete(m.readDepth, z.owner)
		m.cond.Broadcast()
	}
}

// OpenACDPZone opens (or nests) the single-threaded ACDP (service) zone.
func (m *Manager) OpenACDPZone(owner OwnerID) (*ACDPZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.shutdown {
			return nil, errShutdown
		}
		if m.readDepth[owner] > 0 {
			return nil, acdperr.New(acdperr.CreationFailure, "cannot open the ACDP zone while holding a read zone in this goroutine")
		}
		if m.unitOwner == owner {
			return nil, acdperr.New(acdperr.CreationFailure, "cannot open the ACDP zone while holding a unit in this goroutine")
		}
		if m.acdpOwner == owner {
			m.acdpDepth++
			return &ACDPZone{m: m, owner: owner}, nil
		}
		if m.acdpOwner == nil && m.unitOwner == nil && len(m.readDepth) == 0 {
			m.acdpOwner = owner
			m.acdpDepth = 1
			return &ACDPZone{m: m, owner: owner}, nil
		}
		m.cond.Wait()
	}
}

func (z *ACDPZone) Close() {
	m := z.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acdpDepth--
	if m.acdpDepth <= 0 {
		m.acdpOwner = nil
		m.acdpDepth = 0
		m.cond.Broadcast()
	}
}

// KamikazeWrite blocks the manager for the duration of an unsynchronized
// write performed outside any unit, returning a *UnitZone token to
// release with its Close method. Per the Open Question decision in DESIGN.md, it is
// forbidden (not a wait) when the ACDP zone is owned by this goroutine;
// holding a read zone in this goroutine is likewise forbidden outright.
func (m *Manager) KamikazeWrite(owner OwnerID) (*UnitZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.shutdown {
			return nil, errShutdown
		}
		if m.readDepth[owner] > 0 {
			return nil, acdperr.New(acdperr.CreationFailure, "cannot perform a Kamikaze write while holding a read zone in this goroutine")
		}
		if m.acdpOwner == owner {
			return nil, acdperr.New(acdperr.CreationFailure, "cannot perform a Kamikaze write while holding the ACDP zone in this goroutine")
		}
		if m.unitOwner == nil && len(m.readDepth) == 0 && m.acdpOwner == nil {
			m.unitOwner = owner
			m.unitDepth = 1
			return &UnitZone{m: m, owner: owner}, nil
		}
		m.cond.Wait()
	}
}

// Shutdown marks the manager shut down, waking every waiter with a
// Shutdown error (spec.md §4.6). It does not itself wait for the current
// holder to release; callers that need that should poll IsIdle or hold a
// reference to the outstanding zone.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	m.cond.Broadcast()
}

// IsIdle reports whether no zone is currently held.
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unitOwner == nil && len(m.readDepth) == 0 && m.acdpOwner == nil
}
