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

package wr

// flGapState is the FL file-space state spec.md §3 names: the head of
// the row-gap chain plus the gap count, persisted in the store's layout
// entry. spec.md describes the chain as doubly linked through a gap
// block's first two reference slots; this store only ever pushes and
// pops at the head (insert pops, delete pushes), so a singly linked
// chain (next-pointer only) suffices and is what's actually threaded
// through the gap block at rowLayout.gapLinkOff, right after the
// information byte(s) and reference counter — a deliberate
// simplification logged in DESIGN.md.
type flGapState struct {
	id        string
	headIndex uint64 // 0 = no gaps
	count     uint64
	persist   func(head, count uint64) error
}

type flGapSnapshot struct{ head, count uint64 }

func (s *flGapState) ID() string { return s.id }
func (s *flGapState) Snapshot() interface{} {
	return flGapSnapshot{head: s.headIndex, count: s.count}
}
func (s *flGapState) Restore(snap interface{}) {
	sn := snap.(flGapSnapshot)
	s.headIndex = sn.head
	s.count = sn.count
}
func (s *flGapState) Persist() error {
	if s.persist != nil {
		return s.persist(s.headIndex, s.count)
	}
	return nil
}
