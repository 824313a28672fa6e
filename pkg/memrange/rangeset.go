// Copyright 2026 The cvmcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memrange

import (
	"github.com/google/btree"
)

// rangeSetDegree is the btree degree for RangeSet. Sets here hold at most a
// few thousand ranges; a small degree keeps nodes cache-friendly.
const rangeSetDegree = 8

// RangeSet is a set of non-overlapping memory ranges, ordered by start
// address. Adjacent ranges are coalesced.
//
// A RangeSet is advisory bookkeeping on the caller's side; the host kernel's
// page-state table remains the single source of truth for actual page
// states.
//
// RangeSet is not safe for concurrent use.
type RangeSet struct {
	tree *btree.BTreeG[MemoryRange]
}

// NewSet returns an empty RangeSet.
func NewSet() *RangeSet {
	return &RangeSet{
		tree: btree.NewG(rangeSetDegree, func(a, b MemoryRange) bool {
			return a.start < b.start
		}),
	}
}

// Add inserts r into the set, coalescing with adjacent ranges. It returns
// false without modifying the set if r overlaps a member.
func (s *RangeSet) Add(r MemoryRange) bool {
	if r.IsEmpty() {
		return true
	}
	if s.Overlaps(r) {
		return false
	}

	// Merge with a member ending exactly at r.start and/or one starting
	// exactly at r.end.
	s.tree.DescendLessOrEqual(MemoryRange{start: r.start}, func(m MemoryRange) bool {
		if m.end == r.start {
			r.start = m.start
			s.tree.Delete(m)
		}
		return false
	})
	if m, ok := s.tree.Get(MemoryRange{start: r.end}); ok {
		r.end = m.end
		s.tree.Delete(m)
	}
	s.tree.ReplaceOrInsert(r)
	return true
}

// Remove deletes r from the set, splitting members that partially overlap
// it.
func (s *RangeSet) Remove(r MemoryRange) {
	if r.IsEmpty() {
		return
	}
	var hit []MemoryRange
	s.ascendOverlapping(r, func(m MemoryRange) {
		hit = append(hit, m)
	})
	for _, m := range hit {
		s.tree.Delete(m)
		if m.start < r.start {
			s.tree.ReplaceOrInsert(MemoryRange{start: m.start, end: r.start})
		}
		if r.end < m.end {
			s.tree.ReplaceOrInsert(MemoryRange{start: r.end, end: m.end})
		}
	}
}

// Overlaps returns whether any member overlaps r.
func (s *RangeSet) Overlaps(r MemoryRange) bool {
	found := false
	s.ascendOverlapping(r, func(MemoryRange) {
		found = true
	})
	return found
}

// Contains returns whether a single member fully contains r.
func (s *RangeSet) Contains(r MemoryRange) bool {
	found := false
	s.ascendOverlapping(r, func(m MemoryRange) {
		if m.Contains(r) {
			found = true
		}
	})
	return found
}

// Len returns the number of coalesced ranges in the set.
func (s *RangeSet) Len() int {
	return s.tree.Len()
}

// Ranges returns the members in ascending order.
func (s *RangeSet) Ranges() []MemoryRange {
	out := make([]MemoryRange, 0, s.tree.Len())
	s.tree.Ascend(func(m MemoryRange) bool {
		out = append(out, m)
		return true
	})
	return out
}

// ascendOverlapping visits every member overlapping r in ascending order.
func (s *RangeSet) ascendOverlapping(r MemoryRange, fn func(MemoryRange)) {
	// The member preceding r.start may extend into r.
	s.tree.DescendLessOrEqual(MemoryRange{start: r.start}, func(m MemoryRange) bool {
		if m.Overlaps(r) {
			fn(m)
		}
		return false
	})
	s.tree.AscendGreaterOrEqual(MemoryRange{start: r.start + 1}, func(m MemoryRange) bool {
		if !m.Overlaps(r) {
			return false
		}
		fn(m)
		return true
	})
}
