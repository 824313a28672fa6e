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

// Package memrange provides page-aligned guest physical address ranges and
// sets of such ranges.
package memrange

import (
	"fmt"

	"github.com/openvmm/cvmcore/pkg/hvdef"
)

// MemoryRange is a half-open, page-aligned range of guest physical
// addresses.
type MemoryRange struct {
	start uint64
	end   uint64
}

// New returns the range [start, end).
//
// Misaligned or inverted bounds are a programmer error and panic.
func New(start, end uint64) MemoryRange {
	if start%hvdef.PageSize != 0 || end%hvdef.PageSize != 0 {
		panic(fmt.Sprintf("unaligned memory range [%#x, %#x)", start, end))
	}
	if end < start {
		panic(fmt.Sprintf("invalid memory range [%#x, %#x)", start, end))
	}
	return MemoryRange{start: start, end: end}
}

// FromPages returns the range covering count pages starting at startPfn.
func FromPages(startPfn, count uint64) MemoryRange {
	return MemoryRange{
		start: startPfn * hvdef.PageSize,
		end:   (startPfn + count) * hvdef.PageSize,
	}
}

// Start returns the inclusive start address.
func (r MemoryRange) Start() uint64 { return r.start }

// End returns the exclusive end address.
func (r MemoryRange) End() uint64 { return r.end }

// Len returns the length of the range in bytes.
func (r MemoryRange) Len() uint64 { return r.end - r.start }

// StartPfn returns the page frame number of the first page.
func (r MemoryRange) StartPfn() uint64 { return r.start / hvdef.PageSize }

// PageCount returns the number of pages in the range.
func (r MemoryRange) PageCount() uint64 { return r.Len() / hvdef.PageSize }

// IsEmpty returns whether the range contains no pages.
func (r MemoryRange) IsEmpty() bool { return r.start == r.end }

// Contains returns whether r fully contains other.
func (r MemoryRange) Contains(other MemoryRange) bool {
	return r.start <= other.start && other.end <= r.end
}

// ContainsAddr returns whether addr falls within the range.
func (r MemoryRange) ContainsAddr(addr uint64) bool {
	return r.start <= addr && addr < r.end
}

// Overlaps returns whether r and other share any page.
func (r MemoryRange) Overlaps(other MemoryRange) bool {
	return r.start < other.end && other.start < r.end
}

// String implements fmt.Stringer.String.
func (r MemoryRange) String() string {
	return fmt.Sprintf("%#x-%#x", r.start, r.end)
}
