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

// Package vmsa provides owned storage for guest save areas and typed,
// intercept-aware views over them.
//
// Each virtual processor owns one Arena holding one save-area page per
// guest VTL. A save area must never be accessed while its VTL is executing
// on hardware; the arena enforces this with an executing flag that view
// acquisition checks.
package vmsa

import (
	"fmt"
	"sync/atomic"

	"github.com/openvmm/cvmcore/pkg/abi/sev"
	"github.com/openvmm/cvmcore/pkg/hvdef"
)

// slot is the save-area storage for one (VP, VTL).
type slot struct {
	vmsa *sev.Vmsa

	// executing is set while the VTL is running on hardware. Views may not
	// be taken while it is set.
	executing atomic.Bool
}

// Arena owns the save-area pages for one virtual processor, one per guest
// VTL.
type Arena struct {
	slots [hvdef.NumGuestVtls]slot
}

// NewArena allocates zeroed, page-aligned save areas for all guest VTLs.
func NewArena() (*Arena, error) {
	a := &Arena{}
	for i := range a.slots {
		v, err := allocVmsa()
		if err != nil {
			a.Free()
			return nil, fmt.Errorf("allocating VTL%d save area: %v", i, err)
		}
		a.slots[i].vmsa = v
	}
	return a, nil
}

// Free releases the save-area pages. The arena must not be used afterward.
func (a *Arena) Free() {
	for i := range a.slots {
		if a.slots[i].vmsa != nil {
			freeVmsa(a.slots[i].vmsa)
			a.slots[i].vmsa = nil
		}
	}
}

// Vmsa returns the raw save area for vtl. The caller takes on the
// no-concurrent-access obligation; prefer View/MutableView.
func (a *Arena) Vmsa(vtl hvdef.Vtl) *sev.Vmsa {
	return a.slots[vtl.GuestIndex()].vmsa
}

// SetExecuting marks vtl as executing (or not) on hardware. While set, view
// acquisition panics.
func (a *Arena) SetExecuting(vtl hvdef.Vtl, executing bool) {
	a.slots[vtl.GuestIndex()].executing.Store(executing)
}

// View returns a read-only view of vtl's save area, gated by bitmap.
func (a *Arena) View(vtl hvdef.Vtl, bitmap *InterceptBitmap) View {
	return View{v: a.checkIdle(vtl), bitmap: bitmap}
}

// MutableView returns a mutable view of vtl's save area, gated by bitmap.
func (a *Arena) MutableView(vtl hvdef.Vtl, bitmap *InterceptBitmap) MutableView {
	return MutableView{View{v: a.checkIdle(vtl), bitmap: bitmap}}
}

func (a *Arena) checkIdle(vtl hvdef.Vtl) *sev.Vmsa {
	s := &a.slots[vtl.GuestIndex()]
	if s.executing.Load() {
		panic(fmt.Sprintf("%v save area accessed while executing", vtl))
	}
	if s.vmsa == nil {
		panic(fmt.Sprintf("%v save area accessed after free", vtl))
	}
	return s.vmsa
}

// InterceptBitmap records which registers the hypervisor intercepts guest
// writes to. For an intercepted register the save-area value is
// authoritative; a non-intercepted register may be changed by the guest at
// any exit.
type InterceptBitmap [8]uint64

// Set marks name as intercepted.
func (b *InterceptBitmap) Set(name hvdef.RegisterName) {
	i := regBit(name)
	b[i/64] |= 1 << (i % 64)
}

// Intercepted returns whether name is intercepted.
func (b *InterceptBitmap) Intercepted(name hvdef.RegisterName) bool {
	if b == nil {
		return false
	}
	i := regBit(name)
	return b[i/64]&(1<<(i%64)) != 0
}

// regBit maps a register name to its bitmap position. Unknown names are a
// programmer error.
func regBit(name hvdef.RegisterName) int {
	switch {
	case name >= hvdef.RegisterRax && name <= hvdef.RegisterRflags:
		return int(name - hvdef.RegisterRax) // 0..17
	case name >= hvdef.RegisterCr0 && name <= hvdef.RegisterXfem:
		return 18 + int(name-hvdef.RegisterCr0) // 18..23
	case name >= hvdef.RegisterDr0 && name <= hvdef.RegisterDr7:
		return 24 + int(name-hvdef.RegisterDr0) // 24..29
	case name >= hvdef.RegisterEs && name <= hvdef.RegisterTr:
		return 30 + int(name-hvdef.RegisterEs) // 30..37
	case name == hvdef.RegisterIdtr, name == hvdef.RegisterGdtr:
		return 38 + int(name-hvdef.RegisterIdtr) // 38..39
	case name >= hvdef.RegisterTsc && name <= hvdef.RegisterSfmask:
		return 40 + int(name-hvdef.RegisterTsc) // 40..51
	default:
		panic(fmt.Sprintf("register %#x has no save-area mapping", uint32(name)))
	}
}
