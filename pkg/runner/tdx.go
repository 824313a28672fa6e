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

package runner

import (
	"fmt"

	"github.com/openvmm/cvmcore/pkg/apic"
	"github.com/openvmm/cvmcore/pkg/hvdef"
)

// tdxEnterState is the register file the TDX module transfers on L2 entry
// and exit: the general-purpose registers plus RIP and RFLAGS. The exact
// hardware layout is defined by the TDX module ABI; only the fields this
// core touches are modeled.
type tdxEnterState struct {
	regs map[hvdef.RegisterName]hvdef.RegisterValue
}

// TdxState is the backing state of a VP built for Intel TDX: one
// enter-guest-state block per guest VTL plus the paravisor-maintained state
// for registers the TDX module does not transfer.
type TdxState struct {
	enter [hvdef.NumGuestVtls]tdxEnterState

	// other holds per-VTL register state the paravisor maintains itself
	// (segments, control registers, MSRs).
	other [hvdef.NumGuestVtls]map[hvdef.RegisterName]hvdef.RegisterValue

	// pendingNmi mirrors the posted-NMI bit of each VTL's virtual APIC
	// page.
	pendingNmi [hvdef.NumGuestVtls]bool

	// rvi is each VTL's requested-virtual-interrupt vector, zero if none.
	rvi [hvdef.NumGuestVtls]uint8
}

// Tdx backs Intel TDX partitions. The general-purpose registers move
// through the enter-guest-state block directly; other registers live in
// paravisor-maintained state.
type Tdx struct {
	apic.NoExtint

	vp    *VirtualProcessor
	state *TdxState
}

// NewTdx constructs the TDX backing for vp. Sidecar-managed VPs cannot be
// hardware isolated.
func NewTdx(vp *VirtualProcessor, sidecar *SidecarVp) (*Tdx, error) {
	if sidecar != nil {
		panic("TDX VPs cannot be sidecar managed")
	}
	if vp.tdx == nil {
		return nil, fmt.Errorf("VP %d built as %v: %w", vp.info.Index, vp.isolation, ErrMismatchedIsolation)
	}
	st := vp.tdx
	for i := range st.enter {
		if st.enter[i].regs == nil {
			st.enter[i].regs = make(map[hvdef.RegisterName]hvdef.RegisterValue)
		}
		if st.other[i] == nil {
			st.other[i] = make(map[hvdef.RegisterName]hvdef.RegisterValue)
		}
	}
	return &Tdx{vp: vp, state: st}, nil
}

// enterStateRegister returns whether the enter-guest-state block transfers
// name.
func enterStateRegister(name hvdef.RegisterName) bool {
	return name >= hvdef.RegisterRax && name <= hvdef.RegisterRflags
}

// TrySetRegister implements Backing.TrySetRegister. Only VTL0's
// enter-guest-state block is directly writable through this path; per-VTL
// access goes through the generic path.
func (t *Tdx) TrySetRegister(name hvdef.RegisterName, value hvdef.RegisterValue) (bool, error) {
	if !enterStateRegister(name) {
		return false, nil
	}
	t.state.enter[hvdef.Vtl0.GuestIndex()].regs[name] = value
	return true, nil
}

// TryGetRegister implements Backing.TryGetRegister.
func (t *Tdx) TryGetRegister(name hvdef.RegisterName) (hvdef.RegisterValue, bool, error) {
	if !enterStateRegister(name) {
		return hvdef.RegisterValue{}, false, nil
	}
	return t.state.enter[hvdef.Vtl0.GuestIndex()].regs[name], true, nil
}

// MustFlushRegistersOn implements Backing.MustFlushRegistersOn. The TDX
// module transfers the enter-guest state on every entry; nothing is
// buffered beyond that.
func (t *Tdx) MustFlushRegistersOn(name hvdef.RegisterName) bool {
	return false
}

// FlushRegisters implements Backing.FlushRegisters.
func (t *Tdx) FlushRegisters() error {
	return nil
}

func (t *Tdx) readRegister(vtl hvdef.Vtl, name hvdef.RegisterName) (hvdef.RegisterValue, error) {
	i := vtl.GuestIndex()
	if enterStateRegister(name) {
		return t.state.enter[i].regs[name], nil
	}
	return t.state.other[i][name], nil
}

func (t *Tdx) writeRegister(vtl hvdef.Vtl, name hvdef.RegisterName, value hvdef.RegisterValue) error {
	i := vtl.GuestIndex()
	if enterStateRegister(name) {
		t.state.enter[i].regs[name] = value
		return nil
	}
	t.state.other[i][name] = value
	return nil
}

// HandleSipi implements Backing.HandleSipi.
func (t *Tdx) HandleSipi(vtl hvdef.Vtl, cs hvdef.SegmentRegister) {
	i := vtl.GuestIndex()
	t.state.other[i][hvdef.RegisterCs] = cs.Value()
	t.state.enter[i].regs[hvdef.RegisterRip] = hvdef.U64Value(0)
	t.vp.apicState.Lapic(vtl).Activity = apic.Running
}

// HandleNmi implements Backing.HandleNmi: post the NMI on the virtual APIC
// page.
func (t *Tdx) HandleNmi(vtl hvdef.Vtl) {
	t.state.pendingNmi[vtl.GuestIndex()] = true
	la := t.vp.apicState.Lapic(vtl)
	la.NmiPending = false
	la.NmiSuppression = 0
}

// HandleInterrupt implements Backing.HandleInterrupt: raise the requested
// virtual interrupt.
func (t *Tdx) HandleInterrupt(vtl hvdef.Vtl, vector uint8) {
	t.state.rvi[vtl.GuestIndex()] = vector
}

// SupportsNmiMasking implements Backing.SupportsNmiMasking. The TDX module
// gives the paravisor no control over the guest's NMI blocking.
func (t *Tdx) SupportsNmiMasking() bool {
	return false
}
