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

// VbsState is the backing state of a VP in a software-isolated (VBS)
// partition. The hypervisor holds all architectural state; the paravisor
// reaches it only through batched get/set-registers hypercalls, so writes
// are buffered per VTL until flushed.
type VbsState struct {
	committed [hvdef.NumGuestVtls]map[hvdef.RegisterName]hvdef.RegisterValue
	pending   [hvdef.NumGuestVtls]map[hvdef.RegisterName]hvdef.RegisterValue

	// injected records events queued with the hypervisor for delivery.
	injected []injectedEvent
}

// Vbs backs software-isolated partitions. No register has a direct path;
// everything is a buffered hypercall.
type Vbs struct {
	apic.NoExtint

	vp    *VirtualProcessor
	state *VbsState
}

// NewVbs constructs the VBS backing for vp. Sidecar-managed VPs cannot be
// software isolated either.
func NewVbs(vp *VirtualProcessor, sidecar *SidecarVp) (*Vbs, error) {
	if sidecar != nil {
		panic("VBS VPs cannot be sidecar managed")
	}
	if vp.vbs == nil {
		return nil, fmt.Errorf("VP %d built as %v: %w", vp.info.Index, vp.isolation, ErrMismatchedIsolation)
	}
	st := vp.vbs
	for i := range st.committed {
		if st.committed[i] == nil {
			st.committed[i] = make(map[hvdef.RegisterName]hvdef.RegisterValue)
		}
		if st.pending[i] == nil {
			st.pending[i] = make(map[hvdef.RegisterName]hvdef.RegisterValue)
		}
	}
	return &Vbs{vp: vp, state: st}, nil
}

// TrySetRegister implements Backing.TrySetRegister. VBS has no direct
// register path.
func (v *Vbs) TrySetRegister(name hvdef.RegisterName, value hvdef.RegisterValue) (bool, error) {
	return false, nil
}

// TryGetRegister implements Backing.TryGetRegister.
func (v *Vbs) TryGetRegister(name hvdef.RegisterName) (hvdef.RegisterValue, bool, error) {
	return hvdef.RegisterValue{}, false, nil
}

// MustFlushRegistersOn implements Backing.MustFlushRegistersOn: any
// register with a buffered write must be flushed before it can be trusted.
func (v *Vbs) MustFlushRegistersOn(name hvdef.RegisterName) bool {
	for i := range v.state.pending {
		if _, ok := v.state.pending[i][name]; ok {
			return true
		}
	}
	return false
}

// FlushRegisters implements Backing.FlushRegisters, issuing the batched
// set-registers call.
func (v *Vbs) FlushRegisters() error {
	for i := range v.state.pending {
		for name, value := range v.state.pending[i] {
			v.state.committed[i][name] = value
			delete(v.state.pending[i], name)
		}
	}
	return nil
}

func (v *Vbs) readRegister(vtl hvdef.Vtl, name hvdef.RegisterName) (hvdef.RegisterValue, error) {
	i := vtl.GuestIndex()
	if val, ok := v.state.pending[i][name]; ok {
		return val, nil
	}
	return v.state.committed[i][name], nil
}

func (v *Vbs) writeRegister(vtl hvdef.Vtl, name hvdef.RegisterName, value hvdef.RegisterValue) error {
	v.state.pending[vtl.GuestIndex()][name] = value
	return nil
}

// HandleSipi implements Backing.HandleSipi.
func (v *Vbs) HandleSipi(vtl hvdef.Vtl, cs hvdef.SegmentRegister) {
	i := vtl.GuestIndex()
	v.state.pending[i][hvdef.RegisterCs] = cs.Value()
	v.state.pending[i][hvdef.RegisterRip] = hvdef.U64Value(0)
	v.vp.apicState.Lapic(vtl).Activity = apic.Running
}

// HandleNmi implements Backing.HandleNmi.
func (v *Vbs) HandleNmi(vtl hvdef.Vtl) {
	v.state.injected = append(v.state.injected, injectedEvent{vtl: vtl, kind: "nmi"})
	la := v.vp.apicState.Lapic(vtl)
	la.NmiPending = false
	la.NmiSuppression = 0
}

// HandleInterrupt implements Backing.HandleInterrupt.
func (v *Vbs) HandleInterrupt(vtl hvdef.Vtl, vector uint8) {
	v.state.injected = append(v.state.injected, injectedEvent{vtl: vtl, kind: "interrupt", vector: vector})
}

// SupportsNmiMasking implements Backing.SupportsNmiMasking.
func (v *Vbs) SupportsNmiMasking() bool {
	return false
}
