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

	"github.com/openvmm/cvmcore/pkg/abi/sev"
	"github.com/openvmm/cvmcore/pkg/apic"
	"github.com/openvmm/cvmcore/pkg/hvdef"
	"github.com/openvmm/cvmcore/pkg/vmsa"
)

// eferSvme must stay set in a SEV guest's EFER.
const eferSvme = 1 << 12

// SnpState is the backing state of a VP built for AMD SEV-SNP: one save
// area per guest VTL and the partition's register-intercept bitmap.
type SnpState struct {
	Arena  *vmsa.Arena
	Bitmap *vmsa.InterceptBitmap

	// msrs holds the few registers the save area does not: state the
	// paravisor virtualizes itself rather than the hardware.
	msrs [hvdef.NumGuestVtls]map[hvdef.RegisterName]hvdef.RegisterValue
}

// nonVmsaRegister returns whether name is virtualized by the paravisor
// instead of living in the save area.
func nonVmsaRegister(name hvdef.RegisterName) bool {
	return name == hvdef.RegisterApicBase || name == hvdef.RegisterTsc
}

// Snp backs SEV-SNP partitions. All architectural state lives in the VMSA;
// there is no direct or buffered register path, so every access falls back
// to the save area.
type Snp struct {
	apic.NoExtint

	vp    *VirtualProcessor
	state *SnpState
}

// NewSnp constructs the SNP backing for vp. Sidecar-managed VPs cannot be
// hardware isolated.
func NewSnp(vp *VirtualProcessor, sidecar *SidecarVp) (*Snp, error) {
	if sidecar != nil {
		panic("SNP VPs cannot be sidecar managed")
	}
	if vp.snp == nil {
		return nil, fmt.Errorf("VP %d built as %v: %w", vp.info.Index, vp.isolation, ErrMismatchedIsolation)
	}
	for i := range vp.snp.msrs {
		if vp.snp.msrs[i] == nil {
			vp.snp.msrs[i] = make(map[hvdef.RegisterName]hvdef.RegisterValue)
		}
	}
	return &Snp{vp: vp, state: vp.snp}, nil
}

// TrySetRegister implements Backing.TrySetRegister. SNP has no direct
// register path; everything goes through the save area.
func (s *Snp) TrySetRegister(name hvdef.RegisterName, value hvdef.RegisterValue) (bool, error) {
	return false, nil
}

// TryGetRegister implements Backing.TryGetRegister.
func (s *Snp) TryGetRegister(name hvdef.RegisterName) (hvdef.RegisterValue, bool, error) {
	return hvdef.RegisterValue{}, false, nil
}

// MustFlushRegistersOn implements Backing.MustFlushRegistersOn. SNP never
// buffers register writes.
func (s *Snp) MustFlushRegistersOn(name hvdef.RegisterName) bool {
	return false
}

// FlushRegisters implements Backing.FlushRegisters.
func (s *Snp) FlushRegisters() error {
	return nil
}

// Vmsa returns a read-only view of vtl's save area.
func (s *Snp) Vmsa(vtl hvdef.Vtl) vmsa.View {
	return s.state.Arena.View(vtl, s.state.Bitmap)
}

// VmsaMut returns a mutable view of vtl's save area.
func (s *Snp) VmsaMut(vtl hvdef.Vtl) vmsa.MutableView {
	return s.state.Arena.MutableView(vtl, s.state.Bitmap)
}

// VmsasForCopy returns a read-only view of sourceVtl's save area and a
// mutable view of targetVtl's, for copying state between VTLs. This is the
// only place two views coexist; it is safe because the VP is not executing
// while its runner is in use.
//
// The VTLs must differ, so the two views never alias one save area.
func (s *Snp) VmsasForCopy(sourceVtl, targetVtl hvdef.Vtl) (vmsa.View, vmsa.MutableView) {
	if sourceVtl == targetVtl {
		panic(fmt.Sprintf("VMSA copy from %v to itself", sourceVtl))
	}
	return s.Vmsa(sourceVtl), s.VmsaMut(targetVtl)
}

func (s *Snp) readRegister(vtl hvdef.Vtl, name hvdef.RegisterName) (hvdef.RegisterValue, error) {
	if nonVmsaRegister(name) {
		return s.state.msrs[vtl.GuestIndex()][name], nil
	}
	return s.Vmsa(vtl).Register(name), nil
}

func (s *Snp) writeRegister(vtl hvdef.Vtl, name hvdef.RegisterName, value hvdef.RegisterValue) error {
	if nonVmsaRegister(name) {
		s.state.msrs[vtl.GuestIndex()][name] = value
		return nil
	}
	// The guest cannot run without SVME; never let a generic write clear it.
	if name == hvdef.RegisterEfer {
		value.Low |= eferSvme
	}
	s.VmsaMut(vtl).SetRegister(name, value)
	return nil
}

// HandleSipi implements Backing.HandleSipi: point the VTL at the startup
// code segment and let it run.
func (s *Snp) HandleSipi(vtl hvdef.Vtl, cs hvdef.SegmentRegister) {
	v := s.VmsaMut(vtl)
	v.SetCs(cs)
	v.SetRip(0)
	s.vp.apicState.Lapic(vtl).Activity = apic.Running
}

// HandleNmi implements Backing.HandleNmi: queue the NMI in the save area's
// event-injection field.
func (s *Snp) HandleNmi(vtl hvdef.Vtl) {
	s.VmsaMut(vtl).SetEventInject(sev.EventInjectNmi())
	la := s.vp.apicState.Lapic(vtl)
	la.NmiPending = false
	la.NmiSuppression = 0
}

// HandleInterrupt implements Backing.HandleInterrupt.
func (s *Snp) HandleInterrupt(vtl hvdef.Vtl, vector uint8) {
	s.VmsaMut(vtl).SetEventInject(sev.EventInjectInterrupt(vector))
}

// SupportsNmiMasking implements Backing.SupportsNmiMasking. SEV-SNP
// virtualizes NMI blocking for the guest, so LINT1 NMIs can be raised even
// with a cross-VTL NMI outstanding.
func (s *Snp) SupportsNmiMasking() bool {
	return true
}
