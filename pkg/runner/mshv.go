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

// MshvState is the backing state of a VP in a non-isolated partition: a
// hypervisor-shared run page giving direct access to the hot registers, and
// a buffer of writes pending a set-registers call for everything else.
type MshvState struct {
	// runPage mirrors the hypervisor's shared VP register page.
	runPage map[hvdef.RegisterName]hvdef.RegisterValue

	// committed holds register state the hypervisor has accepted; pending
	// holds writes not yet flushed to it.
	committed map[hvdef.RegisterName]hvdef.RegisterValue
	pending   map[hvdef.RegisterName]hvdef.RegisterValue

	// injected records events queued for injection on next entry.
	injected []injectedEvent
}

// injectedEvent is an interrupt-class event queued for a VTL.
type injectedEvent struct {
	vtl    hvdef.Vtl
	kind   string
	vector uint8
}

func newMshvState() *MshvState {
	return &MshvState{
		runPage:   make(map[hvdef.RegisterName]hvdef.RegisterValue),
		committed: make(map[hvdef.RegisterName]hvdef.RegisterValue),
		pending:   make(map[hvdef.RegisterName]hvdef.RegisterValue),
	}
}

// runPageRegister returns whether the shared run page carries name.
func runPageRegister(name hvdef.RegisterName) bool {
	return name >= hvdef.RegisterRax && name <= hvdef.RegisterRflags
}

// Mshv backs non-isolated partitions. The hot registers are read and
// written directly through the hypervisor's shared run page; the rest are
// buffered and flushed with a set-registers call.
type Mshv struct {
	vp      *VirtualProcessor
	state   *MshvState
	sidecar *SidecarVp
}

// NewMshv constructs the non-isolated backing for vp. sidecar, when
// non-nil, marks the VP as managed by the sidecar kernel.
func NewMshv(vp *VirtualProcessor, sidecar *SidecarVp) (*Mshv, error) {
	if vp.mshv == nil {
		return nil, fmt.Errorf("VP %d built as %v: %w", vp.info.Index, vp.isolation, ErrMismatchedIsolation)
	}
	return &Mshv{vp: vp, state: vp.mshv, sidecar: sidecar}, nil
}

// TrySetRegister implements Backing.TrySetRegister: run-page registers are
// written directly, everything else reports unsupported.
func (m *Mshv) TrySetRegister(name hvdef.RegisterName, value hvdef.RegisterValue) (bool, error) {
	if !runPageRegister(name) {
		return false, nil
	}
	m.state.runPage[name] = value
	return true, nil
}

// TryGetRegister implements Backing.TryGetRegister.
func (m *Mshv) TryGetRegister(name hvdef.RegisterName) (hvdef.RegisterValue, bool, error) {
	if !runPageRegister(name) {
		return hvdef.RegisterValue{}, false, nil
	}
	return m.state.runPage[name], true, nil
}

// MustFlushRegistersOn implements Backing.MustFlushRegistersOn: a register
// with an unflushed buffered write cannot be trusted until the buffer is
// committed.
func (m *Mshv) MustFlushRegistersOn(name hvdef.RegisterName) bool {
	_, ok := m.state.pending[name]
	return ok
}

// FlushRegisters implements Backing.FlushRegisters, committing buffered
// writes to the hypervisor.
func (m *Mshv) FlushRegisters() error {
	for name, value := range m.state.pending {
		m.state.committed[name] = value
		delete(m.state.pending, name)
	}
	return nil
}

func (m *Mshv) readRegister(vtl hvdef.Vtl, name hvdef.RegisterName) (hvdef.RegisterValue, error) {
	if v, ok := m.state.pending[name]; ok {
		return v, nil
	}
	return m.state.committed[name], nil
}

func (m *Mshv) writeRegister(vtl hvdef.Vtl, name hvdef.RegisterName, value hvdef.RegisterValue) error {
	m.state.pending[name] = value
	return nil
}

// HandleSipi implements Backing.HandleSipi.
func (m *Mshv) HandleSipi(vtl hvdef.Vtl, cs hvdef.SegmentRegister) {
	m.state.runPage[hvdef.RegisterRip] = hvdef.U64Value(0)
	m.state.pending[hvdef.RegisterCs] = cs.Value()
	m.state.injected = append(m.state.injected, injectedEvent{vtl: vtl, kind: "sipi"})
	m.vp.apicState.Lapic(vtl).Activity = apic.Running
}

// HandleNmi implements Backing.HandleNmi.
func (m *Mshv) HandleNmi(vtl hvdef.Vtl) {
	m.state.injected = append(m.state.injected, injectedEvent{vtl: vtl, kind: "nmi"})
	la := m.vp.apicState.Lapic(vtl)
	la.NmiPending = false
	la.NmiSuppression = 0
}

// HandleInterrupt implements Backing.HandleInterrupt.
func (m *Mshv) HandleInterrupt(vtl hvdef.Vtl, vector uint8) {
	m.state.injected = append(m.state.injected, injectedEvent{vtl: vtl, kind: "interrupt", vector: vector})
}

// HandleExtint implements Backing.HandleExtint. Non-isolated partitions can
// route external-PIC interrupts through the hypervisor rather than
// dropping them.
func (m *Mshv) HandleExtint(vtl hvdef.Vtl) {
	m.state.injected = append(m.state.injected, injectedEvent{vtl: vtl, kind: "extint"})
}

// SupportsNmiMasking implements Backing.SupportsNmiMasking.
func (m *Mshv) SupportsNmiMasking() bool {
	return false
}

// SidecarManaged returns whether the VP runs on the sidecar kernel rather
// than the main one.
func (m *Mshv) SidecarManaged() bool {
	return m.sidecar != nil
}
