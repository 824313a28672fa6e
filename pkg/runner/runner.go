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

// Package runner drives virtual processors across isolation technologies.
//
// A VirtualProcessor carries the per-isolation backing state built at
// partition construction. A Runner pairs one VP with one Backing instance
// and exposes the uniform register-access and APIC-polling surface the run
// loop consumes. At most one Runner exists per VP at a time.
package runner

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/openvmm/cvmcore/pkg/apic"
	"github.com/openvmm/cvmcore/pkg/hvdef"
	"github.com/openvmm/cvmcore/pkg/isolation"
	"github.com/openvmm/cvmcore/pkg/pagestate"
	"github.com/openvmm/cvmcore/pkg/vmsa"
)

// ErrMismatchedIsolation is returned when a backing is requested for a VP
// whose state was built for a different isolation type.
var ErrMismatchedIsolation = errors.New("mismatched isolation")

// ErrVpInUse is returned when a Runner is requested for a VP that already
// has one.
var ErrVpInUse = errors.New("virtual processor already has a runner")

// Backing is the capability contract every isolation variant implements.
// The variant set is closed: SNP, TDX, VBS, and MSHV (non-isolated).
type Backing interface {
	// TrySetRegister attempts a direct register write. It returns false,
	// with no error, when the backing has no direct path for name; the
	// caller then falls back to the generic path.
	TrySetRegister(name hvdef.RegisterName, value hvdef.RegisterValue) (bool, error)

	// TryGetRegister mirrors TrySetRegister for reads.
	TryGetRegister(name hvdef.RegisterName) (hvdef.RegisterValue, bool, error)

	// MustFlushRegistersOn returns whether buffered register writes must be
	// committed to hardware before name can be trusted.
	MustFlushRegistersOn(name hvdef.RegisterName) bool

	// FlushRegisters commits buffered register writes, if the backing
	// buffers any.
	FlushRegisters() error

	// Delivery capabilities consumed by the APIC poll engine. HandleInit is
	// not here: its power-on reset runs on the Runner's generic register
	// path and is shared by all variants.
	HandleSipi(vtl hvdef.Vtl, cs hvdef.SegmentRegister)
	HandleNmi(vtl hvdef.Vtl)
	HandleInterrupt(vtl hvdef.Vtl, vector uint8)
	HandleExtint(vtl hvdef.Vtl)
	SupportsNmiMasking() bool

	// readRegister and writeRegister are the backing-internal generic path,
	// used when the Try* fast path reports unsupported.
	readRegister(vtl hvdef.Vtl, name hvdef.RegisterName) (hvdef.RegisterValue, error)
	writeRegister(vtl hvdef.Vtl, name hvdef.RegisterName, value hvdef.RegisterValue) error
}

// SidecarVp is a handle to a VP managed by the sidecar kernel, which runs
// VPs on processors the main kernel does not own. Only the non-isolated
// backing supports sidecar-managed VPs.
type SidecarVp struct {
	// Index is the VP index within the sidecar kernel.
	Index uint32
}

// NewBacking constructs the backing for vp matching the requested isolation
// type. It fails with ErrMismatchedIsolation when vp was built for a
// different type. sidecar may be nil; isolated backings require it to be.
func NewBacking(vp *VirtualProcessor, t isolation.Type, sidecar *SidecarVp) (Backing, error) {
	switch t {
	case isolation.Snp:
		return NewSnp(vp, sidecar)
	case isolation.Tdx:
		return NewTdx(vp, sidecar)
	case isolation.Vbs:
		return NewVbs(vp, sidecar)
	case isolation.None:
		return NewMshv(vp, sidecar)
	default:
		panic(fmt.Sprintf("unknown isolation type %v", t))
	}
}

// VirtualProcessor is one guest CPU: its identity, its isolation-specific
// backing state, and its per-VTL interrupt state. It is created at
// partition build time; its backing variant never changes afterward.
type VirtualProcessor struct {
	info      hvdef.VpInfo
	isolation isolation.Type
	apicState *apic.State

	// Exactly one of these is non-nil, matching isolation.
	snp  *SnpState
	tdx  *TdxState
	vbs  *VbsState
	mshv *MshvState

	// hasRunner enforces exclusive Runner ownership.
	hasRunner atomic.Bool
}

// NewVirtualProcessor builds a VP with backing state for the partition's
// isolation type.
func NewVirtualProcessor(info hvdef.VpInfo, t isolation.Type) (*VirtualProcessor, error) {
	vp := &VirtualProcessor{
		info:      info,
		isolation: t,
		apicState: apic.NewState(info),
	}
	switch t {
	case isolation.Snp:
		arena, err := vmsa.NewArena()
		if err != nil {
			return nil, fmt.Errorf("building SNP state for VP %d: %v", info.Index, err)
		}
		vp.snp = &SnpState{Arena: arena, Bitmap: new(vmsa.InterceptBitmap)}
	case isolation.Tdx:
		vp.tdx = &TdxState{}
	case isolation.Vbs:
		vp.vbs = &VbsState{}
	case isolation.None:
		vp.mshv = newMshvState()
	default:
		panic(fmt.Sprintf("unknown isolation type %v", t))
	}
	return vp, nil
}

// Info returns the VP's partition-assigned identity.
func (vp *VirtualProcessor) Info() hvdef.VpInfo {
	return vp.info
}

// IsolationType returns the isolation type the VP was built for.
func (vp *VirtualProcessor) IsolationType() isolation.Type {
	return vp.isolation
}

// Apic returns the VP's per-VTL interrupt state.
func (vp *VirtualProcessor) Apic() *apic.State {
	return vp.apicState
}

// Free releases the VP's backing state. The VP must have no Runner.
func (vp *VirtualProcessor) Free() {
	if vp.hasRunner.Load() {
		panic(fmt.Sprintf("freeing VP %d while it has a runner", vp.info.Index))
	}
	if vp.snp != nil {
		vp.snp.Arena.Free()
		vp.snp = nil
	}
}

// Partition is the partition-level surface the runner consumes: the
// host-proxied interrupt source, the startup-deny predicate, and virtual
// time.
type Partition interface {
	apic.Environment
}

// Runner is the per-VP driver: one Backing instance plus the uniform
// register and APIC surface. A Runner belongs to a single execution
// context; none of its methods may be called concurrently.
type Runner struct {
	vp        *VirtualProcessor
	backing   Backing
	dev       *pagestate.Device
	partition Partition
}

// New acquires the exclusive Runner for vp, constructing a backing of the
// requested isolation type. dev is the host VTL driver used for run entry;
// it may be nil when the runner is used only for state access.
func New(vp *VirtualProcessor, t isolation.Type, dev *pagestate.Device, partition Partition) (*Runner, error) {
	if vp.hasRunner.Swap(true) {
		return nil, ErrVpInUse
	}
	b, err := NewBacking(vp, t, nil)
	if err != nil {
		vp.hasRunner.Store(false)
		return nil, err
	}
	return &Runner{vp: vp, backing: b, dev: dev, partition: partition}, nil
}

// Close releases the VP for another Runner.
func (r *Runner) Close() {
	r.vp.hasRunner.Store(false)
}

// Backing returns the runner's backing instance.
func (r *Runner) Backing() Backing {
	return r.backing
}

// ReadRegister reads a register for vtl, preferring the backing's direct
// path.
func (r *Runner) ReadRegister(vtl hvdef.Vtl, name hvdef.RegisterName) (hvdef.RegisterValue, error) {
	if r.backing.MustFlushRegistersOn(name) {
		if err := r.backing.FlushRegisters(); err != nil {
			return hvdef.RegisterValue{}, err
		}
	}
	v, ok, err := r.backing.TryGetRegister(name)
	if err != nil {
		return hvdef.RegisterValue{}, err
	}
	if ok {
		return v, nil
	}
	return r.backing.readRegister(vtl, name)
}

// WriteRegister writes a register for vtl, preferring the backing's direct
// path.
func (r *Runner) WriteRegister(vtl hvdef.Vtl, name hvdef.RegisterName, value hvdef.RegisterValue) error {
	ok, err := r.backing.TrySetRegister(name, value)
	if err != nil || ok {
		return err
	}
	return r.backing.writeRegister(vtl, name, value)
}

// RunVtl executes one run iteration of the lower VTL, returning when it
// next exits back to the paravisor, then polls the APIC for vtl.
func (r *Runner) RunVtl(vtl hvdef.Vtl, scanIrr bool) error {
	if r.vp.snp != nil {
		r.vp.snp.Arena.SetExecuting(vtl, true)
	}
	err := r.dev.ReturnToLowerVtl()
	if r.vp.snp != nil {
		r.vp.snp.Arena.SetExecuting(vtl, false)
	}
	if err != nil {
		return fmt.Errorf("running VP %d %v: %w", r.vp.info.Index, vtl, err)
	}
	r.PollApic(vtl, scanIrr)
	return nil
}

// PollApic runs one APIC poll iteration for vtl.
func (r *Runner) PollApic(vtl hvdef.Vtl, scanIrr bool) {
	apic.Poll(r.vp.apicState, vtl, scanIrr, r, r.partition)
}

// HandleInit implements apic.Handler.HandleInit: it resets vtl's
// architectural state to the x86 power-on default through the generic
// register path. This is backing-independent.
func (r *Runner) HandleInit(vtl hvdef.Vtl) {
	if err := x86PowerOnReset(r, vtl, r.vp.info); err != nil {
		panic(fmt.Sprintf("power-on reset of VP %d %v failed: %v", r.vp.info.Index, vtl, err))
	}
	// INIT leaves the bootstrap processor running; application processors
	// wait for a startup IPI.
	if r.vp.info.IsBsp() {
		r.vp.apicState.Lapic(vtl).Activity = apic.Running
	} else {
		r.vp.apicState.Lapic(vtl).Activity = apic.WaitForSipi
	}
}

// HandleSipi implements apic.Handler.HandleSipi.
func (r *Runner) HandleSipi(vtl hvdef.Vtl, cs hvdef.SegmentRegister) {
	r.backing.HandleSipi(vtl, cs)
}

// HandleNmi implements apic.Handler.HandleNmi.
func (r *Runner) HandleNmi(vtl hvdef.Vtl) {
	r.backing.HandleNmi(vtl)
}

// HandleInterrupt implements apic.Handler.HandleInterrupt.
func (r *Runner) HandleInterrupt(vtl hvdef.Vtl, vector uint8) {
	r.backing.HandleInterrupt(vtl, vector)
}

// HandleExtint implements apic.Handler.HandleExtint.
func (r *Runner) HandleExtint(vtl hvdef.Vtl) {
	r.backing.HandleExtint(vtl)
}

// SupportsNmiMasking implements apic.Handler.SupportsNmiMasking.
func (r *Runner) SupportsNmiMasking() bool {
	return r.backing.SupportsNmiMasking()
}
