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

// Package apic virtualizes the per-VP local interrupt controller and drives
// interrupt delivery into an isolation-specific backing.
//
// Each virtual processor owns one State, holding one LocalApic per guest
// VTL. State is mutated only by the VP's owning thread: by host-interrupt
// ingestion and by Poll. No locking is required or provided.
package apic

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/openvmm/cvmcore/pkg/hvdef"
)

// MpState is a local APIC's activity state.
type MpState uint8

const (
	// Running executes normally.
	Running MpState = iota

	// WaitForSipi waits for a startup IPI. A VP in this state receives no
	// interrupt classes other than INIT and SIPI.
	WaitForSipi

	// Halted has executed HLT and runs again on the next interrupt.
	Halted

	// Idle is halted with interrupts masked.
	Idle
)

// String implements fmt.Stringer.String.
func (s MpState) String() string {
	switch s {
	case Running:
		return "running"
	case WaitForSipi:
		return "wait-for-sipi"
	case Halted:
		return "halted"
	case Idle:
		return "idle"
	default:
		return fmt.Sprintf("mpstate(%d)", uint8(s))
	}
}

// NmiSuppressLint1Requested marks that the pending NMI was raised by LINT1
// and may need to be suppressed if a cross-VTL NMI wins delivery.
const NmiSuppressLint1Requested uint32 = 1 << 0

// Irr is the interrupt request register: one bit per vector, in the
// hardware's 8x32-bit window layout. The host's proxied pending-interrupt
// bitmap uses the same shape.
type Irr [8]uint32

// minFixedVector is the lowest vector deliverable as a fixed interrupt;
// vectors below it are architecturally reserved.
const minFixedVector = 16

// LocalApic is the virtualized local APIC state for one (VP, VTL).
type LocalApic struct {
	// irr holds requested-but-undelivered fixed interrupt vectors.
	irr Irr

	// tpr is the task priority register; vectors in or below its priority
	// class are held back.
	tpr uint8

	// Activity is the VTL's run state.
	Activity MpState

	// NmiPending is set when an NMI has been requested and not yet
	// delivered.
	NmiPending bool

	// NmiSuppression records why the pending NMI may be suppressed.
	NmiSuppression uint32

	// CrossVtlNmiRequested is set when the other VTL has requested an NMI
	// for this one.
	CrossVtlNmiRequested bool

	initRequested   bool
	sipiRequested   bool
	sipiVector      uint8
	extintRequested bool
	lint1Requested  bool
	nmiRequested    bool

	// One-shot LVT timer. Zero deadline means disarmed.
	timerDeadline time.Duration
	timerVector   uint8
}

// Work summarizes what a scan found to deliver. Fields are independent;
// several may be set at once.
type Work struct {
	// Init is set when an INIT was requested.
	Init bool

	// Sipi is set when a SIPI was requested; SipiVector carries its vector.
	Sipi       bool
	SipiVector uint8

	// Extint is set when an external-PIC interrupt was requested.
	Extint bool

	// Nmi is set when an NMI was requested.
	Nmi bool

	// Lint1 is set when local interrupt pin 1 fired.
	Lint1 bool

	// Interrupt is set when a fixed interrupt is deliverable; Vector
	// carries it.
	Interrupt bool
	Vector    uint8
}

// RequestFixedInterrupts folds a raw interrupt-request bitmap into the IRR.
//
// This is the host-proxy ingestion path. Level-triggered reconciliation is
// deliberately not done here: the tmr is not touched, so this stays
// lock-free on the hot path.
func (la *LocalApic) RequestFixedInterrupts(irr Irr) {
	for i, w := range irr {
		la.irr[i] |= w
	}
}

// RequestInterrupt requests delivery of a single fixed interrupt vector.
func (la *LocalApic) RequestInterrupt(vector uint8) {
	la.irr[vector/32] |= 1 << (vector % 32)
}

// RequestInit requests an INIT for this VTL.
func (la *LocalApic) RequestInit() {
	la.initRequested = true
}

// RequestSipi requests a startup IPI with the given vector.
func (la *LocalApic) RequestSipi(vector uint8) {
	la.sipiRequested = true
	la.sipiVector = vector
}

// RequestNmi requests an NMI.
func (la *LocalApic) RequestNmi() {
	la.nmiRequested = true
}

// RequestExtint requests an external-PIC interrupt.
func (la *LocalApic) RequestExtint() {
	la.extintRequested = true
}

// RequestLint1 signals local interrupt pin 1, architecturally wired to NMI.
func (la *LocalApic) RequestLint1() {
	la.lint1Requested = true
}

// SetTimer arms the one-shot LVT timer to raise vector at deadline on the
// virtual clock.
func (la *LocalApic) SetTimer(vector uint8, deadline time.Duration) {
	la.timerVector = vector
	la.timerDeadline = deadline
}

// SetTpr sets the task priority register.
func (la *LocalApic) SetTpr(tpr uint8) {
	la.tpr = tpr
}

// Scan consumes pending request state and returns the work to deliver. now
// is the current virtual time, used to expire the LVT timer. The IRR is
// consulted only when scanIrr is set or another event forces a look.
func (la *LocalApic) Scan(now time.Duration, scanIrr bool) Work {
	var w Work

	if la.timerDeadline != 0 && now >= la.timerDeadline {
		la.RequestInterrupt(la.timerVector)
		la.timerDeadline = 0
		scanIrr = true
	}

	w.Init = la.initRequested
	la.initRequested = false

	if la.sipiRequested {
		w.Sipi = true
		w.SipiVector = la.sipiVector
		la.sipiRequested = false
	}

	w.Nmi = la.nmiRequested
	la.nmiRequested = false

	w.Lint1 = la.lint1Requested
	la.lint1Requested = false

	w.Extint = la.extintRequested
	la.extintRequested = false

	if scanIrr {
		if vector, ok := la.highestPending(); ok {
			la.clearIrr(vector)
			w.Interrupt = true
			w.Vector = vector
		}
	}
	return w
}

// highestPending returns the highest requested vector above the TPR's
// priority class, if any. Higher vectors have higher priority.
func (la *LocalApic) highestPending() (uint8, bool) {
	for i := len(la.irr) - 1; i >= 0; i-- {
		word := la.irr[i]
		if word == 0 {
			continue
		}
		vector := uint8(i*32 + 31 - bits.LeadingZeros32(word))
		if vector < minFixedVector || vector>>4 <= la.tpr>>4 {
			return 0, false
		}
		return vector, true
	}
	return 0, false
}

func (la *LocalApic) clearIrr(vector uint8) {
	la.irr[vector/32] &^= 1 << (vector % 32)
}

// State is the CVM-wide interrupt state of one virtual processor: one local
// APIC per guest VTL. It is owned by the VP and shared by reference with
// the VP's backing, never across threads.
type State struct {
	lapics [hvdef.NumGuestVtls]LocalApic
}

// NewState returns interrupt state for one VP. The bootstrap processor
// starts running; application processors wait for startup.
func NewState(info hvdef.VpInfo) *State {
	s := &State{}
	if !info.IsBsp() {
		for i := range s.lapics {
			s.lapics[i].Activity = WaitForSipi
		}
	}
	return s
}

// Lapic returns the local APIC for vtl.
func (s *State) Lapic(vtl hvdef.Vtl) *LocalApic {
	return &s.lapics[vtl.GuestIndex()]
}
