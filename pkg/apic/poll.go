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

package apic

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/openvmm/cvmcore/pkg/hvdef"
)

// Handler is the isolation-specific delivery capability the poll engine
// drives. Implementations mutate the State they were constructed with;
// HandleNmi is expected to clear NmiPending once the NMI is injected, and
// HandleSipi to move the VTL's activity out of WaitForSipi.
type Handler interface {
	// HandleInit resets the VTL's architectural state to its power-on
	// default.
	HandleInit(vtl hvdef.Vtl)

	// HandleSipi starts the VTL at the given code segment.
	HandleSipi(vtl hvdef.Vtl, cs hvdef.SegmentRegister)

	// HandleNmi injects a pending NMI.
	HandleNmi(vtl hvdef.Vtl)

	// HandleInterrupt injects a fixed interrupt.
	HandleInterrupt(vtl hvdef.Vtl, vector uint8)

	// HandleExtint injects an external-PIC interrupt. Embed NoExtint when
	// the backing does not support these.
	HandleExtint(vtl hvdef.Vtl)

	// SupportsNmiMasking returns whether the backing can mask NMIs in
	// hardware, allowing LINT1 NMIs to coexist with cross-VTL NMIs.
	SupportsNmiMasking() bool
}

// Environment is what the poll engine needs from the partition and host.
type Environment interface {
	// ProxyIrrVtl0 returns the interrupt-request bitmap the host has
	// proxied for this VP's VTL0 since the last call, if any.
	ProxyIrrVtl0() (Irr, bool)

	// LowerVtlStartupDenied returns whether the partition currently
	// forbids INIT/SIPI startup of lower VTLs.
	LowerVtlStartupDenied() bool

	// Now returns the current virtual time.
	Now() time.Duration
}

// extintWarn rate-limits the unsupported-extint warning.
var extintWarn = rate.NewLimiter(rate.Every(5*time.Second), 10)

// NoExtint provides the default extint behavior for backings without
// external-PIC support: log and drop.
type NoExtint struct{}

// HandleExtint implements Handler.HandleExtint.
func (NoExtint) HandleExtint(vtl hvdef.Vtl) {
	if extintWarn.Allow() {
		logrus.WithField("vtl", vtl).Warn("extint not supported")
	}
}

// Poll runs one poll iteration for (s, vtl) against h.
//
// The order below is load-bearing: INIT resolves before SIPI, both resolve
// before the WaitForSipi gate that suppresses every other class, and
// LINT1/NMI resolve before the fixed interrupt and EXTINT.
func Poll(s *State, vtl hvdef.Vtl, scanIrr bool, h Handler, env Environment) {
	// Fold in interrupt requests proxied by the host. Offload would need
	// tmr reconciliation (a vector can move from level- to edge-triggered),
	// which takes a lock; plain request-bit injection does not.
	if vtl == hvdef.Vtl0 {
		if irr, ok := env.ProxyIrrVtl0(); ok {
			s.Lapic(vtl).RequestFixedInterrupts(irr)
		}
	}

	la := s.Lapic(vtl)
	work := la.Scan(env.Now(), scanIrr)

	// Startup permission is checked inside each block; INIT and SIPI are
	// cold, and the predicate may be costlier than the scan.
	if work.Init && !env.LowerVtlStartupDenied() {
		h.HandleInit(vtl)
	}

	if work.Sipi && la.Activity == WaitForSipi && !env.LowerVtlStartupDenied() {
		h.HandleSipi(vtl, hvdef.SegmentRegister{
			Base:       uint64(work.SipiVector) << 12,
			Limit:      0xffff,
			Selector:   uint16(work.SipiVector) << 8,
			Attributes: 0x9b,
		})
	}

	// Everything else is ignored while waiting for SIPI.
	if la.Activity == WaitForSipi {
		return
	}

	if work.Lint1 {
		if h.SupportsNmiMasking() || !la.CrossVtlNmiRequested {
			la.NmiSuppression |= NmiSuppressLint1Requested
			la.NmiPending = true
		}
	}

	if work.Nmi {
		la.NmiPending = true
	}

	if la.NmiPending {
		h.HandleNmi(vtl)
	}

	if work.Interrupt {
		h.HandleInterrupt(vtl, work.Vector)
	}

	if work.Extint {
		h.HandleExtint(vtl)
	}
}
