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

package vmsa

import (
	"fmt"

	"github.com/openvmm/cvmcore/pkg/abi/sev"
	"github.com/openvmm/cvmcore/pkg/hvdef"
)

// View is a read-only view of a save area, bound to a register-intercept
// bitmap. The save-area layout is fixed per isolation type, so access to a
// register with no save-area mapping is a programmer error and panics.
type View struct {
	v      *sev.Vmsa
	bitmap *InterceptBitmap
}

// MutableView extends View with write access.
type MutableView struct {
	View
}

// GuestOwned returns whether the guest may change name without an
// intercept, i.e. whether the save-area value can go stale between exits.
func (v View) GuestOwned(name hvdef.RegisterName) bool {
	return !v.bitmap.Intercepted(name)
}

// SevFeatures returns the SEV feature bits active for this VTL.
func (v View) SevFeatures() uint64 { return v.v.SevFeatures }

// Cpl returns the VTL's current privilege level.
func (v View) Cpl() uint8 { return v.v.Cpl }

// Rax returns RAX.
func (v View) Rax() uint64 { return v.v.Rax }

// Rip returns RIP.
func (v View) Rip() uint64 { return v.v.Rip }

// Rsp returns RSP.
func (v View) Rsp() uint64 { return v.v.Rsp }

// Rflags returns RFLAGS.
func (v View) Rflags() uint64 { return v.v.Rflags }

// Cr0 returns CR0.
func (v View) Cr0() uint64 { return v.v.Cr0 }

// Cr3 returns CR3.
func (v View) Cr3() uint64 { return v.v.Cr3 }

// Cr4 returns CR4.
func (v View) Cr4() uint64 { return v.v.Cr4 }

// Efer returns EFER.
func (v View) Efer() uint64 { return v.v.Efer }

// Cs returns the CS segment.
func (v View) Cs() hvdef.SegmentRegister { return fromVmcb(v.v.Cs) }

// EventInject returns the pending EVENTINJ encoding, zero if none.
func (v View) EventInject() uint64 { return v.v.EventInj }

// SetRip sets RIP.
func (v MutableView) SetRip(val uint64) { v.v.Rip = val }

// SetRsp sets RSP.
func (v MutableView) SetRsp(val uint64) { v.v.Rsp = val }

// SetRflags sets RFLAGS.
func (v MutableView) SetRflags(val uint64) { v.v.Rflags = val }

// SetCs sets the CS segment.
func (v MutableView) SetCs(s hvdef.SegmentRegister) { v.v.Cs = toVmcb(s) }

// SetEventInject queues an event for injection on next entry.
func (v MutableView) SetEventInject(encoded uint64) { v.v.EventInj = encoded }

// Register reads a register by name from the save area.
func (v View) Register(name hvdef.RegisterName) hvdef.RegisterValue {
	if p := v.gp(name); p != nil {
		return hvdef.U64Value(*p)
	}
	if p := v.seg(name); p != nil {
		return fromVmcb(*p).Value()
	}
	switch name {
	case hvdef.RegisterIdtr:
		return hvdef.TableValue(v.v.Idtr.Base, v.v.Idtr.Limit)
	case hvdef.RegisterGdtr:
		return hvdef.TableValue(v.v.Gdtr.Base, v.v.Gdtr.Limit)
	default:
		panic(fmt.Sprintf("read of register %#x not backed by save area", uint32(name)))
	}
}

// SetRegister writes a register by name into the save area.
func (v MutableView) SetRegister(name hvdef.RegisterName, value hvdef.RegisterValue) {
	if p := v.gp(name); p != nil {
		*p = value.U64()
		return
	}
	if p := v.seg(name); p != nil {
		*p = toVmcb(value.Segment())
		return
	}
	switch name {
	case hvdef.RegisterIdtr:
		v.v.Idtr.Base = value.Low
		v.v.Idtr.Limit = uint32(value.High)
	case hvdef.RegisterGdtr:
		v.v.Gdtr.Base = value.Low
		v.v.Gdtr.Limit = uint32(value.High)
	default:
		panic(fmt.Sprintf("write of register %#x not backed by save area", uint32(name)))
	}
}

// gp returns the save-area field backing a 64-bit register, or nil if name
// is not a 64-bit register.
func (v View) gp(name hvdef.RegisterName) *uint64 {
	m := v.v
	switch name {
	case hvdef.RegisterRax:
		return &m.Rax
	case hvdef.RegisterRcx:
		return &m.Rcx
	case hvdef.RegisterRdx:
		return &m.Rdx
	case hvdef.RegisterRbx:
		return &m.Rbx
	case hvdef.RegisterRsp:
		return &m.Rsp
	case hvdef.RegisterRbp:
		return &m.Rbp
	case hvdef.RegisterRsi:
		return &m.Rsi
	case hvdef.RegisterRdi:
		return &m.Rdi
	case hvdef.RegisterR8:
		return &m.R8
	case hvdef.RegisterR9:
		return &m.R9
	case hvdef.RegisterR10:
		return &m.R10
	case hvdef.RegisterR11:
		return &m.R11
	case hvdef.RegisterR12:
		return &m.R12
	case hvdef.RegisterR13:
		return &m.R13
	case hvdef.RegisterR14:
		return &m.R14
	case hvdef.RegisterR15:
		return &m.R15
	case hvdef.RegisterRip:
		return &m.Rip
	case hvdef.RegisterRflags:
		return &m.Rflags
	case hvdef.RegisterCr0:
		return &m.Cr0
	case hvdef.RegisterCr2:
		return &m.Cr2
	case hvdef.RegisterCr3:
		return &m.Cr3
	case hvdef.RegisterCr4:
		return &m.Cr4
	case hvdef.RegisterXfem:
		return &m.XCr0
	case hvdef.RegisterDr0:
		return &m.Dr0
	case hvdef.RegisterDr1:
		return &m.Dr1
	case hvdef.RegisterDr2:
		return &m.Dr2
	case hvdef.RegisterDr3:
		return &m.Dr3
	case hvdef.RegisterDr6:
		return &m.Dr6
	case hvdef.RegisterDr7:
		return &m.Dr7
	case hvdef.RegisterEfer:
		return &m.Efer
	case hvdef.RegisterKernelGsBase:
		return &m.KernelGsBase
	case hvdef.RegisterPat:
		return &m.GPat
	case hvdef.RegisterSysenterCs:
		return &m.SysenterCs
	case hvdef.RegisterSysenterEip:
		return &m.SysenterEip
	case hvdef.RegisterSysenterEsp:
		return &m.SysenterEsp
	case hvdef.RegisterStar:
		return &m.Star
	case hvdef.RegisterLstar:
		return &m.Lstar
	case hvdef.RegisterCstar:
		return &m.Cstar
	case hvdef.RegisterSfmask:
		return &m.Sfmask
	}
	return nil
}

// seg returns the save-area field backing a segment register, or nil.
func (v View) seg(name hvdef.RegisterName) *sev.VmcbSegment {
	m := v.v
	switch name {
	case hvdef.RegisterEs:
		return &m.Es
	case hvdef.RegisterCs:
		return &m.Cs
	case hvdef.RegisterSs:
		return &m.Ss
	case hvdef.RegisterDs:
		return &m.Ds
	case hvdef.RegisterFs:
		return &m.Fs
	case hvdef.RegisterGs:
		return &m.Gs
	case hvdef.RegisterLdtr:
		return &m.Ldtr
	case hvdef.RegisterTr:
		return &m.Tr
	}
	return nil
}

func fromVmcb(s sev.VmcbSegment) hvdef.SegmentRegister {
	return hvdef.SegmentRegister{
		Base:       s.Base,
		Limit:      s.Limit,
		Selector:   s.Selector,
		Attributes: s.Attrib,
	}
}

func toVmcb(s hvdef.SegmentRegister) sev.VmcbSegment {
	return sev.VmcbSegment{
		Selector: s.Selector,
		Attrib:   s.Attributes,
		Limit:    s.Limit,
		Base:     s.Base,
	}
}
