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

// Package hvdef defines hypervisor ABI types shared across the processor
// execution core: virtual trust levels, register names and values, and the
// per-VP identity block.
package hvdef

import "fmt"

const (
	// PageSize is the hypervisor page size.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12
)

// Vtl is a virtual trust level within a virtual processor. Each VTL has its
// own architectural register state.
type Vtl uint8

const (
	// Vtl0 runs the guest OS.
	Vtl0 Vtl = 0

	// Vtl1 runs the secure guest context.
	Vtl1 Vtl = 1

	// Vtl2 runs the paravisor. It proxies for the host and is not itself
	// isolated via a save area.
	Vtl2 Vtl = 2
)

// NumGuestVtls is the number of VTLs that execute guest code and carry
// per-VTL save-area state (VTL0 and VTL1).
const NumGuestVtls = 2

// String implements fmt.Stringer.String.
func (v Vtl) String() string {
	switch v {
	case Vtl0:
		return "VTL0"
	case Vtl1:
		return "VTL1"
	case Vtl2:
		return "VTL2"
	default:
		return fmt.Sprintf("VTL%d(invalid)", uint8(v))
	}
}

// GuestIndex returns the index of this VTL into guest-VTL-indexed arrays.
//
// VTL2 has no guest state; asking for its index is a programmer error.
func (v Vtl) GuestIndex() int {
	if v >= NumGuestVtls {
		panic(fmt.Sprintf("%v has no guest state", v))
	}
	return int(v)
}

// RegisterName identifies an architectural or synthetic register, using the
// hypervisor ABI numbering.
type RegisterName uint32

// x86-64 register names (subset used by this core).
const (
	RegisterRax    RegisterName = 0x00020000
	RegisterRcx    RegisterName = 0x00020001
	RegisterRdx    RegisterName = 0x00020002
	RegisterRbx    RegisterName = 0x00020003
	RegisterRsp    RegisterName = 0x00020004
	RegisterRbp    RegisterName = 0x00020005
	RegisterRsi    RegisterName = 0x00020006
	RegisterRdi    RegisterName = 0x00020007
	RegisterR8     RegisterName = 0x00020008
	RegisterR9     RegisterName = 0x00020009
	RegisterR10    RegisterName = 0x0002000a
	RegisterR11    RegisterName = 0x0002000b
	RegisterR12    RegisterName = 0x0002000c
	RegisterR13    RegisterName = 0x0002000d
	RegisterR14    RegisterName = 0x0002000e
	RegisterR15    RegisterName = 0x0002000f
	RegisterRip    RegisterName = 0x00020010
	RegisterRflags RegisterName = 0x00020011

	RegisterCr0  RegisterName = 0x00040000
	RegisterCr2  RegisterName = 0x00040001
	RegisterCr3  RegisterName = 0x00040002
	RegisterCr4  RegisterName = 0x00040003
	RegisterCr8  RegisterName = 0x00040004
	RegisterXfem RegisterName = 0x00040005

	RegisterDr0 RegisterName = 0x00050000
	RegisterDr1 RegisterName = 0x00050001
	RegisterDr2 RegisterName = 0x00050002
	RegisterDr3 RegisterName = 0x00050003
	RegisterDr6 RegisterName = 0x00050004
	RegisterDr7 RegisterName = 0x00050005

	RegisterEs   RegisterName = 0x00060000
	RegisterCs   RegisterName = 0x00060001
	RegisterSs   RegisterName = 0x00060002
	RegisterDs   RegisterName = 0x00060003
	RegisterFs   RegisterName = 0x00060004
	RegisterGs   RegisterName = 0x00060005
	RegisterLdtr RegisterName = 0x00060006
	RegisterTr   RegisterName = 0x00060007

	RegisterIdtr RegisterName = 0x00070000
	RegisterGdtr RegisterName = 0x00070001

	RegisterTsc          RegisterName = 0x00080000
	RegisterEfer         RegisterName = 0x00080001
	RegisterKernelGsBase RegisterName = 0x00080002
	RegisterApicBase     RegisterName = 0x00080003
	RegisterPat          RegisterName = 0x00080004
	RegisterSysenterCs   RegisterName = 0x00080005
	RegisterSysenterEip  RegisterName = 0x00080006
	RegisterSysenterEsp  RegisterName = 0x00080007
	RegisterStar         RegisterName = 0x00080008
	RegisterLstar        RegisterName = 0x00080009
	RegisterCstar        RegisterName = 0x0008000a
	RegisterSfmask       RegisterName = 0x0008000b
)

// RegisterValue is a 128-bit register value, the widest unit the hypervisor
// register ABI transfers. Most registers use only the low 64 bits.
type RegisterValue struct {
	Low  uint64
	High uint64
}

// U64Value returns a RegisterValue holding a 64-bit value.
func U64Value(v uint64) RegisterValue {
	return RegisterValue{Low: v}
}

// U64 returns the low 64 bits of the value.
func (v RegisterValue) U64() uint64 {
	return v.Low
}

// SegmentRegister is an x86 segment register in unpacked form. Attributes
// use the VMCB attribute encoding.
type SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// Value returns the segment packed into the 128-bit register transfer
// format: base in the low 64 bits, then limit, selector, and attributes.
func (s SegmentRegister) Value() RegisterValue {
	return RegisterValue{
		Low:  s.Base,
		High: uint64(s.Limit) | uint64(s.Selector)<<32 | uint64(s.Attributes)<<48,
	}
}

// Segment unpacks a segment register from the 128-bit transfer format.
func (v RegisterValue) Segment() SegmentRegister {
	return SegmentRegister{
		Base:       v.Low,
		Limit:      uint32(v.High),
		Selector:   uint16(v.High >> 32),
		Attributes: uint16(v.High >> 48),
	}
}

// TableValue returns a descriptor table register (GDTR/IDTR) packed like a
// segment with no selector or attributes.
func TableValue(base uint64, limit uint32) RegisterValue {
	return RegisterValue{Low: base, High: uint64(limit)}
}

// VpInfo identifies a virtual processor within its partition. It is assigned
// at partition build time and immutable thereafter.
type VpInfo struct {
	// Index is the VP index within the partition.
	Index uint32

	// ApicID is the VP's APIC ID.
	ApicID uint32
}

// IsBsp returns whether this VP is the bootstrap processor.
func (i VpInfo) IsBsp() bool {
	return i.Index == 0
}
