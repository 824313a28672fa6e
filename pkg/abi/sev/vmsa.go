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

package sev

// VmsaSize is the size of the save area page.
const VmsaSize = 4096

// VmcbSegment is a segment register in VMCB/VMSA form.
type VmcbSegment struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// Vmsa is the SEV-ES/SNP save area: the architectural register state of one
// (VP, VTL) while that VTL is not executing. Field order follows AMD APM
// vol. 2, table B-4.
type Vmsa struct {
	Es   VmcbSegment
	Cs   VmcbSegment
	Ss   VmcbSegment
	Ds   VmcbSegment
	Fs   VmcbSegment
	Gs   VmcbSegment
	Gdtr VmcbSegment
	Ldtr VmcbSegment
	Idtr VmcbSegment
	Tr   VmcbSegment

	Vmpl0Ssp uint64
	Vmpl1Ssp uint64
	Vmpl2Ssp uint64
	Vmpl3Ssp uint64
	UCet     uint64
	_        [2]byte
	Vmpl     uint8
	Cpl      uint8
	_        [4]byte
	Efer     uint64
	_        [104]byte
	Xss      uint64
	Cr4      uint64
	Cr3      uint64
	Cr0      uint64
	Dr7      uint64
	Dr6      uint64
	Rflags   uint64
	Rip      uint64

	Dr0         uint64
	Dr1         uint64
	Dr2         uint64
	Dr3         uint64
	Dr0AddrMask uint64
	Dr1AddrMask uint64
	Dr2AddrMask uint64
	Dr3AddrMask uint64
	_           [24]byte

	Rsp          uint64
	SCet         uint64
	Ssp          uint64
	IsstAddr     uint64
	Rax          uint64
	Star         uint64
	Lstar        uint64
	Cstar        uint64
	Sfmask       uint64
	KernelGsBase uint64
	SysenterCs   uint64
	SysenterEsp  uint64
	SysenterEip  uint64
	Cr2          uint64
	_            [32]byte
	GPat         uint64
	DbgCtl       uint64
	BrFrom       uint64
	BrTo         uint64
	LastExcpFrom uint64
	LastExcpTo   uint64
	_            [80]byte
	Pkru         uint32
	_            [20]byte

	_   uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	_   uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
	_   [16]byte

	GuestExitInfo1   uint64
	GuestExitInfo2   uint64
	GuestExitIntInfo uint64
	GuestNrip        uint64
	SevFeatures      uint64
	VintrCtrl        uint64
	GuestExitCode    uint64
	VirtualTom       uint64
	TlbID            uint64
	PcpuID           uint64
	EventInj         uint64
	XCr0             uint64
	_                [16]byte

	X87Dp    uint64
	Mxcsr    uint32
	X87Ftw   uint16
	X87Fsw   uint16
	X87Fcw   uint16
	X87Fop   uint16
	X87Ds    uint16
	X87Cs    uint16
	X87Rip   uint64
	FpregX87 [80]byte
	FpregXmm [256]byte
	FpregYmm [256]byte
	_        [2448]byte
}
