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

// Package sev defines AMD SEV-SNP architectural data structures: the SEV-ES
// save area (VMSA), the RMPADJUST permission word, and the status codes
// returned by the SNP page instructions.
//
// Layouts follow AMD APM Volume 2.
package sev

import "fmt"

// RmpAdjust is the permission word taken by the RMPADJUST instruction and
// returned by RMPQUERY: a target VMPL in the low byte, permission bits
// above it, and the VMSA page-type flag.
type RmpAdjust uint64

const (
	// RmpAdjustRead grants read access at the target VMPL.
	RmpAdjustRead RmpAdjust = 1 << 8

	// RmpAdjustWrite grants write access at the target VMPL.
	RmpAdjustWrite RmpAdjust = 1 << 9

	// RmpAdjustUserExecute grants user-mode execute at the target VMPL.
	RmpAdjustUserExecute RmpAdjust = 1 << 10

	// RmpAdjustKernelExecute grants supervisor-mode execute at the target
	// VMPL.
	RmpAdjustKernelExecute RmpAdjust = 1 << 11

	// RmpAdjustVmsa marks the page as a VMSA page.
	RmpAdjustVmsa RmpAdjust = 1 << 16
)

// TargetVmpl returns the VM privilege level the permissions apply to.
func (r RmpAdjust) TargetVmpl() uint8 {
	return uint8(r)
}

// WithTargetVmpl returns r with the target VMPL replaced.
func (r RmpAdjust) WithTargetVmpl(vmpl uint8) RmpAdjust {
	return (r &^ 0xff) | RmpAdjust(vmpl)
}

// IsVmsa returns whether the VMSA page-type flag is set.
func (r RmpAdjust) IsVmsa() bool {
	return r&RmpAdjustVmsa != 0
}

// String implements fmt.Stringer.String.
func (r RmpAdjust) String() string {
	perms := [4]byte{'-', '-', '-', '-'}
	if r&RmpAdjustRead != 0 {
		perms[0] = 'r'
	}
	if r&RmpAdjustWrite != 0 {
		perms[1] = 'w'
	}
	if r&RmpAdjustUserExecute != 0 {
		perms[2] = 'u'
	}
	if r&RmpAdjustKernelExecute != 0 {
		perms[3] = 'k'
	}
	s := fmt.Sprintf("vmpl%d:%s", r.TargetVmpl(), perms)
	if r.IsVmsa() {
		s += ":vmsa"
	}
	return s
}

// Status codes reported by PVALIDATE and RMPADJUST (AMD APM vol. 3).
const (
	StatusSuccess          uint32 = 0
	StatusFailInput        uint32 = 1
	StatusFailPermission   uint32 = 2
	StatusFailSizeMismatch uint32 = 6
)

// EVENTINJ event types (AMD APM vol. 2, 15.20).
const (
	eventTypeInterrupt = 0
	eventTypeNmi       = 2

	eventInjValid = 1 << 31
)

// EventInjectInterrupt encodes a fixed-interrupt injection for the VMSA
// EVENTINJ field.
func EventInjectInterrupt(vector uint8) uint64 {
	return uint64(vector) | eventTypeInterrupt<<8 | eventInjValid
}

// EventInjectNmi encodes an NMI injection for the VMSA EVENTINJ field.
func EventInjectNmi() uint64 {
	return 2 | eventTypeNmi<<8 | eventInjValid
}

// VMCB segment attribute encodings for the architectural reset state.
const (
	AttrCode16 uint16 = 0x9b
	AttrData16 uint16 = 0x93
	AttrLdt    uint16 = 0x82
	AttrTss    uint16 = 0x8b
)
