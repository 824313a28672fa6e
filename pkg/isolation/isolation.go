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

// Package isolation describes the partition-wide memory isolation type.
package isolation

import "fmt"

// Type is the isolation technology protecting a partition. It is chosen at
// partition build time and immutable thereafter.
type Type uint8

const (
	// None is a non-isolated partition.
	None Type = iota

	// Vbs is software isolation provided by the hypervisor (virtualization
	// based security).
	Vbs

	// Snp is AMD SEV-SNP hardware isolation.
	Snp

	// Tdx is Intel TDX hardware isolation.
	Tdx
)

// IsHardwareIsolated returns whether the partition's memory is protected by
// hardware rather than by the hypervisor.
func (t Type) IsHardwareIsolated() bool {
	return t == Snp || t == Tdx
}

// IsIsolated returns whether the partition is isolated at all.
func (t Type) IsIsolated() bool {
	return t != None
}

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Vbs:
		return "vbs"
	case Snp:
		return "snp"
	case Tdx:
		return "tdx"
	default:
		return fmt.Sprintf("isolation(%d)", uint8(t))
	}
}

// Parse converts a textual isolation type, as found in config files and
// device tree properties, to a Type.
func Parse(s string) (Type, error) {
	switch s {
	case "none", "":
		return None, nil
	case "vbs":
		return Vbs, nil
	case "snp":
		return Snp, nil
	case "tdx":
		return Tdx, nil
	default:
		return None, fmt.Errorf("unknown isolation type %q", s)
	}
}
