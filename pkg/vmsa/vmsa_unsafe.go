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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openvmm/cvmcore/pkg/abi/sev"
)

// The save area must be page-aligned for hardware use, so slots are backed
// by anonymous mappings rather than Go heap allocations.

func allocVmsa() (*sev.Vmsa, error) {
	m, err := unix.Mmap(-1, 0, sev.VmsaSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return (*sev.Vmsa)(unsafe.Pointer(&m[0])), nil
}

func freeVmsa(v *sev.Vmsa) {
	m := unsafe.Slice((*byte)(unsafe.Pointer(v)), sev.VmsaSize)
	unix.Munmap(m)
}
