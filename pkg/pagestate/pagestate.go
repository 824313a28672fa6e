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

// Package pagestate implements the confidential-memory page-state
// transition service: accepting, unaccepting, repermissioning, and querying
// guest physical pages through the host VTL driver.
//
// All operations are synchronous calls into host-privileged code. They may
// block on host scheduling and must not be made while holding a lock the
// calling thread needs to make progress.
package pagestate

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/openvmm/cvmcore/pkg/abi/sev"
	"github.com/openvmm/cvmcore/pkg/hvdef"
	"github.com/openvmm/cvmcore/pkg/memrange"
)

// DefaultDevicePath is the host VTL driver device node.
const DefaultDevicePath = "/dev/mshv_vtl"

// OsError indicates the privileged call itself could not be issued or
// failed at the OS layer.
type OsError struct {
	Errno unix.Errno
}

// Error implements error.Error.
func (e *OsError) Error() string {
	return fmt.Sprintf("operating system error: %v", e.Errno)
}

// Unwrap implements errors.Unwrap's interface.
func (e *OsError) Unwrap() error {
	return e.Errno
}

// IsaError indicates the privileged call succeeded but the underlying
// confidential-computing instruction reported a nonzero status.
type IsaError struct {
	Status uint32
}

// Error implements error.Error.
func (e *IsaError) Error() string {
	return fmt.Sprintf("isa error %#x", e.Status)
}

// PageError wraps an OsError or IsaError with the failing page operation.
type PageError struct {
	Op  string
	Err error
}

// Error implements error.Error.
func (e *PageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

// Unwrap implements errors.Unwrap's interface.
func (e *PageError) Unwrap() error {
	return e.Err
}

// Device is a handle to the host VTL driver, through which the paravisor
// issues page-state transitions and VTL entry.
type Device struct {
	fd int
}

// OpenDevice opens the host VTL driver at path.
func OpenDevice(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %v", path, err)
	}
	return &Device{fd: fd}, nil
}

// Close releases the device handle.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// PvalidatePages executes the pvalidate instruction on the range,
// accepting it (validate=true) or reversing a prior acceptance.
//
// The range must not be mapped in the kernel as RAM.
//
// terminateOnFailure instructs the hardware to terminate the partition on
// validation failure instead of returning an error; callers must not set it
// unless partition termination is the desired failure mode.
func (d *Device) PvalidatePages(r memrange.MemoryRange, validate, terminateOnFailure bool) error {
	logrus.WithFields(logrus.Fields{
		"range":              r,
		"validate":           validate,
		"terminateOnFailure": terminateOnFailure,
	}).Debug("pvalidate")

	arg := mshvPvalidate{
		startPfn:           r.StartPfn(),
		pageCount:          r.PageCount(),
		validate:           boolByte(validate),
		terminateOnFailure: boolByte(terminateOnFailure),
	}
	ret, errno := ioctlPvalidatePages(d.fd, &arg)
	if errno != 0 {
		return &PageError{Op: "pvalidate", Err: &OsError{Errno: errno}}
	}
	if ret != 0 {
		return &PageError{Op: "pvalidate", Err: &IsaError{Status: uint32(ret)}}
	}
	return nil
}

// RmpadjustPages executes the rmpadjust instruction on the range, applying
// value's permissions at its target VMPL.
//
// The range must not be mapped in the kernel as RAM.
//
// VMSA page-type conversion is unsupported: when value carries the VMSA
// flag the call returns success without adjusting anything. Callers must
// not rely on the conversion happening.
func (d *Device) RmpadjustPages(r memrange.MemoryRange, value sev.RmpAdjust, terminateOnFailure bool) error {
	if value.IsVmsa() {
		return nil
	}

	arg := mshvRmpadjust{
		startPfn:           r.StartPfn(),
		pageCount:          r.PageCount(),
		value:              uint64(value),
		terminateOnFailure: boolByte(terminateOnFailure),
	}
	ret, errno := ioctlRmpadjustPages(d.fd, &arg)
	if errno != 0 {
		return &PageError{Op: "rmpadjust", Err: &OsError{Errno: errno}}
	}
	if ret != 0 {
		return &PageError{Op: "rmpadjust", Err: &IsaError{Status: uint32(ret)}}
	}
	return nil
}

// RmpqueryPage returns the current permissions of the page at gpa for vtl.
//
// The query must process exactly one page; anything else means the host and
// guest page-state models have diverged beyond recovery, so it panics.
func (d *Device) RmpqueryPage(gpa uint64, vtl hvdef.Vtl) sev.RmpAdjust {
	flags := [1]uint64{uint64(sev.RmpAdjust(0).WithTargetVmpl(vmplFor(vtl)))}
	var pageSize [1]uint64
	var pagesProcessed uint64

	arg := mshvRmpquery{
		startPfn:       gpa / hvdef.PageSize,
		pageCount:      1,
		flags:          &flags[0],
		pageSize:       &pageSize[0],
		pagesProcessed: &pagesProcessed,
	}
	if _, errno := ioctlRmpqueryPages(d.fd, &arg); errno != 0 {
		panic(fmt.Sprintf("rmpquery should always succeed: %v", errno))
	}
	if pagesProcessed != 1 {
		panic(fmt.Sprintf("rmpquery processed %d pages, expected 1", pagesProcessed))
	}
	return sev.RmpAdjust(flags[0])
}

// ReturnToLowerVtl enters the lower VTL and returns when it next exits.
func (d *Device) ReturnToLowerVtl() error {
	if _, errno := ioctlReturnToLowerVtl(d.fd); errno != 0 {
		return fmt.Errorf("entering lower VTL: %v", errno)
	}
	return nil
}

// vmplFor maps a guest VTL to the VMPL its permissions live at.
func vmplFor(vtl hvdef.Vtl) uint8 {
	switch vtl {
	case hvdef.Vtl0:
		return 2
	case hvdef.Vtl1:
		return 1
	default:
		panic(fmt.Sprintf("no VMPL for %v", vtl))
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
