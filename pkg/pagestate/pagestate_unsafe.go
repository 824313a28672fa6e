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

package pagestate

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Host VTL driver ioctls.
const (
	_MSHV_PVALIDATE               = 0x4018b828 // _IOW(MSHV_IOCTL, 0x28, mshvPvalidate)
	_MSHV_RMPADJUST               = 0x4020b829 // _IOW(MSHV_IOCTL, 0x29, mshvRmpadjust)
	_MSHV_RMPQUERY                = 0x4030b82a // _IOW(MSHV_IOCTL, 0x2a, mshvRmpquery)
	_MSHV_VTL_RETURN_TO_LOWER_VTL = 0x0000b827 // _IO(MSHV_IOCTL, 0x27)
)

// mshvPvalidate is the argument to _MSHV_PVALIDATE.
type mshvPvalidate struct {
	startPfn           uint64
	pageCount          uint64
	validate           uint8
	terminateOnFailure uint8

	// ram is set when the range is mapped in the kernel as RAM. Page-state
	// transitions here always operate on unmapped ranges.
	ram     uint8
	padding [1]uint8
}

// mshvRmpadjust is the argument to _MSHV_RMPADJUST.
type mshvRmpadjust struct {
	startPfn           uint64
	pageCount          uint64
	value              uint64
	terminateOnFailure uint8
	ram                uint8
	padding            [6]uint8
}

// mshvRmpquery is the argument to _MSHV_RMPQUERY. flags, pageSize, and
// pagesProcessed are written by the kernel.
type mshvRmpquery struct {
	startPfn           uint64
	pageCount          uint64
	terminateOnFailure uint8
	ram                uint8
	padding            [6]uint8
	flags              *uint64
	pageSize           *uint64
	pagesProcessed     *uint64
}

// doIoctl issues the ioctl and returns the driver's return value and errno.
// It is a variable so tests can substitute a fake kernel.
var doIoctl = func(fd int, req uintptr, arg unsafe.Pointer) (uintptr, unix.Errno) {
	ret, _, errno := unix.RawSyscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	return ret, errno
}

func ioctlPvalidatePages(fd int, arg *mshvPvalidate) (uintptr, unix.Errno) {
	return doIoctl(fd, _MSHV_PVALIDATE, unsafe.Pointer(arg))
}

func ioctlRmpadjustPages(fd int, arg *mshvRmpadjust) (uintptr, unix.Errno) {
	return doIoctl(fd, _MSHV_RMPADJUST, unsafe.Pointer(arg))
}

func ioctlRmpqueryPages(fd int, arg *mshvRmpquery) (uintptr, unix.Errno) {
	return doIoctl(fd, _MSHV_RMPQUERY, unsafe.Pointer(arg))
}

func ioctlReturnToLowerVtl(fd int) (uintptr, unix.Errno) {
	return doIoctl(fd, _MSHV_VTL_RETURN_TO_LOWER_VTL, nil)
}
