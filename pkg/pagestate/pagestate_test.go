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
	"errors"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openvmm/cvmcore/pkg/abi/sev"
	"github.com/openvmm/cvmcore/pkg/hvdef"
	"github.com/openvmm/cvmcore/pkg/memrange"
)

// fakeKernel emulates the host VTL driver's page-state table.
type fakeKernel struct {
	// validated tracks accepted pages by PFN.
	validated map[uint64]bool

	// perms tracks each page's permission word.
	perms map[uint64]uint64

	// failNext, when nonzero, makes the next ioctl fail at the OS layer.
	failNext unix.Errno

	// rmpqueryProcessed overrides the pages-processed count when set.
	rmpqueryProcessed *uint64
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		validated: make(map[uint64]bool),
		perms:     make(map[uint64]uint64),
	}
}

// install routes the package's ioctls into the fake for one test.
func (k *fakeKernel) install(t *testing.T) {
	t.Helper()
	prev := doIoctl
	doIoctl = k.ioctl
	t.Cleanup(func() { doIoctl = prev })
}

func (k *fakeKernel) ioctl(fd int, req uintptr, arg unsafe.Pointer) (uintptr, unix.Errno) {
	if k.failNext != 0 {
		errno := k.failNext
		k.failNext = 0
		return 0, errno
	}
	switch req {
	case _MSHV_PVALIDATE:
		a := (*mshvPvalidate)(arg)
		for pfn := a.startPfn; pfn < a.startPfn+a.pageCount; pfn++ {
			if k.validated[pfn] == (a.validate != 0) {
				// Double validate or double unaccept: the instruction
				// reports FAIL_PERMISSION, same status every time.
				return uintptr(sev.StatusFailPermission), 0
			}
		}
		for pfn := a.startPfn; pfn < a.startPfn+a.pageCount; pfn++ {
			k.validated[pfn] = a.validate != 0
		}
		return 0, 0
	case _MSHV_RMPADJUST:
		a := (*mshvRmpadjust)(arg)
		for pfn := a.startPfn; pfn < a.startPfn+a.pageCount; pfn++ {
			if !k.validated[pfn] {
				return uintptr(sev.StatusFailInput), 0
			}
		}
		for pfn := a.startPfn; pfn < a.startPfn+a.pageCount; pfn++ {
			k.perms[pfn] = a.value
		}
		return 0, 0
	case _MSHV_RMPQUERY:
		a := (*mshvRmpquery)(arg)
		*a.flags = k.perms[a.startPfn]
		*a.pageSize = 0
		if k.rmpqueryProcessed != nil {
			*a.pagesProcessed = *k.rmpqueryProcessed
		} else {
			*a.pagesProcessed = a.pageCount
		}
		return 0, 0
	default:
		return 0, unix.EINVAL
	}
}

func testDevice() *Device {
	return &Device{fd: 42}
}

func TestPvalidateAccept(t *testing.T) {
	k := newFakeKernel()
	k.install(t)
	dev := testDevice()

	r := memrange.New(0x10000, 0x13000)
	if err := dev.PvalidatePages(r, true, false); err != nil {
		t.Fatalf("PvalidatePages: %v", err)
	}
	for pfn := uint64(0x10); pfn < 0x13; pfn++ {
		if !k.validated[pfn] {
			t.Errorf("page %#x not validated", pfn)
		}
	}

	// Unaccept reverses it.
	if err := dev.PvalidatePages(r, false, false); err != nil {
		t.Fatalf("unaccept: %v", err)
	}
	for pfn := uint64(0x10); pfn < 0x13; pfn++ {
		if k.validated[pfn] {
			t.Errorf("page %#x still validated after unaccept", pfn)
		}
	}
}

func TestPvalidateDoubleAcceptIsaError(t *testing.T) {
	k := newFakeKernel()
	k.install(t)
	dev := testDevice()

	r := memrange.New(0x10000, 0x11000)
	if err := dev.PvalidatePages(r, true, false); err != nil {
		t.Fatalf("first accept: %v", err)
	}

	// Repeated accepts fail with the same stable ISA status each time.
	for i := 0; i < 3; i++ {
		err := dev.PvalidatePages(r, true, false)
		var isa *IsaError
		if !errors.As(err, &isa) {
			t.Fatalf("accept %d: got %v, want IsaError", i, err)
		}
		if isa.Status != sev.StatusFailPermission {
			t.Errorf("accept %d: status %#x, want %#x", i, isa.Status, sev.StatusFailPermission)
		}
	}
}

func TestPvalidateOsError(t *testing.T) {
	k := newFakeKernel()
	k.install(t)
	k.failNext = unix.EPERM
	dev := testDevice()

	err := dev.PvalidatePages(memrange.New(0, 0x1000), true, false)
	var osErr *OsError
	if !errors.As(err, &osErr) {
		t.Fatalf("got %v, want OsError", err)
	}
	if !errors.Is(err, unix.EPERM) {
		t.Errorf("OsError does not unwrap to EPERM: %v", err)
	}
	var isa *IsaError
	if errors.As(err, &isa) {
		t.Errorf("OS failure also matched IsaError: %v", err)
	}
}

func TestRmpadjustVmsaFlagIsNoop(t *testing.T) {
	k := newFakeKernel()
	k.install(t)
	dev := testDevice()

	r := memrange.New(0x20000, 0x21000)
	if err := dev.PvalidatePages(r, true, false); err != nil {
		t.Fatalf("accept: %v", err)
	}
	want := sev.RmpAdjustRead | sev.RmpAdjustWrite
	if err := dev.RmpadjustPages(r, want.WithTargetVmpl(2), false); err != nil {
		t.Fatalf("rmpadjust: %v", err)
	}
	before := dev.RmpqueryPage(0x20000, hvdef.Vtl0)

	// VMSA conversion is unsupported: success, and nothing changes.
	value := sev.RmpAdjustVmsa | sev.RmpAdjustRead
	if err := dev.RmpadjustPages(r, value.WithTargetVmpl(1), false); err != nil {
		t.Fatalf("rmpadjust with VMSA flag: %v", err)
	}
	after := dev.RmpqueryPage(0x20000, hvdef.Vtl0)
	if before != after {
		t.Errorf("VMSA-flagged adjust changed page state: %v -> %v", before, after)
	}
}

func TestRmpadjustUnvalidatedIsaError(t *testing.T) {
	k := newFakeKernel()
	k.install(t)
	dev := testDevice()

	err := dev.RmpadjustPages(memrange.New(0x30000, 0x31000), sev.RmpAdjustRead, false)
	var isa *IsaError
	if !errors.As(err, &isa) {
		t.Fatalf("got %v, want IsaError", err)
	}
	if isa.Status != sev.StatusFailInput {
		t.Errorf("status %#x, want %#x", isa.Status, sev.StatusFailInput)
	}
}

func TestRmpqueryPage(t *testing.T) {
	k := newFakeKernel()
	k.install(t)
	dev := testDevice()

	r := memrange.New(0x40000, 0x41000)
	if err := dev.PvalidatePages(r, true, false); err != nil {
		t.Fatalf("accept: %v", err)
	}
	want := (sev.RmpAdjustRead | sev.RmpAdjustWrite).WithTargetVmpl(2)
	if err := dev.RmpadjustPages(r, want, false); err != nil {
		t.Fatalf("rmpadjust: %v", err)
	}
	if got := dev.RmpqueryPage(0x40000, hvdef.Vtl0); got != want {
		t.Errorf("RmpqueryPage = %v, want %v", got, want)
	}
}

func TestRmpqueryPageCountInvariant(t *testing.T) {
	k := newFakeKernel()
	k.install(t)
	dev := testDevice()

	for _, processed := range []uint64{0, 2} {
		processed := processed
		k.rmpqueryProcessed = &processed
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("rmpquery processing %d pages did not panic", processed)
				}
			}()
			dev.RmpqueryPage(0x50000, hvdef.Vtl0)
		}()
	}
}

func FuzzRmpqueryPageCount(f *testing.F) {
	k := newFakeKernel()
	prev := doIoctl
	doIoctl = k.ioctl
	f.Cleanup(func() { doIoctl = prev })
	dev := testDevice()

	f.Add(uint64(0), uint8(0))
	f.Add(uint64(0x7fff_ffff_f000), uint8(1))
	f.Fuzz(func(t *testing.T, gpa uint64, vtl uint8) {
		if vtl >= hvdef.NumGuestVtls {
			return
		}
		// RmpqueryPage panics if the kernel ever reports anything but one
		// page processed for a single-page query.
		dev.RmpqueryPage(gpa, hvdef.Vtl(vtl))
	})
}

func TestRmpqueryVtl2Panics(t *testing.T) {
	k := newFakeKernel()
	k.install(t)
	dev := testDevice()

	defer func() {
		if recover() == nil {
			t.Error("rmpquery for VTL2 did not panic")
		}
	}()
	dev.RmpqueryPage(0x1000, hvdef.Vtl2)
}
