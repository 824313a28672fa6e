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

package runner

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openvmm/cvmcore/pkg/abi/sev"
	"github.com/openvmm/cvmcore/pkg/apic"
	"github.com/openvmm/cvmcore/pkg/hvdef"
	"github.com/openvmm/cvmcore/pkg/isolation"
)

// testPartition is a permissive partition environment.
type testPartition struct {
	startupDenied bool
}

func (p *testPartition) ProxyIrrVtl0() (apic.Irr, bool) { return apic.Irr{}, false }

func (p *testPartition) LowerVtlStartupDenied() bool { return p.startupDenied }

func (p *testPartition) Now() time.Duration { return 0 }

func newTestVp(t *testing.T, iso isolation.Type) *VirtualProcessor {
	t.Helper()
	vp, err := NewVirtualProcessor(hvdef.VpInfo{Index: 0}, iso)
	if err != nil {
		t.Fatalf("NewVirtualProcessor(%v): %v", iso, err)
	}
	t.Cleanup(vp.Free)
	return vp
}

func newTestRunner(t *testing.T, iso isolation.Type) *Runner {
	t.Helper()
	vp := newTestVp(t, iso)
	r, err := New(vp, iso, nil, &testPartition{})
	if err != nil {
		t.Fatalf("New(%v): %v", iso, err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestMismatchedIsolation(t *testing.T) {
	for _, built := range []isolation.Type{isolation.None, isolation.Vbs, isolation.Snp, isolation.Tdx} {
		vp := newTestVp(t, built)
		for _, requested := range []isolation.Type{isolation.None, isolation.Vbs, isolation.Snp, isolation.Tdx} {
			b, err := NewBacking(vp, requested, nil)
			if requested == built {
				if err != nil {
					t.Errorf("NewBacking(%v) on %v VP failed: %v", requested, built, err)
				}
				continue
			}
			if !errors.Is(err, ErrMismatchedIsolation) {
				t.Errorf("NewBacking(%v) on %v VP: got (%v, %v), want ErrMismatchedIsolation", requested, built, b, err)
			}
		}
	}
}

func TestRunnerExclusiveOwnership(t *testing.T) {
	vp := newTestVp(t, isolation.Snp)

	r1, err := New(vp, isolation.Snp, nil, &testPartition{})
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := New(vp, isolation.Snp, nil, &testPartition{}); !errors.Is(err, ErrVpInUse) {
		t.Errorf("second New: got %v, want ErrVpInUse", err)
	}

	r1.Close()
	r2, err := New(vp, isolation.Snp, nil, &testPartition{})
	if err != nil {
		t.Fatalf("New after Close: %v", err)
	}
	r2.Close()
}

func TestSnpContract(t *testing.T) {
	r := newTestRunner(t, isolation.Snp)
	b := r.Backing()

	names := []hvdef.RegisterName{
		hvdef.RegisterRax, hvdef.RegisterRip, hvdef.RegisterCr0,
		hvdef.RegisterCs, hvdef.RegisterEfer,
	}
	for _, name := range names {
		ok, err := b.TrySetRegister(name, hvdef.U64Value(1))
		if ok || err != nil {
			t.Errorf("SNP TrySetRegister(%#x) = (%v, %v), want (false, nil)", uint32(name), ok, err)
		}
		if _, ok, err := b.TryGetRegister(name); ok || err != nil {
			t.Errorf("SNP TryGetRegister(%#x) = (_, %v, %v), want (false, nil)", uint32(name), ok, err)
		}
		if b.MustFlushRegistersOn(name) {
			t.Errorf("SNP MustFlushRegistersOn(%#x) = true", uint32(name))
		}
	}
}

func TestSnpRegisterRoundTrip(t *testing.T) {
	r := newTestRunner(t, isolation.Snp)

	if err := r.WriteRegister(hvdef.Vtl0, hvdef.RegisterRbx, hvdef.U64Value(0x1234)); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	got, err := r.ReadRegister(hvdef.Vtl0, hvdef.RegisterRbx)
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}
	if got.U64() != 0x1234 {
		t.Errorf("RBX = %#x, want 0x1234", got.U64())
	}

	// Per-VTL state is independent.
	got, err = r.ReadRegister(hvdef.Vtl1, hvdef.RegisterRbx)
	if err != nil {
		t.Fatalf("ReadRegister(VTL1): %v", err)
	}
	if got.U64() != 0 {
		t.Errorf("VTL1 RBX = %#x, want 0", got.U64())
	}
}

func TestSnpEferKeepsSvme(t *testing.T) {
	r := newTestRunner(t, isolation.Snp)

	if err := r.WriteRegister(hvdef.Vtl0, hvdef.RegisterEfer, hvdef.U64Value(0)); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	got, err := r.ReadRegister(hvdef.Vtl0, hvdef.RegisterEfer)
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}
	if got.U64()&eferSvme == 0 {
		t.Errorf("EFER = %#x lost SVME", got.U64())
	}
}

func TestSnpVmsasForCopy(t *testing.T) {
	r := newTestRunner(t, isolation.Snp)
	snp := r.Backing().(*Snp)

	src, dst := snp.VmsasForCopy(hvdef.Vtl0, hvdef.Vtl1)
	dst.SetRip(0xdead)
	if src.Rip() == 0xdead {
		t.Error("source and target views alias the same save area")
	}
	if got := snp.Vmsa(hvdef.Vtl1).Rip(); got != 0xdead {
		t.Errorf("target VTL1 RIP = %#x, want 0xdead", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("VmsasForCopy with source == target did not panic")
		}
	}()
	snp.VmsasForCopy(hvdef.Vtl0, hvdef.Vtl0)
}

func TestSnpApicDelivery(t *testing.T) {
	r := newTestRunner(t, isolation.Snp)
	snp := r.Backing().(*Snp)
	la := r.vp.Apic().Lapic(hvdef.Vtl0)

	la.RequestNmi()
	r.PollApic(hvdef.Vtl0, false)
	if got, want := snp.Vmsa(hvdef.Vtl0).EventInject(), sev.EventInjectNmi(); got != want {
		t.Errorf("EVENTINJ after NMI = %#x, want %#x", got, want)
	}
	if la.NmiPending {
		t.Error("NMI still pending after delivery")
	}

	la.RequestInterrupt(0x33)
	r.PollApic(hvdef.Vtl0, true)
	if got, want := snp.Vmsa(hvdef.Vtl0).EventInject(), sev.EventInjectInterrupt(0x33); got != want {
		t.Errorf("EVENTINJ after interrupt = %#x, want %#x", got, want)
	}
}

func TestSnpSipiThroughPoll(t *testing.T) {
	r := newTestRunner(t, isolation.Snp)
	snp := r.Backing().(*Snp)
	la := r.vp.Apic().Lapic(hvdef.Vtl0)
	la.Activity = apic.WaitForSipi
	la.RequestSipi(0x9)

	r.PollApic(hvdef.Vtl0, false)

	v := snp.Vmsa(hvdef.Vtl0)
	want := hvdef.SegmentRegister{Base: 0x9000, Limit: 0xffff, Selector: 0x900, Attributes: 0x9b}
	if diff := cmp.Diff(want, v.Cs()); diff != "" {
		t.Errorf("CS after SIPI mismatch (-want +got):\n%s", diff)
	}
	if v.Rip() != 0 {
		t.Errorf("RIP after SIPI = %#x, want 0", v.Rip())
	}
	if la.Activity != apic.Running {
		t.Errorf("activity after SIPI = %v, want running", la.Activity)
	}
}

func TestInitResetsToPowerOn(t *testing.T) {
	r := newTestRunner(t, isolation.Snp)
	snp := r.Backing().(*Snp)
	la := r.vp.Apic().Lapic(hvdef.Vtl0)

	// Dirty some state first.
	if err := r.WriteRegister(hvdef.Vtl0, hvdef.RegisterRip, hvdef.U64Value(0x12345)); err != nil {
		t.Fatal(err)
	}
	la.RequestInit()
	r.PollApic(hvdef.Vtl0, false)

	v := snp.Vmsa(hvdef.Vtl0)
	wantCs := hvdef.SegmentRegister{Base: 0xffff0000, Limit: 0xffff, Selector: 0xf000, Attributes: 0x9b}
	if diff := cmp.Diff(wantCs, v.Cs()); diff != "" {
		t.Errorf("CS after INIT mismatch (-want +got):\n%s", diff)
	}
	if v.Rip() != resetRip {
		t.Errorf("RIP after INIT = %#x, want %#x", v.Rip(), resetRip)
	}
	if v.Cr0() != resetCr0 {
		t.Errorf("CR0 after INIT = %#x, want %#x", v.Cr0(), resetCr0)
	}
	if v.Rflags() != resetRflags {
		t.Errorf("RFLAGS after INIT = %#x, want %#x", v.Rflags(), resetRflags)
	}
	// SVME survives the reset writing EFER = 0.
	if got := v.Efer(); got&eferSvme == 0 {
		t.Errorf("EFER after INIT = %#x lost SVME", got)
	}
	// VP 0 is the BSP: INIT leaves it running.
	if la.Activity != apic.Running {
		t.Errorf("BSP activity after INIT = %v, want running", la.Activity)
	}
}

func TestInitOnApWaitsForSipi(t *testing.T) {
	vp, err := NewVirtualProcessor(hvdef.VpInfo{Index: 1, ApicID: 1}, isolation.None)
	if err != nil {
		t.Fatal(err)
	}
	defer vp.Free()
	r, err := New(vp, isolation.None, nil, &testPartition{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	la := vp.Apic().Lapic(hvdef.Vtl0)
	la.Activity = apic.Running
	la.RequestInit()
	r.PollApic(hvdef.Vtl0, false)
	if la.Activity != apic.WaitForSipi {
		t.Errorf("AP activity after INIT = %v, want wait-for-sipi", la.Activity)
	}
}

func TestMshvDirectRegisters(t *testing.T) {
	r := newTestRunner(t, isolation.None)
	b := r.Backing()

	ok, err := b.TrySetRegister(hvdef.RegisterRax, hvdef.U64Value(7))
	if !ok || err != nil {
		t.Fatalf("TrySetRegister(RAX) = (%v, %v), want (true, nil)", ok, err)
	}
	got, ok, err := b.TryGetRegister(hvdef.RegisterRax)
	if !ok || err != nil || got.U64() != 7 {
		t.Fatalf("TryGetRegister(RAX) = (%#x, %v, %v), want (7, true, nil)", got.U64(), ok, err)
	}

	// Non-run-page registers report unsupported and use the generic path.
	if ok, _ := b.TrySetRegister(hvdef.RegisterCr0, hvdef.U64Value(1)); ok {
		t.Error("TrySetRegister(CR0) succeeded directly")
	}
}

func TestMshvFlushSemantics(t *testing.T) {
	r := newTestRunner(t, isolation.None)
	b := r.Backing()

	if err := r.WriteRegister(hvdef.Vtl0, hvdef.RegisterCr3, hvdef.U64Value(0x5000)); err != nil {
		t.Fatal(err)
	}
	if !b.MustFlushRegistersOn(hvdef.RegisterCr3) {
		t.Error("buffered CR3 write does not demand a flush")
	}
	// ReadRegister flushes first, then the value is committed.
	got, err := r.ReadRegister(hvdef.Vtl0, hvdef.RegisterCr3)
	if err != nil {
		t.Fatal(err)
	}
	if got.U64() != 0x5000 {
		t.Errorf("CR3 = %#x, want 0x5000", got.U64())
	}
	if b.MustFlushRegistersOn(hvdef.RegisterCr3) {
		t.Error("CR3 still demands a flush after ReadRegister")
	}
}

func TestVbsFlushSemantics(t *testing.T) {
	r := newTestRunner(t, isolation.Vbs)
	b := r.Backing()

	if ok, err := b.TrySetRegister(hvdef.RegisterRax, hvdef.U64Value(1)); ok || err != nil {
		t.Errorf("VBS TrySetRegister = (%v, %v), want (false, nil)", ok, err)
	}
	if err := r.WriteRegister(hvdef.Vtl1, hvdef.RegisterLstar, hvdef.U64Value(0xffff800000000000)); err != nil {
		t.Fatal(err)
	}
	if !b.MustFlushRegistersOn(hvdef.RegisterLstar) {
		t.Error("buffered LSTAR write does not demand a flush")
	}
	if err := b.FlushRegisters(); err != nil {
		t.Fatal(err)
	}
	if b.MustFlushRegistersOn(hvdef.RegisterLstar) {
		t.Error("LSTAR still demands a flush after FlushRegisters")
	}
	got, err := r.ReadRegister(hvdef.Vtl1, hvdef.RegisterLstar)
	if err != nil {
		t.Fatal(err)
	}
	if got.U64() != 0xffff800000000000 {
		t.Errorf("LSTAR = %#x", got.U64())
	}
}

func TestTdxEnterStateRegisters(t *testing.T) {
	r := newTestRunner(t, isolation.Tdx)
	b := r.Backing()

	if ok, err := b.TrySetRegister(hvdef.RegisterRsi, hvdef.U64Value(0xabc)); !ok || err != nil {
		t.Fatalf("TDX TrySetRegister(RSI) = (%v, %v), want (true, nil)", ok, err)
	}
	got, ok, err := b.TryGetRegister(hvdef.RegisterRsi)
	if !ok || err != nil || got.U64() != 0xabc {
		t.Fatalf("TDX TryGetRegister(RSI) = (%#x, %v, %v)", got.U64(), ok, err)
	}
	if ok, _ := b.TrySetRegister(hvdef.RegisterLstar, hvdef.U64Value(1)); ok {
		t.Error("TDX TrySetRegister(LSTAR) succeeded directly")
	}
}

func TestFreeWhileRunnerHeldPanics(t *testing.T) {
	vp := newTestVp(t, isolation.Vbs)
	r, err := New(vp, isolation.Vbs, nil, &testPartition{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	defer func() {
		if recover() == nil {
			t.Error("Free with a live runner did not panic")
		}
	}()
	vp.Free()
}
