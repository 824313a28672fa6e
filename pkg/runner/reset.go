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
	"github.com/openvmm/cvmcore/pkg/abi/sev"
	"github.com/openvmm/cvmcore/pkg/hvdef"
)

// registerWriter is the slice of the Runner surface the reset path needs.
type registerWriter interface {
	WriteRegister(vtl hvdef.Vtl, name hvdef.RegisterName, value hvdef.RegisterValue) error
}

// x86 power-on values (SDM vol. 3, 10.1.4).
const (
	resetRip    = 0xfff0
	resetRflags = 0x2
	resetCr0    = 0x60000010
	resetDr6    = 0xffff0ff0
	resetDr7    = 0x400
	resetPat    = 0x0007040600070406
)

// apicBase returns the power-on APIC base MSR value: the architectural
// default address, globally enabled, with the BSP bit for VP 0.
func apicBase(info hvdef.VpInfo) uint64 {
	base := uint64(0xfee00000) | 1<<11
	if info.IsBsp() {
		base |= 1 << 8
	}
	return base
}

// x86PowerOnReset writes vtl's architectural state back to the power-on
// default through the generic register path. This is what INIT does, for
// every backing.
func x86PowerOnReset(w registerWriter, vtl hvdef.Vtl, info hvdef.VpInfo) error {
	type regWrite struct {
		name  hvdef.RegisterName
		value hvdef.RegisterValue
	}

	dataSeg := hvdef.SegmentRegister{Limit: 0xffff, Attributes: sev.AttrData16}
	writes := []regWrite{
		{hvdef.RegisterCs, hvdef.SegmentRegister{
			Base:       0xffff0000,
			Limit:      0xffff,
			Selector:   0xf000,
			Attributes: sev.AttrCode16,
		}.Value()},
		{hvdef.RegisterDs, dataSeg.Value()},
		{hvdef.RegisterEs, dataSeg.Value()},
		{hvdef.RegisterFs, dataSeg.Value()},
		{hvdef.RegisterGs, dataSeg.Value()},
		{hvdef.RegisterSs, dataSeg.Value()},
		{hvdef.RegisterLdtr, hvdef.SegmentRegister{Limit: 0xffff, Attributes: sev.AttrLdt}.Value()},
		{hvdef.RegisterTr, hvdef.SegmentRegister{Limit: 0xffff, Attributes: sev.AttrTss}.Value()},
		{hvdef.RegisterGdtr, hvdef.TableValue(0, 0xffff)},
		{hvdef.RegisterIdtr, hvdef.TableValue(0, 0xffff)},

		{hvdef.RegisterRip, hvdef.U64Value(resetRip)},
		{hvdef.RegisterRflags, hvdef.U64Value(resetRflags)},
		{hvdef.RegisterCr0, hvdef.U64Value(resetCr0)},
		{hvdef.RegisterCr2, hvdef.U64Value(0)},
		{hvdef.RegisterCr3, hvdef.U64Value(0)},
		{hvdef.RegisterCr4, hvdef.U64Value(0)},
		{hvdef.RegisterDr6, hvdef.U64Value(resetDr6)},
		{hvdef.RegisterDr7, hvdef.U64Value(resetDr7)},
		{hvdef.RegisterEfer, hvdef.U64Value(0)},
		{hvdef.RegisterPat, hvdef.U64Value(resetPat)},
		{hvdef.RegisterApicBase, hvdef.U64Value(apicBase(info))},
	}
	for gp := hvdef.RegisterRax; gp <= hvdef.RegisterR15; gp++ {
		writes = append(writes, regWrite{gp, hvdef.U64Value(0)})
	}

	for _, rw := range writes {
		if err := w.WriteRegister(vtl, rw.name, rw.value); err != nil {
			return err
		}
	}
	return nil
}
