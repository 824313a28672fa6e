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

package hvdef

import "testing"

func TestSegmentPacking(t *testing.T) {
	s := SegmentRegister{Base: 0xffff0000, Limit: 0xffff, Selector: 0xf000, Attributes: 0x9b}
	got := s.Value().Segment()
	if got != s {
		t.Errorf("round trip = %+v, want %+v", got, s)
	}

	v := s.Value()
	if v.Low != 0xffff0000 {
		t.Errorf("packed base = %#x", v.Low)
	}
	if uint32(v.High) != 0xffff || uint16(v.High>>32) != 0xf000 || uint16(v.High>>48) != 0x9b {
		t.Errorf("packed high = %#x", v.High)
	}
}

func TestVtlGuestIndex(t *testing.T) {
	if Vtl0.GuestIndex() != 0 || Vtl1.GuestIndex() != 1 {
		t.Error("guest VTL indices wrong")
	}
	defer func() {
		if recover() == nil {
			t.Error("VTL2 GuestIndex did not panic")
		}
	}()
	Vtl2.GuestIndex()
}
