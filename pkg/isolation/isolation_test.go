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

package isolation

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"none", None, false},
		{"", None, false},
		{"vbs", Vbs, false},
		{"snp", Snp, false},
		{"tdx", Tdx, false},
		{"sev", None, true},
	}
	for _, test := range tests {
		got, err := Parse(test.in)
		if (err != nil) != test.wantErr || got != test.want {
			t.Errorf("Parse(%q) = (%v, %v), want (%v, err=%v)", test.in, got, err, test.want, test.wantErr)
		}
	}
}

func TestHardwareIsolated(t *testing.T) {
	for _, test := range []struct {
		t    Type
		want bool
	}{
		{None, false},
		{Vbs, false},
		{Snp, true},
		{Tdx, true},
	} {
		if got := test.t.IsHardwareIsolated(); got != test.want {
			t.Errorf("%v.IsHardwareIsolated() = %v, want %v", test.t, got, test.want)
		}
	}
}
