// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package layout

import "testing"

func TestBudgetsAreConsistent(t *testing.T) {
	if MaxStackDepthPerProgram*MaxTailCalls < MaxStackDepth {
		t.Fatalf("tail-call budget %d*%d cannot cover MaxStackDepth %d",
			MaxStackDepthPerProgram, MaxTailCalls, MaxStackDepth)
	}
	if (uint64(1) << MaxBinarySearchDepth) < MaxUnwindTableSize {
		t.Fatalf("MaxBinarySearchDepth %d cannot cover MaxUnwindTableSize %d",
			MaxBinarySearchDepth, MaxUnwindTableSize)
	}
}

func TestMappingSizeBytesMatchesWireFormat(t *testing.T) {
	// executable_id(u32) + type(u32) + load_address(u64) + begin(u64) + end(u64)
	want := 4 + 4 + 8 + 8 + 8
	if MappingSizeBytes != want {
		t.Fatalf("MappingSizeBytes = %d, want %d", MappingSizeBytes, want)
	}
}

func TestRowIsEndOfFDEMarker(t *testing.T) {
	marker := Row{Pc: 0x1000, CFAType: CFATypeEndOfFDEMarker}
	if !marker.IsEndOfFDEMarker() {
		t.Fatal("expected end-of-FDE marker row to report as such")
	}

	row := Row{Pc: 0x1000, CFAType: CFATypeRBP, CFAOffset: 16}
	if row.IsEndOfFDEMarker() {
		t.Fatal("expected ordinary row to not report as end-of-FDE marker")
	}
}

func TestMappingContains(t *testing.T) {
	m := Mapping{Begin: 0x1000, End: 0x2000}

	cases := []struct {
		ip   uint64
		want bool
	}{
		{0x0fff, false},
		{0x1000, true},
		{0x1fff, true},
		{0x2000, false},
	}
	for _, c := range cases {
		if got := m.Contains(c.ip); got != c.want {
			t.Errorf("Contains(0x%x) = %v, want %v", c.ip, got, c.want)
		}
	}
}
