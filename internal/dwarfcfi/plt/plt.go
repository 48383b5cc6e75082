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

// Package plt recognizes the two DWARF CFA expression idioms produced for
// procedure-linkage-table stubs on x86_64, so the CFI compiler can encode
// them as EXPRESSION+PLT1/PLT2 rather than rejecting them outright.
package plt

import (
	"github.com/duskstack/duskprofd/internal/dwarfcfi"
	"github.com/duskstack/duskprofd/pkg/layout"
)

// plt1 is equivalent to: sp + 8 + ((((ip & 15) >= 11)) << 3).
var plt1 = [...]byte{
	dwarfcfi.DW_OP_breg7,
	dwarfcfi.DW_OP_const1u,
	dwarfcfi.DW_OP_breg16,
	dwarfcfi.DW_OP_lit15,
	dwarfcfi.DW_OP_and,
	dwarfcfi.DW_OP_lit11,
	dwarfcfi.DW_OP_ge,
	dwarfcfi.DW_OP_lit3,
	dwarfcfi.DW_OP_shl,
	dwarfcfi.DW_OP_plus,
}

// plt2 is equivalent to: sp + 8 + ((((ip & 15) >= 10)) << 3).
var plt2 = [...]byte{
	dwarfcfi.DW_OP_breg7,
	dwarfcfi.DW_OP_const1u,
	dwarfcfi.DW_OP_breg16,
	dwarfcfi.DW_OP_lit15,
	dwarfcfi.DW_OP_and,
	dwarfcfi.DW_OP_lit10,
	dwarfcfi.DW_OP_ge,
	dwarfcfi.DW_OP_lit3,
	dwarfcfi.DW_OP_shl,
	dwarfcfi.DW_OP_plus,
}

// Identify returns the recognized expression id for a CFA expression, or
// ExpressionUnknown if it isn't one of the two idioms above.
func Identify(expression []byte) uint16 {
	cleaned := make([]byte, 0, len(expression))
	for _, op := range expression {
		if op == 0x0 {
			continue
		}
		cleaned = append(cleaned, op)
	}
	if equal(cleaned, plt1[:]) {
		return layout.ExpressionPLT1
	}
	if equal(cleaned, plt2[:]) {
		return layout.ExpressionPLT2
	}
	return layout.ExpressionUnknown
}

func equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
