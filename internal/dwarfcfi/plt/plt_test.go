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

package plt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskstack/duskprofd/internal/dwarfcfi"
	"github.com/duskstack/duskprofd/pkg/layout"
)

func TestIdentifyRecognizesPLT1(t *testing.T) {
	expr := []byte{
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
	require.Equal(t, layout.ExpressionPLT1, Identify(expr))
}

func TestIdentifyRecognizesPLT2(t *testing.T) {
	expr := []byte{
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
	require.Equal(t, layout.ExpressionPLT2, Identify(expr))
}

func TestIdentifyIgnoresEmbeddedNops(t *testing.T) {
	// A zero byte interleaved anywhere must not change the classification;
	// Identify strips them before comparing.
	expr := []byte{
		dwarfcfi.DW_OP_breg7, 0x0,
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
	require.Equal(t, layout.ExpressionPLT1, Identify(expr))
}

func TestIdentifyUnknownExpression(t *testing.T) {
	require.Equal(t, layout.ExpressionUnknown, Identify([]byte{dwarfcfi.DW_OP_lit0}))
}
