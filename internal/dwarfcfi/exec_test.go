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

package dwarfcfi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testCIE() *CommonInformationEntry {
	return &CommonInformationEntry{
		CodeAlignmentFactor:   1,
		DataAlignmentFactor:   -8,
		ReturnAddressRegister: ReturnAddressRegisterDefault,
		// def_cfa(rsp, 8): the CIE-wide default at function entry.
		InitialInstructions: []byte{DW_CFA_def_cfa, RSPRegister, 8},
	}
}

func TestExecuteDWARFProgramTracksCFAAndRBP(t *testing.T) {
	cie := testCIE()
	fde := &FrameDescriptionEntry{
		CIE:             cie,
		InitialLocation: 0x1000,
		AddressRange:    0x20,
		Instructions: []byte{
			// push %rbp; cfa becomes rsp+16
			DW_CFA_advance_loc1, 0x01,
			DW_CFA_def_cfa_offset, 0x10,
			// mov %rsp,%rbp; cfa is now rbp+16
			DW_CFA_advance_loc1, 0x03,
			DW_CFA_def_cfa_register, RBPRegister,
			// offset(rbp) = -16 (data alignment -8 * uleb 2)
			DW_CFA_offset | RBPRegister, 0x02,
		},
	}

	fc, err := ExecuteDWARFProgram(fde)
	require.NoError(t, err)
	require.Len(t, fc.Instructions, 3)

	require.Equal(t, uint64(0x1000), fc.Instructions[0].Loc)
	require.Equal(t, RuleCFA, fc.Instructions[0].CFA.Rule)
	require.Equal(t, uint64(RSPRegister), fc.Instructions[0].CFA.Register)
	require.Equal(t, int64(8), fc.Instructions[0].CFA.Offset)

	require.Equal(t, uint64(0x1001), fc.Instructions[1].Loc)
	require.Equal(t, int64(0x10), fc.Instructions[1].CFA.Offset)

	require.Equal(t, uint64(0x1004), fc.Instructions[2].Loc)
	require.Equal(t, uint64(RBPRegister), fc.Instructions[2].CFA.Register)

	last := fc.Instructions[2]
	require.Equal(t, uint64(0x1004), last.Loc)
	require.Equal(t, RuleOffset, last.RBP.Rule)
	require.Equal(t, int64(-16), last.RBP.Offset)
}

func TestExecuteDWARFProgramRememberRestoreState(t *testing.T) {
	cie := testCIE()
	fde := &FrameDescriptionEntry{
		CIE:             cie,
		InitialLocation: 0x2000,
		AddressRange:    0x10,
		Instructions: []byte{
			DW_CFA_remember_state,
			DW_CFA_advance_loc1, 0x01,
			DW_CFA_def_cfa_offset, 0x20,
			DW_CFA_advance_loc1, 0x01,
			DW_CFA_restore_state,
		},
	}

	fc, err := ExecuteDWARFProgram(fde)
	require.NoError(t, err)
	last := fc.current()
	require.Equal(t, int64(8), last.CFA.Offset)
}

func TestExecuteDWARFProgramStopsOnUnknownOpcode(t *testing.T) {
	cie := testCIE()
	fde := &FrameDescriptionEntry{
		CIE:             cie,
		InitialLocation: 0x3000,
		AddressRange:    0x10,
		Instructions:    []byte{0x1d}, // reserved, unassigned opcode
	}

	_, err := ExecuteDWARFProgram(fde)
	require.NoError(t, err) // execute() reports failures via nil return, not error
}
