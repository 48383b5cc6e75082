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

// Call Frame Instructions, DWARF v4 section 6.4.2.
const (
	DW_CFA_nop                = 0x0
	DW_CFA_set_loc            = 0x01
	DW_CFA_advance_loc1       = iota
	DW_CFA_advance_loc2
	DW_CFA_advance_loc4
	DW_CFA_offset_extended
	DW_CFA_restore_extended
	DW_CFA_undefined
	DW_CFA_same_value
	DW_CFA_register
	DW_CFA_remember_state
	DW_CFA_restore_state
	DW_CFA_def_cfa
	DW_CFA_def_cfa_register
	DW_CFA_def_cfa_offset
	DW_CFA_def_cfa_expression
	DW_CFA_expression
	DW_CFA_offset_extended_sf
	DW_CFA_def_cfa_sf
	DW_CFA_def_cfa_offset_sf
	DW_CFA_val_offset
	DW_CFA_val_offset_sf
	DW_CFA_val_expression
	DW_CFA_lo_user            = 0x1c
	DW_CFA_hi_user            = 0x3f
	DW_CFA_advance_loc        = 0x1 << 6
	DW_CFA_offset             = 0x2 << 6
	DW_CFA_restore            = 0x3 << 6
	DW_CFA_GNU_window_save              = 0x2d
	DW_CFA_GNU_args_size                = 0x2e
	DW_CFA_GNU_negative_offset_extended = 0x2f
)

// The subset of DWARF expression opcodes needed to recognize the PLT
// idioms and to skip over unrecognized expressions without misparsing the
// rest of the CFA program.
const (
	DW_OP_addr     = 0x03
	DW_OP_deref    = 0x06
	DW_OP_const1u  = 0x08
	DW_OP_const1s  = 0x09
	DW_OP_const2u  = 0x0a
	DW_OP_const2s  = 0x0b
	DW_OP_const4u  = 0x0c
	DW_OP_const4s  = 0x0d
	DW_OP_plus     = 0x22
	DW_OP_shl      = 0x24
	DW_OP_and      = 0x1a
	DW_OP_ge       = 0x2a
	DW_OP_skip     = 0x2f
	DW_OP_lit0     = 0x30
	DW_OP_lit3     = 0x33
	DW_OP_lit10    = 0x3a
	DW_OP_lit11    = 0x3b
	DW_OP_lit15    = 0x3f
	DW_OP_reg0     = 0x50
	DW_OP_breg0    = 0x70
	DW_OP_breg6    = 0x76
	DW_OP_breg7    = 0x77
	DW_OP_breg16   = 0x80
	DW_OP_call_frame_cfa = 0x9c
	DW_OP_bit_piece      = 0x9d
	DW_OP_lo_user  = 0xe0
	DW_OP_hi_user  = 0xff
)

// Rule identifies how a register's value (or the CFA) is recovered at a
// given program point.
type Rule uint8

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleCFA
)

// RBPRegister is the DWARF register number for RBP on x86_64.
const RBPRegister = 6

// RSPRegister is the DWARF register number for RSP on x86_64.
const RSPRegister = 7

// ReturnAddressRegisterDefault is the conventional x86_64 default: DWARF
// register 16 (a pseudo-register beyond the 16 GPRs), used when a CIE
// doesn't otherwise specialize it.
const ReturnAddressRegisterDefault = 16
