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

import "bytes"

// DWRule is one register's (or the CFA's) recovery rule at a program
// point.
type DWRule struct {
	Rule       Rule
	Register   uint64
	Offset     int64
	Expression []byte
}

// InstructionContext is the set of rules in effect starting at Loc, until
// the next InstructionContext's Loc (or the FDE's end).
type InstructionContext struct {
	Loc uint64
	CFA DWRule
	RBP DWRule
}

// FrameContext is one FDE's row-by-row unwind rules, one InstructionContext
// per PC range where the rules change.
type FrameContext struct {
	Instructions []InstructionContext
	RetAddrReg   uint64
}

func (fc *FrameContext) current() *InstructionContext {
	return &fc.Instructions[len(fc.Instructions)-1]
}

// ExecuteDWARFProgram runs an FDE's CIE-initial-instructions followed by
// its own instructions, and returns one InstructionContext per PC range
// where the CFA or RBP recovery rule changes.
func ExecuteDWARFProgram(fde *FrameDescriptionEntry) (*FrameContext, error) {
	fc := &FrameContext{
		RetAddrReg:   fde.CIE.ReturnAddressRegister,
		Instructions: []InstructionContext{{Loc: fde.InitialLocation}},
	}

	if err := fc.execute(fde.CIE.InitialInstructions, fde, true); err != nil {
		return fc, err
	}
	// The initial instructions establish the CIE-wide default rules;
	// remember_state/restore_state below only ever restores to a state
	// captured after this point, matching the DWARF spec's definition of
	// the CIE's "initial state".
	if err := fc.execute(fde.Instructions, fde, false); err != nil {
		return fc, err
	}
	return fc, nil
}

func (fc *FrameContext) execute(instructions []byte, fde *FrameDescriptionEntry, isCIE bool) error {
	buf := bytes.NewBuffer(instructions)
	var savedStack []InstructionContext

	for buf.Len() > 0 {
		opByte, err := buf.ReadByte()
		if err != nil {
			break
		}
		hi2 := opByte & 0xc0
		lo6 := opByte & 0x3f

		switch {
		case hi2 == DW_CFA_advance_loc:
			fc.advanceLoc(fde, uint64(lo6)*fde.CIE.CodeAlignmentFactor)
		case hi2 == DW_CFA_offset:
			offset := DecodeULEB128(buf)
			fc.setRegisterOffset(uint64(lo6), int64(offset)*fde.CIE.DataAlignmentFactor)
		case hi2 == DW_CFA_restore:
			// Restores the register to the rule held by the first row,
			// i.e. the state left by the CIE's initial instructions; RBP
			// is the only register rule tracked here.
			if uint64(lo6) == RBPRegister {
				fc.current().RBP = fc.Instructions[0].RBP
			}
		default:
			switch opByte {
			case DW_CFA_nop:
			case DW_CFA_set_loc:
				var addr [8]byte
				buf.Read(addr[:]) //nolint:errcheck
				fc.setLoc(le64(addr[:]))
			case DW_CFA_advance_loc1:
				b, _ := buf.ReadByte()
				fc.advanceLoc(fde, uint64(b)*fde.CIE.CodeAlignmentFactor)
			case DW_CFA_advance_loc2:
				var b [2]byte
				buf.Read(b[:]) //nolint:errcheck
				fc.advanceLoc(fde, uint64(le16(b[:]))*fde.CIE.CodeAlignmentFactor)
			case DW_CFA_advance_loc4:
				var b [4]byte
				buf.Read(b[:]) //nolint:errcheck
				fc.advanceLoc(fde, uint64(le32(b[:]))*fde.CIE.CodeAlignmentFactor)
			case DW_CFA_offset_extended:
				reg := DecodeULEB128(buf)
				offset := DecodeULEB128(buf)
				fc.setRegisterOffset(reg, int64(offset)*fde.CIE.DataAlignmentFactor)
			case DW_CFA_restore_extended:
				reg := DecodeULEB128(buf)
				if reg == RBPRegister {
					fc.current().RBP = fc.Instructions[0].RBP
				}
			case DW_CFA_undefined:
				reg := DecodeULEB128(buf)
				if reg == RBPRegister {
					fc.current().RBP = DWRule{Rule: RuleUndefined}
				}
			case DW_CFA_same_value:
				reg := DecodeULEB128(buf)
				if reg == RBPRegister {
					fc.current().RBP = DWRule{Rule: RuleSameVal}
				}
			case DW_CFA_register:
				reg := DecodeULEB128(buf)
				other := DecodeULEB128(buf)
				if reg == RBPRegister {
					fc.current().RBP = DWRule{Rule: RuleRegister, Register: other}
				}
			case DW_CFA_remember_state:
				saved := make([]InstructionContext, len(fc.Instructions))
				copy(saved, fc.Instructions)
				savedStack = append(savedStack, saved[len(saved)-1])
			case DW_CFA_restore_state:
				if len(savedStack) > 0 {
					restored := savedStack[len(savedStack)-1]
					savedStack = savedStack[:len(savedStack)-1]
					cur := fc.current()
					restoredCopy := restored
					restoredCopy.Loc = cur.Loc
					*cur = restoredCopy
				}
			case DW_CFA_def_cfa:
				reg := DecodeULEB128(buf)
				offset := DecodeULEB128(buf)
				fc.setCFARegisterOffset(reg, int64(offset))
			case DW_CFA_def_cfa_register:
				reg := DecodeULEB128(buf)
				cur := fc.current()
				cur.CFA.Register = reg
			case DW_CFA_def_cfa_offset:
				offset := DecodeULEB128(buf)
				fc.current().CFA.Offset = int64(offset)
			case DW_CFA_def_cfa_expression:
				length := DecodeULEB128(buf)
				expr := make([]byte, length)
				buf.Read(expr) //nolint:errcheck
				fc.current().CFA = DWRule{Rule: RuleExpression, Expression: expr}
			case DW_CFA_expression:
				reg := DecodeULEB128(buf)
				length := DecodeULEB128(buf)
				expr := make([]byte, length)
				buf.Read(expr) //nolint:errcheck
				if reg == RBPRegister {
					fc.current().RBP = DWRule{Rule: RuleExpression, Expression: expr}
				}
			case DW_CFA_offset_extended_sf:
				reg := DecodeULEB128(buf)
				offset := DecodeSLEB128(buf)
				fc.setRegisterOffset(reg, offset*fde.CIE.DataAlignmentFactor)
			case DW_CFA_def_cfa_sf:
				reg := DecodeULEB128(buf)
				offset := DecodeSLEB128(buf)
				fc.setCFARegisterOffset(reg, offset*fde.CIE.DataAlignmentFactor)
			case DW_CFA_def_cfa_offset_sf:
				offset := DecodeSLEB128(buf)
				fc.current().CFA.Offset = offset * fde.CIE.DataAlignmentFactor
			case DW_CFA_val_offset:
				reg := DecodeULEB128(buf)
				offset := DecodeULEB128(buf)
				if reg == RBPRegister {
					fc.current().RBP = DWRule{Rule: RuleValOffset, Offset: int64(offset) * fde.CIE.DataAlignmentFactor}
				}
			case DW_CFA_val_offset_sf:
				reg := DecodeULEB128(buf)
				offset := DecodeSLEB128(buf)
				if reg == RBPRegister {
					fc.current().RBP = DWRule{Rule: RuleValOffset, Offset: offset * fde.CIE.DataAlignmentFactor}
				}
			case DW_CFA_val_expression:
				reg := DecodeULEB128(buf)
				length := DecodeULEB128(buf)
				expr := make([]byte, length)
				buf.Read(expr) //nolint:errcheck
				if reg == RBPRegister {
					fc.current().RBP = DWRule{Rule: RuleValExpression, Expression: expr}
				}
			case DW_CFA_GNU_args_size:
				DecodeULEB128(buf)
			case DW_CFA_GNU_negative_offset_extended:
				reg := DecodeULEB128(buf)
				offset := DecodeULEB128(buf)
				if reg == RBPRegister {
					fc.current().RBP = DWRule{Rule: RuleOffset, Offset: -int64(offset) * fde.CIE.DataAlignmentFactor}
				}
			case DW_CFA_GNU_window_save:
				// SPARC register-window save; never emitted for x86_64.
			default:
				// Unrecognized or vendor opcode with unknown operand shape.
				// We cannot safely continue decoding this program; the
				// caller sees the rows produced so far.
				return nil
			}
		}
	}
	return nil
}

func (fc *FrameContext) setLoc(addr uint64) {
	cur := *fc.current()
	cur.Loc = addr
	fc.Instructions = append(fc.Instructions, cur)
}

func (fc *FrameContext) advanceLoc(fde *FrameDescriptionEntry, delta uint64) {
	cur := *fc.current()
	cur.Loc += delta
	fc.Instructions = append(fc.Instructions, cur)
}

func (fc *FrameContext) setRegisterOffset(reg uint64, offset int64) {
	if reg == RBPRegister {
		fc.current().RBP = DWRule{Rule: RuleOffset, Offset: offset}
	}
}

func (fc *FrameContext) setCFARegisterOffset(reg uint64, offset int64) {
	cur := fc.current()
	cur.CFA = DWRule{Rule: RuleCFA, Register: reg, Offset: offset}
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
