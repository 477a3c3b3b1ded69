package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DWARF Call Frame Instruction opcodes, per the DWARF standard's
// Call Frame Information opcode table.
const (
	dwCFANop              = 0x00
	dwCFASetLoc           = 0x01
	dwCFAAdvanceLoc1      = 0x02
	dwCFAAdvanceLoc2      = 0x03
	dwCFAAdvanceLoc4      = 0x04
	dwCFAOffsetExtended   = 0x05
	dwCFARestoreExtended  = 0x06
	dwCFAUndefined        = 0x07
	dwCFASameValue        = 0x08
	dwCFARegister         = 0x09
	dwCFARememberState    = 0x0a
	dwCFARestoreState     = 0x0b
	dwCFADefCFA           = 0x0c
	dwCFADefCFARegister   = 0x0d
	dwCFADefCFAOffset     = 0x0e
	dwCFADefCFAExpression = 0x0f
	dwCFAExpression       = 0x10
	dwCFAOffsetExtendedSF = 0x11
	dwCFADefCFASF         = 0x12
	dwCFADefCFAOffsetSF   = 0x13
	dwCFAValOffset        = 0x14
	dwCFAValOffsetSF      = 0x15
	dwCFAValExpression    = 0x16

	// High two bits select the opcode, low six bits are an operand.
	dwCFAAdvanceLoc = 0x1 << 6
	dwCFAOffset     = 0x2 << 6
	dwCFARestore    = 0x3 << 6
)

// execInstructions runs a CFI instruction stream starting at code
// location locStart, stopping once the running location would advance
// past target (target == ^uint64(0) means "run unconditionally",
// used for a CIE's initial instructions which have no associated PC).
func execInstructions(fc *FrameContext, c *cie, instructions []byte, order binary.ByteOrder, locStart, target uint64) error {
	r := bytes.NewReader(instructions)
	loc := locStart

	// remember_state/restore_state need a small stack of snapshots.
	var saved []*FrameContext

	for r.Len() > 0 {
		op, err := r.ReadByte()
		if err != nil {
			return err
		}

		high := op & 0xc0
		low := uint64(op & 0x3f)

		switch {
		case high == dwCFAAdvanceLoc:
			next := loc + low*c.codeAlignmentFactor
			if target != ^uint64(0) && next > target {
				return nil
			}
			loc = next

		case high == dwCFAOffset:
			offset, err := readUleb128(r)
			if err != nil {
				return fmt.Errorf("DW_CFA_offset: %w", err)
			}
			fc.Regs[low] = DWRule{Rule: RuleOffset, Offset: int64(offset) * c.dataAlignmentFactor}

		case high == dwCFARestore:
			if fc.initialRule(low).Rule != RuleUndefined {
				fc.Regs[low] = fc.initialRule(low)
			} else {
				delete(fc.Regs, low)
			}

		default:
			switch op {
			case dwCFANop:
				// no-op

			case dwCFASetLoc:
				addr, _, err := readEncodedPointer(r, dwEhPeAbsptr, 0, c.ptrSize, order)
				if err != nil {
					return fmt.Errorf("DW_CFA_set_loc: %w", err)
				}
				loc = addr

			case dwCFAAdvanceLoc1:
				var delta uint8
				if err := readFixed(r, order, &delta); err != nil {
					return err
				}
				next := loc + uint64(delta)*c.codeAlignmentFactor
				if target != ^uint64(0) && next > target {
					return nil
				}
				loc = next

			case dwCFAAdvanceLoc2:
				var delta uint16
				if err := readFixed(r, order, &delta); err != nil {
					return err
				}
				next := loc + uint64(delta)*c.codeAlignmentFactor
				if target != ^uint64(0) && next > target {
					return nil
				}
				loc = next

			case dwCFAAdvanceLoc4:
				var delta uint32
				if err := readFixed(r, order, &delta); err != nil {
					return err
				}
				next := loc + uint64(delta)*c.codeAlignmentFactor
				if target != ^uint64(0) && next > target {
					return nil
				}
				loc = next

			case dwCFAOffsetExtended:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				off, err := readUleb128(r)
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleOffset, Offset: int64(off) * c.dataAlignmentFactor}

			case dwCFAOffsetExtendedSF:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				off, err := readSleb128(r)
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleOffset, Offset: off * c.dataAlignmentFactor}

			case dwCFARestoreExtended:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				if fc.initialRule(reg).Rule != RuleUndefined {
					fc.Regs[reg] = fc.initialRule(reg)
				} else {
					delete(fc.Regs, reg)
				}

			case dwCFAUndefined:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleUndefined}

			case dwCFASameValue:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleSameValue}

			case dwCFARegister:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				other, err := readUleb128(r)
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleRegister, Reg: other}

			case dwCFARememberState:
				saved = append(saved, fc.clone())

			case dwCFARestoreState:
				if len(saved) == 0 {
					return fmt.Errorf("DW_CFA_restore_state with empty stack")
				}
				top := saved[len(saved)-1]
				saved = saved[:len(saved)-1]
				fc.CFA = top.CFA
				fc.Regs = top.Regs

			case dwCFADefCFA:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				off, err := readUleb128(r)
				if err != nil {
					return err
				}
				fc.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: int64(off)}

			case dwCFADefCFASF:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				off, err := readSleb128(r)
				if err != nil {
					return err
				}
				fc.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: off * c.dataAlignmentFactor}

			case dwCFADefCFARegister:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				fc.CFA.Reg = reg

			case dwCFADefCFAOffset:
				off, err := readUleb128(r)
				if err != nil {
					return err
				}
				fc.CFA.Offset = int64(off)

			case dwCFADefCFAOffsetSF:
				off, err := readSleb128(r)
				if err != nil {
					return err
				}
				fc.CFA.Offset = off * c.dataAlignmentFactor

			case dwCFADefCFAExpression:
				n, err := readUleb128(r)
				if err != nil {
					return err
				}
				if _, err := r.Seek(int64(n), 1); err != nil {
					return err
				}
				fc.CFA = DWRule{Rule: RuleUnsupported}

			case dwCFAExpression:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				n, err := readUleb128(r)
				if err != nil {
					return err
				}
				if _, err := r.Seek(int64(n), 1); err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleUnsupported}

			case dwCFAValOffset:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				off, err := readUleb128(r)
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: int64(off) * c.dataAlignmentFactor}

			case dwCFAValOffsetSF:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				off, err := readSleb128(r)
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: off * c.dataAlignmentFactor}

			case dwCFAValExpression:
				reg, err := readUleb128(r)
				if err != nil {
					return err
				}
				n, err := readUleb128(r)
				if err != nil {
					return err
				}
				if _, err := r.Seek(int64(n), 1); err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleUnsupported}

			default:
				return fmt.Errorf("frame: unknown CFA opcode %#x", op)
			}
		}
	}
	return nil
}

// initialRule returns the rule register reg had in the CIE's initial
// instruction set, the target of DW_CFA_restore.
func (fc *FrameContext) initialRule(reg uint64) DWRule {
	// Restore is only meaningful against the CIE's initial context; every
	// context cloned from it carries a pointer to it in fc.initial.
	// FrameContext.initial is nil for the CIE's own context itself,
	// which is the only case where DW_CFA_restore inside initial
	// instructions would be meaningless anyway.
	if fc.initial == nil {
		return DWRule{Rule: RuleUndefined}
	}
	return fc.initial.Regs[reg]
}
