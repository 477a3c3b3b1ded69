// Package frame is the `.eh_frame` Call Frame Information reader.
// Given a static (already base-subtracted) instruction-pointer value
// it answers which CFA rule and which return-address-register rule
// apply there.
//
// Tracks the return-address register rule in addition to the CFA rule,
// and handles the 'z'-augmented CIE/FDE layout real compiler output
// always carries. Exposes a persistent Table that can be queried
// repeatedly: CIEs are parsed once and memoized, while each query scans
// the section's FDEs in order until one covers the requested PC.
//
// Only two rule kinds are fully interpreted: RegisterAndOffset CFA
// rules and Offset return-address rules. Anything else is reported back
// under its own RuleKind (DWARF expressions as RuleUnsupported,
// val_offset as RuleValOffset, register-to-register as RuleRegister) so
// the caller can emit a "TO BE IMPLEMENTED" diagnostic and terminate
// the trace.
//
// This package works entirely in static (file-relative) address space:
// the base addresses it is given are link-time section addresses
// (ELF sh_addr), not runtime-loaded ones, so PC-relative encoded
// pointers in the CIE/FDE resolve to static addresses directly and no
// further translation is needed before comparing against a static IP.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// RuleKind enumerates the register-rule variants this package tracks.
type RuleKind int

const (
	RuleUndefined  RuleKind = iota // no rule recorded / register not preserved
	RuleSameValue                  // register keeps its caller value
	RuleOffset                     // value is *(CFA + Offset)
	RuleValOffset                  // value is CFA + Offset
	RuleRegister                   // value is the current value of register Reg
	RuleCFA                        // used only for the pseudo CFA rule itself
	RuleUnsupported                // DWARF expression or other unhandled rule
)

// DWRule is a single register (or CFA) rule, named after delve's
// pkg/dwarf/frame.DWRule.
type DWRule struct {
	Rule   RuleKind
	Reg    uint64
	Offset int64
}

// FrameContext is the set of rules in effect at a particular PC: one
// rule per tracked register, plus the distinguished CFA rule.
type FrameContext struct {
	CFA        DWRule
	RetAddrReg uint64
	Regs       map[uint64]DWRule

	// initial is the CIE's own initial context, the target of
	// DW_CFA_restore/DW_CFA_restore_extended. nil for the CIE's
	// initial context itself.
	initial *FrameContext
}

func newFrameContext() *FrameContext {
	return &FrameContext{Regs: make(map[uint64]DWRule)}
}

func (fc *FrameContext) clone() *FrameContext {
	c := &FrameContext{CFA: fc.CFA, RetAddrReg: fc.RetAddrReg, Regs: make(map[uint64]DWRule, len(fc.Regs)), initial: fc.initial}
	for k, v := range fc.Regs {
		c.Regs[k] = v
	}
	if fc.initial == nil {
		// fc is itself a CIE's initial context; it becomes the restore
		// target for this and all further clones derived from it.
		c.initial = fc
	}
	return c
}

// StepInfo is the CFA rule and return-address rule applicable at a
// given IP.
type StepInfo struct {
	// CFAReg/CFAOffset describe the CFA rule: CFA = value of register
	// CFAReg, plus CFAOffset. CFAUnsupported is set when the CIE/FDE
	// used a DWARF expression instead.
	CFAReg         uint64
	CFAOffset      int64
	CFAUnsupported bool

	// RetAddrRule/RetAddrOffset describe the return-address register's
	// rule. Only RuleOffset is supported; any other value is reported
	// as RetAddrRule so the caller can terminate the trace.
	RetAddrRule   RuleKind
	RetAddrOffset int64
}

// ErrNoInfo is the normal termination condition of the unwind loop: no
// FDE covers the requested PC.
var ErrNoInfo = errors.New("frame: no unwind info for pc")

// Table is a parsed `.eh_frame` section, ready to be queried repeatedly.
type Table struct {
	data         []byte
	order        binary.ByteOrder
	ehFrameAddr  uint64 // static (link-time) address of byte 0 of data
	cies         map[int]*cie
	ptrSize      int
}

// NewTable wraps ehFrame (the raw bytes of the `.eh_frame` section) for
// later querying; entries are parsed lazily by StepInfoForPC. ehFrameAddr is the section's static (ELF sh_addr)
// address; ptrSize is 4 or 8 for x86/x86-64.
func NewTable(ehFrame []byte, ehFrameAddr uint64, order binary.ByteOrder, ptrSize int) *Table {
	return &Table{
		data:        ehFrame,
		order:       order,
		ehFrameAddr: ehFrameAddr,
		cies:        make(map[int]*cie),
		ptrSize:     ptrSize,
	}
}

// StepInfoForPC returns the CFA/return-address rules applicable at the
// static address ipStatic. It returns ErrNoInfo if no FDE covers it.
func (t *Table) StepInfoForPC(ipStatic uint64) (StepInfo, error) {
	fc, err := t.frameContextForPC(ipStatic)
	if err != nil {
		return StepInfo{}, err
	}
	return stepInfoFromContext(fc), nil
}

func stepInfoFromContext(fc *FrameContext) StepInfo {
	si := StepInfo{CFAReg: fc.CFA.Reg, CFAOffset: fc.CFA.Offset}
	if fc.CFA.Rule == RuleUnsupported {
		si.CFAUnsupported = true
	}
	ra := fc.Regs[fc.RetAddrReg]
	si.RetAddrRule = ra.Rule
	si.RetAddrOffset = ra.Offset
	return si
}

func (t *Table) frameContextForPC(pc uint64) (*FrameContext, error) {
	r := bytes.NewReader(t.data)
	for r.Len() > 0 {
		entryOff := len(t.data) - r.Len()
		length, id, body, err := readEntryHeader(r, t.order)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("frame: reading entry at %#x: %w", entryOff, err)
		}
		if length == 0 {
			break // zero terminator
		}
		if id == 0 {
			// CIE: parse once, memoize.
			if _, ok := t.cies[entryOff]; !ok {
				c, err := parseCIE(body, t.order, t.ptrSize)
				if err != nil {
					return nil, fmt.Errorf("frame: parsing CIE at %#x: %w", entryOff, err)
				}
				t.cies[entryOff] = c
			}
			continue
		}

		// FDE. The CIE pointer is a backward byte distance from the
		// position of the id field itself (eh_frame convention, unlike
		// .debug_frame's forward absolute CIE offset).
		idFieldOff := entryOff + 4
		cieOff := idFieldOff - int(id)
		c, ok := t.cies[cieOff]
		if !ok {
			parsed, err := t.parseCIEAt(cieOff)
			if err != nil {
				return nil, fmt.Errorf("frame: resolving CIE at %#x: %w", cieOff, err)
			}
			c = parsed
			t.cies[cieOff] = c
		}

		fde, err := parseFDE(body, t.order, c, t.ptrSize, t.ehFrameAddr+uint64(idFieldOff))
		if err != nil {
			return nil, fmt.Errorf("frame: parsing FDE at %#x: %w", entryOff, err)
		}
		if pc >= fde.initialLocation && pc < fde.initialLocation+fde.addressRange {
			fc, err := c.run(pc, fde)
			if err != nil {
				return nil, err
			}
			return fc, nil
		}
	}
	return nil, ErrNoInfo
}

func (t *Table) parseCIEAt(off int) (*cie, error) {
	r := bytes.NewReader(t.data[off:])
	_, id, body, err := readEntryHeader(r, t.order)
	if err != nil {
		return nil, err
	}
	if id != 0 {
		return nil, fmt.Errorf("frame: offset %#x is not a CIE", off)
	}
	return parseCIE(body, t.order, t.ptrSize)
}

// readEntryHeader reads the 4-byte length and 4-byte id field of one
// CIE/FDE entry and returns the entry's remaining body bytes (length-4
// bytes long). 64-bit DWARF's extended length escape (0xffffffff) is not
// supported; eh_frame in the wild is overwhelmingly 32-bit.
func readEntryHeader(r *bytes.Reader, order binary.ByteOrder) (length uint32, id uint32, body []byte, err error) {
	if err := binary.Read(r, order, &length); err != nil {
		return 0, 0, nil, err
	}
	if length == 0 {
		return 0, 0, nil, nil
	}
	if length == 0xffffffff {
		return 0, 0, nil, fmt.Errorf("frame: 64-bit DWARF eh_frame entries are not supported")
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return 0, 0, nil, err
	}
	br := bytes.NewReader(rest)
	if err := binary.Read(br, order, &id); err != nil {
		return 0, 0, nil, err
	}
	return length, id, rest[4:], nil
}
