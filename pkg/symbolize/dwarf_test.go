package symbolize

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// DWARF tag/attribute/form constants this fixture needs. debug/dwarf
// does not export the raw numeric values (only the typed Tag/Attr/Class
// constants used once an Entry is parsed), so the encoder below spells
// them out the way a compiler's DWARF emitter would.
const (
	dwTagCompileUnit       = 0x11
	dwTagSubprogram        = 0x2e
	dwTagInlinedSubroutine = 0x1d

	dwAtName     = 0x03
	dwAtStmtList = 0x10
	dwAtLowpc    = 0x11
	dwAtHighpc   = 0x12
	dwAtCallFile = 0x58
	dwAtCallLine = 0x59

	dwFormAddr   = 0x01
	dwFormData1  = 0x0b
	dwFormData4  = 0x06
	dwFormString = 0x08

	dwChildrenYes = 1
	dwChildrenNo  = 0

	dwLNEEndSequence = 0x01
	dwLNESetAddress  = 0x02
)

func writeULEB128(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func writeSLEB128(buf *bytes.Buffer, v int64) {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		buf.WriteByte(b)
	}
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

// buildDebugAbbrev writes the three abbreviation declarations the
// fixture's .debug_info relies on: a compile unit, a subprogram and an
// inlined_subroutine, each identified by the abbrev code used as its
// first byte in .debug_info.
func buildDebugAbbrev() []byte {
	var buf bytes.Buffer

	// 1: compile_unit
	buf.WriteByte(1)
	buf.WriteByte(dwTagCompileUnit)
	buf.WriteByte(dwChildrenYes)
	buf.WriteByte(dwAtName)
	buf.WriteByte(dwFormString)
	buf.WriteByte(dwAtLowpc)
	buf.WriteByte(dwFormAddr)
	buf.WriteByte(dwAtHighpc)
	buf.WriteByte(dwFormAddr)
	buf.WriteByte(dwAtStmtList)
	buf.WriteByte(dwFormData4)
	buf.WriteByte(0)
	buf.WriteByte(0)

	// 2: subprogram
	buf.WriteByte(2)
	buf.WriteByte(dwTagSubprogram)
	buf.WriteByte(dwChildrenYes)
	buf.WriteByte(dwAtName)
	buf.WriteByte(dwFormString)
	buf.WriteByte(dwAtLowpc)
	buf.WriteByte(dwFormAddr)
	buf.WriteByte(dwAtHighpc)
	buf.WriteByte(dwFormAddr)
	buf.WriteByte(0)
	buf.WriteByte(0)

	// 3: inlined_subroutine
	buf.WriteByte(3)
	buf.WriteByte(dwTagInlinedSubroutine)
	buf.WriteByte(dwChildrenNo)
	buf.WriteByte(dwAtName)
	buf.WriteByte(dwFormString)
	buf.WriteByte(dwAtCallFile)
	buf.WriteByte(dwFormData1)
	buf.WriteByte(dwAtCallLine)
	buf.WriteByte(dwFormData1)
	buf.WriteByte(0)
	buf.WriteByte(0)

	buf.WriteByte(0) // table terminator
	return buf.Bytes()
}

// buildDebugInfo writes one compile unit containing one subprogram
// ("outerFn", covering [low, high)) with one inlined_subroutine child
// ("innerFn", called from callLine of the single file the line
// program and the call site both reference).
func buildDebugInfo(low, high uint64, callLine uint8) []byte {
	var body bytes.Buffer

	body.WriteByte(1) // compile_unit
	writeCString(&body, "testcu")
	binary.Write(&body, binary.LittleEndian, low)
	binary.Write(&body, binary.LittleEndian, high)
	binary.Write(&body, binary.LittleEndian, uint32(0)) // stmt_list: line program starts at offset 0

	body.WriteByte(2) // subprogram
	writeCString(&body, "outerFn")
	binary.Write(&body, binary.LittleEndian, low)
	binary.Write(&body, binary.LittleEndian, high)

	body.WriteByte(3) // inlined_subroutine, child of subprogram
	writeCString(&body, "innerFn")
	body.WriteByte(1) // call_file index (1-based; matches the line program's sole file entry)
	body.WriteByte(callLine)

	body.WriteByte(0) // end subprogram's children
	body.WriteByte(0) // end compile_unit's children

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()+2+4+1))
	binary.Write(&out, binary.LittleEndian, uint16(4)) // version
	binary.Write(&out, binary.LittleEndian, uint32(0)) // debug_abbrev_offset
	out.WriteByte(8)                                   // address_size
	out.Write(body.Bytes())
	return out.Bytes()
}

// buildDebugLine writes a DWARF 4 line-number program for one
// compilation unit with a single source file and a single row: address
// low maps to innerLine, followed by an end-of-sequence row at
// low+span.
func buildDebugLine(low uint64, span uint64, fileName string, innerLine int64) []byte {
	var opcodeLengths = []byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}

	var header bytes.Buffer
	header.WriteByte(1) // minimum_instruction_length
	header.WriteByte(1) // maximum_operations_per_instruction
	header.WriteByte(1) // default_is_stmt
	header.WriteByte(0xfb) // line_base = -5
	header.WriteByte(14) // line_range
	header.WriteByte(byte(len(opcodeLengths) + 1)) // opcode_base
	header.Write(opcodeLengths)
	header.WriteByte(0) // include_directories terminator (none beyond compDir)
	writeCString(&header, fileName)
	writeULEB128(&header, 0) // directory index
	writeULEB128(&header, 0) // mtime
	writeULEB128(&header, 0) // length
	header.WriteByte(0)      // file_names terminator

	var program bytes.Buffer
	program.WriteByte(0) // extended opcode
	writeULEB128(&program, 9)
	program.WriteByte(dwLNESetAddress)
	binary.Write(&program, binary.LittleEndian, low)

	program.WriteByte(3) // DW_LNS_advance_line
	writeSLEB128(&program, innerLine-1)

	program.WriteByte(1) // DW_LNS_copy

	program.WriteByte(2) // DW_LNS_advance_pc
	writeULEB128(&program, span)

	program.WriteByte(0) // extended opcode
	writeULEB128(&program, 1)
	program.WriteByte(dwLNEEndSequence)

	var out bytes.Buffer
	unitLength := 2 + 4 + header.Len() + program.Len()
	binary.Write(&out, binary.LittleEndian, uint32(unitLength))
	binary.Write(&out, binary.LittleEndian, uint16(4)) // version
	binary.Write(&out, binary.LittleEndian, uint32(header.Len()))
	out.Write(header.Bytes())
	out.Write(program.Bytes())
	return out.Bytes()
}

// TestSymbolizeDWARFInlineChainResolvesCallSiteFile builds a minimal
// DWARF compile unit with one subprogram and one inlined_subroutine,
// the shape that triggers the outer symbols' File resolution in
// symbolizeDWARF, and checks that the enclosing frame's file/line come
// from the inlined_subroutine's DW_AT_call_file/DW_AT_call_line while
// the innermost frame's come from an actual line-table lookup.
func TestSymbolizeDWARFInlineChainResolvesCallSiteFile(t *testing.T) {
	const (
		low       = 0x4000
		high      = 0x5000
		callLine  = 7
		innerLine = 42
		fileName  = "/fakesrc/test.go"
	)

	abbrev := buildDebugAbbrev()
	info := buildDebugInfo(low, high, callLine)
	line := buildDebugLine(low, high-low, fileName, innerLine)

	dw, err := dwarf.New(abbrev, nil, nil, info, line, nil, nil, nil)
	require.NoError(t, err)

	s := New(dw, nil)
	syms, err := s.Symbolize(low + 0x10)
	require.NoError(t, err)
	require.Len(t, syms, 2)

	require.Equal(t, "outerFn", syms[0].Name)
	require.Equal(t, fileName, syms[0].File)
	require.Equal(t, callLine, syms[0].Line)

	require.Equal(t, "innerFn", syms[1].Name)
	require.Equal(t, fileName, syms[1].File)
	require.Equal(t, innerLine, syms[1].Line)
}
