package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildMinimalEhFrame constructs a single CIE (no augmentation, absolute
// pointers) defining CFA = rsp+8 initially and recording the
// return-address column (reg 16, amd64) as stored at CFA-8, followed by
// one FDE covering [textAddr, textAddr+fnLen) that executes one
// DW_CFA_def_cfa_offset bumping the CFA offset to 16.
func buildMinimalEhFrame(textAddr uint64, fnLen uint32) []byte {
	var buf bytes.Buffer

	// CIE body: version(1) aug("\0") codeAlign(1) dataAlign(-8) raReg(16)
	// initial instructions: DW_CFA_def_cfa(reg=7, offset=8);
	//                        DW_CFA_offset(reg=16, factored offset=1) -> offset = 1 * -8 = -8
	var cieBody bytes.Buffer
	cieBody.WriteByte(1) // version
	cieBody.WriteByte(0) // augmentation "" (nul terminator only)
	writeUleb(&cieBody, 1)
	writeSleb(&cieBody, -8)
	cieBody.WriteByte(16) // version==1: single byte RA register

	cieBody.WriteByte(dwCFADefCFA)
	writeUleb(&cieBody, 7) // rsp
	writeUleb(&cieBody, 8)

	cieBody.WriteByte(byte(dwCFAOffset | 16)) // DW_CFA_offset, register 16 (low 6 bits)
	writeUleb(&cieBody, 1)

	cieID := uint32(0)
	writeEntry(&buf, cieID, cieBody.Bytes())

	cieIDFieldOff := 4 // id field starts right after the 4-byte length of this (the only) CIE

	var fdeBody bytes.Buffer
	binary.Write(&fdeBody, binary.LittleEndian, uint64(textAddr))
	binary.Write(&fdeBody, binary.LittleEndian, uint64(fnLen))
	fdeBody.WriteByte(dwCFADefCFAOffset)
	writeUleb(&fdeBody, 16)

	// CIE pointer = (position of this FDE's id field) - cieOffsetOfCIE
	fdeEntryStart := buf.Len()
	fdeIDFieldOff := fdeEntryStart + 4
	cieOffsetAbsolute := 0 // the CIE starts at byte 0
	cieID2 := uint32(fdeIDFieldOff - cieOffsetAbsolute)
	writeEntry(&buf, cieID2, fdeBody.Bytes())

	_ = cieIDFieldOff
	buf.Write([]byte{0, 0, 0, 0}) // zero terminator entry (length=0)
	return buf.Bytes()
}

func writeEntry(buf *bytes.Buffer, id uint32, body []byte) {
	length := uint32(4 + len(body))
	binary.Write(buf, binary.LittleEndian, length)
	binary.Write(buf, binary.LittleEndian, id)
	buf.Write(body)
}

func writeUleb(buf *bytes.Buffer, v uint64) {
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

func writeSleb(buf *bytes.Buffer, v int64) {
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

func TestStepInfoForPCMatchesFDE(t *testing.T) {
	const textAddr = 0x1000
	data := buildMinimalEhFrame(textAddr, 0x40)

	table := NewTable(data, 0x2000, binary.LittleEndian, 8)
	info, err := table.StepInfoForPC(textAddr + 0x10)
	require.NoError(t, err)
	require.False(t, info.CFAUnsupported)
	require.EqualValues(t, 7, info.CFAReg)
	require.EqualValues(t, 16, info.CFAOffset)
	require.Equal(t, RuleOffset, info.RetAddrRule)
	require.EqualValues(t, -8, info.RetAddrOffset)
}

func TestStepInfoForPCOutsideRangeIsNoInfo(t *testing.T) {
	const textAddr = 0x1000
	data := buildMinimalEhFrame(textAddr, 0x40)
	table := NewTable(data, 0x2000, binary.LittleEndian, 8)
	_, err := table.StepInfoForPC(textAddr + 0x1000)
	require.ErrorIs(t, err, ErrNoInfo)
}

func TestLEB128RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		var buf bytes.Buffer
		writeUleb(&buf, v)
		r := bytes.NewReader(buf.Bytes())
		got, err := readUleb128(r)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
	for _, v := range []int64{0, -1, 1, -128, 128, -300, 300} {
		var buf bytes.Buffer
		writeSleb(&buf, v)
		r := bytes.NewReader(buf.Bytes())
		got, err := readSleb128(r)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}
