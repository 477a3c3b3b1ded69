package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

func readUleb128(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("frame: ULEB128 value too large")
		}
	}
}

func readSleb128(r *bytes.Reader) (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 64 {
			return 0, fmt.Errorf("frame: SLEB128 value too large")
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func readFixed(r *bytes.Reader, order binary.ByteOrder, v interface{}) error {
	return binary.Read(r, order, v)
}

// DWARF exception-header pointer-encoding bytes (DW_EH_PE_*), the
// subset that appears in practice in gcc/clang-emitted .eh_frame.
const (
	dwEhPeAbsptr  = 0x00
	dwEhPeUleb128 = 0x01
	dwEhPeUdata2  = 0x02
	dwEhPeUdata4  = 0x03
	dwEhPeUdata8  = 0x04
	dwEhPeSigned  = 0x08
	dwEhPeSleb128 = 0x09
	dwEhPeSdata2  = 0x0a
	dwEhPeSdata4  = 0x0b
	dwEhPeSdata8  = 0x0c
	dwEhPeOmit    = 0xff

	dwEhPeApplMask = 0x70
	dwEhPePcrel    = 0x10
	dwEhPeTextrel  = 0x20
	dwEhPeDatarel  = 0x30
	dwEhPeFuncrel  = 0x40
	dwEhPeAligned  = 0x50

	dwEhPeIndirect = 0x80
)

// readEncodedPointer reads one DW_EH_PE-encoded value from r, returning
// its decoded (static, already-relocated) value and the number of bytes
// consumed. base is the static address of the byte the value is being
// read from, used when the encoding applies a PC-relative modifier.
func readEncodedPointer(r *bytes.Reader, encoding byte, base uint64, ptrSize int, order binary.ByteOrder) (uint64, int, error) {
	if encoding == dwEhPeOmit {
		return 0, 0, nil
	}
	if order == nil {
		order = binary.LittleEndian
	}

	format := encoding & 0x0f
	appl := encoding & dwEhPeApplMask

	var value uint64
	var n int
	switch format {
	case dwEhPeAbsptr:
		if ptrSize == 4 {
			var v uint32
			if err := binary.Read(r, order, &v); err != nil {
				return 0, 0, err
			}
			value, n = uint64(v), 4
		} else {
			var v uint64
			if err := binary.Read(r, order, &v); err != nil {
				return 0, 0, err
			}
			value, n = v, 8
		}
	case dwEhPeUdata2:
		var v uint16
		if err := binary.Read(r, order, &v); err != nil {
			return 0, 0, err
		}
		value, n = uint64(v), 2
	case dwEhPeSdata2:
		var v int16
		if err := binary.Read(r, order, &v); err != nil {
			return 0, 0, err
		}
		value, n = uint64(int64(v)), 2
	case dwEhPeUdata4:
		var v uint32
		if err := binary.Read(r, order, &v); err != nil {
			return 0, 0, err
		}
		value, n = uint64(v), 4
	case dwEhPeSdata4:
		var v int32
		if err := binary.Read(r, order, &v); err != nil {
			return 0, 0, err
		}
		value, n = uint64(int64(v)), 4
	case dwEhPeUdata8:
		var v uint64
		if err := binary.Read(r, order, &v); err != nil {
			return 0, 0, err
		}
		value, n = v, 8
	case dwEhPeSdata8:
		var v int64
		if err := binary.Read(r, order, &v); err != nil {
			return 0, 0, err
		}
		value, n = uint64(v), 8
	case dwEhPeUleb128:
		before := r.Len()
		v, err := readUleb128(r)
		if err != nil {
			return 0, 0, err
		}
		value, n = v, before-r.Len()
	case dwEhPeSleb128:
		before := r.Len()
		v, err := readSleb128(r)
		if err != nil {
			return 0, 0, err
		}
		value, n = uint64(v), before-r.Len()
	default:
		return 0, 0, fmt.Errorf("frame: unsupported pointer encoding format %#x", format)
	}

	switch appl {
	case 0: // absolute, no relocation
	case dwEhPePcrel:
		value += base
	default:
		// textrel/datarel/funcrel/aligned: this unwinder only ever sees
		// pcrel or absolute encodings in practice for the fields it
		// reads (FDE initial_location/address_range, personality and
		// LSDA pointers); treat anything else as PC-relative to the
		// field, the closest approximation available without a
		// section map for the other bases.
		value += base
	}

	if encoding&dwEhPeIndirect != 0 {
		// The encoded value is the address of a pointer, not the
		// pointer itself. This unwinder never dereferences personality
		// pointers, so the indirection is left unresolved; callers
		// that only need to skip past the field are unaffected.
	}

	return value, n, nil
}
