package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// cie is a parsed Common Information Entry: the instructions and
// parameters shared by every FDE that points back to it.
type cie struct {
	version             byte
	augmentation        string
	codeAlignmentFactor uint64
	dataAlignmentFactor int64
	returnAddressColumn uint64
	fdePointerEncoding  byte // from the 'R' augmentation field, default DW_EH_PE_absptr
	lsdaPointerEncoding byte // from the 'L' augmentation field
	hasAugmentationData bool
	initialInstructions []byte
	initial             *FrameContext
	ptrSize             int
	order               binary.ByteOrder
}

type fde struct {
	initialLocation uint64
	addressRange    uint64
	instructions    []byte
}

// parseCIE parses a CIE body (the bytes following the 4-byte id field).
func parseCIE(body []byte, order binary.ByteOrder, ptrSize int) (*cie, error) {
	r := bytes.NewReader(body)

	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	aug, err := readCString(r)
	if err != nil {
		return nil, fmt.Errorf("reading augmentation string: %w", err)
	}

	// eh_frame CIEs may carry an address-size/segment-selector-size pair
	// here when version == 4 (DWARF4 .debug_frame layout); eh_frame is
	// practically always version 1 or 3, so this is read defensively.
	if version == 4 {
		if _, err := r.ReadByte(); err != nil { // address size
			return nil, err
		}
		if _, err := r.ReadByte(); err != nil { // segment selector size
			return nil, err
		}
	}

	codeAlign, err := readUleb128(r)
	if err != nil {
		return nil, fmt.Errorf("reading code alignment factor: %w", err)
	}
	dataAlign, err := readSleb128(r)
	if err != nil {
		return nil, fmt.Errorf("reading data alignment factor: %w", err)
	}

	var raReg uint64
	if version == 1 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		raReg = uint64(b)
	} else {
		raReg, err = readUleb128(r)
		if err != nil {
			return nil, fmt.Errorf("reading return address register: %w", err)
		}
	}

	c := &cie{
		version:             version,
		augmentation:        aug,
		codeAlignmentFactor: codeAlign,
		dataAlignmentFactor: dataAlign,
		returnAddressColumn: raReg,
		fdePointerEncoding:  dwEhPeAbsptr,
		ptrSize:             ptrSize,
		order:               order,
	}

	if len(aug) > 0 && aug[0] == 'z' {
		c.hasAugmentationData = true
		augLen, err := readUleb128(r)
		if err != nil {
			return nil, fmt.Errorf("reading augmentation data length: %w", err)
		}
		augData := make([]byte, augLen)
		if _, err := io.ReadFull(r, augData); err != nil {
			return nil, fmt.Errorf("reading augmentation data: %w", err)
		}
		ar := bytes.NewReader(augData)
		for _, ch := range aug[1:] {
			switch ch {
			case 'R':
				enc, err := ar.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("reading 'R' augmentation: %w", err)
				}
				c.fdePointerEncoding = enc
			case 'P':
				encByte, err := ar.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("reading 'P' encoding: %w", err)
				}
				// Personality pointer value itself is unused by this
				// unwinder (it only matters for exception dispatch);
				// skip past it.
				if _, _, err := readEncodedPointer(ar, encByte, 0, ptrSize, order); err != nil {
					return nil, fmt.Errorf("skipping personality pointer: %w", err)
				}
			case 'L':
				enc, err := ar.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("reading 'L' augmentation: %w", err)
				}
				c.lsdaPointerEncoding = enc
			case 'S', 'B':
				// Signal-frame / BTI markers carry no augmentation data.
			}
		}
	}

	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	c.initialInstructions = rest

	initial := newFrameContext()
	initial.RetAddrReg = raReg
	if err := execInstructions(initial, c, rest, order, 0, ^uint64(0)); err != nil {
		return nil, fmt.Errorf("executing CIE initial instructions: %w", err)
	}
	c.initial = initial

	return c, nil
}

// parseFDE parses an FDE body. idFieldAddr is the static address of the
// FDE's own id/CIE-pointer field, needed as the pcrel base when the
// CIE's 'R' augmentation requests a PC-relative pointer encoding.
func parseFDE(body []byte, order binary.ByteOrder, c *cie, ptrSize int, idFieldAddr uint64) (*fde, error) {
	r := bytes.NewReader(body)

	// The initial-location pointer field immediately follows the id
	// field, so its pcrel base is idFieldAddr+4.
	initLoc, n, err := readEncodedPointer(r, c.fdePointerEncoding, idFieldAddr+4, ptrSize, order)
	if err != nil {
		return nil, fmt.Errorf("reading initial location: %w", err)
	}
	addrRange, _, err := readEncodedPointer(r, c.fdePointerEncoding&0x0f, idFieldAddr+4+uint64(n), ptrSize, order)
	if err != nil {
		return nil, fmt.Errorf("reading address range: %w", err)
	}

	if c.hasAugmentationData {
		augLen, err := readUleb128(r)
		if err != nil {
			return nil, fmt.Errorf("reading FDE augmentation data length: %w", err)
		}
		if _, err := r.Seek(int64(augLen), io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("skipping FDE augmentation data: %w", err)
		}
	}

	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	return &fde{initialLocation: initLoc, addressRange: addrRange, instructions: rest}, nil
}

// run executes the CIE's initial instructions followed by the FDE's own
// instructions, stopping advancement once the running "location"
// reaches pc, and returns the resulting FrameContext.
func (c *cie) run(pc uint64, f *fde) (*FrameContext, error) {
	fc := c.initial.clone()
	if err := execInstructions(fc, c, f.instructions, c.order, f.initialLocation, pc); err != nil {
		return nil, err
	}
	return fc, nil
}

func readCString(r *bytes.Reader) (string, error) {
	var b bytes.Buffer
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if c == 0 {
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}
