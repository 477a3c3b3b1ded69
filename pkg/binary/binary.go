// Package binary opens the current executable as a memory-mapped
// object and exposes the pieces the rest of this repository needs from
// it — the DWARF debug info, the `.eh_frame` CFI table, and the ELF
// symbol table used as the symbolizer's fallback.
package binary

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sys/unix"

	"github.com/go-delve/backtrace/pkg/frame"
	"github.com/go-delve/backtrace/pkg/logflags"
)

// Errors returned when the executable cannot be opened or parsed.
var (
	ErrExecutableUnavailable = fmt.Errorf("binary: current executable could not be opened or mapped")
	ErrObjectParseError      = fmt.Errorf("binary: ELF/DWARF parse error")
	ErrMissingSection        = fmt.Errorf("binary: required section missing")
)

// Info is everything the rest of this repository needs from the
// current executable's ELF object, opened once and reused rather than
// re-parsed on every query.
type Info struct {
	file    *os.File
	mapping []byte
	elf     *elf.File
	dwarf   *dwarf.Data
	symbols []elf.Symbol

	textSection    *elf.Section
	ehFrameSection *elf.Section
	isStaticExec   bool
	ptrSize        int

	mu        sync.Mutex
	table     *frame.Table
	stepCache *lru.Cache // uint64 static IP -> frame.StepInfo
}

const stepCacheSize = 4096

// Open opens, memory-maps and parses /proc/self/exe, the currently
// running executable.
func Open() (*Info, error) {
	return openPath("/proc/self/exe")
}

// OpenPath opens an arbitrary ELF binary for symbolization, used by the
// `btdump symbolize <path> <addr>` command to drive the symbolizer
// directly against a binary other than the running one.
func OpenPath(path string) (*Info, error) {
	return openPath(path)
}

func openPath(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutableUnavailable, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrExecutableUnavailable, err)
	}
	if st.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: empty file", ErrExecutableUnavailable)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap: %v", ErrExecutableUnavailable, err)
	}

	ef, err := elf.NewFile(bytes.NewReader(mapping))
	if err != nil {
		unix.Munmap(mapping)
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrObjectParseError, err)
	}

	text := ef.Section(".text")
	if text == nil {
		unix.Munmap(mapping)
		f.Close()
		return nil, fmt.Errorf("%w: .text", ErrMissingSection)
	}
	ehFrame := ef.Section(".eh_frame")
	if ehFrame == nil {
		unix.Munmap(mapping)
		f.Close()
		return nil, fmt.Errorf("%w: .eh_frame", ErrMissingSection)
	}

	dw, err := ef.DWARF()
	if err != nil {
		logflags.UnwindLogger().Debugf("binary: no usable DWARF info in %s: %v", path, err)
		dw = nil
	}

	syms, err := ef.Symbols()
	if err != nil {
		logflags.UnwindLogger().Debugf("binary: no ELF symbol table in %s: %v", path, err)
		syms = nil
	}

	ptrSize := 8
	if ef.Class == elf.ELFCLASS32 {
		ptrSize = 4
	}

	cache, _ := lru.New(stepCacheSize)

	return &Info{
		file:           f,
		mapping:        mapping,
		elf:            ef,
		dwarf:          dw,
		symbols:        syms,
		textSection:    text,
		ehFrameSection: ehFrame,
		isStaticExec:   ef.Type == elf.ET_EXEC,
		ptrSize:        ptrSize,
		stepCache:      cache,
	}, nil
}

// Close releases the memory mapping and the open file handle. Safe to
// call once per successful Open.
func (i *Info) Close() error {
	var err error
	if i.mapping != nil {
		err = unix.Munmap(i.mapping)
		i.mapping = nil
	}
	if i.file != nil {
		if cerr := i.file.Close(); err == nil {
			err = cerr
		}
		i.file = nil
	}
	return err
}

// IsStaticExecutable reports whether this binary is a non-relocatable
// executable (e_type == ET_EXEC), in which case the runtime load base
// is always zero and /proc/self/maps never needs to be consulted.
func (i *Info) IsStaticExecutable() bool {
	return i.isStaticExec
}

// ByteOrder returns the byte order of the mapped ELF object, propagated
// into every DWARF/CFI reader built from it.
func (i *Info) ByteOrder() binary.ByteOrder {
	return i.elf.ByteOrder
}

// PointerSize returns 4 or 8 depending on the ELF class.
func (i *Info) PointerSize() int {
	return i.ptrSize
}

// DWARF returns the parsed DWARF debug information, or nil if the
// binary carries none, in which case the ELF symbol table is the only
// symbolization source available.
func (i *Info) DWARF() *dwarf.Data {
	return i.dwarf
}

// Symbols returns the ELF symbol table, or nil if the binary is
// stripped.
func (i *Info) Symbols() []elf.Symbol {
	return i.symbols
}

// TextRange returns the static [low, high) address range of the .text
// section.
func (i *Info) TextRange() (uint64, uint64) {
	return i.textSection.Addr, i.textSection.Addr + i.textSection.Size
}

// UnwindInfoFor returns the CFA rule and return-address rule applicable
// at the given static instruction pointer. A small LRU cache of
// recently resolved addresses avoids re-walking the CFI table for
// addresses seen before, guarded by a mutex so concurrent Capture()
// calls sharing one Info stay safe.
func (i *Info) UnwindInfoFor(ipStatic uint64) (frame.StepInfo, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stepCache != nil {
		if v, ok := i.stepCache.Get(ipStatic); ok {
			return v.(frame.StepInfo), nil
		}
	}

	if i.table == nil {
		data, err := i.ehFrameSection.Data()
		if err != nil {
			return frame.StepInfo{}, fmt.Errorf("%w: reading .eh_frame: %v", ErrObjectParseError, err)
		}
		i.table = frame.NewTable(data, i.ehFrameSection.Addr, i.elf.ByteOrder, i.ptrSize)
	}

	info, err := i.table.StepInfoForPC(ipStatic)
	if err != nil {
		return frame.StepInfo{}, err
	}
	if i.stepCache != nil {
		i.stepCache.Add(ipStatic, info)
	}
	return info, nil
}
