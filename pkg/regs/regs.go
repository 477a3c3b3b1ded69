// Package regs reads the live CPU state of the calling goroutine and
// dereferences process memory.
//
// Go has no "force this function to be inlined into its caller"
// directive. Instead, ReadSP/ReadPC are implemented as NOSPLIT
// assembly leaf functions: a NOSPLIT function with a zero-size Go
// frame never pushes anything of its own onto the stack beyond the
// CALL instruction's own return address, so reading SP at entry and
// adding back one pointer width recovers the caller's SP exactly, and
// the word sitting at the entry SP itself is the return address into
// the caller — a PC value that lies inside the function that called into
// this package. That's what forced inlining would have produced
// directly.
package regs

import (
	"unsafe"

	"github.com/go-delve/backtrace/pkg/regnum"
)

// ReadSP returns the stack-pointer value of the function that called
// into this package, without disturbing it.
func ReadSP() uint64

// ReadPC returns a program-counter value inside the function that
// called into this package.
func ReadPC() uint64

// AccessMemory dereferences addr as a machine word. The caller is
// responsible for addr pointing into a readable mapping; an invalid
// address is the caller's bug, not a failure this package can detect.
func AccessMemory(addr uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(addr)))
}

// Read returns the current value of SP or PC. RA has no CPU register on
// x86 and is nonsensical to request; callers never ask.
func Read(r regnum.CpuRegister) uint64 {
	switch r {
	case regnum.SP:
		return ReadSP()
	case regnum.PC:
		return ReadPC()
	default:
		// Distinguishable sentinel: no CPU register backs RA.
		return ^uint64(0)
	}
}
