// Package backtrace is the entry point that orchestrates the register
// probe, address translator, unwind table reader and symbolizer into
// one Capture call, and the data model
// (BacktraceSymbol/BacktraceFrame/Backtrace) the caller gets back.
//
// The unwind loop computes CFA from the current frame's rule, reads
// the return address at CFA+offset, and terminates when the frame info
// lookup fails. A counter skips the capture call's own frame before any
// real caller frame is emitted.
package backtrace

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/go-delve/backtrace/pkg/addr"
	"github.com/go-delve/backtrace/pkg/binary"
	"github.com/go-delve/backtrace/pkg/frame"
	"github.com/go-delve/backtrace/pkg/logflags"
	"github.com/go-delve/backtrace/pkg/regnum"
	"github.com/go-delve/backtrace/pkg/regs"
	"github.com/go-delve/backtrace/pkg/symbolize"
)

// BacktraceSymbol is one resolved source-level frame.
type BacktraceSymbol struct {
	Name string
	File string
	Line int
}

// BacktraceFrame is one unwound return address, rendered as the chain
// of symbols (physical function first, inlined callees after) that
// occupy it. Always has at least one symbol.
type BacktraceFrame struct {
	Symbols []BacktraceSymbol
}

// Backtrace is the full captured stack, top (innermost, i.e. nearest
// to the capture site) first.
type Backtrace struct {
	Frames []BacktraceFrame
}

// Capture unwinds the calling goroutine's stack using the current
// executable's `.eh_frame` CFI and DWARF debug info.
//
// It must be called directly from the thread whose stack is to be
// traced, is not signal-safe, and performs file I/O and heap
// allocation.
//
// A non-nil error is returned only when opening or parsing the current
// executable failed before any unwinding could happen. An unsupported
// CFA/return-address rule, a memory-map lookup failure mid-trace, or
// reaching the end of the stack all terminate the walk locally and
// return whatever frames were collected so far with a nil error:
// partial backtraces are permitted.
func Capture() (Backtrace, error) {
	info, err := binary.Open()
	if err != nil {
		return Backtrace{}, err
	}
	defer info.Close()

	sym := symbolize.New(info.DWARF(), info.Symbols())
	goarch := runtime.GOARCH

	ip := regs.ReadPC()
	sp := regs.ReadSP()

	var base uint64
	if !info.IsStaticExecutable() {
		b, terr := addr.SectionStartContaining(ip)
		if terr != nil {
			logflags.StackLogger().Debugf("capture: translating initial pc %#x: %v", ip, terr)
			return Backtrace{}, nil
		}
		base = b
	}

	ipStatic := ip - base
	idx := -1
	var frames []BacktraceFrame

	for {
		// idx < 0 is the probe's own captured pc, inside Capture itself;
		// it is never emitted.
		if idx >= 0 {
			syms, _ := sym.Symbolize(ipStatic)
			frames = append(frames, toFrame(syms))
			if logflags.Stack() {
				logflags.StackLogger().Debugf("capture: frame %d at static pc %#x: %s", idx, ipStatic, syms[0].Name)
			}
		}

		step, serr := info.UnwindInfoFor(ipStatic)
		if errors.Is(serr, frame.ErrNoInfo) {
			break // EndOfStack: normal termination.
		}
		if serr != nil {
			logflags.UnwindLogger().Debugf("capture: unwind info lookup at %#x: %v", ipStatic, serr)
			break
		}

		cpuReg, ok := regnum.DwarfToCPU(goarch, step.CFAReg)
		if step.CFAUnsupported || !ok || cpuReg != regnum.SP {
			logflags.UnwindLogger().Debugf("capture: TO BE IMPLEMENTED: CFA rule at %#x is not register+offset off SP (reg=%d, unsupported=%v)", ipStatic, step.CFAReg, step.CFAUnsupported)
			break
		}
		if step.RetAddrRule != frame.RuleOffset {
			logflags.UnwindLogger().Debugf("capture: TO BE IMPLEMENTED: return-address rule at %#x is not Offset (rule=%d)", ipStatic, step.RetAddrRule)
			break
		}

		cfa := uint64(int64(sp) + step.CFAOffset)
		raAddr := uint64(int64(cfa) + step.RetAddrOffset)
		savedRA := regs.AccessMemory(raAddr)
		if savedRA == 0 {
			break
		}

		idx++
		sp = cfa

		if info.IsStaticExecutable() {
			ipStatic = savedRA - 1
			continue
		}
		newBase, terr := addr.SectionStartContaining(savedRA)
		if terr != nil {
			logflags.StackLogger().Debugf("capture: translating return address %#x: %v", savedRA, terr)
			break
		}
		base = newBase
		ipStatic = savedRA - base - 1
	}

	return Backtrace{Frames: frames}, nil
}

func toFrame(syms []symbolize.Symbol) BacktraceFrame {
	out := make([]BacktraceSymbol, len(syms))
	for i, s := range syms {
		out[i] = BacktraceSymbol{Name: s.Name, File: s.File, Line: s.Line}
	}
	return BacktraceFrame{Symbols: out}
}

// String renders the backtrace as a 4-wide right-aligned index
// followed by the physical function's name, any inlined callees
// indented beneath it, and an "at file:line" line under every symbol
// that carries a file.
func (b Backtrace) String() string {
	var sb strings.Builder
	for i, f := range b.Frames {
		f.writeTo(&sb, i)
	}
	return sb.String()
}

func (f BacktraceFrame) writeTo(sb *strings.Builder, idx int) {
	if len(f.Symbols) == 0 {
		return
	}
	top := f.Symbols[0]
	fmt.Fprintf(sb, "%4d: %s\n", idx, top.Name)
	if top.File != "" {
		fmt.Fprintf(sb, "        at %s:%d\n", top.File, top.Line)
	}
	for _, s := range f.Symbols[1:] {
		fmt.Fprintf(sb, "      %s\n", s.Name)
		if s.File != "" {
			fmt.Fprintf(sb, "        at %s:%d\n", s.File, s.Line)
		}
	}
}
