package cmds

import (
	"fmt"
	"io"

	"github.com/go-delve/backtrace/pkg/backtrace"
	"github.com/go-delve/backtrace/pkg/config"
)

const (
	ansiDim    = "\x1b[2m"
	ansiBold   = "\x1b[1m"
	ansiReset  = "\x1b[0m"
	ansiYellow = "\x1b[33m"
)

// printBacktrace renders bt the way btdump capture shows it: an index,
// the physical function in bold, inlined callees dimmed beneath it,
// and file:line locations in yellow — a colorized superset of the
// plain §6 text format pkg/backtrace.Backtrace.String already produces.
func printBacktrace(w io.Writer, bt backtrace.Backtrace, cfg config.Config, colorize bool) {
	frames := bt.Frames
	if cfg.MaxFrames > 0 && len(frames) > cfg.MaxFrames {
		frames = frames[:cfg.MaxFrames]
	}
	for i, f := range frames {
		if len(f.Symbols) == 0 {
			continue
		}
		top := f.Symbols[0]
		if colorize {
			fmt.Fprintf(w, "%4d: %s%s%s\n", i, ansiBold, top.Name, ansiReset)
		} else {
			fmt.Fprintf(w, "%4d: %s\n", i, top.Name)
		}
		printLocation(w, top, colorize)
		for _, s := range f.Symbols[1:] {
			if colorize {
				fmt.Fprintf(w, "      %s%s%s\n", ansiDim, s.Name, ansiReset)
			} else {
				fmt.Fprintf(w, "      %s\n", s.Name)
			}
			printLocation(w, s, colorize)
		}
	}
	if cfg.MaxFrames > 0 && len(bt.Frames) > cfg.MaxFrames {
		fmt.Fprintf(w, "      ... %d more frames elided\n", len(bt.Frames)-cfg.MaxFrames)
	}
}

func printLocation(w io.Writer, s backtrace.BacktraceSymbol, colorize bool) {
	if s.File == "" {
		return
	}
	if colorize {
		fmt.Fprintf(w, "        at %s%s:%d%s\n", ansiYellow, s.File, s.Line, ansiReset)
	} else {
		fmt.Fprintf(w, "        at %s:%d\n", s.File, s.Line)
	}
}
