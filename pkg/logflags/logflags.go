// Package logflags gates this repository's debug logging behind named,
// independently-enabled flags, the same shape as delve's pkg/logflags
// (referenced, not copied, from pkg/proc/stack.go and arm64_arch.go as
// logflags.Stack()/logflags.StackLogger()/logflags.DebuggerLogger()).
//
// Backed by logrus, delve's own logging library.
package logflags

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu       sync.Mutex
	enabled  map[string]bool
	loggers  = map[string]*logrus.Entry{}
	initOnce sync.Once
)

// flag names, mirroring delve's log-flag vocabulary ("stack",
// "debugger", and, new to this repository, "unwind" for the .eh_frame
// CFI engine).
const (
	flagStack  = "stack"
	flagUnwind = "unwind"
	flagDebug  = "debugger"
)

func init() {
	initOnce.Do(func() {
		enabled = make(map[string]bool)
		for _, f := range strings.Split(os.Getenv("BACKTRACE_LOG"), ",") {
			f = strings.TrimSpace(f)
			if f != "" {
				enabled[f] = true
			}
		}
	})
}

func logger(flag string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[flag]; ok {
		return l
	}
	base := logrus.New()
	if !enabled[flag] {
		base.SetLevel(logrus.PanicLevel) // effectively silent
	} else {
		base.SetLevel(logrus.DebugLevel)
	}
	l := base.WithField("component", flag)
	loggers[flag] = l
	return l
}

// Stack reports whether frame-by-frame unwind tracing is enabled
// (set BACKTRACE_LOG=stack).
func Stack() bool { return enabled[flagStack] }

// StackLogger returns the logger used for frame-by-frame unwind tracing.
func StackLogger() *logrus.Entry { return logger(flagStack) }

// Unwind reports whether `.eh_frame` CFI engine tracing is enabled
// (set BACKTRACE_LOG=unwind).
func Unwind() bool { return enabled[flagUnwind] }

// UnwindLogger returns the logger used for `.eh_frame` parsing
// diagnostics, including the §4.5 "TO BE IMPLEMENTED" notice for
// unsupported CFA expression rules.
func UnwindLogger() *logrus.Entry { return logger(flagUnwind) }

// DebuggerLogger returns the general-purpose logger for anything that
// doesn't fit Stack/Unwind, mirroring delve's catch-all
// logflags.DebuggerLogger().
func DebuggerLogger() *logrus.Entry { return logger(flagDebug) }
