// Command btdump is an example CLI around this repository's core:
// `capture` prints the caller's own stack, and `symbolize` drives the
// symbolizer directly against an arbitrary ELF binary and address.
//
// Neither subcommand is part of the core library: the core exposes
// Capture() and the Symbolizer as Go APIs; this binary is a thin
// wrapper around them.
package main

import (
	"fmt"
	"os"

	"github.com/go-delve/backtrace/cmd/btdump/cmds"
)

func main() {
	if err := cmds.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
