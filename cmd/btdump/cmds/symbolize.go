package cmds

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-delve/backtrace/pkg/binary"
	"github.com/go-delve/backtrace/pkg/symbolize"
)

func symbolizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbolize <path> <hex-address>",
		Short: "Resolve one static address in an arbitrary ELF binary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := binary.OpenPath(args[0])
			if err != nil {
				return err
			}
			defer info.Close()

			addr, err := parseHex(args[1])
			if err != nil {
				return fmt.Errorf("symbolize: %w", err)
			}

			sym := symbolize.New(info.DWARF(), info.Symbols())
			syms, err := sym.Symbolize(addr)
			if err != nil {
				return err
			}
			for _, s := range syms {
				if s.File != "" {
					fmt.Printf("%s at %s:%d\n", s.Name, s.File, s.Line)
				} else {
					fmt.Println(s.Name)
				}
			}
			return nil
		},
	}
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}
