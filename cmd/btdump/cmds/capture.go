package cmds

import (
	"github.com/spf13/cobra"

	"github.com/go-delve/backtrace/pkg/backtrace"
)

func captureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capture",
		Short: "Capture and print the backtrace of this process at the call site",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			bt, err := backtrace.Capture()
			if err != nil {
				return err
			}
			w, colorize := colorableStdout(cfg)
			printBacktrace(w, bt, cfg, colorize)
			return nil
		},
	}
}
