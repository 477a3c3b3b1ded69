// Package cmds is the `btdump` command tree, split out of package main
// the way delve splits `cmd/dlv`'s cobra commands into `cmd/dlv/cmds`.
package cmds

import (
	"io"
	"os"
	"path/filepath"

	colorable "github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/backtrace/pkg/config"
)

var (
	configPath string
	maxFrames  int
	colorFlag  string
)

// Root builds the `btdump` command tree.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:   "btdump",
		Short: "Capture and print stack backtraces from DWARF .eh_frame CFI",
		Long: "btdump is a peripheral example around the backtrace core: it is not\n" +
			"part of the library, only a thin CLI over capture() and the Symbolizer.",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", defaultConfigPath(), "path to a YAML config file")
	pf.IntVar(&maxFrames, "max-frames", 0, "limit the number of printed frames (0 = unlimited)")
	pf.StringVar(&colorFlag, "color", "auto", "colorize output: auto, always, never")

	root.AddCommand(captureCmd())
	root.AddCommand(symbolizeCmd())
	return root
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".btdump.yaml")
}

// loadConfig merges the on-disk config with the flags the user passed
// on this invocation, flags taking precedence.
func loadConfig(flags *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if flags.Changed("max-frames") {
		cfg.MaxFrames = maxFrames
	}
	if flags.Changed("color") {
		switch colorFlag {
		case "always", "never":
			v := colorFlag == "always"
			cfg.Color = &v
		default:
			cfg.Color = nil
		}
	}
	return cfg, nil
}

// colorableStdout returns a writer that translates ANSI color codes for
// the current console (colorable.NewColorableStdout is a no-op pass-
// through on anything but Windows) and reports whether the caller
// should actually emit color codes at all, mirroring delve's use of
// go-colorable/go-isatty to keep REPL output readable on Windows
// consoles and plain when piped.
func colorableStdout(cfg config.Config) (w io.Writer, colorize bool) {
	switch colorFlag {
	case "always":
		colorize = true
	case "never":
		colorize = false
	default:
		colorize = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	}
	if cfg.Color != nil {
		colorize = *cfg.Color
	}
	return colorable.NewColorableStdout(), colorize
}
