// Package config is the configuration layer for the `btdump` CLI. The
// core library (pkg/backtrace and below) takes no configuration of its
// own; everything here only shapes how the CLI renders a Backtrace.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config controls the `btdump` CLI's output. Demangling is not a
// configurable presentation choice here: pkg/symbolize always
// demangles, so there is nothing for the CLI to toggle.
type Config struct {
	// MaxFrames caps how many frames are printed; 0 means unlimited.
	MaxFrames int `yaml:"max-frames"`
	// Color forces ANSI coloring on or off; when nil the CLI decides
	// based on whether stdout is a terminal.
	Color *bool `yaml:"color,omitempty"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	return Config{MaxFrames: 0}
}

// Load reads a YAML config file at path, falling back to Default if the
// file does not exist.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
