// Package config loads the optional nxdt-host YAML configuration file and
// applies its defaults underneath whatever the command line overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the settings a session needs before it can start accepting a
// console: where to write received files, how verbose to log, and whether
// to skip the destination filesystem's free-space check.
type Config struct {
	OutputDir             string `yaml:"output_dir"`
	Verbose               bool   `yaml:"verbose"`
	DisableFreeSpaceCheck bool   `yaml:"disable_free_space_check"`
}

// Default returns the built-in defaults: output_dir under the current
// working directory, everything else false.
func Default() Config {
	return Config{OutputDir: "nxdt-host-output"}
}

// Validate creates OutputDir if it does not exist and rejects it if it
// exists as something other than a directory.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("config: output_dir must not be empty")
	}

	info, err := os.Stat(c.OutputDir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
			return fmt.Errorf("config: cannot create output_dir %q: %w", c.OutputDir, err)
		}
	case err != nil:
		return fmt.Errorf("config: cannot stat output_dir %q: %w", c.OutputDir, err)
	case !info.IsDir():
		return fmt.Errorf("config: output_dir %q exists and is not a directory", c.OutputDir)
	}

	abs, err := filepath.Abs(c.OutputDir)
	if err != nil {
		return fmt.Errorf("config: cannot resolve output_dir %q: %w", c.OutputDir, err)
	}
	c.OutputDir = abs
	return nil
}
