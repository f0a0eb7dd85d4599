// Package config loads the optional vmm.yaml file describing a machine.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename  = "vmm.yaml"
	DefaultDisk      = "disk.img"
	DefaultMemory    = 256 * 1024
	DefaultRefreshHz = 30

	SerialStderr = "stderr"
	SerialNone   = "none"

	pageSize = 0x1000

	// RAM must end below the first fixed device window, the VGA frame buffer.
	maxMemory = 0xB8000
)

// Config describes one machine.
type Config struct {
	Guest  string `yaml:"guest"`
	Disk   string `yaml:"disk"`
	Memory uint64 `yaml:"memory"`
	Debug  bool   `yaml:"debug,omitempty"`

	// Serial is where guest COM1 output goes: a file path, SerialStderr or
	// SerialNone. Empty means stderr unless the display is active.
	Serial string `yaml:"serial,omitempty"`

	Display DisplayConfig `yaml:"display"`
}

type DisplayConfig struct {
	// Enabled defaults to whether stdout is a terminal when unset.
	Enabled   *bool `yaml:"enabled,omitempty"`
	RefreshHz int   `yaml:"refreshHz,omitempty"`
}

func (c *Config) normalize() {
	if c.Disk == "" {
		c.Disk = DefaultDisk
	}
	if c.Memory == 0 {
		c.Memory = DefaultMemory
	}
	if c.Display.RefreshHz == 0 {
		c.Display.RefreshHz = DefaultRefreshHz
	}
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Load reads path and fills in defaults. A missing file at the default
// location is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultFilename
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// Validate reports configuration the machine cannot be built from.
func (c Config) Validate() error {
	if c.Guest == "" {
		return fmt.Errorf("no guest image given")
	}
	if c.Disk == "" {
		return fmt.Errorf("no disk image given")
	}
	if c.Memory == 0 || c.Memory%pageSize != 0 {
		return fmt.Errorf("memory size 0x%x must be a non-zero multiple of 0x%x", c.Memory, pageSize)
	}
	if c.Memory > maxMemory {
		return fmt.Errorf("memory size 0x%x overlaps the VGA frame buffer at 0x%x", c.Memory, maxMemory)
	}
	if c.Display.RefreshHz <= 0 || c.Display.RefreshHz > 1000 {
		return fmt.Errorf("display refresh rate %d Hz out of range", c.Display.RefreshHz)
	}
	return nil
}

// DisplayEnabled resolves display.enabled, using isTerminal when unset.
func (c Config) DisplayEnabled(isTerminal bool) bool {
	if c.Display.Enabled != nil {
		return *c.Display.Enabled
	}
	return isTerminal
}

// Write encodes c to path, for generating a starting configuration.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
