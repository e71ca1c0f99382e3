// Package config holds the platform constants of the simulated RISC-V
// machine and the tunable kernel configuration loaded at boot.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/inos_mm/kernel/utils"
)

// Platform constants. These are part of the user ABI and never configurable.
const (
	PageSizeBits = 12
	PageSize     = 1 << PageSizeBits // 4KiB

	// MaxSyscallNum bounds the per-task syscall counter table.
	MaxSyscallNum = 500

	// MicrosPerSec is the factor of the tick -> microsecond conversion.
	MicrosPerSec = 1_000_000

	// User address space layout (Sv39 lower half).
	UserSpaceEnd  = uint64(1) << 38
	UserStackTop  = UserSpaceEnd - 2*PageSize
	UserStackSize = 2 * PageSize
	HeapBottom    = uint64(0x1000_0000)

	// PhysBase is where simulated DRAM starts.
	PhysBase = uint64(0x8000_0000)
)

// Config is the kernel boot configuration.
type Config struct {
	// ClockFreq is the hardware timer frequency in ticks per second
	// (the divisor of the tick -> microsecond conversion).
	ClockFreq uint64 `yaml:"clock_freq"`
	// Frames is the number of physical frames of simulated DRAM.
	Frames uint64 `yaml:"frames"`
	// Cores is the number of cores running tasks concurrently.
	Cores int `yaml:"cores"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// Colorize enables ANSI colors in log output.
	Colorize bool `yaml:"colorize"`
}

// Default returns the configuration of the qemu virt board.
func Default() Config {
	return Config{
		ClockFreq: 12_500_000,
		Frames:    2048, // 8MiB
		Cores:     1,
		LogLevel:  "info",
		Colorize:  true,
	}
}

// Load reads a YAML config file on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, utils.WrapError(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, utils.WrapError(err, "parse config "+path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.ClockFreq == 0 {
		return errors.New("config: clock_freq must be > 0")
	}
	if c.Frames < 16 {
		return fmt.Errorf("config: frames must be >= 16, got %d", c.Frames)
	}
	if c.Cores < 1 {
		return fmt.Errorf("config: cores must be >= 1, got %d", c.Cores)
	}
	if _, err := utils.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Level returns the parsed log level; Validate has already vetted it.
func (c Config) Level() utils.LogLevel {
	lvl, _ := utils.ParseLevel(c.LogLevel)
	return lvl
}
