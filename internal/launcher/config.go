package launcher

import (
	"fmt"
	"time"
)

const (
	DefaultPort    = 8501
	DefaultAddress = "0.0.0.0"
)

// Config describes one dashboard launch. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// Command is the program and leading arguments. Server flags are appended.
	Command []string
	// ExtraArgs are appended after the fixed server flags.
	ExtraArgs []string
	// Env adds or overrides child environment variables.
	Env map[string]string
	// Prepare runs once before the first start. Empty disables it.
	Prepare []string
	Dir     string

	Port    int
	Address string

	// KillMatch restricts port clearing to occupants whose name or command
	// line contains it. Empty kills every occupant.
	KillMatch string

	GracePeriod        time.Duration
	PortReleaseTimeout time.Duration
	PrepareTimeout     time.Duration
	StartupTimeout     time.Duration
	RestartDelay       time.Duration
	StableAfter        time.Duration
	MaxRestarts        int

	// LockDir holds launcher-<port>.lock. Empty skips locking.
	LockDir string
}

func DefaultConfig() Config {
	return Config{
		Command:            []string{"python3", "-m", "streamlit", "run", "app.py"},
		Prepare:            []string{"python3", "-m", "pip", "install", "--quiet", "watchdog"},
		Port:               DefaultPort,
		Address:            DefaultAddress,
		GracePeriod:        5 * time.Second,
		PortReleaseTimeout: 10 * time.Second,
		PrepareTimeout:     2 * time.Minute,
		StartupTimeout:     3 * time.Second,
		RestartDelay:       2 * time.Second,
		StableAfter:        5 * time.Minute,
		MaxRestarts:        5,
	}
}

// Validate reports configuration that would make a launch impossible.
func (c Config) Validate() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return fmt.Errorf("launcher: command is empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("launcher: port %d out of range", c.Port)
	}
	if c.Address == "" {
		return fmt.Errorf("launcher: address is empty")
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("launcher: max_restarts must be >= 0")
	}
	for name, d := range map[string]time.Duration{
		"grace_period":         c.GracePeriod,
		"port_release_timeout": c.PortReleaseTimeout,
		"startup_timeout":      c.StartupTimeout,
		"restart_delay":        c.RestartDelay,
		"stable_after":         c.StableAfter,
	} {
		if d < 0 {
			return fmt.Errorf("launcher: %s must not be negative", name)
		}
	}
	return nil
}
