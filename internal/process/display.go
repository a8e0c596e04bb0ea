package process

import (
	"os/exec"
	"strconv"
)

// DefaultColorDepth is the framebuffer depth used for the virtual screen.
const DefaultColorDepth = 24

// XvfbConfig holds configuration for the virtual display server.
type XvfbConfig struct {
	// BinaryPath is the path to the Xvfb binary.
	BinaryPath string

	// Display is the X display name, e.g. ":99".
	Display string

	// Resolution is the size of screen 0.
	Resolution Resolution

	// ColorDepth is the framebuffer depth in bits.
	ColorDepth int
}

// XvfbRunner implements Runner for the virtual display server.
type XvfbRunner struct {
	config *XvfbConfig
}

// NewXvfbRunner creates a display runner.
func NewXvfbRunner(cfg *XvfbConfig) *XvfbRunner {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "Xvfb"
	}
	if cfg.ColorDepth == 0 {
		cfg.ColorDepth = DefaultColorDepth
	}
	return &XvfbRunner{config: cfg}
}

// Name returns "display".
func (r *XvfbRunner) Name() string {
	return RoleDisplay
}

// BuildCommand creates an exec.Cmd for Xvfb bound to the configured display.
func (r *XvfbRunner) BuildCommand() (*exec.Cmd, error) {
	return exec.Command(r.config.BinaryPath, r.buildArgs()...), nil
}

func (r *XvfbRunner) buildArgs() []string {
	screen := r.config.Resolution.String() + "x" + strconv.Itoa(r.config.ColorDepth)
	return []string{
		r.config.Display,
		"-screen", "0", screen,
		// No TCP listener: only local clients on this host render into it.
		"-nolisten", "tcp",
		"-noreset",
	}
}

// CommandString returns the command that would be executed (for debugging).
func (r *XvfbRunner) CommandString() string {
	return commandString(r.config.BinaryPath, r.buildArgs())
}
