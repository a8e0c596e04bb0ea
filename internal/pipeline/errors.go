package pipeline

import (
	"errors"
	"fmt"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/display"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/preflight"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/process"
)

var (
	// ErrPlatformUnsupported is returned by Start on any platform but linux.
	ErrPlatformUnsupported = preflight.ErrPlatformUnsupported

	// ErrResourceExhausted is returned by Start when no display slot is free.
	ErrResourceExhausted = display.ErrResourceExhausted

	// ErrAlreadyRunning is returned by Start unless the pipeline is idle.
	ErrAlreadyRunning = errors.New("pipeline already running")

	// ErrNotRunning is returned by Stop unless the pipeline is running.
	ErrNotRunning = errors.New("pipeline not running")
)

// DependencyError lists the required tools that are unavailable.
type DependencyError = preflight.DependencyError

// Startup phases, in order. The last three are the process roles.
const (
	PhaseGate     = "gate"
	PhaseAllocate = "allocate"
	PhaseDisplay  = process.RoleDisplay
	PhaseBrowser  = process.RoleBrowser
	PhaseEncoder  = process.RoleEncoder
)

// StartupError reports that a process could not be brought up. The pipeline
// has already been rolled back when the caller sees it.
type StartupError struct {
	// Phase is the role that failed: "display", "browser" or "encoder".
	Phase string

	// Reason describes the failure, including the last output lines when
	// the process died.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("%s startup failed: %s", e.Phase, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// IsStartupFailure reports whether err is a StartupError for phase.
func IsStartupFailure(err error, phase string) bool {
	var se *StartupError
	return errors.As(err, &se) && se.Phase == phase
}
