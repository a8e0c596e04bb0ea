package preflight

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SupportedPlatform is the only platform the capture pipeline runs on: it
// depends on Xvfb and FFmpeg's x11grab.
const SupportedPlatform = "linux"

// Tool names as they appear in Probe.Tools and DependencyError.Missing.
const (
	ToolXvfb    = "Xvfb"
	ToolFFmpeg  = "ffmpeg"
	ToolBrowser = "chromium"
)

// RequiredTools must all be ready before a pipeline may start. The browser is
// checked through Probe.BrowserPath.
var RequiredTools = []string{ToolXvfb, ToolFFmpeg}

// ErrPlatformUnsupported is returned for any platform other than linux.
var ErrPlatformUnsupported = errors.New("platform unsupported")

// DependencyError lists the required tools that are unavailable.
type DependencyError struct {
	Missing []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("missing dependencies: %s", strings.Join(e.Missing, ", "))
}

// Probe is the capability-probe result the pipeline consumes.
type Probe struct {
	// Platform is the detected operating system (runtime.GOOS naming).
	Platform string

	// Tools maps tool name to availability.
	Tools map[string]bool

	// AllReady is true when the prober found everything it looked for.
	AllReady bool

	// Missing lists tools the prober could not find.
	Missing []string

	// BrowserPath is the resolved browser executable, or "" if none was found.
	BrowserPath string
}

// Gate checks a probe result. It fails with ErrPlatformUnsupported before
// looking at tools, then with a *DependencyError naming every missing tool.
func Gate(p Probe) error {
	if p.Platform != SupportedPlatform {
		return fmt.Errorf("%w: %q (need %s)", ErrPlatformUnsupported, p.Platform, SupportedPlatform)
	}

	missing := map[string]bool{}
	for _, tool := range RequiredTools {
		if !p.Tools[tool] {
			missing[tool] = true
		}
	}
	if p.BrowserPath == "" {
		missing[ToolBrowser] = true
	}
	if !p.AllReady {
		for _, tool := range p.Missing {
			missing[tool] = true
		}
	}

	if len(missing) == 0 {
		return nil
	}

	names := make([]string, 0, len(missing))
	for tool := range missing {
		names = append(names, tool)
	}
	sort.Strings(names)
	return &DependencyError{Missing: names}
}
