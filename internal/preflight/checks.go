// Package preflight checks that a host can run a capture pipeline. It
// produces the capability probe consumed by the pipeline and gates startup on
// it.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// BrowserCandidates are tried in order when no browser path is configured.
var BrowserCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
}

// Paths are the configured binary names or paths. Empty fields use defaults.
type Paths struct {
	Xvfb    string
	FFmpeg  string
	Browser string
}

// Check represents the result of a single preflight check.
type Check struct {
	Name    string // Name of the check
	Passed  bool   // Whether the check passed
	Warning bool   // True if it's a warning (non-fatal)
	Message string // Additional context
}

// Result holds the results of all preflight checks and the probe derived
// from them.
type Result struct {
	Checks []Check
	Passed bool
	Probe  Probe
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// RunAll executes all preflight checks and builds the probe.
func RunAll(ctx context.Context, paths Paths) *Result {
	if paths.Xvfb == "" {
		paths.Xvfb = ToolXvfb
	}
	if paths.FFmpeg == "" {
		paths.FFmpeg = ToolFFmpeg
	}

	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
		Probe: Probe{
			Platform: runtime.GOOS,
			Tools:    map[string]bool{},
		},
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	platform := Check{Name: "platform", Passed: runtime.GOOS == SupportedPlatform, Message: runtime.GOOS}
	if !platform.Passed {
		platform.Message = fmt.Sprintf("%s (need %s)", runtime.GOOS, SupportedPlatform)
	}
	add(platform)

	xvfb := checkBinary(ctx, ToolXvfb, paths.Xvfb, "")
	result.Probe.Tools[ToolXvfb] = xvfb.Passed
	add(xvfb)

	ffmpeg := checkBinary(ctx, ToolFFmpeg, paths.FFmpeg, "-version")
	result.Probe.Tools[ToolFFmpeg] = ffmpeg.Passed
	add(ffmpeg)

	browserPath, browser := resolveBrowser(ctx, paths.Browser)
	result.Probe.Tools[ToolBrowser] = browser.Passed
	result.Probe.BrowserPath = browserPath
	add(browser)

	// Warning only
	add(checkFileDescriptors())

	for _, name := range []string{ToolXvfb, ToolFFmpeg, ToolBrowser} {
		if !result.Probe.Tools[name] {
			result.Probe.Missing = append(result.Probe.Missing, name)
		}
	}
	result.Probe.AllReady = len(result.Probe.Missing) == 0

	return result
}

// Detect runs the checks and returns only the probe.
func Detect(ctx context.Context, paths Paths) Probe {
	return RunAll(ctx, paths).Probe
}

// checkBinary resolves a binary and, if versionFlag is set, reads the first
// line of its version output.
func checkBinary(ctx context.Context, name, path, versionFlag string) Check {
	resolved, err := lookPath(path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	if versionFlag == "" {
		return Check{Name: name, Passed: true, Message: "found at " + resolved}
	}

	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s (%s)", resolved, versionLine(ctx, resolved, versionFlag)),
	}
}

// resolveBrowser returns the browser executable path: the configured one if
// set, otherwise the first candidate found on PATH.
func resolveBrowser(ctx context.Context, configured string) (string, Check) {
	candidates := BrowserCandidates
	if configured != "" {
		candidates = []string{configured}
	}

	for _, candidate := range candidates {
		resolved, err := lookPath(candidate)
		if err != nil {
			continue
		}
		return resolved, Check{
			Name:    "browser",
			Passed:  true,
			Message: fmt.Sprintf("found at %s (%s)", resolved, versionLine(ctx, resolved, "--version")),
		}
	}

	return "", Check{
		Name:    "browser",
		Passed:  false,
		Message: "none of " + strings.Join(candidates, ", ") + " found",
	}
}

// versionLine returns the first line of `binary flag`, or "version unknown".
func versionLine(ctx context.Context, binary, flag string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, binary, flag).Output()
	if err != nil || len(output) == 0 {
		return "version unknown"
	}
	line, _, _ := strings.Cut(string(output), "\n")
	return strings.TrimSpace(line)
}

// PrintResults writes the preflight check results.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed || check.Warning {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "platform":
		return "run on a Linux host (the pipeline uses Xvfb and x11grab)"
	case ToolXvfb:
		return "install Xvfb (apt install xvfb)"
	case ToolFFmpeg:
		return "install ffmpeg with libx264 (apt install ffmpeg)"
	case "browser":
		return "install chromium (apt install chromium) or pass -browser"
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	default:
		return "see documentation"
	}
}
