// Package supervisor owns spawned pipeline processes: it starts them in their
// own process group, exposes a channel that closes exactly once on exit, and
// terminates them with SIGTERM escalating to SIGKILL.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/parser"
)

const (
	// outputBufferLines is the stderr line buffer per process.
	outputBufferLines = 256

	// drainTimeout bounds how long Stop waits for output parsing to finish.
	drainTimeout = 2 * time.Second

	// killTimeout bounds how long Stop waits for exit after SIGKILL.
	killTimeout = 5 * time.Second
)

// Options configure a spawned process.
type Options struct {
	// Role is the human-readable role name ("display", "browser", "encoder").
	Role string

	// Logger receives lifecycle events.
	Logger *slog.Logger

	// Output parses the process's stderr lines. Optional.
	Output parser.LineParser
}

// Handle is an owned reference to one running OS process.
// A Handle must be stopped by its owner; it is never shared.
type Handle struct {
	role   string
	logger *slog.Logger
	cmd    *exec.Cmd
	pid    int

	startTime time.Time
	endTime   time.Time

	done     chan struct{}
	exitCode int
	waitErr  error

	outputDone chan struct{}
	output     *parser.Pipeline

	stopOnce sync.Once
	escalate bool
}

// Start launches cmd and returns its handle. Stderr is captured through a
// lossy line pipeline feeding opts.Output; stdout is discarded.
func Start(cmd *exec.Cmd, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Output
	if out == nil {
		out = parser.LineParserFunc(func(string) {})
	}

	// An os.Pipe rather than cmd.StderrPipe: Wait must not block on, or
	// close, a reader that outlives the process leader.
	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%s: stderr pipe: %w", opts.Role, err)
	}
	cmd.Stderr = stderrWrite
	setProcessGroup(cmd)

	h := &Handle{
		role:       opts.Role,
		logger:     logger,
		cmd:        cmd,
		done:       make(chan struct{}),
		outputDone: make(chan struct{}),
		output:     parser.NewPipeline(opts.Role, outputBufferLines),
	}

	h.startTime = time.Now()
	if err := cmd.Start(); err != nil {
		stderrRead.Close()
		stderrWrite.Close()
		return nil, fmt.Errorf("%s: start %s: %w", opts.Role, cmd.Path, err)
	}
	// The child holds its own copy; EOF arrives once every holder has exited.
	stderrWrite.Close()

	h.pid = cmd.Process.Pid

	go func() {
		defer stderrRead.Close()
		h.output.RunReader(stderrRead)
	}()
	go func() {
		defer close(h.outputDone)
		h.output.RunParser(out)
	}()
	go h.wait()

	logger.Info("process_started",
		"role", h.role,
		"pid", h.pid,
		"binary", cmd.Path,
	)
	return h, nil
}

// wait reaps the process and closes done. Runs once per handle.
func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.endTime = time.Now()
	h.waitErr = err
	h.exitCode = extractExitCode(err)
	close(h.done)
}

// Done is closed exactly once, when the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the process has not exited yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code, or -1 while the process is running.
// Signal deaths are reported as 128 + signal number.
func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
		return h.exitCode
	default:
		return -1
	}
}

// Uptime returns how long the process ran, or has been running so far.
func (h *Handle) Uptime() time.Duration {
	select {
	case <-h.done:
		return h.endTime.Sub(h.startTime)
	default:
		return time.Since(h.startTime)
	}
}

// Role returns the role name.
func (h *Handle) Role() string {
	return h.role
}

// PID returns the process ID.
func (h *Handle) PID() int {
	return h.pid
}

// Stop terminates the process: SIGTERM to its process group, then SIGKILL if
// it has not exited within grace. Returns true if SIGKILL was needed.
// Stop is idempotent; later calls return the first call's result once the
// process is gone.
func (h *Handle) Stop(grace time.Duration) (escalated bool) {
	h.stopOnce.Do(func() {
		h.escalate = h.terminate(grace)
		h.drainOutput()
	})
	return h.escalate
}

// terminate stops the leader, then kills whatever is left of its process
// group. Group members outlive a crashed leader and may ignore SIGTERM; any
// survivor would also hold the stderr pipe open.
func (h *Handle) terminate(grace time.Duration) bool {
	defer h.sweepGroup()

	if !h.Alive() {
		return false
	}

	h.logger.Debug("process_terminating", "role", h.role, "pid", h.pid, "grace", grace.String())
	if err := signalGroup(h.cmd.Process, syscall.SIGTERM); err != nil {
		h.logger.Debug("sigterm_failed", "role", h.role, "pid", h.pid, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return false
	case <-timer.C:
	}

	h.logger.Warn("force_killing_process",
		"role", h.role,
		"pid", h.pid,
		"grace", grace.String(),
	)
	if err := signalGroup(h.cmd.Process, syscall.SIGKILL); err != nil {
		h.logger.Debug("sigkill_failed", "role", h.role, "pid", h.pid, "error", err)
	}

	select {
	case <-h.done:
	case <-time.After(killTimeout):
		h.logger.Error("process_kill_timeout", "role", h.role, "pid", h.pid)
	}
	return true
}

// sweepGroup sends SIGKILL to the process group once the leader is gone.
func (h *Handle) sweepGroup() {
	if err := killGroup(h.pid); err != nil {
		h.logger.Debug("group_kill_failed", "role", h.role, "pgid", h.pid, "error", err)
	}
}

// drainOutput waits for the stderr parser to finish with a timeout.
func (h *Handle) drainOutput() {
	select {
	case <-h.outputDone:
	case <-time.After(drainTimeout):
		read, dropped, parsed := h.output.Stats()
		h.logger.Warn("output_drain_timeout",
			"role", h.role,
			"lines_read", read,
			"lines_dropped", dropped,
			"lines_parsed", parsed,
		)
	}
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}

	return 1
}
