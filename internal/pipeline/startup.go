package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/display"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/parser"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/preflight"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/process"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/stats"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/supervisor"
)

// tailLines is how many output lines a StartupError carries.
const tailLines = 5

// rollback is a stack of undo steps registered as startup acquires
// resources. run unwinds it in reverse.
type rollback struct {
	steps []undoStep
}

type undoStep struct {
	name string
	fn   func()
}

func (r *rollback) push(name string, fn func()) {
	r.steps = append(r.steps, undoStep{name: name, fn: fn})
}

func (r *rollback) run(logger *slog.Logger) {
	for i := len(r.steps) - 1; i >= 0; i-- {
		r.runStep(r.steps[i], logger)
	}
	r.steps = nil
}

// runStep runs one undo step. A panic is logged and the unwind continues.
func (r *rollback) runStep(step undoStep, logger *slog.Logger) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("rollback_step_panic", "step", step.name, "panic", fmt.Sprint(v))
		}
	}()
	logger.Debug("rollback_step", "step", step.name)
	step.fn()
}

// Start brings the pipeline up: dependency gate, display slot, Xvfb, browser,
// encoder. It returns nil once all three processes are confirmed started and
// the state is running.
//
// Any failure, including a panic inside a callback, stops every process
// already launched in reverse order, releases the slot and returns the
// pipeline to idle before the error is returned. Start is not cancellable.
func (p *Pipeline) Start() (err error) {
	p.mu.Lock()
	if p.state.IsActive() {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.state = StateStarting
	p.encoder = stats.NewEncoderStats()
	p.mu.Unlock()

	rb := &rollback{}
	phase := PhaseGate
	defer func() {
		if r := recover(); r != nil {
			err = &StartupError{Phase: phase, Reason: fmt.Sprintf("panic: %v", r)}
		}
		if err == nil {
			return
		}
		p.logger.Error("startup_failed", "phase", phase, "error", err)

		// Rollback kills are not unexpected exits.
		p.mu.Lock()
		p.stopping = true
		mon := p.monitor
		p.mu.Unlock()
		mon.close()

		rb.run(p.logger)
		p.reset()
		p.logger.Info("rollback_complete", "phase", phase)
	}()

	p.notifyState(StateIdle, StateStarting)

	began := p.now()
	p.logger.Info("pipeline_starting",
		"page_url", p.cfg.PageURL,
		"resolution", p.resolution.String(),
		"bitrate", p.bitrate.String(),
		"framerate", p.cfg.FrameRate,
	)

	// 1. Dependency gate
	probe, err := p.gate()
	if err != nil {
		return err
	}

	// 2. Display slot
	phase = PhaseAllocate
	slot, err := p.allocate(rb)
	if err != nil {
		return err
	}

	// 3. Virtual display
	phase = PhaseDisplay
	if err := p.startDisplay(rb, slot); err != nil {
		return err
	}

	// 4-5. Browser and readiness race
	phase = PhaseBrowser
	if err := p.startBrowser(rb, slot, probe.BrowserPath); err != nil {
		return err
	}

	// 6. Encoder
	phase = PhaseEncoder
	if err := p.startEncoder(rb, slot); err != nil {
		return err
	}

	// 7. Running
	p.mu.Lock()
	p.state = StateRunning
	p.startTime = p.now()
	handles := make([]*supervisor.Handle, 0, len(launchOrder))
	for _, role := range launchOrder {
		handles = append(handles, p.handles[role])
	}
	p.monitor = p.startMonitor(handles)
	p.mu.Unlock()
	p.notifyState(StateStarting, StateRunning)

	p.logger.Info("pipeline_running",
		"display", slot.Name(),
		"startup", p.now().Sub(began).Round(time.Millisecond).String(),
	)
	return nil
}

// timed runs one phase and reports its duration.
func (p *Pipeline) timed(phase string, fn func() error) error {
	began := p.now()
	err := fn()
	if cb := p.opts.Callbacks.OnPhase; cb != nil {
		cb(phase, p.now().Sub(began), err)
	}
	return err
}

func (p *Pipeline) gate() (preflight.Probe, error) {
	var probe preflight.Probe
	err := p.timed(PhaseGate, func() error {
		probe = p.opts.Probe()
		return preflight.Gate(probe)
	})
	if err != nil {
		p.logger.Error("dependency_gate_failed", "platform", probe.Platform, "error", err)
		return probe, err
	}
	p.logger.Debug("dependency_gate_passed", "browser", probe.BrowserPath)
	return probe, nil
}

func (p *Pipeline) allocate(rb *rollback) (display.Slot, error) {
	var slot display.Slot
	err := p.timed(PhaseAllocate, func() error {
		var err error
		slot, err = p.alloc.Allocate()
		return err
	})
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	p.slot, p.hasSlot = slot, true
	p.mu.Unlock()
	rb.push("release_slot", func() { p.alloc.Release(slot) })

	p.logger.Info("display_allocated", "slot", slot.Name())
	return slot, nil
}

func (p *Pipeline) startDisplay(rb *rollback, slot display.Slot) error {
	return p.timed(PhaseDisplay, func() error {
		runner := process.NewXvfbRunner(&process.XvfbConfig{
			BinaryPath: p.opts.XvfbPath,
			Display:    slot.Name(),
			Resolution: p.resolution,
		})
		h, err := p.launch(rb, runner, nil)
		if err != nil {
			return err
		}
		if !p.survives(h, p.opts.Timings.DisplayGrace) {
			return p.deadProcessError(h, "exited during grace period")
		}
		p.logger.Info("display_started", "slot", slot.Name(), "pid", h.PID())
		return nil
	})
}

func (p *Pipeline) startBrowser(rb *rollback, slot display.Slot, browserPath string) error {
	return p.timed(PhaseBrowser, func() error {
		profile, err := os.MkdirTemp("", "pagecast-profile-")
		if err != nil {
			return &StartupError{Phase: PhaseBrowser, Reason: "create profile directory", Err: err}
		}
		p.mu.Lock()
		p.profile = profile
		p.mu.Unlock()
		rb.push("remove_profile", func() { removeProfile(profile, p.logger) })

		runner := process.NewBrowserRunner(&process.BrowserConfig{
			BinaryPath:  browserPath,
			Display:     slot.Name(),
			PageURL:     p.cfg.PageURL,
			Token:       p.cfg.Token,
			Resolution:  p.resolution,
			UserDataDir: profile,
		})
		marker := parser.NewMarkerParser(process.BrowserReadyMarker)
		h, err := p.launch(rb, runner, marker)
		if err != nil {
			return err
		}
		return p.awaitBrowser(h, marker)
	})
}

// awaitBrowser races the readiness marker, the process exit and the
// readiness timeout.
func (p *Pipeline) awaitBrowser(h *supervisor.Handle, marker *parser.MarkerParser) error {
	t := p.opts.Timings
	timer := time.NewTimer(t.BrowserReadyTimeout)
	defer timer.Stop()

	select {
	case <-marker.Ready():
		p.logger.Debug("browser_marker_seen", "line", marker.Line())
		if !p.survives(h, t.BrowserSettle) {
			return p.deadProcessError(h, "exited after readiness marker")
		}
		p.logger.Info("browser_ready", "pid", h.PID(), "confirmed", true)
		return nil

	case <-h.Done():
		return p.deadProcessError(h, "exited before becoming ready")

	case <-timer.C:
		if !h.Alive() {
			return p.deadProcessError(h, "exited before becoming ready")
		}
		if p.opts.StrictReadiness {
			return &StartupError{
				Phase:  PhaseBrowser,
				Reason: fmt.Sprintf("no readiness marker within %s", t.BrowserReadyTimeout),
			}
		}
		p.logger.Warn("browser_ready_assumed",
			"pid", h.PID(),
			"timeout", t.BrowserReadyTimeout.String(),
		)
		return nil
	}
}

func (p *Pipeline) startEncoder(rb *rollback, slot display.Slot) error {
	return p.timed(PhaseEncoder, func() error {
		runner := process.NewEncoderRunner(&process.EncoderConfig{
			BinaryPath: p.opts.FFmpegPath,
			Display:    slot.Name(),
			Resolution: p.resolution,
			FrameRate:  p.cfg.FrameRate,
			Bitrate:    p.bitrate,
			Preset:     p.cfg.Preset,
			IngestURL:  p.cfg.IngestURL,
			IngestKey:  p.cfg.IngestKey,
			LogLevel:   p.opts.EncoderLogLevel,
		})

		p.mu.Lock()
		enc := p.encoder
		p.mu.Unlock()

		h, err := p.launch(rb, runner, parser.NewStatusParser(enc.Record))
		if err != nil {
			return err
		}
		if !p.survives(h, p.opts.Timings.EncoderStabilize) {
			return p.deadProcessError(h, "exited during stabilization")
		}
		p.logger.Info("encoder_started",
			"pid", h.PID(),
			"target", runner.CommandString(),
		)
		return nil
	})
}

// launch builds and spawns the runner's command. The handle is registered on
// the rollback stack before any callback runs.
func (p *Pipeline) launch(rb *rollback, r process.Runner, extra parser.LineParser) (*supervisor.Handle, error) {
	role := r.Name()
	cmd, err := r.BuildCommand()
	if err != nil {
		return nil, &StartupError{Phase: role, Reason: "build command", Err: err}
	}

	out := logging.NewOutputHandler(role, p.logger, p.opts.Verbose)
	var lp parser.LineParser = out
	if extra != nil {
		lp = parser.Multi(extra, out)
	}

	h, err := supervisor.Start(cmd, supervisor.Options{
		Role:   role,
		Logger: p.logger,
		Output: lp,
	})
	if cb := p.opts.Callbacks.OnProcessStart; cb != nil && err != nil {
		cb(role, 0, err)
	}
	if err != nil {
		return nil, &StartupError{Phase: role, Reason: "spawn failed", Err: err}
	}

	p.mu.Lock()
	p.handles[role] = h
	p.outputs[role] = out
	p.mu.Unlock()
	rb.push("stop_"+role, func() { p.stopProcess(h) })

	if cb := p.opts.Callbacks.OnProcessStart; cb != nil {
		cb(role, h.PID(), nil)
	}
	return h, nil
}

// survives waits d and reports whether h is still alive. It returns early
// if the process exits.
func (p *Pipeline) survives(h *supervisor.Handle, d time.Duration) bool {
	if d <= 0 {
		return h.Alive()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.Done():
		return false
	case <-timer.C:
		return h.Alive()
	}
}

// deadProcessError builds the startup failure for a process that exited. It
// drains the process output first so the error carries its last lines.
func (p *Pipeline) deadProcessError(h *supervisor.Handle, reason string) error {
	role := h.Role()
	h.Stop(p.opts.Timings.StopGrace)

	p.mu.Lock()
	out := p.outputs[role]
	p.mu.Unlock()

	msg := fmt.Sprintf("%s (exit code %d)", reason, h.ExitCode())
	if out != nil {
		if tail := out.Tail(tailLines); tail != "" {
			msg += ": " + tail
		}
	}
	return &StartupError{Phase: role, Reason: msg}
}

// removeProfile deletes a browser profile directory. Empty is a no-op.
func removeProfile(dir string, logger *slog.Logger) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("profile_cleanup_failed", "dir", dir, "error", err)
	}
}
