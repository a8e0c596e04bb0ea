// Package pipeline orchestrates a page capture broadcast: a virtual display
// (Xvfb), a browser rendering the page into it (Chromium) and an encoder
// capturing the display and publishing to an RTMP ingest (FFmpeg).
//
// A Pipeline owns its three processes and its display slot for one run at a
// time. Start brings them up in order and rolls everything back on any
// failure; Stop tears them down in reverse order, escalating from SIGTERM to
// SIGKILL. While running, unexpected exits are reported through Health and
// the logs only; the owner decides what to do about them.
package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/display"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/process"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/stats"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/supervisor"
)

// Roles in launch order. Shutdown walks this slice backwards.
var launchOrder = []string{process.RoleDisplay, process.RoleBrowser, process.RoleEncoder}

// HealthSnapshot reports per-role liveness. A role is true iff its process
// is alive.
type HealthSnapshot struct {
	Display bool `json:"display"`
	Browser bool `json:"browser"`
	Encoder bool `json:"encoder"`
}

// Healthy reports whether all three processes are alive.
func (h HealthSnapshot) Healthy() bool {
	return h.Display && h.Browser && h.Encoder
}

// Pipeline supervises one broadcast at a time. Create it with New.
type Pipeline struct {
	cfg        Config
	resolution process.Resolution
	bitrate    process.Bitrate
	opts       Options
	logger     *slog.Logger
	alloc      *display.Allocator
	now        func() time.Time

	mu        sync.Mutex
	state     State
	stopping  bool
	slot      display.Slot
	hasSlot   bool
	handles   map[string]*supervisor.Handle
	outputs   map[string]*logging.OutputHandler
	reported  map[string]bool
	startTime time.Time
	profile   string
	encoder   *stats.EncoderStats
	monitor   *monitor
}

// New validates cfg and returns an idle pipeline.
func New(cfg Config, opts Options) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	res, br, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	return &Pipeline{
		cfg:        cfg,
		resolution: res,
		bitrate:    br,
		opts:       opts,
		logger:     opts.Logger,
		alloc:      opts.Allocator,
		now:        time.Now,
		handles:    make(map[string]*supervisor.Handle),
		outputs:    make(map[string]*logging.OutputHandler),
		reported:   make(map[string]bool),
		encoder:    stats.NewEncoderStats(),
	}, nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsRunning reports whether the pipeline is in the running state.
func (p *Pipeline) IsRunning() bool {
	return p.State() == StateRunning
}

// Health returns per-role liveness. All false when idle.
func (p *Pipeline) Health() HealthSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return HealthSnapshot{
		Display: alive(p.handles[process.RoleDisplay]),
		Browser: alive(p.handles[process.RoleBrowser]),
		Encoder: alive(p.handles[process.RoleEncoder]),
	}
}

func alive(h *supervisor.Handle) bool {
	return h != nil && h.Alive()
}

// Uptime returns whole seconds since the pipeline entered running, or 0 when
// it is not running.
func (p *Pipeline) Uptime() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uptimeLocked()
}

func (p *Pipeline) uptimeLocked() int64 {
	if p.state != StateRunning {
		return 0
	}
	return int64(p.now().Sub(p.startTime) / time.Second)
}

// DisplaySlot returns the display name in use, e.g. ":99", or "" when idle.
func (p *Pipeline) DisplaySlot() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateIdle || !p.hasSlot {
		return ""
	}
	return p.slot.Name()
}

// EncoderStats returns statistics parsed from the encoder's status output
// for the current run, or the last one once stopped.
func (p *Pipeline) EncoderStats() stats.Summary {
	p.mu.Lock()
	enc := p.encoder
	p.mu.Unlock()
	return enc.Summary()
}

// EncoderStalled reports whether the encoder has printed no status line
// within window. An encoder that never reported is not stalled.
func (p *Pipeline) EncoderStalled(window time.Duration) bool {
	p.mu.Lock()
	enc := p.encoder
	p.mu.Unlock()
	return enc.Stalled(p.now(), window)
}

// transition sets the state and fires OnStateChange outside the lock.
func (p *Pipeline) transition(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()
	p.notifyState(from, to)
}

func (p *Pipeline) notifyState(from, to State) {
	if from == to {
		return
	}
	p.logger.Debug("pipeline_state", "from", from.String(), "to", to.String())
	if cb := p.opts.Callbacks.OnStateChange; cb != nil {
		cb(from, to)
	}
}

// stopProcess terminates one owned process and reports its exit unless the
// health monitor already did. A process that was already dead when asked to
// stop is reported as an unexpected exit.
func (p *Pipeline) stopProcess(h *supervisor.Handle) {
	role := h.Role()
	wasAlive := h.Alive()
	escalated := h.Stop(p.opts.Timings.StopGrace)
	if escalated {
		if cb := p.opts.Callbacks.OnEscalate; cb != nil {
			cb(role)
		}
	}

	p.mu.Lock()
	already := p.reported[role]
	p.reported[role] = true
	p.mu.Unlock()

	p.logger.Info("process_stopped",
		"role", role,
		"pid", h.PID(),
		"exit_code", h.ExitCode(),
		"uptime", h.Uptime().Round(time.Millisecond).String(),
		"escalated", escalated,
	)
	if already {
		return
	}
	if cb := p.opts.Callbacks.OnProcessExit; cb != nil {
		cb(role, h.ExitCode(), h.Uptime(), wasAlive)
	}
}

// reset forgets all per-run resources and returns to idle. Processes must
// already be stopped and the slot released. A panicking state callback is
// logged; the pipeline is idle either way.
func (p *Pipeline) reset() {
	p.mu.Lock()
	p.handles = make(map[string]*supervisor.Handle)
	p.outputs = make(map[string]*logging.OutputHandler)
	p.reported = make(map[string]bool)
	p.hasSlot = false
	p.profile = ""
	p.monitor = nil
	p.stopping = false
	p.startTime = time.Time{}
	p.mu.Unlock()

	defer func() {
		if v := recover(); v != nil {
			p.logger.Error("state_callback_panic", "to", StateIdle.String(), "panic", fmt.Sprint(v))
		}
	}()
	p.transition(StateIdle)
}
