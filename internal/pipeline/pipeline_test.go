//go:build unix

package pipeline

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/display"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/preflight"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Fake binaries
// =============================================================================

const (
	xvfbOK         = `exec sleep 30`
	browserReady   = `echo "DevTools listening on ws://127.0.0.1:9222/devtools/browser/abc" >&2; exec sleep 30`
	browserSilent  = `exec sleep 30`
	browserCrash   = `echo "Missing X server or \$DISPLAY" >&2; exit 3`
	ffmpegOK       = `printf 'frame=   30 fps= 30 q=28.0 size=     100kB time=00:00:01.00 bitrate= 800.0kbits/s speed=1.00x\r' >&2; exec sleep 30`
	ffmpegCrash    = `echo "rtmp://ingest.example: Connection refused" >&2; exit 1`
	ffmpegStubborn = `trap '' TERM; while :; do sleep 1; done`

	// Helpers forked into the process group, recorded as <role>.child.
	browserForksThenCrashes = `sleep 60 & echo $! > "$piddir/browser.child"; echo "zygote crashed" >&2; exit 3`
	ffmpegForksStubborn     = `(trap '' TERM; while :; do sleep 1; done) & echo $! > "$piddir/encoder.child"; exec sleep 30`
)

// fixture holds a set of fake binaries and records pipeline callbacks.
type fixture struct {
	dir     string
	xvfb    string
	browser string
	ffmpeg  string
	alloc   *display.Allocator
	events  *recorder
}

// writeScript writes an executable shell script for role. Every script
// records its PID and arguments before running body; body can write more
// files under $piddir.
func writeScript(t *testing.T, dir, role, body string) string {
	t.Helper()
	path := filepath.Join(dir, role)
	script := fmt.Sprintf("#!/bin/sh\npiddir=%q\necho $$ > %q\nprintf '%%s\\n' \"$@\" > %q\n%s\n",
		dir,
		filepath.Join(dir, role+".pid"),
		filepath.Join(dir, role+".args"),
		body,
	)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write %s: %v", role, err)
	}
	return path
}

func newFixture(t *testing.T, xvfb, browser, ffmpeg string) *fixture {
	t.Helper()
	dir := t.TempDir()
	return &fixture{
		dir:     dir,
		xvfb:    writeScript(t, dir, "display", xvfb),
		browser: writeScript(t, dir, "browser", browser),
		ffmpeg:  writeScript(t, dir, "encoder", ffmpeg),
		alloc: display.NewAllocator(display.Config{
			First: 900,
			Last:  909,
			InUse: func(display.Slot) bool { return false },
		}),
		events: &recorder{},
	}
}

func (f *fixture) probe() preflight.Probe {
	return preflight.Probe{
		Platform: "linux",
		Tools: map[string]bool{
			preflight.ToolXvfb:    true,
			preflight.ToolFFmpeg:  true,
			preflight.ToolBrowser: true,
		},
		AllReady:    true,
		BrowserPath: f.browser,
	}
}

func testConfig() Config {
	return Config{
		PageURL:   "https://example.com/board",
		Token:     "tok",
		IngestURL: "rtmp://ingest.example",
		IngestKey: "key123",
	}
}

func testTimings() Timings {
	return Timings{
		DisplayGrace:        50 * time.Millisecond,
		BrowserReadyTimeout: 3 * time.Second,
		BrowserSettle:       20 * time.Millisecond,
		EncoderStabilize:    150 * time.Millisecond,
		StopGrace:           300 * time.Millisecond,
	}
}

// newPipeline builds a pipeline over the fixture. mutate may adjust the
// config and options before New.
func (f *fixture) newPipeline(t *testing.T, mutate func(*Config, *Options)) *Pipeline {
	t.Helper()
	cfg := testConfig()
	opts := Options{
		XvfbPath:   f.xvfb,
		FFmpegPath: f.ffmpeg,
		Probe:      f.probe,
		Allocator:  f.alloc,
		Timings:    testTimings(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Callbacks:  f.events.callbacks(),
	}
	if mutate != nil {
		mutate(&cfg, &opts)
	}
	p, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if p.IsRunning() {
			_, _ = p.Stop()
		}
	})
	return p
}

// pid returns the recorded PID for role, or 0 if the script never ran.
func (f *fixture) pid(role string) int {
	return f.readPID(role + ".pid")
}

// childPID returns the PID of the helper role forked, or 0 if it forked none.
func (f *fixture) childPID(role string) int {
	return f.readPID(role + ".child")
}

func (f *fixture) readPID(name string) int {
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}

// processGone waits briefly for pid to disappear. A zombie counts as gone:
// orphaned helpers are reaped by init, not by us.
func processGone(pid int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for {
		if errors.Is(syscall.Kill(pid, 0), syscall.ESRCH) || isZombie(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// isZombie reads the process state from /proc where it exists.
func isZombie(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	i := strings.LastIndexByte(string(data), ')')
	return i >= 0 && i+2 < len(data) && data[i+2] == 'Z'
}

// args returns the recorded arguments for role, one per element.
func (f *fixture) args(t *testing.T, role string) []string {
	t.Helper()
	path := filepath.Join(f.dir, role+".args")
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never recorded its arguments", role)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ran reports whether role's script was ever executed.
func (f *fixture) ran(role string) bool {
	_, err := os.Stat(filepath.Join(f.dir, role+".pid"))
	return err == nil
}

// assertNoLiveProcesses fails if any recorded process or forked helper
// still exists.
func (f *fixture) assertNoLiveProcesses(t *testing.T) {
	t.Helper()
	for _, role := range launchOrder {
		if pid := f.pid(role); pid != 0 && !processGone(pid) {
			t.Errorf("%s (pid %d) still exists", role, pid)
		}
		if pid := f.childPID(role); pid != 0 && !processGone(pid) {
			t.Errorf("%s helper (pid %d) still exists", role, pid)
		}
	}
}

// assertIdle checks every post-stop and post-rollback guarantee.
func (f *fixture) assertIdle(t *testing.T, p *Pipeline) {
	t.Helper()
	if p.State() != StateIdle {
		t.Errorf("State() = %v, want idle", p.State())
	}
	if p.IsRunning() {
		t.Error("IsRunning() = true")
	}
	if h := p.Health(); h != (HealthSnapshot{}) {
		t.Errorf("Health() = %+v, want all false", h)
	}
	if s := p.DisplaySlot(); s != "" {
		t.Errorf("DisplaySlot() = %q, want empty", s)
	}
	if u := p.Uptime(); u != 0 {
		t.Errorf("Uptime() = %d, want 0", u)
	}
	if n := f.alloc.Reserved(); n != 0 {
		t.Errorf("allocator holds %d slots, want 0", n)
	}
	f.assertNoLiveProcesses(t)
}

// =============================================================================
// Callback recorder
// =============================================================================

type exitEvent struct {
	role     string
	code     int
	expected bool
}

type recorder struct {
	mu          sync.Mutex
	states      []string
	starts      []string
	startErrs   []string
	exits       []exitEvent
	escalations []string
	phases      []string

	panicOn      string // role whose OnProcessStart panics
	panicOnState string // state whose OnStateChange panics
}

func (r *recorder) setPanicOnState(state string) {
	r.mu.Lock()
	r.panicOnState = state
	r.mu.Unlock()
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStateChange: func(from, to State) {
			r.mu.Lock()
			r.states = append(r.states, to.String())
			panicOn := r.panicOnState
			r.mu.Unlock()
			if to.String() == panicOn {
				panic("state callback exploded")
			}
		},
		OnProcessStart: func(role string, pid int, err error) {
			r.mu.Lock()
			if err != nil {
				r.startErrs = append(r.startErrs, role)
			} else {
				r.starts = append(r.starts, role)
			}
			panicOn := r.panicOn
			r.mu.Unlock()
			if role == panicOn {
				panic("callback exploded")
			}
		},
		OnProcessExit: func(role string, code int, uptime time.Duration, expected bool) {
			r.mu.Lock()
			r.exits = append(r.exits, exitEvent{role: role, code: code, expected: expected})
			r.mu.Unlock()
		},
		OnPhase: func(phase string, elapsed time.Duration, err error) {
			r.mu.Lock()
			r.phases = append(r.phases, phase)
			r.mu.Unlock()
		},
		OnEscalate: func(role string) {
			r.mu.Lock()
			r.escalations = append(r.escalations, role)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		states:      append([]string(nil), r.states...),
		starts:      append([]string(nil), r.starts...),
		startErrs:   append([]string(nil), r.startErrs...),
		exits:       append([]exitEvent(nil), r.exits...),
		escalations: append([]string(nil), r.escalations...),
		phases:      append([]string(nil), r.phases...),
	}
}

func exitRoles(exits []exitEvent) string {
	roles := make([]string, 0, len(exits))
	for _, e := range exits {
		roles = append(roles, e.role)
	}
	return strings.Join(roles, ",")
}

// =============================================================================
// Tests: New
// =============================================================================

func TestNew_Defaults(t *testing.T) {
	p, err := New(testConfig(), Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.resolution.String() != DefaultResolution || p.bitrate.String() != DefaultBitrate {
		t.Errorf("media = %s %s", p.resolution, p.bitrate)
	}
	if p.cfg.FrameRate != DefaultFrameRate {
		t.Errorf("FrameRate = %d", p.cfg.FrameRate)
	}
	if p.opts.Timings != DefaultTimings() {
		t.Errorf("Timings = %+v", p.opts.Timings)
	}
	if p.opts.Probe == nil || p.alloc == nil {
		t.Error("default probe or allocator not set")
	}
	if p.State() != StateIdle || p.DisplaySlot() != "" || p.Uptime() != 0 {
		t.Error("new pipeline is not idle")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no page", func(c *Config) { c.PageURL = "" }},
		{"no ingest", func(c *Config) { c.IngestURL = "" }},
		{"no key", func(c *Config) { c.IngestKey = "" }},
		{"bad resolution", func(c *Config) { c.Resolution = "wide" }},
		{"bad bitrate", func(c *Config) { c.Bitrate = "lots" }},
		{"negative framerate", func(c *Config) { c.FrameRate = -5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg, Options{}); err == nil {
				t.Error("New() = nil error")
			}
		})
	}
}

// =============================================================================
// Tests: Start / Stop happy path
// =============================================================================

func TestStartStop(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
	p := f.newPipeline(t, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !p.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if h := p.Health(); !h.Healthy() {
		t.Errorf("Health() = %+v, want all alive", h)
	}
	if got := p.DisplaySlot(); got != ":900" {
		t.Errorf("DisplaySlot() = %q, want :900", got)
	}

	ev := f.events.snapshot()
	if got := strings.Join(ev.starts, ","); got != "display,browser,encoder" {
		t.Errorf("launch order = %s", got)
	}
	if got := strings.Join(ev.phases, ","); got != "gate,allocate,display,browser,encoder" {
		t.Errorf("phases = %s", got)
	}
	if got := strings.Join(ev.states, ","); got != "starting,running" {
		t.Errorf("states = %s", got)
	}
	if len(ev.exits) != 0 {
		t.Errorf("exits during healthy run: %+v", ev.exits)
	}

	uptime, err := p.Stop()
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if uptime < 0 {
		t.Errorf("Stop() uptime = %d", uptime)
	}
	f.assertIdle(t, p)

	ev = f.events.snapshot()
	if got := exitRoles(ev.exits); got != "encoder,browser,display" {
		t.Errorf("shutdown order = %s, want encoder,browser,display", got)
	}
	for _, e := range ev.exits {
		if !e.expected {
			t.Errorf("%s exit reported as unexpected", e.role)
		}
	}
	if len(ev.escalations) != 0 {
		t.Errorf("escalations = %v, want none", ev.escalations)
	}
	if got := ev.states[len(ev.states)-1]; got != "idle" {
		t.Errorf("final state = %s", got)
	}
}

func TestStart_AlreadyRunning(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
	p := f.newPipeline(t, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	before := f.events.snapshot()
	slot := p.DisplaySlot()

	if err := p.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	after := f.events.snapshot()
	if len(after.starts) != len(before.starts) || len(after.states) != len(before.states) {
		t.Error("second Start() had side effects")
	}
	if p.DisplaySlot() != slot || f.alloc.Reserved() != 1 {
		t.Errorf("slot changed: %q, reserved %d", p.DisplaySlot(), f.alloc.Reserved())
	}
	if !p.Health().Healthy() {
		t.Error("second Start() disturbed the running processes")
	}
}

func TestStop_NotRunning(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
	p := f.newPipeline(t, nil)

	uptime, err := p.Stop()
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop() = %v, want ErrNotRunning", err)
	}
	if uptime != 0 {
		t.Errorf("uptime = %d", uptime)
	}
	if ev := f.events.snapshot(); len(ev.states) != 0 || len(ev.exits) != 0 {
		t.Errorf("Stop() on idle had side effects: %+v", &ev)
	}

	// And again after a full cycle.
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := p.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop() = %v, want ErrNotRunning", err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
	p := f.newPipeline(t, nil)

	for i := 0; i < 2; i++ {
		if err := p.Start(); err != nil {
			t.Fatalf("run %d: Start() error = %v", i, err)
		}
		if got := p.DisplaySlot(); got != ":900" {
			t.Errorf("run %d: DisplaySlot() = %q, want :900 reused", i, got)
		}
		if _, err := p.Stop(); err != nil {
			t.Fatalf("run %d: Stop() error = %v", i, err)
		}
	}
	f.assertIdle(t, p)
}

// =============================================================================
// Tests: dependency gate and allocation
// =============================================================================

func TestStart_GateFailures(t *testing.T) {
	tests := []struct {
		name  string
		probe func(preflight.Probe) preflight.Probe
		check func(t *testing.T, err error)
	}{
		{
			name: "unsupported platform",
			probe: func(p preflight.Probe) preflight.Probe {
				p.Platform = "darwin"
				return p
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrPlatformUnsupported) {
					t.Errorf("err = %v, want ErrPlatformUnsupported", err)
				}
			},
		},
		{
			name: "missing encoder",
			probe: func(p preflight.Probe) preflight.Probe {
				p.Tools[preflight.ToolFFmpeg] = false
				p.AllReady = false
				p.Missing = []string{preflight.ToolFFmpeg}
				return p
			},
			check: func(t *testing.T, err error) {
				var depErr *DependencyError
				if !errors.As(err, &depErr) {
					t.Fatalf("err = %v, want *DependencyError", err)
				}
				if strings.Join(depErr.Missing, ",") != preflight.ToolFFmpeg {
					t.Errorf("Missing = %v", depErr.Missing)
				}
			},
		},
		{
			name: "unresolved browser",
			probe: func(p preflight.Probe) preflight.Probe {
				p.BrowserPath = ""
				return p
			},
			check: func(t *testing.T, err error) {
				var depErr *DependencyError
				if !errors.As(err, &depErr) {
					t.Fatalf("err = %v, want *DependencyError", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
			p := f.newPipeline(t, func(_ *Config, o *Options) {
				o.Probe = func() preflight.Probe { return tt.probe(f.probe()) }
			})

			err := p.Start()
			tt.check(t, err)

			for _, role := range launchOrder {
				if f.ran(role) {
					t.Errorf("%s was spawned despite the gate failing", role)
				}
			}
			if ev := f.events.snapshot(); len(ev.starts)+len(ev.startErrs) != 0 {
				t.Errorf("launch attempts = %v %v", ev.starts, ev.startErrs)
			}
			f.assertIdle(t, p)
		})
	}
}

func TestStart_ResourceExhausted(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
	f.alloc = display.NewAllocator(display.Config{
		First: 900,
		Last:  902,
		InUse: func(display.Slot) bool { return true },
	})
	p := f.newPipeline(t, nil)

	if err := p.Start(); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Start() = %v, want ErrResourceExhausted", err)
	}
	for _, role := range launchOrder {
		if f.ran(role) {
			t.Errorf("%s was spawned without a slot", role)
		}
	}
	f.assertIdle(t, p)
}

// =============================================================================
// Tests: startup failures roll back
// =============================================================================

func TestStart_ProcessFailures(t *testing.T) {
	tests := []struct {
		name      string
		xvfb      string
		browser   string
		ffmpeg    string
		strict    bool
		phase     string
		reason    string
		survivors []string
	}{
		{
			name:   "display dies in grace period",
			xvfb:   `echo "Fatal server error: Server is already active for display 900" >&2; exit 1`,
			phase:  PhaseDisplay,
			reason: "already active",
		},
		{
			name:      "browser exits before ready",
			browser:   browserCrash,
			phase:     PhaseBrowser,
			reason:    "exit code 3",
			survivors: []string{"display"},
		},
		{
			name:      "strict readiness timeout",
			browser:   browserSilent,
			strict:    true,
			phase:     PhaseBrowser,
			reason:    "no readiness marker",
			survivors: []string{"display", "browser"},
		},
		{
			name:      "encoder dies during stabilization",
			ffmpeg:    ffmpegCrash,
			phase:     PhaseEncoder,
			reason:    "Connection refused",
			survivors: []string{"display", "browser"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xvfb, browser, ffmpeg := xvfbOK, browserReady, ffmpegOK
			if tt.xvfb != "" {
				xvfb = tt.xvfb
			}
			if tt.browser != "" {
				browser = tt.browser
			}
			if tt.ffmpeg != "" {
				ffmpeg = tt.ffmpeg
			}
			f := newFixture(t, xvfb, browser, ffmpeg)
			p := f.newPipeline(t, func(_ *Config, o *Options) {
				o.StrictReadiness = tt.strict
				o.Timings.BrowserReadyTimeout = 300 * time.Millisecond
				// Waits end early on exit, so long windows only slow healthy steps.
				o.Timings.DisplayGrace = time.Second
				o.Timings.EncoderStabilize = time.Second
			})

			err := p.Start()
			if !IsStartupFailure(err, tt.phase) {
				t.Fatalf("Start() = %v, want %s startup failure", err, tt.phase)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("error %q does not mention %q", err, tt.reason)
			}
			f.assertIdle(t, p)

			// Everything that was alive got killed by the rollback.
			ev := f.events.snapshot()
			killed := map[string]bool{}
			for _, e := range ev.exits {
				if e.expected {
					killed[e.role] = true
				}
			}
			for _, role := range tt.survivors {
				if !killed[role] {
					t.Errorf("%s was not rolled back: exits %+v", role, ev.exits)
				}
			}
			if got := ev.states[len(ev.states)-1]; got != "idle" {
				t.Errorf("final state = %s", got)
			}
		})
	}
}

func TestStart_MissingBinary(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
	p := f.newPipeline(t, func(_ *Config, o *Options) {
		o.FFmpegPath = filepath.Join(f.dir, "no-such-ffmpeg")
	})

	err := p.Start()
	if !IsStartupFailure(err, PhaseEncoder) {
		t.Fatalf("Start() = %v, want encoder startup failure", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error does not wrap the exec failure: %v", err)
	}
	if ev := f.events.snapshot(); strings.Join(ev.startErrs, ",") != "encoder" {
		t.Errorf("start errors = %v", ev.startErrs)
	}
	f.assertIdle(t, p)
}

func TestStart_PanicRollsBack(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
	f.events.panicOn = "encoder"
	p := f.newPipeline(t, nil)

	err := p.Start()
	if !IsStartupFailure(err, PhaseEncoder) {
		t.Fatalf("Start() = %v, want encoder startup failure", err)
	}
	if !strings.Contains(err.Error(), "panic") {
		t.Errorf("error = %v, want panic reason", err)
	}
	f.assertIdle(t, p)
}

func TestStart_StateCallbackPanicRollsBack(t *testing.T) {
	tests := []struct {
		state string
		phase string
	}{
		{"starting", PhaseGate},
		{"running", PhaseEncoder},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
			f.events.setPanicOnState(tt.state)
			p := f.newPipeline(t, nil)

			err := p.Start()
			if !IsStartupFailure(err, tt.phase) {
				t.Fatalf("Start() = %v, want %s startup failure", err, tt.phase)
			}
			if !strings.Contains(err.Error(), "panic") {
				t.Errorf("error = %v, want panic reason", err)
			}
			f.assertIdle(t, p)

			for _, e := range f.events.snapshot().exits {
				if !e.expected {
					t.Errorf("rollback kill of %s reported as unexpected", e.role)
				}
			}

			// The instance is not wedged.
			f.events.setPanicOnState("")
			if err := p.Start(); err != nil {
				t.Fatalf("Start() after rollback = %v", err)
			}
			if _, err := p.Stop(); err != nil {
				t.Fatalf("Stop() = %v", err)
			}
			f.assertIdle(t, p)
		})
	}
}

func TestStop_IdleCallbackPanic(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
	p := f.newPipeline(t, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.events.setPanicOnState("idle")

	if _, err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	f.assertIdle(t, p)
}

func TestStart_RollbackKillsForkedHelpers(t *testing.T) {
	f := newFixture(t, xvfbOK, browserForksThenCrashes, ffmpegOK)
	p := f.newPipeline(t, nil)

	began := time.Now()
	err := p.Start()
	if !IsStartupFailure(err, PhaseBrowser) {
		t.Fatalf("Start() = %v, want browser startup failure", err)
	}
	if !strings.Contains(err.Error(), "zygote crashed") {
		t.Errorf("error %q lacks the browser output", err)
	}
	if elapsed := time.Since(began); elapsed > 1500*time.Millisecond {
		t.Errorf("Start() took %v: output drain waited on a surviving helper", elapsed)
	}
	if f.childPID("browser") == 0 {
		t.Fatal("fake browser never forked its helper")
	}
	f.assertIdle(t, p)
}

func TestStop_KillsHelperIgnoringSIGTERM(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegForksStubborn)
	p := f.newPipeline(t, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if f.childPID("encoder") == 0 {
		t.Fatal("fake encoder never forked its helper")
	}

	if _, err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if ev := f.events.snapshot(); len(ev.escalations) != 0 {
		t.Errorf("escalations = %v, the leader honoured SIGTERM", ev.escalations)
	}
	f.assertIdle(t, p)
}

func TestStart_ReadinessAssumedAtTimeout(t *testing.T) {
	f := newFixture(t, xvfbOK, browserSilent, ffmpegOK)
	p := f.newPipeline(t, func(_ *Config, o *Options) {
		o.Timings.BrowserReadyTimeout = 200 * time.Millisecond
	})

	began := time.Now()
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if elapsed := time.Since(began); elapsed < 200*time.Millisecond {
		t.Errorf("Start() returned after %v, before the readiness timeout", elapsed)
	}
	if !p.IsRunning() {
		t.Error("IsRunning() = false")
	}
	if _, err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	f.assertIdle(t, p)
}

// =============================================================================
// Tests: argument contract
// =============================================================================

func TestArgumentContract(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
	p := f.newPipeline(t, func(c *Config, _ *Options) {
		c.Bitrate = "5000k"
		c.FrameRate = 60
		c.Resolution = "1920x1080"
	})

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	xvfb := strings.Join(f.args(t, "display"), " ")
	if !strings.HasPrefix(xvfb, ":900 ") || !strings.Contains(xvfb, "1920x1080x24") {
		t.Errorf("Xvfb args = %q", xvfb)
	}

	browser := f.args(t, "browser")
	joined := strings.Join(browser, " ")
	for _, want := range []string{"--no-sandbox", "--disable-gpu", "--autoplay-policy=no-user-gesture-required", "--window-size=1920,1080"} {
		if !strings.Contains(joined, want) {
			t.Errorf("browser args missing %s: %q", want, joined)
		}
	}
	if last := browser[len(browser)-1]; last != "https://example.com/board?token=tok" {
		t.Errorf("browser URL = %q", last)
	}

	enc := f.args(t, "encoder")
	value := func(flag string) string {
		for i := 0; i < len(enc)-1; i++ {
			if enc[i] == flag {
				return enc[i+1]
			}
		}
		return ""
	}
	if got := value("-bufsize"); got != "10000k" {
		t.Errorf("-bufsize = %q, want 10000k", got)
	}
	if got := value("-g"); got != "120" {
		t.Errorf("-g = %q, want 120", got)
	}
	if got := value("-i"); got != ":900" {
		t.Errorf("-i = %q, want :900", got)
	}
	if last := enc[len(enc)-1]; last != "rtmp://ingest.example/key123" {
		t.Errorf("ingest target = %q", last)
	}
}

// =============================================================================
// Tests: health monitor
// =============================================================================

func TestUnexpectedExitDegradesHealth(t *testing.T) {
	browser := `echo "DevTools listening on ws://127.0.0.1:9222/devtools/browser/abc" >&2; sleep 1; exit 2`
	f := newFixture(t, xvfbOK, browser, ffmpegOK)
	p := f.newPipeline(t, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for p.Health().Browser {
		if time.Now().After(deadline) {
			t.Fatal("browser exit never showed in Health()")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// No auto-shutdown and no promotion back to healthy.
	if !p.IsRunning() {
		t.Error("pipeline left running state on its own")
	}
	h := p.Health()
	if !h.Display || !h.Encoder || h.Healthy() {
		t.Errorf("Health() = %+v", h)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		ev := f.events.snapshot()
		if len(ev.exits) == 1 {
			if e := ev.exits[0]; e.role != "browser" || e.code != 2 || e.expected {
				t.Errorf("exit event = %+v", e)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("exit events = %+v, want one browser exit", ev.exits)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	ev := f.events.snapshot()
	if got := exitRoles(ev.exits); got != "browser,encoder,display" {
		t.Errorf("exits = %s, browser must be reported once", got)
	}
	f.assertIdle(t, p)
}

// =============================================================================
// Tests: shutdown escalation and uptime
// =============================================================================

func TestStop_EscalatesStubbornProcess(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegStubborn)
	p := f.newPipeline(t, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	began := time.Now()
	if _, err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v, a forced kill is not an error", err)
	}
	if elapsed := time.Since(began); elapsed < testTimings().StopGrace {
		t.Errorf("Stop() took %v, less than the grace period", elapsed)
	}

	ev := f.events.snapshot()
	if strings.Join(ev.escalations, ",") != "encoder" {
		t.Errorf("escalations = %v, want [encoder]", ev.escalations)
	}
	for _, e := range ev.exits {
		if e.role == "encoder" && e.code != 128+int(syscall.SIGKILL) {
			t.Errorf("encoder exit code = %d, want SIGKILL", e.code)
		}
	}
	f.assertIdle(t, p)
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestUptime(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
	p := f.newPipeline(t, nil)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p.now = clock.Now

	if p.Uptime() != 0 {
		t.Errorf("idle Uptime() = %d", p.Uptime())
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	steps := []struct {
		advance time.Duration
		want    int64
	}{
		{0, 0},
		{999 * time.Millisecond, 0},
		{time.Millisecond, 1},
		{1500 * time.Millisecond, 2},
		{90 * time.Second, 92},
	}
	var last int64
	for _, s := range steps {
		clock.Advance(s.advance)
		got := p.Uptime()
		if got != s.want {
			t.Errorf("after +%v Uptime() = %d, want %d", s.advance, got, s.want)
		}
		if got < last {
			t.Errorf("Uptime() decreased: %d -> %d", last, got)
		}
		last = got
	}

	uptime, err := p.Stop()
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if uptime != 92 {
		t.Errorf("Stop() uptime = %d, want 92", uptime)
	}
	if p.Uptime() != 0 {
		t.Errorf("Uptime() after Stop = %d", p.Uptime())
	}
}

// =============================================================================
// Tests: encoder statistics
// =============================================================================

func TestEncoderStats(t *testing.T) {
	f := newFixture(t, xvfbOK, browserReady, ffmpegOK)
	p := f.newPipeline(t, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.EncoderStats().Updates == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no encoder status line parsed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	s := p.EncoderStats()
	if s.Frames != 30 || s.FPS != 30 || s.Speed != 1 {
		t.Errorf("EncoderStats() = %+v", s)
	}
	if p.EncoderStalled(time.Minute) {
		t.Error("EncoderStalled(1m) = true right after a status line")
	}
	time.Sleep(20 * time.Millisecond)
	if !p.EncoderStalled(time.Millisecond) {
		t.Error("EncoderStalled(1ms) = false after the encoder went quiet")
	}

	if _, err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if p.EncoderStats().Frames != 30 {
		t.Error("encoder stats not kept after Stop")
	}
}
