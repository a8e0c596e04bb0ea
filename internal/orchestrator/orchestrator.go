// Package orchestrator runs one broadcast from the command line: preflight,
// metrics, the capture pipeline, the supervision loop and the exit summary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/display"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/pipeline"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/preflight"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/process"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/stats"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/tui"
)

// ErrDegraded is returned by Run when a process died during the broadcast.
var ErrDegraded = errors.New("pipeline degraded: a process exited unexpectedly")

const (
	// pollInterval is how often the supervision loop samples the pipeline.
	pollInterval = time.Second

	// stallWindow is how long the encoder may go without a status line
	// before a warning is logged.
	stallWindow = 10 * time.Second
)

// Orchestrator coordinates all components for one broadcast.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string
	out     io.Writer

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	pipeline      *pipeline.Pipeline

	// preflight is the result of the checks run by Run, reused as the
	// pipeline's capability probe.
	preflight *preflight.Result

	degradedOnce sync.Once
	stalled      bool
	startTime    time.Time
}

// New wires the pipeline, its metrics and the metrics server. cfg must
// already be validated.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Orchestrator, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollectorWithRegistry(registry)
	collector.SetInfo(version, cfg.Resolution, cfg.Bitrate, strconv.Itoa(cfg.FrameRate))
	collector.SetState(pipeline.StateIdle.String())

	o := &Orchestrator{
		config:   cfg,
		logger:   logger,
		version:  version,
		out:      os.Stdout,
		registry: registry,
		metrics:  collector,
	}

	p, err := pipeline.New(PipelineConfig(cfg), o.pipelineOptions())
	if err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	o.pipeline = p
	o.metricsServer = metrics.NewServer(cfg.MetricsAddr, registry, o.status, logger)

	return o, nil
}

// PipelineConfig extracts the broadcast parameters from the CLI config.
func PipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		PageURL:    cfg.PageURL,
		Token:      cfg.Token,
		IngestURL:  cfg.IngestURL,
		IngestKey:  cfg.IngestKey,
		Resolution: cfg.Resolution,
		Bitrate:    cfg.Bitrate,
		FrameRate:  cfg.FrameRate,
		Preset:     cfg.Preset,
	}
}

// Timings extracts the startup and shutdown delays from the CLI config.
func Timings(cfg *config.Config) pipeline.Timings {
	return pipeline.Timings{
		DisplayGrace:        cfg.DisplayGrace,
		BrowserReadyTimeout: cfg.BrowserReadyTimeout,
		BrowserSettle:       cfg.BrowserSettle,
		EncoderStabilize:    cfg.EncoderStabilize,
		StopGrace:           cfg.StopGrace,
	}
}

func (o *Orchestrator) paths() preflight.Paths {
	return preflight.Paths{
		Xvfb:    o.config.XvfbPath,
		FFmpeg:  o.config.FFmpegPath,
		Browser: o.config.BrowserPath,
	}
}

func (o *Orchestrator) pipelineOptions() pipeline.Options {
	logLevel := "info"
	if o.config.Verbose {
		logLevel = "verbose"
	}
	return pipeline.Options{
		XvfbPath:    o.config.XvfbPath,
		FFmpegPath:  o.config.FFmpegPath,
		BrowserPath: o.config.BrowserPath,
		Probe:       o.probe,
		Allocator: display.NewAllocator(display.Config{
			First: o.config.DisplayMin,
			Last:  o.config.DisplayMax,
		}),
		Timings:         Timings(o.config),
		StrictReadiness: o.config.StrictReadiness,
		EncoderLogLevel: logLevel,
		Logger:          o.logger,
		Verbose:         o.config.Verbose,
		Callbacks: pipeline.Callbacks{
			OnStateChange:  o.onStateChange,
			OnProcessStart: o.onProcessStart,
			OnProcessExit:  o.onProcessExit,
			OnPhase:        o.metrics.ObservePhase,
			OnEscalate:     o.metrics.Escalated,
		},
	}
}

// probe reuses the preflight result when Run produced one.
func (o *Orchestrator) probe() preflight.Probe {
	if o.preflight != nil {
		return o.preflight.Probe
	}
	return preflight.Detect(context.Background(), o.paths())
}

// Run executes the broadcast. It blocks until a signal, the configured
// duration, the dashboard quitting or the pipeline degrading.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	// Run preflight checks
	if !o.config.SkipPreflight {
		result := preflight.RunAll(ctx, o.paths())
		preflight.PrintResults(o.out, result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use -skip-preflight to override)")
		}
		o.preflight = result
	}

	// Start metrics server
	if err := o.metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	defer o.shutdownServer()

	// Signals arriving during startup are acted on once Start returns.
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if err := o.pipeline.Start(); err != nil {
		o.printExitSummary(0)
		return fmt.Errorf("start pipeline: %w", err)
	}

	runErr := o.supervise(ctx)

	uptime, err := o.pipeline.Stop()
	if err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		o.logger.Warn("stop_failed", "error", err)
	}

	o.printExitSummary(uptime)
	return runErr
}

// supervise runs the supervision loop and, when enabled, the dashboard
// until one of them decides the broadcast is over.
func (o *Orchestrator) supervise(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	var program *tea.Program
	if o.config.TUIEnabled {
		program = tea.NewProgram(tui.New(tui.Config{
			PageURL:     o.config.PageURL,
			IngestURL:   o.config.IngestURL + "/<redacted>",
			MetricsAddr: o.config.MetricsAddr,
			Resolution:  o.config.Resolution,
			Bitrate:     o.config.Bitrate,
			FrameRate:   o.config.FrameRate,
			Source:      o,
		}), tea.WithAltScreen())

		g.Go(func() error {
			defer cancel()
			if _, err := program.Run(); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			o.logger.Info("dashboard_closed")
			return nil
		})
	}

	g.Go(func() error {
		defer tui.SendQuit(program)
		return o.watch(gctx)
	})

	return g.Wait()
}

// watch samples the pipeline until ctx ends, the duration elapses or a
// process dies.
func (o *Orchestrator) watch(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var durationTimer <-chan time.Time
	if o.config.Duration > 0 {
		timer := time.NewTimer(o.config.Duration)
		defer timer.Stop()
		durationTimer = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("shutdown_requested", "cause", context.Cause(ctx).Error())
			return nil

		case <-durationTimer:
			o.logger.Info("duration_elapsed", "duration", o.config.Duration.String())
			return nil

		case <-ticker.C:
			if err := o.sample(); err != nil {
				return err
			}
		}
	}
}

// sample refreshes the sampled gauges and checks health.
func (o *Orchestrator) sample() error {
	o.metrics.SetUptime(o.pipeline.Uptime())
	o.metrics.RecordEncoder(o.pipeline.EncoderStats())

	if !o.pipeline.IsRunning() {
		return nil
	}
	o.checkStall()

	health := o.pipeline.Health()
	if health.Healthy() {
		return nil
	}
	o.degradedOnce.Do(func() {
		o.logger.Error("pipeline_degraded",
			"display", health.Display,
			"browser", health.Browser,
			"encoder", health.Encoder,
		)
	})
	return ErrDegraded
}

// checkStall logs once when encoder status output stops and once when it
// resumes. A stall alone does not degrade the pipeline.
func (o *Orchestrator) checkStall() {
	stalled := o.pipeline.EncoderStalled(stallWindow)
	if stalled == o.stalled {
		return
	}
	o.stalled = stalled
	if stalled {
		o.logger.Warn("encoder_stalled", "window", stallWindow.String())
		return
	}
	o.logger.Info("encoder_resumed")
}

// Snapshot implements tui.StatusSource.
func (o *Orchestrator) Snapshot() tui.Snapshot {
	return tui.Snapshot{
		State:         o.pipeline.State().String(),
		DisplaySlot:   o.pipeline.DisplaySlot(),
		UptimeSeconds: o.pipeline.Uptime(),
		Health:        o.pipeline.Health(),
		Encoder:       o.pipeline.EncoderStats(),
	}
}

// status feeds the health endpoints.
func (o *Orchestrator) status() metrics.Status {
	h := o.pipeline.Health()
	state := o.pipeline.State()
	return metrics.Status{
		State:         state.String(),
		Running:       state == pipeline.StateRunning,
		Display:       h.Display,
		Browser:       h.Browser,
		Encoder:       h.Encoder,
		DisplaySlot:   o.pipeline.DisplaySlot(),
		UptimeSeconds: o.pipeline.Uptime(),
	}
}

func (o *Orchestrator) shutdownServer() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.metricsServer.Shutdown(ctx); err != nil {
		o.logger.Warn("metrics_server_shutdown_error", "error", err)
	}
}

// Callback handlers

func (o *Orchestrator) onStateChange(from, to pipeline.State) {
	o.metrics.SetState(to.String())
}

func (o *Orchestrator) onProcessStart(role string, pid int, err error) {
	o.metrics.ProcessStarted(role, err)
	if o.config.Verbose && err == nil {
		o.logger.Debug("process_callback_started", "role", role, "pid", pid)
	}
}

func (o *Orchestrator) onProcessExit(role string, exitCode int, uptime time.Duration, expected bool) {
	o.metrics.ProcessExited(role, exitCode, expected)
}

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary(uptime int64) {
	cfg := o.metrics.SummaryConfig()
	cfg.Duration = time.Since(o.startTime)
	cfg.UptimeSeconds = uptime
	cfg.MetricsAddr = o.config.MetricsAddr

	enc := o.pipeline.EncoderStats()
	fmt.Fprint(o.out, stats.FormatExitSummary(&enc, cfg))

	if o.config.Verbose {
		fmt.Fprintln(o.out, "\nFinal metrics:")
		if err := metrics.WriteText(o.out, o.registry); err != nil {
			o.logger.Warn("metrics_dump_failed", "error", err)
		}
	}
}

// CommandStrings returns the three command lines a broadcast would run,
// with the ingest key redacted. The browser path is resolved the way
// preflight does when none is configured.
func CommandStrings(cfg *config.Config) ([]string, error) {
	res, err := process.ParseResolution(cfg.Resolution)
	if err != nil {
		return nil, err
	}
	br, err := process.ParseBitrate(cfg.Bitrate)
	if err != nil {
		return nil, err
	}

	slot := display.Slot(cfg.DisplayMin).Name()
	browser := cfg.BrowserPath
	if browser == "" {
		browser = preflight.BrowserCandidates[0]
	}

	return []string{
		process.NewXvfbRunner(&process.XvfbConfig{
			BinaryPath: cfg.XvfbPath,
			Display:    slot,
			Resolution: res,
		}).CommandString(),
		process.NewBrowserRunner(&process.BrowserConfig{
			BinaryPath:  browser,
			Display:     slot,
			PageURL:     cfg.PageURL,
			Token:       cfg.Token,
			Resolution:  res,
			UserDataDir: "<profile-dir>",
		}).CommandString(),
		process.NewEncoderRunner(&process.EncoderConfig{
			BinaryPath: cfg.FFmpegPath,
			Display:    slot,
			Resolution: res,
			FrameRate:  cfg.FrameRate,
			Bitrate:    br,
			Preset:     cfg.Preset,
			IngestURL:  cfg.IngestURL,
			IngestKey:  cfg.IngestKey,
		}).CommandString(),
	}, nil
}

// Pipeline returns the pipeline for external access.
func (o *Orchestrator) Pipeline() *pipeline.Pipeline {
	return o.pipeline
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}
