package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/display"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/preflight"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/process"
)

// Config describes one broadcast. It is fixed for the lifetime of a Pipeline.
type Config struct {
	// PageURL is the page the browser renders.
	PageURL string

	// Token is forwarded to the page as a query parameter. Opaque.
	Token string

	// IngestURL and IngestKey form the publish target IngestURL + "/" + IngestKey.
	IngestURL string
	IngestKey string

	// Resolution is "WxH". Default "1280x720".
	Resolution string

	// Bitrate is the video bitrate, e.g. "2500k". Default "2500k".
	Bitrate string

	// FrameRate in frames per second. Default 30.
	FrameRate int

	// Preset is the libx264 preset. Default "veryfast".
	Preset string
}

// Default values for Config.
const (
	DefaultResolution = "1280x720"
	DefaultBitrate    = "2500k"
	DefaultFrameRate  = 30
	DefaultPreset     = "veryfast"
)

func (c Config) withDefaults() Config {
	if c.Resolution == "" {
		c.Resolution = DefaultResolution
	}
	if c.Bitrate == "" {
		c.Bitrate = DefaultBitrate
	}
	if c.FrameRate == 0 {
		c.FrameRate = DefaultFrameRate
	}
	if c.Preset == "" {
		c.Preset = DefaultPreset
	}
	return c
}

// Timings are the fixed delays and timeouts of startup and shutdown.
type Timings struct {
	// DisplayGrace is how long Xvfb must survive before the browser starts.
	DisplayGrace time.Duration

	// BrowserReadyTimeout bounds the wait for the browser readiness marker.
	BrowserReadyTimeout time.Duration

	// BrowserSettle is waited after the readiness marker is seen.
	BrowserSettle time.Duration

	// EncoderStabilize is how long FFmpeg must survive before the pipeline
	// counts as running.
	EncoderStabilize time.Duration

	// StopGrace is the per-process wait between SIGTERM and SIGKILL.
	StopGrace time.Duration
}

// DefaultTimings returns the timings used when Options.Timings is zero.
func DefaultTimings() Timings {
	return Timings{
		DisplayGrace:        1 * time.Second,
		BrowserReadyTimeout: 15 * time.Second,
		BrowserSettle:       2 * time.Second,
		EncoderStabilize:    2 * time.Second,
		StopGrace:           5 * time.Second,
	}
}

// Callbacks are invoked synchronously from the goroutine that observed the
// event. They must not call Start or Stop.
type Callbacks struct {
	// OnStateChange is called after each state transition.
	OnStateChange func(from, to State)

	// OnProcessStart is called after each launch attempt; err is non-nil if
	// the process could not be spawned.
	OnProcessStart func(role string, pid int, err error)

	// OnProcessExit is called once per launched process. expected is false
	// when the process died on its own while the pipeline was running.
	OnProcessExit func(role string, exitCode int, uptime time.Duration, expected bool)

	// OnPhase is called when a startup phase ends, successfully or not.
	OnPhase func(phase string, elapsed time.Duration, err error)

	// OnEscalate is called when a process ignored SIGTERM and was killed.
	OnEscalate func(role string)
}

// ProbeFunc supplies the capability probe consumed by the dependency gate.
type ProbeFunc func() preflight.Probe

// Options configure how a pipeline runs, as opposed to what it broadcasts.
type Options struct {
	// Binary paths. Empty uses "Xvfb" and "ffmpeg" from PATH. The browser
	// path always comes from the probe.
	XvfbPath   string
	FFmpegPath string

	// BrowserPath is passed to the default probe. Ignored when Probe is set.
	BrowserPath string

	// Probe supplies the capability probe. Defaults to preflight.Detect.
	Probe ProbeFunc

	// Allocator hands out display slots. Defaults to the X11 range :99-:199.
	Allocator *display.Allocator

	// Timings defaults to DefaultTimings when zero.
	Timings Timings

	// StrictReadiness fails startup when the browser never prints its
	// readiness marker, instead of assuming readiness at the timeout.
	StrictReadiness bool

	// EncoderLogLevel is FFmpeg's -loglevel. Default "info".
	EncoderLogLevel string

	// Logger receives lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger

	// Verbose logs every child output line at info level.
	Verbose bool

	Callbacks Callbacks
}

// validate parses the media settings and checks the target fields.
func (c Config) validate() (process.Resolution, process.Bitrate, error) {
	var errs []error
	if c.PageURL == "" {
		errs = append(errs, errors.New("page URL is required"))
	}
	if c.IngestURL == "" {
		errs = append(errs, errors.New("ingest URL is required"))
	}
	if c.IngestKey == "" {
		errs = append(errs, errors.New("ingest key is required"))
	}
	if c.FrameRate < 1 {
		errs = append(errs, fmt.Errorf("frame rate %d: must be positive", c.FrameRate))
	}
	res, err := process.ParseResolution(c.Resolution)
	if err != nil {
		errs = append(errs, err)
	}
	br, err := process.ParseBitrate(c.Bitrate)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return process.Resolution{}, process.Bitrate{}, fmt.Errorf("invalid pipeline config: %w", errors.Join(errs...))
	}
	return res, br, nil
}

func (o Options) withDefaults() Options {
	if o.XvfbPath == "" {
		o.XvfbPath = preflight.ToolXvfb
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = preflight.ToolFFmpeg
	}
	if o.Timings == (Timings{}) {
		o.Timings = DefaultTimings()
	}
	if o.EncoderLogLevel == "" {
		o.EncoderLogLevel = "info"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Allocator == nil {
		o.Allocator = display.NewAllocator(display.Config{})
	}
	if o.Probe == nil {
		paths := preflight.Paths{Xvfb: o.XvfbPath, FFmpeg: o.FFmpegPath, Browser: o.BrowserPath}
		o.Probe = func() preflight.Probe {
			return preflight.Detect(context.Background(), paths)
		}
	}
	return o
}
