package process

import (
	"os/exec"
	"strconv"
	"strings"
)

// EncoderConfig holds configuration for the FFmpeg encoder.
type EncoderConfig struct {
	// BinaryPath is the path to the FFmpeg binary.
	BinaryPath string

	// Display is the X display to capture, e.g. ":99".
	Display string

	// Resolution is the capture size.
	Resolution Resolution

	// FrameRate is the capture and output frame rate.
	FrameRate int

	// Bitrate is the target video bitrate.
	Bitrate Bitrate

	// Preset is the libx264 speed preset.
	Preset string

	// IngestURL and IngestKey are joined into the RTMP publish target.
	IngestURL string
	IngestKey string

	// LogLevel is the FFmpeg log level. Status lines are printed regardless.
	LogLevel string
}

// EncoderRunner implements Runner for FFmpeg.
type EncoderRunner struct {
	config *EncoderConfig
}

// NewEncoderRunner creates an encoder runner.
func NewEncoderRunner(cfg *EncoderConfig) *EncoderRunner {
	return &EncoderRunner{config: cfg}
}

// Name returns "encoder".
func (r *EncoderRunner) Name() string {
	return RoleEncoder
}

// BuildCommand creates an exec.Cmd for FFmpeg capturing the display.
func (r *EncoderRunner) BuildCommand() (*exec.Cmd, error) {
	return exec.Command(r.config.BinaryPath, r.buildArgs()...), nil
}

// buildArgs constructs the FFmpeg command-line arguments.
func (r *EncoderRunner) buildArgs() []string {
	logLevel := r.config.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}
	preset := r.config.Preset
	if preset == "" {
		preset = "veryfast"
	}
	rate := r.config.Bitrate.String()

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", logLevel,
		"-stats",
	}

	// Input: the virtual display
	args = append(args,
		"-f", "x11grab",
		"-draw_mouse", "0",
		"-video_size", r.config.Resolution.String(),
		"-framerate", strconv.Itoa(r.config.FrameRate),
		"-i", r.config.Display,
	)

	// Video only
	args = append(args, "-an")

	// H.264 with constrained rate control
	args = append(args,
		"-c:v", "libx264",
		"-preset", preset,
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-b:v", rate,
		"-maxrate", rate,
		"-bufsize", r.BufferSize(),
		"-g", strconv.Itoa(r.KeyframeInterval()),
	)

	// Output
	args = append(args, "-f", "flv", r.IngestTarget())

	return args
}

// BufferSize is the rate-control buffer, twice the bitrate.
func (r *EncoderRunner) BufferSize() string {
	return r.config.Bitrate.Double().String()
}

// KeyframeInterval is the GOP length in frames, twice the frame rate.
func (r *EncoderRunner) KeyframeInterval() int {
	return 2 * r.config.FrameRate
}

// IngestTarget joins the ingest URL and key.
func (r *EncoderRunner) IngestTarget() string {
	return r.config.IngestURL + "/" + r.config.IngestKey
}

// CommandString returns the command that would be executed (for debugging).
// The ingest key is redacted.
func (r *EncoderRunner) CommandString() string {
	s := commandString(r.config.BinaryPath, r.buildArgs())
	if r.config.IngestKey == "" {
		return s
	}
	return strings.ReplaceAll(s, r.IngestTarget(), r.config.IngestURL+"/<redacted>")
}
