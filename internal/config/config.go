// Package config provides configuration management for go-ffmpeg-pagecast.
package config

import "time"

// Environment variables read when the matching flag is empty. They keep
// credentials out of the orchestrator's own command line.
const (
	EnvIngestKey = "PAGECAST_INGEST_KEY"
	EnvToken     = "PAGECAST_TOKEN"
)

// Config holds all configuration options for the broadcaster.
type Config struct {
	// Page
	PageURL string `json:"page_url"`
	Token   string `json:"-"`

	// Ingest
	IngestURL string `json:"ingest_url"`
	IngestKey string `json:"-"`

	// Encoding
	Resolution string `json:"resolution"` // WxH
	Bitrate    string `json:"bitrate"`    // e.g. 2500k
	FrameRate  int    `json:"framerate"`
	Preset     string `json:"preset"`

	// Binaries
	XvfbPath    string `json:"xvfb_path"`
	FFmpegPath  string `json:"ffmpeg_path"`
	BrowserPath string `json:"browser_path"` // empty = search PATH

	// Display slots
	DisplayMin int `json:"display_min"`
	DisplayMax int `json:"display_max"`

	// Startup / shutdown timings
	DisplayGrace        time.Duration `json:"display_grace"`
	BrowserReadyTimeout time.Duration `json:"browser_ready_timeout"`
	BrowserSettle       time.Duration `json:"browser_settle"`
	EncoderStabilize    time.Duration `json:"encoder_stabilize"`
	StopGrace           time.Duration `json:"stop_grace"`
	StrictReadiness     bool          `json:"strict_readiness"`

	// Run
	Duration time.Duration `json:"duration"` // 0 = until signalled

	// Observability
	MetricsAddr string `json:"metrics_addr"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	TUIEnabled  bool   `json:"tui_enabled"`

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd"`
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Encoding
		Resolution: "1280x720",
		Bitrate:    "2500k",
		FrameRate:  30,
		Preset:     "veryfast",

		// Binaries
		XvfbPath:   "Xvfb",
		FFmpegPath: "ffmpeg",

		// Display slots
		DisplayMin: 99,
		DisplayMax: 199,

		// Timings
		DisplayGrace:        1 * time.Second,
		BrowserReadyTimeout: 15 * time.Second,
		BrowserSettle:       2 * time.Second,
		EncoderStabilize:    2 * time.Second,
		StopGrace:           5 * time.Second,

		// Observability
		MetricsAddr: "0.0.0.0:17092",
		LogFormat:   "json",
		TUIEnabled:  false,
	}
}
