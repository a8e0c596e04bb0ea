package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/process"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// x264Presets are the preset names libx264 accepts.
var x264Presets = map[string]bool{
	"ultrafast": true, "superfast": true, "veryfast": true, "faster": true,
	"fast": true, "medium": true, "slow": true, "slower": true, "veryslow": true,
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error joining every problem found.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Page URL
	if cfg.PageURL == "" {
		add("page_url", "page URL is required")
	} else if err := validateURL(cfg.PageURL, "http", "https", "file"); err != nil {
		add("page_url", "%v", err)
	}

	// Ingest target
	if cfg.IngestURL == "" {
		add("ingest_url", "ingest URL is required")
	} else if err := validateURL(cfg.IngestURL, "rtmp", "rtmps"); err != nil {
		add("ingest_url", "%v", err)
	}

	// The key is only needed to actually push; -print-cmd redacts it anyway.
	if cfg.IngestKey == "" && !cfg.PrintCmd {
		add("ingest_key", "ingest key is required (flag or %s)", EnvIngestKey)
	}

	// Encoding
	if _, err := process.ParseResolution(cfg.Resolution); err != nil {
		add("resolution", "%v", err)
	}
	if _, err := process.ParseBitrate(cfg.Bitrate); err != nil {
		add("bitrate", "%v", err)
	}
	if cfg.FrameRate < 1 || cfg.FrameRate > 120 {
		add("framerate", "must be between 1 and 120 (got %d)", cfg.FrameRate)
	}
	if !x264Presets[cfg.Preset] {
		add("preset", "unknown x264 preset %q", cfg.Preset)
	}

	// Display slots
	if cfg.DisplayMin < 0 {
		add("display_min", "must not be negative")
	}
	if cfg.DisplayMax < cfg.DisplayMin {
		add("display_max", "must be >= display_min (%d)", cfg.DisplayMin)
	}

	// Timings
	if cfg.DisplayGrace < 0 {
		add("display_grace", "must not be negative")
	}
	if cfg.BrowserReadyTimeout <= 0 {
		add("browser_ready_timeout", "must be positive")
	}
	if cfg.BrowserSettle < 0 {
		add("browser_settle", "must not be negative")
	}
	if cfg.EncoderStabilize < 0 {
		add("encoder_stabilize", "must not be negative")
	}
	if cfg.StopGrace <= 0 {
		add("stop_grace", "must be positive")
	}
	if cfg.Duration < 0 {
		add("duration", "must not be negative")
	}

	// Log format must be valid
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		add("log_format", "must be 'json' or 'text' (got %q)", cfg.LogFormat)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateURL checks that rawURL parses, has a host (unless it is a file
// URL) and uses one of the given schemes.
func validateURL(rawURL string, schemes ...string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("URL scheme must be one of %v (got %q)", schemes, u.Scheme)
	}

	if u.Scheme != "file" && u.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}
