package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ParseFlags parses the process command line and returns a Config.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:], os.Stderr)
}

// ParseArgs parses args on a fresh flag set. Usage and parse errors are
// written to out.
func ParseArgs(args []string, out io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("go-ffmpeg-pagecast", flag.ContinueOnError)
	fs.SetOutput(out)

	// Custom usage message
	fs.Usage = func() {
		fmt.Fprintf(out, `go-ffmpeg-pagecast - broadcast a web page to an RTMP ingest with Xvfb, Chromium and FFmpeg

Usage:
  go-ffmpeg-pagecast [flags] -page <URL> -ingest-url <rtmp://...> -ingest-key <KEY>

Page & Ingest:
`)
		printFlagCategory(fs, out, []string{"page", "token", "ingest-url", "ingest-key"})

		fmt.Fprintf(out, "\nEncoding:\n")
		printFlagCategory(fs, out, []string{"resolution", "bitrate", "framerate", "preset"})

		fmt.Fprintf(out, "\nBinaries:\n")
		printFlagCategory(fs, out, []string{"xvfb", "ffmpeg", "browser"})

		fmt.Fprintf(out, "\nDisplay Slots:\n")
		printFlagCategory(fs, out, []string{"display-min", "display-max"})

		fmt.Fprintf(out, "\nStartup / Shutdown:\n")
		printFlagCategory(fs, out, []string{"display-grace", "browser-ready-timeout", "browser-settle",
			"encoder-stabilize", "stop-grace", "strict-readiness", "duration"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, out, []string{"metrics", "v", "log-format", "tui"})

		fmt.Fprintf(out, "\nDiagnostics:\n")
		printFlagCategory(fs, out, []string{"print-cmd", "skip-preflight"})

		fmt.Fprintf(out, `
Environment:
  %s    ingest key, used when -ingest-key is empty
  %s         page token, used when -token is empty

Examples:
  # Broadcast a scoreboard page for one hour
  go-ffmpeg-pagecast -page https://example.com/board -ingest-url rtmp://live.example.com/app \
    -ingest-key $KEY -duration 1h

  # Show the three commands that would run
  go-ffmpeg-pagecast -page https://example.com/board -ingest-url rtmp://live.example.com/app -print-cmd

`, EnvIngestKey, EnvToken)
	}

	// Page & Ingest
	fs.StringVar(&cfg.PageURL, "page", cfg.PageURL, "Page URL to render and capture")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Auth token appended to the page URL as ?token=")
	fs.StringVar(&cfg.IngestURL, "ingest-url", cfg.IngestURL, "RTMP ingest URL (without the key)")
	fs.StringVar(&cfg.IngestKey, "ingest-key", cfg.IngestKey, "RTMP ingest stream key")

	// Encoding
	fs.StringVar(&cfg.Resolution, "resolution", cfg.Resolution, "Capture resolution WxH")
	fs.StringVar(&cfg.Bitrate, "bitrate", cfg.Bitrate, `Video bitrate, e.g. "2500k" or "5M"`)
	fs.IntVar(&cfg.FrameRate, "framerate", cfg.FrameRate, "Capture frame rate")
	fs.StringVar(&cfg.Preset, "preset", cfg.Preset, "x264 preset")

	// Binaries
	fs.StringVar(&cfg.XvfbPath, "xvfb", cfg.XvfbPath, "Path to Xvfb binary")
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", cfg.FFmpegPath, "Path to FFmpeg binary")
	fs.StringVar(&cfg.BrowserPath, "browser", cfg.BrowserPath, "Path to Chromium binary (default: search PATH)")

	// Display slots
	fs.IntVar(&cfg.DisplayMin, "display-min", cfg.DisplayMin, "First X display number to try")
	fs.IntVar(&cfg.DisplayMax, "display-max", cfg.DisplayMax, "Last X display number to try")

	// Startup / shutdown
	fs.DurationVar(&cfg.DisplayGrace, "display-grace", cfg.DisplayGrace, "Wait after starting Xvfb before checking it")
	fs.DurationVar(&cfg.BrowserReadyTimeout, "browser-ready-timeout", cfg.BrowserReadyTimeout, "Maximum wait for the browser readiness marker")
	fs.DurationVar(&cfg.BrowserSettle, "browser-settle", cfg.BrowserSettle, "Wait after the readiness marker before capture")
	fs.DurationVar(&cfg.EncoderStabilize, "encoder-stabilize", cfg.EncoderStabilize, "Wait after starting FFmpeg before checking it")
	fs.DurationVar(&cfg.StopGrace, "stop-grace", cfg.StopGrace, "Per-process wait after SIGTERM before SIGKILL")
	fs.BoolVar(&cfg.StrictReadiness, "strict-readiness", cfg.StrictReadiness, "Fail startup if the browser never prints its readiness marker")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Broadcast duration (0 = until interrupted)")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty disables)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Diagnostics
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the Xvfb, browser and FFmpeg commands and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip the preflight checklist output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv fills credentials left empty on the command line.
func applyEnv(cfg *Config) {
	if cfg.IngestKey == "" {
		cfg.IngestKey = os.Getenv(EnvIngestKey)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv(EnvToken)
	}
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, out io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(out, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
					fmt.Fprintf(out, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(out)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if _, ok := f.Value.(interface{ IsBoolFlag() bool }); ok {
		return ""
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := strconv.Atoi(f.DefValue); err == nil {
		return "int"
	}

	return "string"
}
