// Package main provides the go-ffmpeg-pagecast CLI entry point.
//
// go-ffmpeg-pagecast renders a web page in a headless browser on a virtual
// display and publishes it as a live RTMP stream with FFmpeg.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-ffmpeg-pagecast
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-ffmpeg-pagecast %s\n", version)
			return 0
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags()
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	}
	logging.SetDefault(logger)

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// Handle -print-cmd mode
	if cfg.PrintCmd {
		if err := printCommands(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	logger.Info("starting",
		"version", version,
		"page_url", cfg.PageURL,
		"ingest_url", cfg.IngestURL,
		"resolution", cfg.Resolution,
		"bitrate", cfg.Bitrate,
		"framerate", cfg.FrameRate,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	orch, err := orchestrator.New(cfg, logger, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("orchestrator_failed", "error", err)
		if cfg.TUIEnabled {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      go-ffmpeg-pagecast                           ║")
	fmt.Println("║        Web Page to RTMP Broadcast with Xvfb, Chromium, FFmpeg     ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Page:        %s\n", cfg.PageURL)
	fmt.Printf("  Ingest:      %s/<redacted>\n", cfg.IngestURL)
	fmt.Printf("  Output:      %s @ %dfps, %s (%s)\n", cfg.Resolution, cfg.FrameRate, cfg.Bitrate, cfg.Preset)
	fmt.Printf("  Displays:    :%d-:%d\n", cfg.DisplayMin, cfg.DisplayMax)
	fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	if cfg.Duration > 0 {
		fmt.Printf("  Duration:    %s\n", cfg.Duration)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

// printCommands prints the commands that would be run, ingest key redacted.
func printCommands(cfg *config.Config) error {
	cmds, err := orchestrator.CommandStrings(cfg)
	if err != nil {
		return err
	}

	fmt.Println("# Commands that would be run, in launch order:")
	for _, c := range cmds {
		fmt.Println()
		fmt.Println(c)
	}
	return nil
}
