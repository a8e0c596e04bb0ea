package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SummaryConfig holds the run facts printed alongside encoder statistics.
type SummaryConfig struct {
	// Duration is the wall time of the whole program run.
	Duration time.Duration

	// UptimeSeconds is what Stop returned: whole seconds in running state.
	UptimeSeconds int64

	// MetricsAddr is the Prometheus metrics endpoint address.
	MetricsAddr string

	// ExitCodes maps role to the exit code observed at shutdown.
	ExitCodes map[string]int

	// Escalations lists roles that needed SIGKILL.
	Escalations []string

	// Degraded is set when a process died while the pipeline was running.
	Degraded bool
}

const (
	summaryRule = "═══════════════════════════════════════════════════════════════════════════════\n"
	sectionRule = "───────────────────────────────────────────────────────────────────────────────\n"
)

// FormatExitSummary formats the end-of-run report. enc may be nil when the
// pipeline never reached the encoder.
func FormatExitSummary(enc *Summary, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(summaryRule)
	b.WriteString("                        go-ffmpeg-pagecast Exit Summary\n")
	b.WriteString(summaryRule + "\n")

	if cfg.Degraded {
		b.WriteString("⚠️  PIPELINE DEGRADED: a process exited while broadcasting\n\n")
	}

	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Broadcast Uptime:       %s\n\n", FormatDuration(time.Duration(cfg.UptimeSeconds)*time.Second))

	if enc != nil && enc.Updates > 0 {
		b.WriteString(sectionRule)
		b.WriteString("                                  Encoder\n")
		b.WriteString(sectionRule + "\n")
		fmt.Fprintf(&b, "  Frames:               %s\n", FormatNumber(enc.Frames))
		fmt.Fprintf(&b, "  FPS (last / p50 / p5): %.1f / %.1f / %.1f\n", enc.FPS, enc.FPSP50, enc.FPSP05)
		fmt.Fprintf(&b, "  Speed (last / p50):   %.2fx / %.2fx\n", enc.Speed, enc.SpeedP50)
		if enc.Bitrate != "" {
			fmt.Fprintf(&b, "  Bitrate (last):       %s\n", enc.Bitrate)
		}
		b.WriteString("\n")
	}

	if len(cfg.ExitCodes) > 0 {
		b.WriteString(sectionRule)
		b.WriteString("                                 Processes\n")
		b.WriteString(sectionRule + "\n")

		roles := make([]string, 0, len(cfg.ExitCodes))
		for role := range cfg.ExitCodes {
			roles = append(roles, role)
		}
		sort.Strings(roles)

		for _, role := range roles {
			code := cfg.ExitCodes[role]
			fmt.Fprintf(&b, "  %-8s exit %-4d %s\n", role, code, exitCodeLabel(code))
		}
		if len(cfg.Escalations) > 0 {
			fmt.Fprintf(&b, "  Force-killed: %s\n", strings.Join(cfg.Escalations, ", "))
		}
		b.WriteString("\n")
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(summaryRule)
	return b.String()
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}
