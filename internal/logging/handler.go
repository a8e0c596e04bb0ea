package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept per process.
	MaxBufferedLines = 100
)

// OutputHandler handles stderr output from one pipeline process.
// It keeps recent lines for failure reports and logs them at a level derived
// from their content. It implements parser.LineParser.
type OutputHandler struct {
	role    string
	logger  *slog.Logger
	verbose bool

	buffer []string
	bufIdx int
	mu     sync.Mutex
}

// NewOutputHandler creates an output handler for a process role.
func NewOutputHandler(role string, logger *slog.Logger, verbose bool) *OutputHandler {
	return &OutputHandler{
		role:    role,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// ParseLine stores and logs one line of output.
func (h *OutputHandler) ParseLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	level := classifyLine(line)
	if !h.verbose && level == slog.LevelDebug {
		return
	}
	h.logger.Log(context.Background(), level, "process_output",
		"role", h.role,
		"line", line,
	)
}

// classifyLine picks a log level from the line content.
// Encoder status lines are debug; anything that reads like a failure is warn.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	if strings.HasPrefix(lower, "frame=") {
		return slog.LevelDebug
	}

	switch {
	case strings.Contains(lower, "fatal"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "input/output error"),
		strings.Contains(lower, "cannot open display"),
		strings.Contains(lower, "server is already active"),
		strings.Contains(lower, "[error]"),
		strings.Contains(lower, "error") && strings.Contains(lower, "failed"):
		return slog.LevelWarn
	case strings.Contains(lower, "[warning]"),
		strings.Contains(lower, "dropping frame"),
		strings.Contains(lower, "past duration too large"):
		return slog.LevelWarn
	case strings.Contains(lower, "devtools listening on"),
		strings.Contains(lower, "stream mapping"),
		strings.Contains(lower, "output #0"):
		return slog.LevelInfo
	}

	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}
	return lines
}

// Tail returns the last n lines joined for inclusion in an error message.
func (h *OutputHandler) Tail(n int) string {
	return strings.Join(h.RecentLines(n), " | ")
}

// Role returns the process role.
func (h *OutputHandler) Role() string {
	return h.role
}
