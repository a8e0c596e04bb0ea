package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/pipeline"
	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/stats"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries an updated pipeline snapshot.
type SnapshotMsg struct {
	Snapshot Snapshot
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Snapshot is the pipeline state shown on one frame.
type Snapshot struct {
	State         string
	DisplaySlot   string
	UptimeSeconds int64
	Health        pipeline.HealthSnapshot
	Encoder       stats.Summary
}

// StatusSource provides pipeline snapshots.
type StatusSource interface {
	Snapshot() Snapshot
}

// Config holds TUI configuration.
type Config struct {
	PageURL     string
	IngestURL   string // already redacted
	MetricsAddr string
	Resolution  string
	Bitrate     string
	FrameRate   int
	Source      StatusSource
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	pageURL     string
	ingestURL   string
	metricsAddr string
	resolution  string
	bitrate     string
	frameRate   int

	// Current state
	snapshot     Snapshot
	hasSnapshot  bool
	lastUpdate   time.Time
	detailedView bool

	// Display options
	width  int
	height int

	source StatusSource

	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		pageURL:     cfg.PageURL,
		ingestURL:   cfg.IngestURL,
		metricsAddr: cfg.MetricsAddr,
		resolution:  cfg.Resolution,
		bitrate:     cfg.Bitrate,
		frameRate:   cfg.FrameRate,
		source:      cfg.Source,
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.source != nil {
			m.snapshot = m.source.Snapshot()
			m.hasSnapshot = true
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case SnapshotMsg:
		m.snapshot = msg.Snapshot
		m.hasSnapshot = true
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// State returns the last seen pipeline state.
func (m Model) State() string {
	if !m.hasSnapshot || m.snapshot.State == "" {
		return "idle"
	}
	return m.snapshot.State
}

// Healthy reports whether the last snapshot had all processes alive.
func (m Model) Healthy() bool {
	return m.hasSnapshot && m.snapshot.Health.Healthy()
}

// FrameRateRatio returns the encoder's current fps as a fraction of the
// configured frame rate, capped at 1.
func (m Model) FrameRateRatio() float64 {
	if m.frameRate <= 0 || !m.hasSnapshot {
		return 0
	}
	r := m.snapshot.Encoder.FPS / float64(m.frameRate)
	if r > 1 {
		r = 1
	}
	return r
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendSnapshot pushes a snapshot to the TUI outside the tick cycle.
func SendSnapshot(p *tea.Program, s Snapshot) {
	if p != nil {
		p.Send(SnapshotMsg{Snapshot: s})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatNumberWithCommas formats a number with thousand separators.
func formatNumberWithCommas(n int64) string {
	if n < 0 {
		return "0"
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}

	str := fmt.Sprintf("%d", n)
	result := ""
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(c)
	}
	return result
}

// formatFPS formats a frame rate, or N/A before the first sample.
func formatFPS(fps float64) string {
	if fps == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.1f", fps)
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if max <= 3 || len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
