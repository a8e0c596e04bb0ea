package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderView renders the dashboard.
func (m Model) renderView() string {
	sections := []string{
		m.renderHeader(),
		m.renderProcesses(),
		m.renderEncoder(),
	}
	if m.detailedView {
		sections = append(sections, m.renderStream())
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	slot := m.snapshot.DisplaySlot
	if slot == "" {
		slot = "-"
	}

	header := fmt.Sprintf(
		" go-ffmpeg-pagecast │ %s │ Display: %s │ Uptime: %s ",
		GetStateLabel(m.State(), m.Healthy()),
		slot,
		formatDuration(time.Duration(m.snapshot.UptimeSeconds)*time.Second),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Processes
// =============================================================================

func (m Model) renderProcesses() string {
	h := m.snapshot.Health
	rows := []string{
		renderProcessRow("Xvfb", h.Display),
		renderProcessRow("Browser", h.Browser),
		renderProcessRow("FFmpeg", h.Encoder),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Processes")}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

func renderProcessRow(label string, alive bool) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		GetProcessLabel(alive),
	)
}

// =============================================================================
// Encoder
// =============================================================================

func (m Model) renderEncoder() string {
	enc := m.snapshot.Encoder

	if enc.Updates == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			sectionHeaderStyle.Render("Encoder"),
			dimStyle.Render("Waiting for encoder status..."),
		)
		return boxStyle.Width(m.width - 2).Render(content)
	}

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}

	rows := []string{
		RenderKeyValue("Frames", formatNumberWithCommas(enc.Frames)),
		RenderKeyValue("FPS", fmt.Sprintf("%s / %d", formatFPS(enc.FPS), m.frameRate)),
		RenderProgressBar(m.FrameRateRatio(), barWidth),
		RenderKeyValue("FPS P50 / P5", formatFPS(enc.FPSP50)+" / "+formatFPS(enc.FPSP05)),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Speed:"),
			GetSpeedLabel(enc.Speed),
			mutedStyle.Render("  p50 "+formatSpeedValue(enc.SpeedP50)),
		),
	}
	if enc.Bitrate != "" {
		rows = append(rows, RenderKeyValue("Bitrate", enc.Bitrate))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Encoder")}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Stream details
// =============================================================================

func (m Model) renderStream() string {
	maxLen := m.width - 26
	rows := []string{
		RenderKeyValue("Page", truncate(m.pageURL, maxLen)),
		RenderKeyValue("Ingest", truncate(m.ingestURL, maxLen)),
		RenderKeyValue("Output", fmt.Sprintf("%s @ %dfps, %s", m.resolution, m.frameRate, m.bitrate)),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Stream")}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle details",
		"r: refresh",
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := dimStyle.Render(fmt.Sprintf("Updated %s │ Metrics: %s",
		m.lastUpdate.Format("15:04:05"), m.metricsAddr))

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}
