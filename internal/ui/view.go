package ui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/five82/asyncstate/internal/asyncop"
	"github.com/five82/asyncstate/internal/geo"
)

// View renders the dashboard.
func (m Model) View() string {
	styles := m.theme.Styles()
	footer := styles.Footer.Render(m.help.View(m.keys))
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(styles),
		"",
		m.renderBody(styles),
		"",
		footer,
	)
}

func (m Model) renderHeader(styles Styles) string {
	mode := styles.Faint.Render("○ ONE-SHOT")
	if m.watching {
		mode = styles.Good.Render("● WATCHING")
	}
	parts := []string{
		styles.Logo.Render("asyncstate"),
		mode,
		styles.Accent.Render("T") + styles.Faint.Render(":"+m.theme.Name),
	}
	header := styles.Header
	if m.width > 0 {
		header = header.Width(m.width)
	}
	return header.Render(strings.Join(parts, "  "))
}

func (m Model) renderBody(styles Styles) string {
	row := func(label, value string) string {
		return styles.Label.Render(fmt.Sprintf("%-9s", label)) + " " + value
	}

	position := styles.Faint.Render("unknown")
	if m.state.HasCoords {
		c := m.state.Coords
		position = styles.Value.Render(fmt.Sprintf("%.4f, %.4f", c.Latitude, c.Longitude))
		if c.Accuracy > 0 {
			position += " " + styles.Label.Render(fmt.Sprintf("±%.0f m", c.Accuracy))
		}
	}

	fix := styles.Faint.Render("none")
	if ts := formatTimestamp(m.state.Timestamp, time.Now()); ts != "" {
		source := styles.Info.Render("live")
		if m.state.FromCache {
			source = styles.Warn.Render("cached")
		}
		fix = styles.Value.Render(ts) + " " + source
	}

	var status string
	switch {
	case m.state.Loading:
		status = m.spinner.View() + " " + styles.Info.Render("Locating...")
	case m.state.Err != nil:
		status = styles.Bad.Render(classifyError(m.state.Err)) + " " +
			styles.Label.Render(truncate(m.state.Err.Error(), m.errWidth()))
	default:
		status = styles.Good.Render("ready")
	}

	lines := []string{
		row("Position", position),
		row("Fix", fix),
		row("Status", status),
	}
	if m.notice != "" {
		lines = append(lines, row("", styles.Warn.Render(m.notice)))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func (m Model) errWidth() int {
	if m.width > 0 && m.width < 100 {
		return 40
	}
	return 80
}

// classifyError returns a short label for a lookup failure.
func classifyError(err error) string {
	var pe *geo.ProviderError
	if errors.As(err, &pe) {
		return strings.ToUpper(pe.Code.String())
	}
	var oe *asyncop.OperationError
	if errors.As(err, &oe) {
		return "PANIC"
	}
	return "ERROR"
}

// formatTimestamp formats a fix time with a relative indicator.
func formatTimestamp(ts, now time.Time) string {
	if ts.IsZero() {
		return ""
	}
	since := now.Sub(ts)
	out := ts.Local().Format("15:04:05")
	switch {
	case since < time.Minute:
		out += " (now)"
	case since < time.Hour:
		out += fmt.Sprintf(" (%dm ago)", int(since.Minutes()))
	case since < 24*time.Hour:
		out += fmt.Sprintf(" (%dh ago)", int(since.Hours()))
	}
	return out
}

// truncate truncates a string to max length with ellipsis.
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
