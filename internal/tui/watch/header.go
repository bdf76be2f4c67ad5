package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Health is what the header shows about the daemon.
type Health struct {
	Connected     bool
	Status        string
	UptimeSeconds int64
	ReadyBatches  int
	Running       bool
	Paused        bool
}

func renderHeader(h Health, pulse Pulse, theme Theme, width int, now time.Time) string {
	inner := width - 4

	state := theme.StatusOK.Render("IDLE")
	switch {
	case !h.Connected:
		state = theme.StatusFailed.Render("CONNECTING")
	case h.Status != "" && h.Status != "ok":
		state = theme.StatusFailed.Render(strings.ToUpper(h.Status))
	case h.Paused:
		state = theme.StatusPaused.Render("PAUSED")
	case h.Running:
		state = theme.StatusRunning.Render("INGESTING")
	}

	last := "never"
	if !pulse.Last().IsZero() {
		last = fmt.Sprintf("%s ago", now.Sub(pulse.Last()).Round(time.Second))
	}

	title := " ACCESSION WATCH"
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(inner-lipgloss.Width(title)-lipgloss.Width(clock)-2, 1)

	content := lipgloss.JoinVertical(lipgloss.Left,
		title+strings.Repeat(" ", pad)+clock,
		fmt.Sprintf(" %s  up %s  ready: %d", state, formatUptime(time.Duration(h.UptimeSeconds)*time.Second), h.ReadyBatches),
		fmt.Sprintf(" last notification: %s %s", last, pulse.Render(theme)),
	)
	return theme.Border.Width(inner).Render(content)
}

func formatUptime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
