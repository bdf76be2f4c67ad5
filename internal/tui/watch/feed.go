package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/accession/internal/notify"
	"github.com/mattjoyce/accession/internal/repo"
)

const maxFeed = 50

func renderFeed(feed []notify.Message, theme Theme, width int) string {
	inner := width - 4
	title := theme.Title.Render("NOTIFICATIONS")

	if len(feed) == 0 {
		return theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  Waiting for notifications..."),
		))
	}

	lines := make([]string, 0, 10)
	for i, msg := range feed {
		if i >= 10 {
			break
		}
		lines = append(lines, formatMessage(msg, theme))
	}
	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	return theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}

func formatMessage(msg notify.Message, theme Theme) string {
	style := theme.Dim
	switch msg.Action {
	case notify.ActionAdd:
		style = theme.StatusOK
	case notify.ActionMove:
		style = theme.Highlight
	case notify.ActionRemove:
		style = theme.StatusFailed
	}

	desc := fmt.Sprintf("%s %d object(s) in %s", msg.User, len(msg.Objects), joinIDs(msg.Containers, 3))
	if len(msg.Reordered) > 0 {
		desc += fmt.Sprintf(", %d reordered", len(msg.Reordered))
	}
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(msg.At.Local().Format("15:04:05")),
		style.Render(fmt.Sprintf("%-7s", msg.Action)),
		desc,
	)
}

func joinIDs(ids []repo.ObjectID, limit int) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, 0, limit+1)
	for i, id := range ids {
		if i == limit {
			parts = append(parts, fmt.Sprintf("+%d", len(ids)-limit))
			break
		}
		parts = append(parts, string(id))
	}
	return strings.Join(parts, ", ")
}
