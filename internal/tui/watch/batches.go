package watch

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/accession/internal/ingest"
)

const maxBatches = 20

// batchBoard keeps the most recently seen status per batch.
type batchBoard struct {
	byName map[string]ingest.Status
}

func newBatchBoard() batchBoard {
	return batchBoard{byName: make(map[string]ingest.Status)}
}

// observe records s unless an entry with a later step time is already held.
func (b batchBoard) observe(s *ingest.Status) {
	if s == nil || s.Batch == "" {
		return
	}
	if prev, ok := b.byName[s.Batch]; ok && prev.LastStepTime.After(s.LastStepTime) {
		return
	}
	b.byName[s.Batch] = *s
}

// sorted returns statuses newest first, capped at maxBatches.
func (b batchBoard) sorted() []ingest.Status {
	out := make([]ingest.Status, 0, len(b.byName))
	for _, s := range b.byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].Batch < out[j].Batch
	})
	if len(out) > maxBatches {
		out = out[:maxBatches]
	}
	return out
}

func newBatchTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(batchColumns(80)),
		table.WithHeight(8),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(theme.Highlight.GetForeground())
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("#EEEEEE")).Background(lipgloss.Color("#3A3A3A"))
	t.SetStyles(styles)
	return t
}

func batchColumns(width int) []table.Column {
	fixed := 18 + 18 + 10 + 8 + 8
	file := max(width-fixed-12, 10)
	return []table.Column{
		{Title: "Batch", Width: 18},
		{Title: "State", Width: 18},
		{Title: "Outcome", Width: 10},
		{Title: "Objects", Width: 8},
		{Title: "Conts", Width: 8},
		{Title: "Last file", Width: file},
	}
}

func batchRows(statuses []ingest.Status) []table.Row {
	rows := make([]table.Row, 0, len(statuses))
	for _, s := range statuses {
		outcome := string(s.Outcome)
		if outcome == "" {
			outcome = "-"
		}
		state := s.State
		if s.Halting {
			state += " (halting)"
		}
		rows = append(rows, table.Row{
			s.Batch,
			state,
			outcome,
			fmt.Sprintf("%d", s.Objects),
			fmt.Sprintf("%d", s.Containers),
			s.LastProcessedFile,
		})
	}
	return rows
}

func renderBatches(t table.Model, theme Theme, width int) string {
	title := theme.Title.Render("BATCHES")
	if len(t.Rows()) == 0 {
		return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  No batches seen yet"),
		))
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}
