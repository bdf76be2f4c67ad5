package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattjoyce/accession/internal/batchqueue"
	"github.com/mattjoyce/accession/internal/ingest"
	"github.com/mattjoyce/accession/internal/notify"
	"github.com/mattjoyce/accession/internal/repo"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FAFD7"))
	labelStyle  = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#D75F5F"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func field(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), value)
}

func renderSystemStatus(s systemStatus) string {
	var b strings.Builder
	b.WriteString(field("config", s.Config))
	lockState := okStyle.Render("free")
	if s.PIDLock.Held {
		lockState = badStyle.Render(fmt.Sprintf("held by pid %d", s.PIDLock.PID))
	}
	b.WriteString(field("pid lock", fmt.Sprintf("%s (%s)", lockState, s.PIDLock.Path)))

	t := newTable("Area", "Batches")
	for _, area := range []string{batchqueue.AreaQueued, batchqueue.AreaFailed, batchqueue.AreaFinished} {
		t.Row(area, fmt.Sprintf("%d", s.Areas[area]))
	}
	t.Row("ready", fmt.Sprintf("%d", s.Ready))
	b.WriteString(t.Render())
	b.WriteString("\n")
	return b.String()
}

// renderBatchList shows each batch with its manifest summary. Failed batches
// show the first line of their failure log.
func renderBatchList(area string, handles []batchqueue.Handle) string {
	if len(handles) == 0 {
		return dimStyle.Render(fmt.Sprintf("No batches in %s.", area)) + "\n"
	}

	last := "Ready"
	if area == batchqueue.AreaFailed {
		last = "Failure"
	}
	t := newTable("Batch", "Submitter", "Placements", last)
	for _, h := range handles {
		submitter, placements := "-", "-"
		if m, err := batchqueue.LoadManifest(h.Dir); err == nil {
			submitter = m.Submitter
			placements = fmt.Sprintf("%d", len(m.Placements))
		}

		var tail string
		switch area {
		case batchqueue.AreaFailed:
			tail = firstLine(filepath.Join(h.Dir, ingest.FailLogFile))
		case batchqueue.AreaQueued:
			tail = "no"
			if _, err := os.Stat(filepath.Join(h.Dir, batchqueue.ReadyMarker)); err == nil {
				tail = "yes"
			}
		default:
			tail = "-"
		}
		t.Row(h.Name, submitter, placements, tail)
	}
	return t.Render() + "\n"
}

func firstLine(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "-"
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	if len(line) > 60 {
		line = line[:57] + "..."
	}
	return line
}

func renderBatchStatus(s ingest.Status) string {
	outcome := string(s.Outcome)
	switch s.Outcome {
	case ingest.OutcomeFinished:
		outcome = okStyle.Render(outcome)
	case ingest.OutcomeFailed:
		outcome = badStyle.Render(outcome)
	}

	var b strings.Builder
	b.WriteString(field("batch", s.Batch))
	b.WriteString(field("outcome", outcome))
	b.WriteString(field("state", s.State))
	b.WriteString(field("objects", fmt.Sprintf("%d", s.Objects)))
	b.WriteString(field("containers", fmt.Sprintf("%d", s.Containers)))
	if s.LastProcessedFile != "" {
		b.WriteString(field("last file", fmt.Sprintf("%s (%s)", s.LastProcessedFile, s.LastProcessedID)))
	}
	if !s.StartTime.IsZero() && !s.LastStepTime.IsZero() {
		b.WriteString(field("elapsed", s.LastStepTime.Sub(s.StartTime).Round(time.Millisecond).String()))
	}
	return b.String()
}

func renderObjectView(v objectView) string {
	var b strings.Builder
	b.WriteString(field("id", string(v.Info.ID)))
	if v.Info.Label != "" {
		b.WriteString(field("label", v.Info.Label))
	}
	kind := "object"
	if v.Info.Container {
		kind = "container"
	}
	b.WriteString(field("kind", kind))
	b.WriteString(field("format", v.Info.Format))
	parent := string(v.Parent)
	if parent == "" {
		parent = "-"
	}
	b.WriteString(field("parent", parent))

	if len(v.Listing) > 0 {
		b.WriteString("\n" + headerStyle.Render("Listing") + "\n")
		t := newTable("#", "Child", "Label")
		for i, e := range v.Listing {
			t.Row(fmt.Sprintf("%d", i), string(e.Child), e.Label)
		}
		b.WriteString(t.Render() + "\n")
	}
	if len(v.Edges) > 0 {
		b.WriteString("\n" + headerStyle.Render("Relationships") + "\n")
		t := newTable("Relation", "Target")
		for _, e := range v.Edges {
			t.Row(e.Relation, string(e.Target))
		}
		b.WriteString(t.Render() + "\n")
	}
	if len(v.Referrers) > 0 {
		b.WriteString("\n" + headerStyle.Render("Referred to by") + "\n")
		t := newTable("Subject", "Relation")
		for _, r := range v.Referrers {
			t.Row(string(r.Subject), r.Relation)
		}
		b.WriteString(t.Render() + "\n")
	}
	return b.String()
}

func renderNotifications(msgs []notify.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	t := newTable("Action", "User", "Containers", "Objects")
	for _, m := range msgs {
		t.Row(string(m.Action), m.User, joinIDs(m.Containers), joinIDs(m.Objects))
	}
	return t.Render() + "\n"
}

func joinIDs(ids []repo.ObjectID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
