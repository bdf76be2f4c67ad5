package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/accession/internal/notify"
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *client

	width  int
	height int

	health  Health
	batches batchBoard
	table   table.Model
	feed    []notify.Message
	lastSeq int64
	pulse   Pulse

	theme    Theme
	incoming chan notify.Message
	now      func() time.Time

	lastError string
}

// New creates a watch model for the operator API at apiURL.
func New(apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		client:   newClient(apiURL, apiKey),
		batches:  newBatchBoard(),
		table:    newBatchTable(theme),
		theme:    theme,
		incoming: make(chan notify.Message, 100),
		now:      time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(0, m.incoming),
		receive(m.incoming),
		m.client.fetchHealth,
		m.client.fetchStatus,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			m.lastError = "pausing..."
			return m, m.client.control("pause")
		case "r":
			return m, m.client.control("resume")
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(batchColumns(msg.Width - 4))

	case tickMsg:
		m.pulse.Fade(m.now())
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case notifyMsg:
		n := notify.Message(msg)
		if n.Seq > m.lastSeq {
			m.lastSeq = n.Seq
		}
		m.feed = append([]notify.Message{n}, m.feed...)
		if len(m.feed) > maxFeed {
			m.feed = m.feed[:maxFeed]
		}
		m.pulse.Hit(m.now())
		m.health.Connected = true
		m.lastError = ""
		return m, receive(m.incoming)

	case healthMsg:
		m.health.Connected = true
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.ReadyBatches = msg.ReadyBatches
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.client.fetchHealth() })

	case statusMsg:
		m.health.Connected = true
		m.health.Running = msg.Running
		m.health.Paused = msg.Paused
		m.health.ReadyBatches = msg.ReadyBatches
		m.batches.observe(msg.Last)
		m.batches.observe(msg.Active)
		m.table.SetRows(batchRows(m.batches.sorted()))
		m.lastError = ""
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg { return m.client.fetchStatus() })

	case controlMsg:
		if msg.err != nil {
			m.lastError = fmt.Sprintf("%s: %v", msg.op, msg.err)
		} else {
			m.lastError = ""
		}
		return m, m.client.fetchStatus

	case streamClosedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribe(m.lastSeq, m.incoming)

	case fetchErrMsg:
		m.health.Connected = false
		m.lastError = msg.err.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return msg.retry() })

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.health, m.pulse, m.theme, m.width, m.now()),
		renderBatches(m.table, m.theme, m.width),
		renderFeed(m.feed, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ! "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] quit  [p] pause  [r] resume  [↑/↓] batches"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
