package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/accession/internal/notify"
	"github.com/mattjoyce/accession/internal/supervisor"
)

type notifyMsg notify.Message

type statusMsg supervisor.Status

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ReadyBatches  int    `json:"ready_batches"`
}

type controlMsg struct {
	op  string
	err error
}

type tickMsg time.Time

// fetchErrMsg carries a failed poll and the poll to retry.
type fetchErrMsg struct {
	retry func() tea.Msg
	err   error
}

type errMsg error

type streamClosedMsg struct{}

type reconnectMsg struct{}

// client talks to the operator API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) fetchStatus() tea.Msg {
	var s supervisor.Status
	if err := c.do(context.Background(), http.MethodGet, "/supervisor", &s); err != nil {
		return fetchErrMsg{retry: c.fetchStatus, err: err}
	}
	return statusMsg(s)
}

func (c *client) fetchHealth() tea.Msg {
	var h healthMsg
	if err := c.do(context.Background(), http.MethodGet, "/healthz", &h); err != nil {
		return fetchErrMsg{retry: c.fetchHealth, err: err}
	}
	return h
}

func (c *client) control(op string) tea.Cmd {
	return func() tea.Msg {
		// Pausing waits for the active task to halt.
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		return controlMsg{op: op, err: c.do(ctx, http.MethodPost, "/supervisor/"+op, nil)}
	}
}

// subscribe streams /events into ch until the connection drops. lastSeq is
// sent as Last-Event-ID so reconnects do not replay what was already shown.
func (c *client) subscribe(lastSeq int64, ch chan<- notify.Message) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if lastSeq > 0 {
			req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastSeq))
		}

		// No client timeout: the stream stays open.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return streamClosedMsg{}
		}
		defer resp.Body.Close()

		readStream(resp.Body, ch)
		return streamClosedMsg{}
	}
}

// readStream decodes server-sent events carrying notification messages.
func readStream(r io.Reader, ch chan<- notify.Message) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var msg notify.Message
				if err := json.Unmarshal([]byte(data.String()), &msg); err == nil {
					ch <- msg
				}
				data.Reset()
			}
		case strings.HasPrefix(line, "data: "):
			data.WriteString(line[len("data: "):])
		}
	}
}

func receive(ch <-chan notify.Message) tea.Cmd {
	return func() tea.Msg {
		return notifyMsg(<-ch)
	}
}
