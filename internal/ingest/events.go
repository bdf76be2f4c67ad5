package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/accession/internal/repo"
)

// Event is a preservation event recorded for the batch.
type Event struct {
	Type    string        `json:"type"`
	Object  repo.ObjectID `json:"object,omitempty"`
	Agent   string        `json:"agent,omitempty"`
	Outcome string        `json:"outcome,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	At      time.Time     `json:"at"`
}

// parseFragment accepts a single event object or an array of events.
func parseFragment(b []byte) ([]Event, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("empty event fragment")
	}
	var events []Event
	if b[0] == '[' {
		if err := json.Unmarshal(b, &events); err != nil {
			return nil, err
		}
	} else {
		var e Event
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, err
		}
		events = []Event{e}
	}
	for i, e := range events {
		if e.Type == "" {
			return nil, fmt.Errorf("event %d has no type", i)
		}
	}
	return events, nil
}

// EventLog is the running event log of a batch, persisted as JSON lines so a
// resumed task sees the events merged before the crash.
type EventLog struct {
	path   string
	events []Event
}

func openEventLog(path string) (*EventLog, error) {
	l := &EventLog{path: path}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn last line from a crash; everything before it is intact.
			break
		}
		l.events = append(l.events, e)
	}
	return l, sc.Err()
}

// Append persists events not already in the log. Re-merging a fragment after a
// resume is a no-op.
func (l *EventLog) Append(events ...Event) error {
	var fresh []Event
	for _, e := range events {
		if !l.has(e) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	events = fresh

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return fmt.Errorf("append event: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close event log: %w", err)
	}
	l.events = append(l.events, events...)
	return nil
}

func (l *EventLog) has(e Event) bool {
	for _, x := range l.events {
		if x.Type == e.Type && x.Object == e.Object && x.Agent == e.Agent &&
			x.Outcome == e.Outcome && x.Detail == e.Detail && x.At.Equal(e.At) {
			return true
		}
	}
	return false
}

// Events returns a copy of the merged log.
func (l *EventLog) Events() []Event {
	return append([]Event(nil), l.events...)
}

// JSON renders the merged log as the uploaded event datastream.
func (l *EventLog) JSON() ([]byte, error) {
	events := l.events
	if events == nil {
		events = []Event{}
	}
	return json.MarshalIndent(events, "", "  ")
}
