package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/accession/internal/repo"
)

const (
	progressFile  = "ingested.log"
	reorderedFile = "reordered.log"
	eventsFile    = "events.log"

	// FailLogFile holds the failure chain of a batch moved to failed/.
	FailLogFile = "fail.log"

	// ContainerMarker replaces the file name in entries written after a container update.
	ContainerMarker = "CONTAINER_UPDATED"
)

// ProgressEntry is one line of ingested.log. Elapsed is set once the object is verified.
type ProgressEntry struct {
	ID      repo.ObjectID
	Marker  string
	Elapsed *time.Duration
}

func (e ProgressEntry) String() string {
	line := string(e.ID) + "\t" + e.Marker
	if e.Elapsed != nil {
		line += "\t" + strconv.FormatInt(e.Elapsed.Milliseconds(), 10)
	}
	return line
}

func parseProgressEntry(line string) (ProgressEntry, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 || len(fields) > 3 || fields[0] == "" || fields[1] == "" {
		return ProgressEntry{}, fmt.Errorf("malformed progress entry %q", line)
	}
	e := ProgressEntry{ID: repo.ObjectID(fields[0]), Marker: fields[1]}
	if len(fields) == 3 {
		ms, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return ProgressEntry{}, fmt.Errorf("malformed elapsed in %q: %w", line, err)
		}
		d := time.Duration(ms) * time.Millisecond
		e.Elapsed = &d
	}
	return e, nil
}

// ProgressLog is the append-only ingested.log of a batch.
type ProgressLog struct {
	path string
}

// Append writes e as one newline-terminated line. A torn tail left by an earlier
// crash is cut off first so the new entry starts on a line of its own.
func (p *ProgressLog) Append(e ProgressEntry) error {
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	if err := trimTornTail(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("repair progress log: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return fmt.Errorf("seek progress log: %w", err)
	}
	if _, err := f.WriteString(e.String() + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append progress log: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync progress log: %w", err)
	}
	return f.Close()
}

// trimTornTail truncates f after its last newline.
func trimTornTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	raw, err := io.ReadAll(io.NewSectionReader(f, 0, info.Size()))
	if err != nil {
		return err
	}
	return f.Truncate(int64(bytes.LastIndexByte(raw, '\n') + 1))
}

// Entries reads the whole log. A missing log is empty. Only newline-terminated
// lines count: a final line without one was torn by a crash mid-append and is
// ignored even when it happens to parse.
func (p *ProgressLog) Entries() ([]ProgressEntry, error) {
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress log: %w", err)
	}
	raw = raw[:bytes.LastIndexByte(raw, '\n')+1]

	var out []ProgressEntry
	for i, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}
		e, err := parseProgressEntry(line)
		if err != nil {
			return nil, fmt.Errorf("progress log line %d: %w", i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Last returns the final entry, or nil for an empty log.
func (p *ProgressLog) Last() (*ProgressEntry, error) {
	entries, err := p.Entries()
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	last := entries[len(entries)-1]
	return &last, nil
}
