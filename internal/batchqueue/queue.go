// Package batchqueue is a filesystem-backed FIFO of prepared ingest batches.
//
// Layout below the root:
//
//	queued/<yyyymmddThhmmss.nnnnnnnnn>-<submitter>/   batches waiting or running
//	failed/...                                       batches that ended in failure
//	finished/...                                     completed batches (when kept)
//
// A batch in queued/ is visible to DequeueOldest only once its READY marker exists.
package batchqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/accession/internal/log"
	"github.com/mattjoyce/accession/internal/storage"
)

const (
	AreaQueued   = "queued"
	AreaFailed   = "failed"
	AreaFinished = "finished"

	// ReadyMarker gates queue visibility.
	ReadyMarker = "READY"

	nameTimeLayout = "20060102T150405.000000000"
)

// ErrInvalidBatch is returned by Enqueue when the batch metadata cannot be loaded.
var ErrInvalidBatch = errors.New("invalid batch")

// Handle names one batch directory in one area.
type Handle struct {
	Name string `json:"name"`
	Area string `json:"area"`
	Dir  string `json:"dir"`
}

type Queue struct {
	root   string
	now    func() time.Time
	logger *slog.Logger
}

// New creates the area directories below root if needed.
func New(root string) (*Queue, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("queue root is empty")
	}
	if err := storage.CheckLocalFilesystem(trimmed, "queue.root"); err != nil {
		return nil, err
	}
	q := &Queue{
		root:   filepath.Clean(trimmed),
		now:    time.Now,
		logger: log.WithComponent("batchqueue"),
	}
	for _, area := range []string{AreaQueued, AreaFailed, AreaFinished} {
		if err := os.MkdirAll(filepath.Join(q.root, area), 0o755); err != nil {
			return nil, fmt.Errorf("create %s area: %w", area, err)
		}
	}
	return q, nil
}

func (q *Queue) Root() string { return q.root }

// batchName builds a fixed-width, time-ordered name.
func (q *Queue) batchName(submitter string) string {
	return q.now().UTC().Format(nameTimeLayout) + "-" + submitter
}

// Enqueue moves preparedDir into the queue and then marks it READY.
func (q *Queue) Enqueue(ctx context.Context, preparedDir string) (Handle, error) {
	h, err := q.Adopt(ctx, preparedDir)
	if err != nil {
		return Handle{}, err
	}
	// The rename is not atomic with respect to concurrent listing; READY is written
	// only after the directory is fully in place.
	if err := q.MarkReady(h); err != nil {
		return Handle{}, err
	}
	q.logger.Info("batch enqueued", "batch", h.Name)
	return h, nil
}

// MarkReady writes the READY marker of a batch in queued/. Marking a ready batch
// again is a no-op.
func (q *Queue) MarkReady(h Handle) error {
	if err := q.owns(h); err != nil {
		return err
	}
	if h.Area != AreaQueued {
		return fmt.Errorf("mark %s ready: batch is in %s", h.Name, h.Area)
	}
	if err := os.WriteFile(filepath.Join(h.Dir, ReadyMarker), nil, 0o644); err != nil {
		return fmt.Errorf("mark %s ready: %w", h.Name, err)
	}
	return nil
}

// Adopt moves preparedDir into queued/ without marking it READY. The batch is
// invisible to DequeueOldest and belongs to whoever adopted it.
func (q *Queue) Adopt(ctx context.Context, preparedDir string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	src, err := filepath.Abs(preparedDir)
	if err != nil {
		return Handle{}, fmt.Errorf("resolve %q: %w", preparedDir, err)
	}
	m, err := LoadManifest(src)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s: %v", ErrInvalidBatch, preparedDir, err)
	}

	name := q.batchName(m.Submitter)
	dst := filepath.Join(q.root, AreaQueued, name)
	if _, err := os.Stat(dst); err == nil {
		return Handle{}, fmt.Errorf("batch %s already queued", name)
	}
	if err := os.Rename(src, dst); err != nil {
		return Handle{}, fmt.Errorf("move %s into queue: %w", preparedDir, err)
	}
	return Handle{Name: name, Area: AreaQueued, Dir: dst}, nil
}

// DequeueOldest returns the READY batch with the smallest name, or nil when
// nothing is ready. The batch stays in queued/ until it is relocated.
func (q *Queue) DequeueOldest(ctx context.Context) (*Handle, error) {
	ready, err := q.ready(ctx)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}
	h := ready[0]
	return &h, nil
}

// ReadyCount reports how many batches are waiting.
func (q *Queue) ReadyCount(ctx context.Context) (int, error) {
	ready, err := q.ready(ctx)
	return len(ready), err
}

func (q *Queue) ready(ctx context.Context) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := q.List(ctx, AreaQueued)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, h := range entries {
		if _, err := os.Stat(filepath.Join(h.Dir, ReadyMarker)); err == nil {
			out = append(out, h)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("check %s: %w", h.Name, err)
		}
	}
	return out, nil
}

// List returns the batch directories of area sorted by name.
func (q *Queue) List(ctx context.Context, area string) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateArea(area); err != nil {
		return nil, err
	}
	dir := filepath.Join(q.root, area)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s area: %w", area, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Handle, 0, len(names))
	for _, n := range names {
		out = append(out, Handle{Name: n, Area: area, Dir: filepath.Join(dir, n)})
	}
	return out, nil
}

// Exists reports whether the handle's directory is still present.
func (q *Queue) Exists(h Handle) bool {
	info, err := os.Stat(h.Dir)
	return err == nil && info.IsDir()
}

// RelocateToFailed moves the batch into failed/.
func (q *Queue) RelocateToFailed(ctx context.Context, h Handle) (Handle, error) {
	return q.relocate(ctx, h, AreaFailed)
}

// RelocateToFinished moves the batch into finished/.
func (q *Queue) RelocateToFinished(ctx context.Context, h Handle) (Handle, error) {
	return q.relocate(ctx, h, AreaFinished)
}

// Discard removes the batch directory.
func (q *Queue) Discard(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.owns(h); err != nil {
		return err
	}
	if err := os.RemoveAll(h.Dir); err != nil {
		return fmt.Errorf("discard %s: %w", h.Name, err)
	}
	q.logger.Info("batch discarded", "batch", h.Name)
	return nil
}

// Unready removes the READY marker so the batch stays in place but is no
// longer dequeued.
func (q *Queue) Unready(h Handle) error {
	if err := q.owns(h); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(h.Dir, ReadyMarker))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unready %s: %w", h.Name, err)
	}
	return nil
}

func (q *Queue) relocate(ctx context.Context, h Handle, area string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if err := q.owns(h); err != nil {
		return Handle{}, err
	}
	dst := filepath.Join(q.root, area, h.Name)
	if err := os.Rename(h.Dir, dst); err != nil {
		return Handle{}, fmt.Errorf("move %s to %s: %w", h.Name, area, err)
	}
	// Relocated batches must never look ready again.
	_ = os.Remove(filepath.Join(dst, ReadyMarker))
	q.logger.Info("batch relocated", "batch", h.Name, "area", area)
	return Handle{Name: h.Name, Area: area, Dir: dst}, nil
}

func (q *Queue) owns(h Handle) error {
	if err := validateName(h.Name); err != nil {
		return err
	}
	if err := validateArea(h.Area); err != nil {
		return err
	}
	if filepath.Clean(h.Dir) != filepath.Join(q.root, h.Area, h.Name) {
		return fmt.Errorf("batch %s is not under queue root %s", h.Name, q.root)
	}
	return nil
}

func validateArea(area string) error {
	switch area {
	case AreaQueued, AreaFailed, AreaFinished:
		return nil
	}
	return fmt.Errorf("unknown queue area %q", area)
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("name is empty")
	}
	if trimmed != name || trimmed == "." || trimmed == ".." {
		return fmt.Errorf("name %q is invalid", name)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("name %q must not contain path separators", name)
	}
	return nil
}
