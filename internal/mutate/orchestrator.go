// Package mutate moves and deletes objects in the repository tree. Container
// documents are only changed through optimistic read-modify-write cycles; there
// is no cross-object lock.
package mutate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/accession/internal/auth"
	"github.com/mattjoyce/accession/internal/config"
	"github.com/mattjoyce/accession/internal/log"
	"github.com/mattjoyce/accession/internal/metrics"
	"github.com/mattjoyce/accession/internal/notify"
	"github.com/mattjoyce/accession/internal/repo"
	"github.com/mattjoyce/accession/internal/tree"
)

type Options struct {
	// DumpDir receives corruption dumps for interrupted deletes. Empty logs only.
	DumpDir string
	Retry   repo.RetryPolicy
	Order   tree.OrderPolicy
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DumpDir: cfg.Mutations.DumpDir,
		Retry:   repo.RetryPolicy{MaxRetries: cfg.Mutations.MaxConflictRetries},
		Order:   tree.PositionalOrder,
	}
}

type Orchestrator struct {
	store    repo.Store
	gate     auth.Gate
	notifier notify.Notifier
	metrics  *metrics.Metrics
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func New(store repo.Store, gate auth.Gate, n notify.Notifier, m *metrics.Metrics, opts Options) *Orchestrator {
	if opts.Order == nil {
		opts.Order = tree.PositionalOrder
	}
	if opts.Retry.OnConflict == nil {
		opts.Retry.OnConflict = m.ConflictRetry
	}
	return &Orchestrator{
		store:    store,
		gate:     gate,
		notifier: n,
		metrics:  m,
		opts:     opts,
		logger:   log.WithComponent("mutate"),
		now:      time.Now,
	}
}

func (o *Orchestrator) require(ctx context.Context, p auth.Principal, perm auth.Permission, container repo.ObjectID) error {
	if o.gate.Allowed(ctx, p, perm, container) {
		return nil
	}
	return fmt.Errorf("%s may not %s on %s: %w", p.Name, perm, container, ErrForbidden)
}

func (o *Orchestrator) publish(ctx context.Context, msg notify.Message) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Publish(ctx, msg); err != nil {
		o.logger.Warn("notification failed", "action", string(msg.Action), "error", err)
	}
}

// corruptionDump is the record left for manual recovery of an interrupted delete.
type corruptionDump struct {
	ID      string          `json:"id"`
	At      time.Time       `json:"at"`
	Op      string          `json:"op"`
	User    string          `json:"user"`
	Target  repo.ObjectID   `json:"target"`
	Reason  string          `json:"reason"`
	Mutated []repo.ObjectID `json:"mutated"`
	Pending []repo.ObjectID `json:"pending"`
}

func (o *Orchestrator) writeDump(d corruptionDump) string {
	d.ID = uuid.NewString()
	d.At = o.now().UTC()
	o.logger.Error("repository left partially mutated",
		"dump_id", d.ID,
		"op", d.Op,
		"object_id", d.Target,
		"reason", d.Reason,
		"mutated", d.Mutated,
		"pending", d.Pending,
	)
	if o.opts.DumpDir == "" {
		return ""
	}

	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		o.logger.Error("cannot encode corruption dump", "error", err)
		return ""
	}
	if err := os.MkdirAll(o.opts.DumpDir, 0o755); err != nil {
		o.logger.Error("cannot create dump directory", "error", err)
		return ""
	}
	path := filepath.Join(o.opts.DumpDir, fmt.Sprintf("%s-%s-%s.json", d.At.Format("20060102T150405Z"), d.Op, d.ID))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		o.logger.Error("cannot write corruption dump", "error", err)
		return ""
	}
	return path
}
