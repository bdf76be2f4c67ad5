// Package ingest runs one queued batch through the ingest state machine:
// ingest each object, verify its checksums, update the parent containers,
// notify, and clean up. Progress is appended to ingested.log before every
// externally visible step so a restarted task resumes where the last one stopped.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/accession/internal/auth"
	"github.com/mattjoyce/accession/internal/batchqueue"
	"github.com/mattjoyce/accession/internal/config"
	"github.com/mattjoyce/accession/internal/log"
	"github.com/mattjoyce/accession/internal/metrics"
	"github.com/mattjoyce/accession/internal/notify"
	"github.com/mattjoyce/accession/internal/repo"
	"github.com/mattjoyce/accession/internal/tree"
)

const (
	dataPrefix   = "data/"
	eventsPrefix = "events/"
)

// Relocator moves a finished or failed batch out of the queue area.
type Relocator interface {
	RelocateToFailed(ctx context.Context, h batchqueue.Handle) (batchqueue.Handle, error)
	RelocateToFinished(ctx context.Context, h batchqueue.Handle) (batchqueue.Handle, error)
	Discard(ctx context.Context, h batchqueue.Handle) error
}

// PrincipalResolver maps a submitter name onto a principal.
type PrincipalResolver interface {
	Resolve(name string) (auth.Principal, error)
}

// Options tune every task built from one Env.
type Options struct {
	RootObject       repo.ObjectID
	Format           string
	ExistenceDelay   time.Duration
	ExistenceTimeout time.Duration
	// CallTimeout bounds the ingest call; expiry sends the task to INGEST_WAIT.
	CallTimeout  time.Duration
	KeepFinished bool
	SendEmail    bool
	Order        tree.OrderPolicy
	Retry        repo.RetryPolicy
}

// OptionsFromConfig maps the ingest, queue and mutation settings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RootObject:       repo.ObjectID(cfg.Ingest.RootObject),
		Format:           cfg.Ingest.Format,
		ExistenceDelay:   cfg.Ingest.ExistenceDelay,
		ExistenceTimeout: cfg.Ingest.ExistenceTimeout,
		CallTimeout:      cfg.Ingest.CallTimeout,
		KeepFinished:     cfg.Queue.KeepFinished,
		SendEmail:        cfg.Ingest.SendEmail,
		Order:            tree.PositionalOrder,
		Retry:            repo.RetryPolicy{MaxRetries: cfg.Mutations.MaxConflictRetries},
	}
}

// Env holds the collaborators shared by all tasks.
type Env struct {
	Store      repo.Store
	Queue      Relocator
	Principals PrincipalResolver
	Notifier   notify.Notifier
	Mailer     notify.Mailer
	Metrics    *metrics.Metrics
	Options    Options
}

// Task runs one batch. It is not safe to Run a task twice concurrently; Halt and
// Status may be called from any goroutine.
type Task struct {
	env     Env
	logger  *slog.Logger
	now     func() time.Time
	halting atomic.Bool

	mu      sync.Mutex
	batch   Batch
	outcome Outcome

	progress     *ProgressLog
	events       *EventLog
	principal    auth.Principal
	current      *repo.Descriptor
	attemptStart time.Time
}

// NewTask prepares a task for the batch at h. Nothing is read until Run.
func NewTask(env Env, h batchqueue.Handle) *Task {
	if env.Options.Order == nil {
		env.Options.Order = tree.PositionalOrder
	}
	if env.Mailer == nil {
		env.Mailer = notify.DiscardMailer{}
	}
	retry := env.Options.Retry
	if retry.OnConflict == nil {
		retry.OnConflict = env.Metrics.ConflictRetry
	}
	env.Options.Retry = retry

	return &Task{
		env:    env,
		logger: log.WithBatch(h.Name).With("component", "ingest"),
		now:    time.Now,
		batch: Batch{
			Handle:    h,
			BaseDir:   h.Dir,
			DataDir:   filepath.Join(h.Dir, "data"),
			EventsDir: filepath.Join(h.Dir, "events"),
			State:     StateInit,
		},
		outcome:  OutcomeRunning,
		progress: &ProgressLog{path: filepath.Join(h.Dir, progressFile)},
	}
}

// Halt asks the task to stop at the next state boundary. SEND_NOTIFICATIONS and
// CLEANUP still run to completion.
func (t *Task) Halt() {
	if !t.halting.Swap(true) {
		t.logger.Info("halt requested")
	}
}

func (t *Task) Handle() batchqueue.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batch.Handle
}

func (t *Task) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

func (t *Task) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batch.Failed
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.batch
	return Status{
		Batch:             b.Handle.Name,
		State:             b.State.String(),
		Outcome:           t.outcome,
		Failed:            b.Failed,
		Halting:           t.halting.Load(),
		LastProcessedFile: b.LastProcessedFile,
		LastProcessedID:   b.LastProcessedID,
		Objects:           len(b.ObjectFiles),
		Containers:        len(b.Containers),
		StartTime:         b.StartTime,
		LastStepTime:      b.LastStepTime,
	}
}

func (t *Task) update(fn func(b *Batch)) {
	t.mu.Lock()
	fn(&t.batch)
	t.mu.Unlock()
}

func (t *Task) finish(o Outcome) {
	t.mu.Lock()
	t.outcome = o
	t.mu.Unlock()
	t.env.Metrics.BatchDone(string(o))
}

// Run drives the state machine until the batch finishes, fails, halts or ctx ends.
// A BatchFailure is returned after the batch has been moved to the failed area.
// Cancellation and halts return with the directory untouched so the batch can resume.
func (t *Task) Run(ctx context.Context) (err error) {
	t.update(func(b *Batch) {
		b.StartTime = t.now()
		b.LastStepTime = b.StartTime
	})
	t.logger.Info("batch task started")

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("unrecognized fault, task stopped", "panic", r, "stack", string(debug.Stack()))
			t.finish(OutcomeStopped)
			err = fmt.Errorf("batch %s: %w: %v", t.batch.Handle.Name, ErrFault, r)
		}
	}()

	for {
		state := t.batch.State
		if state == StateFinished {
			t.finish(OutcomeFinished)
			t.logger.Info("batch finished", "duration", t.now().Sub(t.batch.StartTime).String())
			return nil
		}

		stepCtx := ctx
		if state.uninterruptible() {
			stepCtx = context.WithoutCancel(ctx)
		} else {
			if t.halting.Load() {
				t.finish(OutcomeStopped)
				t.logger.Info("batch halted", "state", state.String())
				return nil
			}
			if cerr := ctx.Err(); cerr != nil {
				t.finish(OutcomeStopped)
				t.logger.Info("batch cancelled", "state", state.String())
				return cerr
			}
		}

		next, err := t.step(stepCtx, state)
		if err != nil {
			if cerr := stepCtx.Err(); cerr != nil {
				t.finish(OutcomeStopped)
				t.logger.Info("batch cancelled", "state", state.String(), "error", err)
				return cerr
			}
			var bf *BatchFailure
			if !errors.As(err, &bf) {
				bf = failf(err, "%s failed", state)
			}
			t.fail(context.WithoutCancel(ctx), bf)
			return bf
		}

		t.logger.Debug("state transition", "from", state.String(), "to", next.String())
		t.update(func(b *Batch) {
			b.State = next
			b.LastStepTime = t.now()
		})
	}
}

func (t *Task) step(ctx context.Context, s State) (State, error) {
	switch s {
	case StateInit:
		return t.init(ctx)
	case StateIngest:
		return t.ingest(ctx)
	case StateIngestWait:
		return t.ingestWait(ctx)
	case StateVerifyChecksums:
		return t.verifyChecksums(ctx)
	case StateContainerUpdates:
		return t.containerUpdates(ctx)
	case StateSendNotifications:
		return t.sendNotifications(ctx)
	case StateCleanup:
		return t.cleanup(ctx)
	}
	return s, fmt.Errorf("no handler for state %s", s)
}

func (t *Task) init(ctx context.Context) (State, error) {
	b := &t.batch
	m, err := batchqueue.LoadManifest(b.BaseDir)
	if err != nil {
		return 0, failf(err, "cannot load batch metadata")
	}
	files, err := listObjectFiles(b.BaseDir)
	if err != nil {
		return 0, failf(err, "cannot list object files")
	}

	placements := make(map[repo.ObjectID]batchqueue.Placement, len(m.Placements))
	parents := map[repo.ObjectID]bool{}
	for _, p := range m.Placements {
		placements[p.Object] = p
		parents[p.Parent] = true
	}
	containers := make([]repo.ObjectID, 0, len(parents))
	for c := range parents {
		containers = append(containers, c)
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i] < containers[j] })

	events, err := openEventLog(filepath.Join(b.BaseDir, eventsFile))
	if err != nil {
		return 0, failf(err, "cannot read event log")
	}
	t.events = events

	last, err := t.progress.Last()
	if err != nil {
		return 0, failf(err, "cannot read progress log")
	}
	next, lastFile, lastID := resumePoint(last, files)

	t.update(func(b *Batch) {
		b.Submitter = m.Submitter
		b.Message = m.Message
		b.EmailRecipients = m.Email
		b.Placements = placements
		b.ObjectFiles = files
		b.Containers = containers
		b.LastProcessedFile = lastFile
		b.LastProcessedID = lastID
	})
	t.logger.Info("batch loaded",
		"objects", len(files),
		"containers", len(containers),
		"resume_state", next.String(),
		"last_processed_file", lastFile,
		"last_processed_id", lastID,
	)

	required := append([]repo.ObjectID{t.env.Options.RootObject}, containers...)
	for _, id := range required {
		ok, err := repo.PollForExistence(ctx, t.env.Store, id, t.env.Options.ExistenceDelay, t.env.Options.ExistenceTimeout)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, failf(nil, "required object %s does not exist", id)
		}
	}

	p, err := t.env.Principals.Resolve(m.Submitter)
	if err != nil {
		return 0, failf(err, "cannot resolve submitter %q", m.Submitter)
	}
	t.principal = p
	return next, nil
}

// resumePoint derives the state to enter from the last progress entry.
func resumePoint(last *ProgressEntry, files []string) (State, string, repo.ObjectID) {
	switch {
	case last == nil:
		return StateIngest, "", ""
	case last.Marker == ContainerMarker:
		lastFile := ""
		if len(files) > 0 {
			lastFile = files[len(files)-1]
		}
		return StateContainerUpdates, lastFile, last.ID
	case last.Elapsed != nil:
		return StateIngest, last.Marker, last.ID
	default:
		// The ingest call may or may not have landed; poll rather than re-ingest.
		return StateIngestWait, last.Marker, last.ID
	}
}

func listObjectFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			files = append(files, e.Name())
		}
	}
	sort.Slice(files, func(i, j int) bool { return fileLess(files[i], files[j]) })
	return files, nil
}

// fileLess orders case-insensitively, falling back to byte order for ties.
func fileLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return a < b
}

func (t *Task) nextFile() (string, bool) {
	last := t.batch.LastProcessedFile
	for _, f := range t.batch.ObjectFiles {
		if last == "" || fileLess(last, f) {
			return f, true
		}
	}
	return "", false
}

func (t *Task) nextContainer() (repo.ObjectID, bool) {
	last := t.batch.LastProcessedID
	for _, c := range t.batch.Containers {
		if last == "" || c > last {
			return c, true
		}
	}
	return "", false
}

func (t *Task) logMessage() string {
	return fmt.Sprintf("batch %s submitted by %s: %s", t.batch.Handle.Name, t.batch.Submitter, t.batch.Message)
}

func (t *Task) ingest(ctx context.Context) (State, error) {
	file, ok := t.nextFile()
	if !ok {
		t.update(func(b *Batch) { b.LastProcessedID = "" })
		return StateContainerUpdates, nil
	}

	desc, err := repo.LoadDescriptor(filepath.Join(t.batch.BaseDir, file))
	if err != nil {
		return 0, failf(err, "cannot read descriptor %s", file)
	}
	if err := t.resolveReferences(ctx, desc); err != nil {
		return 0, err
	}

	// Record the attempt first: a crash during the call resumes by polling.
	if err := t.progress.Append(ProgressEntry{ID: desc.ID, Marker: file}); err != nil {
		return 0, failf(err, "cannot record ingest attempt")
	}
	t.update(func(b *Batch) {
		b.LastProcessedFile = file
		b.LastProcessedID = desc.ID
	})
	t.current = desc
	t.attemptStart = t.now()

	callCtx := ctx
	if t.env.Options.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.env.Options.CallTimeout)
		defer cancel()
	}
	err = t.env.Store.Ingest(callCtx, *desc, t.env.Options.Format, t.logMessage())
	switch {
	case err == nil:
		t.logger.Info("object ingested", "object_id", desc.ID, "file", file)
		return StateVerifyChecksums, nil
	case ctx.Err() != nil:
		return 0, ctx.Err()
	case errors.Is(err, repo.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		t.logger.Warn("ingest call timed out, polling for the object", "object_id", desc.ID, "error", err)
		t.env.Metrics.IngestWait()
		return StateIngestWait, nil
	default:
		return 0, failf(err, "repository rejected %s (%s)", desc.ID, file)
	}
}

// resolveReferences uploads local data files and merged event fragments and
// points the descriptor at the stored locations.
func (t *Task) resolveReferences(ctx context.Context, desc *repo.Descriptor) error {
	for i := range desc.Datastreams {
		ds := &desc.Datastreams[i]
		switch {
		case strings.HasPrefix(ds.Location, dataPrefix):
			path, err := t.batchPath(ds.Location)
			if err != nil {
				return failf(err, "datastream %s of %s", ds.ID, desc.ID)
			}
			f, err := os.Open(path)
			if err != nil {
				return failf(err, "cannot open content for %s/%s", desc.ID, ds.ID)
			}
			loc, err := t.env.Store.Upload(ctx, ds.Location, f)
			_ = f.Close()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return failf(err, "upload of %s failed", ds.Location)
			}
			ds.Location = loc

		case strings.HasPrefix(ds.Location, eventsPrefix):
			path, err := t.batchPath(ds.Location)
			if err != nil {
				return failf(err, "datastream %s of %s", ds.ID, desc.ID)
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return failf(err, "cannot read event fragment %s", ds.Location)
			}
			fragment, err := parseFragment(raw)
			if err != nil {
				return failf(err, "malformed event fragment %s", ds.Location)
			}
			for j := range fragment {
				if fragment[j].Object == "" {
					fragment[j].Object = desc.ID
				}
			}
			if err := t.events.Append(fragment...); err != nil {
				return failf(err, "cannot merge event fragment %s", ds.Location)
			}
			merged, err := t.events.JSON()
			if err != nil {
				return failf(err, "cannot render event log")
			}
			loc, err := t.env.Store.Upload(ctx, ds.Location, bytes.NewReader(merged))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return failf(err, "upload of %s failed", ds.Location)
			}
			ds.Location = loc
			// The merged log no longer matches a digest declared for the fragment.
			ds.Checksum = nil
			if ds.MIME == "" {
				ds.MIME = "application/json"
			}
		}
	}
	return nil
}

func (t *Task) batchPath(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("reference %q escapes the batch directory", rel)
	}
	return filepath.Join(t.batch.BaseDir, clean), nil
}

func (t *Task) ingestWait(ctx context.Context) (State, error) {
	id := t.batch.LastProcessedID
	ok, err := repo.PollForExistence(ctx, t.env.Store, id, t.env.Options.ExistenceDelay, t.env.Options.ExistenceTimeout)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, failf(nil, "%s did not appear within %s of its ingest", id, t.env.Options.ExistenceTimeout)
	}
	t.logger.Info("object appeared after ingest wait", "object_id", id)
	return StateVerifyChecksums, nil
}

func (t *Task) verifyChecksums(ctx context.Context) (State, error) {
	desc := t.current
	if desc == nil {
		var err error
		desc, err = repo.LoadDescriptor(filepath.Join(t.batch.BaseDir, t.batch.LastProcessedFile))
		if err != nil {
			return 0, failf(err, "cannot reload descriptor %s", t.batch.LastProcessedFile)
		}
	}

	for _, ds := range desc.Datastreams {
		if ds.Control != repo.ControlManaged || ds.Checksum == nil || ds.Checksum.IsZero() {
			continue
		}
		if strings.HasPrefix(ds.Location, eventsPrefix) {
			continue
		}
		got, err := t.env.Store.Checksum(ctx, desc.ID, ds.ID, ds.Checksum.Algorithm)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, failf(err, "cannot read checksum of %s/%s", desc.ID, ds.ID)
		}
		if !got.Equal(*ds.Checksum) {
			return 0, failf(nil, "checksum mismatch on %s/%s: declared %s, repository has %s",
				desc.ID, ds.ID, ds.Checksum, got)
		}
	}

	start := t.attemptStart
	if start.IsZero() {
		start = t.batch.LastStepTime
	}
	elapsed := t.now().Sub(start)
	if err := t.progress.Append(ProgressEntry{ID: desc.ID, Marker: t.batch.LastProcessedFile, Elapsed: &elapsed}); err != nil {
		return 0, failf(err, "cannot record verified object")
	}
	if err := t.events.Append(Event{
		Type:    "ingestion",
		Object:  desc.ID,
		Agent:   t.batch.Submitter,
		Outcome: "success",
		At:      t.now().UTC(),
	}); err != nil {
		return 0, failf(err, "cannot record ingestion event")
	}
	t.env.Metrics.ObjectIngested()
	t.current = nil
	t.attemptStart = time.Time{}
	return StateIngest, nil
}

func (t *Task) containerUpdates(ctx context.Context) (State, error) {
	c, ok := t.nextContainer()
	if !ok {
		return StateSendNotifications, nil
	}

	var additions []tree.Insertion
	for _, p := range t.batch.Placements {
		if p.Parent == c {
			additions = append(additions, tree.Insertion{Child: p.Object, Label: p.Label, Order: p.Order})
		}
	}
	sort.Slice(additions, func(i, j int) bool { return additions[i].Child < additions[j].Child })

	store := t.env.Store
	retry := t.env.Options.Retry
	for _, a := range additions {
		err := repo.RetryOnConflict(ctx, retry, repo.DocEdges, func() error {
			return store.AddEdge(ctx, c, repo.RelContains, a.Child)
		})
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, failf(err, "cannot add %s to %s", a.Child, c)
		}
	}

	var reordered []repo.ObjectID
	err := tree.UpdateListing(ctx, store, retry, c, func(l tree.Listing) tree.Listing {
		next, moved := t.env.Options.Order(l, additions)
		reordered = moved
		return next
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, failf(err, "cannot update listing of %s", c)
	}

	if err := appendLines(filepath.Join(t.batch.BaseDir, reorderedFile), reordered); err != nil {
		return 0, failf(err, "cannot record reordered children of %s", c)
	}
	if err := t.progress.Append(ProgressEntry{ID: c, Marker: ContainerMarker}); err != nil {
		return 0, failf(err, "cannot record container update")
	}
	t.update(func(b *Batch) { b.LastProcessedID = c })
	t.logger.Info("container updated", "object_id", c, "added", len(additions), "reordered", len(reordered))
	return StateContainerUpdates, nil
}

func (t *Task) sendNotifications(ctx context.Context) (State, error) {
	reordered, found, err := readLines(filepath.Join(t.batch.BaseDir, reorderedFile))
	if err != nil {
		t.logger.Warn("cannot read reordered record", "error", err)
	}
	if found {
		objects := make([]repo.ObjectID, 0, len(t.batch.Placements))
		for id := range t.batch.Placements {
			objects = append(objects, id)
		}
		sort.Slice(objects, func(i, j int) bool { return objects[i] < objects[j] })

		msg := notify.Message{
			Action:     notify.ActionAdd,
			User:       t.principal.Name,
			Containers: append([]repo.ObjectID(nil), t.batch.Containers...),
			Objects:    objects,
			Reordered:  reordered,
		}
		if err := t.env.Notifier.Publish(ctx, msg); err != nil {
			t.logger.Warn("add notification failed", "error", err)
		}
	}

	if t.env.Options.SendEmail && len(t.batch.EmailRecipients) > 0 {
		subject := fmt.Sprintf("Batch %s ingested", t.batch.Handle.Name)
		body := fmt.Sprintf("Batch %s from %s finished.\n\nObjects: %d\nContainers updated: %d\nMessage: %s\n",
			t.batch.Handle.Name, t.batch.Submitter, len(t.batch.ObjectFiles), len(t.batch.Containers), t.batch.Message)
		if err := t.env.Mailer.Send(ctx, t.batch.EmailRecipients, subject, body); err != nil {
			t.logger.Warn("success email failed", "error", err)
		}
	}
	return StateCleanup, nil
}

func (t *Task) cleanup(ctx context.Context) (State, error) {
	for _, dir := range []string{t.batch.DataDir, t.batch.EventsDir} {
		if err := os.RemoveAll(dir); err != nil {
			t.logger.Warn("cannot remove batch content", "dir", dir, "error", err)
		}
	}

	h := t.batch.Handle
	if t.env.Options.KeepFinished {
		moved, err := t.env.Queue.RelocateToFinished(ctx, h)
		if err != nil {
			t.logger.Error("cannot relocate finished batch", "error", err)
			return StateFinished, nil
		}
		t.update(func(b *Batch) { b.Handle = moved })
		return StateFinished, nil
	}
	if err := t.env.Queue.Discard(ctx, h); err != nil {
		t.logger.Error("cannot discard finished batch", "error", err)
	}
	return StateFinished, nil
}

// fail records the failure in the batch directory and moves it to the failed area.
func (t *Task) fail(ctx context.Context, bf *BatchFailure) {
	t.logger.Error("batch failed", "state", t.batch.State.String(), "error", bf.Error())

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", bf.Message)
	for cause := bf.Err; cause != nil; cause = errors.Unwrap(cause) {
		fmt.Fprintf(&b, "caused by: %v\n", cause)
	}
	if err := os.WriteFile(filepath.Join(t.batch.BaseDir, FailLogFile), []byte(b.String()), 0o644); err != nil {
		t.logger.Error("cannot write fail.log", "error", err)
	}

	h := t.batch.Handle
	moved, err := t.env.Queue.RelocateToFailed(ctx, h)
	if err != nil {
		t.logger.Error("cannot relocate failed batch", "error", err)
		moved = h
	}
	t.update(func(b *Batch) {
		b.Failed = true
		b.Handle = moved
	})
	t.finish(OutcomeFailed)
}

func appendLines(path string, ids []repo.ObjectID) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := f.WriteString(string(id) + "\n"); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

func readLines(path string) ([]repo.ObjectID, bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out []repo.ObjectID
	seen := map[repo.ObjectID]bool{}
	for _, line := range strings.Split(string(raw), "\n") {
		id := repo.ObjectID(strings.TrimSpace(line))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, true, nil
}
