package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/accession/internal/auth"
	"github.com/mattjoyce/accession/internal/batchqueue"
	"github.com/mattjoyce/accession/internal/blob"
	"github.com/mattjoyce/accession/internal/config"
	"github.com/mattjoyce/accession/internal/digest"
	"github.com/mattjoyce/accession/internal/log"
	"github.com/mattjoyce/accession/internal/notify"
	"github.com/mattjoyce/accession/internal/notify/mocks"
	"github.com/mattjoyce/accession/internal/repo"
	"github.com/mattjoyce/accession/internal/repo/sqlitestore"
	"github.com/mattjoyce/accession/internal/storage"
	"github.com/mattjoyce/accession/internal/tree"
)

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type harness struct {
	store *sqlitestore.Store
	queue *batchqueue.Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "repository.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	blobs, err := blob.NewFSBackend(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	q, err := batchqueue.New(filepath.Join(dir, "batches"))
	require.NoError(t, err)

	h := &harness{store: sqlitestore.New(db, blobs), queue: q}
	ctx := context.Background()
	require.NoError(t, h.store.Ingest(ctx, repo.Descriptor{ID: "root:0", Container: true}, "test", "setup"))
	require.NoError(t, h.store.Ingest(ctx, repo.Descriptor{ID: "coll:1", Container: true}, "test", "setup"))
	require.NoError(t, h.store.Ingest(ctx, repo.Descriptor{ID: "old:1", Label: "Existing"}, "test", "setup"))
	require.NoError(t, h.store.AddEdge(ctx, "coll:1", repo.RelContains, "old:1"))
	require.NoError(t, tree.UpdateListing(ctx, h.store, repo.RetryPolicy{}, "coll:1", func(l tree.Listing) tree.Listing {
		return l.InsertAt(tree.Entry{Child: "old:1", Label: "Existing"}, -1)
	}))
	return h
}

type batchSpec struct {
	descriptors map[string]repo.Descriptor
	files       map[string]string
	placements  []batchqueue.Placement
}

// enqueue writes a prepared batch, queues it and dequeues it as the supervisor would.
func (h *harness) enqueue(t *testing.T, spec batchSpec) batchqueue.Handle {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "prepared")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, batchqueue.WriteManifest(dir, &batchqueue.Manifest{
		Submitter:  "alice",
		Message:    "test batch",
		Placements: spec.placements,
	}))
	for name, d := range spec.descriptors {
		b, err := json.Marshal(d)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
	}
	for rel, content := range spec.files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	_, err := h.queue.Enqueue(context.Background(), dir)
	require.NoError(t, err)
	next, err := h.queue.DequeueOldest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	return *next
}

func (h *harness) env(store repo.Store, n notify.Notifier) Env {
	return Env{
		Store: store,
		Queue: h.queue,
		Principals: auth.NewDirectory([]config.Principal{
			{Name: "alice", Email: "alice@example.org", Roles: []string{"ingest"}},
		}),
		Notifier: n,
		Options: Options{
			RootObject:       "root:0",
			Format:           "test",
			ExistenceDelay:   5 * time.Millisecond,
			ExistenceTimeout: 50 * time.Millisecond,
			CallTimeout:      time.Second,
			Order:            tree.PositionalOrder,
		},
	}
}

func inlineObject(id string) repo.Descriptor {
	return repo.Descriptor{
		ID:          repo.ObjectID(id),
		Label:       "Object " + id,
		Datastreams: []repo.Datastream{{ID: "DC", Control: repo.ControlInline, Content: "<dc/>"}},
	}
}

func twoObjectBatch() batchSpec {
	return batchSpec{
		descriptors: map[string]repo.Descriptor{
			"a.json": inlineObject("obj:1"),
			"B.json": inlineObject("obj:2"),
		},
		placements: []batchqueue.Placement{
			{Object: "obj:1", Parent: "coll:1", Label: "First", Order: 0},
			{Object: "obj:2", Parent: "coll:1", Label: "Second", Order: -1},
		},
	}
}

func listingOf(t *testing.T, s repo.Documents, id repo.ObjectID) []repo.ObjectID {
	t.Helper()
	b, _, err := s.ReadDocument(context.Background(), id, repo.DocListing)
	require.NoError(t, err)
	l, err := tree.DecodeListing(b)
	require.NoError(t, err)
	return l.Children()
}

// countingStore records which objects reached the ingest call.
type countingStore struct {
	repo.Store
	mu      sync.Mutex
	ingests []repo.ObjectID
	// timeoutAfter makes Ingest land and then report a timeout.
	timeoutAfter bool
}

func (s *countingStore) Ingest(ctx context.Context, desc repo.Descriptor, format, msg string) error {
	s.mu.Lock()
	s.ingests = append(s.ingests, desc.ID)
	s.mu.Unlock()
	if err := s.Store.Ingest(ctx, desc, format, msg); err != nil {
		return err
	}
	if s.timeoutAfter {
		return repo.ErrTimeout
	}
	return nil
}

func (s *countingStore) ingested() []repo.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repo.ObjectID(nil), s.ingests...)
}

func TestRunIngestsBatchAndNotifies(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := newHarness(t)

	spec := twoObjectBatch()
	a := spec.descriptors["a.json"]
	a.Datastreams = append(a.Datastreams,
		repo.Datastream{ID: "OBJ", Control: repo.ControlManaged, Location: "data/a.txt", MIME: "text/plain",
			Checksum: &digest.Digest{Algorithm: digest.MD5, Value: helloMD5}},
		repo.Datastream{ID: "EVENTS", Control: repo.ControlManaged, Location: "events/a.json"},
	)
	spec.descriptors["a.json"] = a
	spec.files = map[string]string{
		"data/a.txt":    "hello",
		"events/a.json": `{"type":"capture","agent":"scanner","at":"2024-01-02T03:04:05Z"}`,
	}
	handle := h.enqueue(t, spec)

	var got notify.Message
	n := mocks.NewMockNotifier(ctrl)
	n.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, m notify.Message) error {
		got = m
		return nil
	}).Times(1)

	env := h.env(h.store, n)
	env.Options.KeepFinished = true
	task := NewTask(env, handle)

	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, OutcomeFinished, task.Outcome())
	assert.False(t, task.Failed())

	assert.Equal(t, notify.ActionAdd, got.Action)
	assert.Equal(t, "alice", got.User)
	assert.Equal(t, []repo.ObjectID{"coll:1"}, got.Containers)
	assert.Equal(t, []repo.ObjectID{"obj:1", "obj:2"}, got.Objects)
	assert.Equal(t, []repo.ObjectID{"old:1"}, got.Reordered, "old:1 shifted by the positional insert")

	assert.Equal(t, []repo.ObjectID{"obj:1", "old:1", "obj:2"}, listingOf(t, h.store, "coll:1"))
	parent, err := h.store.ImmediateParent(context.Background(), "obj:2")
	require.NoError(t, err)
	assert.Equal(t, repo.ObjectID("coll:1"), parent)

	sum, err := h.store.Checksum(context.Background(), "obj:1", "OBJ", digest.MD5)
	require.NoError(t, err)
	assert.Equal(t, helloMD5, sum.Value)

	finished := task.Handle()
	assert.Equal(t, batchqueue.AreaFinished, finished.Area)
	_, err = os.Stat(filepath.Join(finished.Dir, "data"))
	assert.True(t, os.IsNotExist(err), "data/ removed at cleanup")

	events, err := openEventLog(filepath.Join(finished.Dir, eventsFile))
	require.NoError(t, err)
	var types []string
	for _, e := range events.Events() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"capture", "ingestion", "ingestion"}, types)
	assert.Equal(t, repo.ObjectID("obj:1"), events.Events()[0].Object)
}

func TestRunDiscardsFinishedBatchByDefault(t *testing.T) {
	h := newHarness(t)
	handle := h.enqueue(t, twoObjectBatch())

	task := NewTask(h.env(h.store, notify.NewHub(8)), handle)
	require.NoError(t, task.Run(context.Background()))

	_, err := os.Stat(handle.Dir)
	assert.True(t, os.IsNotExist(err))
	finished, err := h.queue.List(context.Background(), batchqueue.AreaFinished)
	require.NoError(t, err)
	assert.Empty(t, finished)
}

func TestRunResumesAfterCrash(t *testing.T) {
	elapsed := 1500 * time.Millisecond
	tests := []struct {
		name  string
		entry ProgressEntry
	}{
		{name: "verified object", entry: ProgressEntry{ID: "obj:1", Marker: "a.json", Elapsed: &elapsed}},
		{name: "unverified ingest attempt", entry: ProgressEntry{ID: "obj:1", Marker: "a.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			handle := h.enqueue(t, twoObjectBatch())

			// The previous process ingested obj:1 and died.
			require.NoError(t, h.store.Ingest(context.Background(), inlineObject("obj:1"), "test", "earlier run"))
			progress := &ProgressLog{path: filepath.Join(handle.Dir, progressFile)}
			require.NoError(t, progress.Append(tt.entry))

			counting := &countingStore{Store: h.store}
			task := NewTask(h.env(counting, notify.NewHub(8)), handle)
			require.NoError(t, task.Run(context.Background()))

			assert.Equal(t, OutcomeFinished, task.Outcome())
			assert.Equal(t, []repo.ObjectID{"obj:2"}, counting.ingested(), "obj:1 must not be ingested twice")
			assert.Equal(t, []repo.ObjectID{"obj:1", "old:1", "obj:2"}, listingOf(t, h.store, "coll:1"))
		})
	}
}

func TestRunResumesContainerPhase(t *testing.T) {
	h := newHarness(t)
	spec := twoObjectBatch()
	spec.placements[1].Parent = "root:0"
	handle := h.enqueue(t, spec)

	ctx := context.Background()
	require.NoError(t, h.store.Ingest(ctx, inlineObject("obj:1"), "test", "earlier run"))
	require.NoError(t, h.store.Ingest(ctx, inlineObject("obj:2"), "test", "earlier run"))
	progress := &ProgressLog{path: filepath.Join(handle.Dir, progressFile)}
	d := time.Second
	require.NoError(t, progress.Append(ProgressEntry{ID: "obj:1", Marker: "a.json", Elapsed: &d}))
	require.NoError(t, progress.Append(ProgressEntry{ID: "obj:2", Marker: "B.json", Elapsed: &d}))
	require.NoError(t, progress.Append(ProgressEntry{ID: "coll:1", Marker: ContainerMarker}))

	counting := &countingStore{Store: h.store}
	task := NewTask(h.env(counting, notify.NewHub(8)), handle)
	require.NoError(t, task.Run(ctx))

	assert.Empty(t, counting.ingested())
	assert.Equal(t, []repo.ObjectID{"old:1"}, listingOf(t, h.store, "coll:1"), "completed container is not revisited")
	assert.Equal(t, []repo.ObjectID{"obj:2"}, listingOf(t, h.store, "root:0"))
}

func TestRunChecksumMismatchFailsBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := newHarness(t)

	spec := twoObjectBatch()
	a := spec.descriptors["a.json"]
	a.Datastreams = append(a.Datastreams, repo.Datastream{
		ID: "OBJ", Control: repo.ControlManaged, Location: "data/a.txt",
		Checksum: &digest.Digest{Algorithm: digest.MD5, Value: strings.Repeat("0", 32)},
	})
	spec.descriptors["a.json"] = a
	spec.files = map[string]string{"data/a.txt": "hello"}
	handle := h.enqueue(t, spec)

	// No notification is expected: the mock fails the test on any call.
	task := NewTask(h.env(h.store, mocks.NewMockNotifier(ctrl)), handle)
	err := task.Run(context.Background())

	var bf *BatchFailure
	require.True(t, errors.As(err, &bf), "Run() error = %v", err)
	assert.Contains(t, bf.Message, "checksum mismatch")
	assert.Equal(t, OutcomeFailed, task.Outcome())
	assert.True(t, task.Failed())

	failed := task.Handle()
	assert.Equal(t, batchqueue.AreaFailed, failed.Area)
	b, err := os.ReadFile(filepath.Join(failed.Dir, FailLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), "checksum mismatch on obj:1/OBJ")

	assert.Equal(t, []repo.ObjectID{"old:1"}, listingOf(t, h.store, "coll:1"), "container phase never ran")
	ok, err := h.store.Exists(context.Background(), "obj:2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunTimedOutIngestWaitsForObject(t *testing.T) {
	h := newHarness(t)
	handle := h.enqueue(t, twoObjectBatch())

	counting := &countingStore{Store: h.store, timeoutAfter: true}
	task := NewTask(h.env(counting, notify.NewHub(8)), handle)
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, OutcomeFinished, task.Outcome())
	assert.Equal(t, []repo.ObjectID{"obj:1", "obj:2"}, counting.ingested())
}

func TestRunMissingContainerFails(t *testing.T) {
	h := newHarness(t)
	spec := twoObjectBatch()
	spec.placements[0].Parent = "coll:missing"
	handle := h.enqueue(t, spec)

	task := NewTask(h.env(h.store, notify.NewHub(8)), handle)
	err := task.Run(context.Background())

	var bf *BatchFailure
	require.True(t, errors.As(err, &bf), "Run() error = %v", err)
	assert.Contains(t, bf.Message, "coll:missing")
	assert.Equal(t, batchqueue.AreaFailed, task.Handle().Area)
}

func TestRunHaltedLeavesBatchQueued(t *testing.T) {
	h := newHarness(t)
	handle := h.enqueue(t, twoObjectBatch())

	task := NewTask(h.env(h.store, notify.NewHub(8)), handle)
	task.Halt()
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, OutcomeStopped, task.Outcome())
	assert.True(t, h.queue.Exists(handle))
	next, err := h.queue.DequeueOldest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, handle.Name, next.Name, "halted batch stays first in line")
}

func TestRunCancelledLeavesBatchQueued(t *testing.T) {
	h := newHarness(t)
	handle := h.enqueue(t, twoObjectBatch())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := NewTask(h.env(h.store, notify.NewHub(8)), handle)
	err := task.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeStopped, task.Outcome())
	assert.True(t, h.queue.Exists(handle))
}

// haltingNotifier asks the task to halt while its notification is being published.
type haltingNotifier struct {
	hub  *notify.Hub
	task *Task
}

func (n *haltingNotifier) Publish(ctx context.Context, msg notify.Message) error {
	n.task.Halt()
	return n.hub.Publish(ctx, msg)
}

func TestHaltDuringNotificationsStillFinishes(t *testing.T) {
	h := newHarness(t)
	spec := twoObjectBatch()
	spec.files = map[string]string{"data/scan.tif": "hello"}
	handle := h.enqueue(t, spec)

	n := &haltingNotifier{hub: notify.NewHub(8)}
	env := h.env(h.store, n)
	env.Options.KeepFinished = true
	task := NewTask(env, handle)
	n.task = task
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, OutcomeFinished, task.Outcome())
	assert.Len(t, n.hub.SnapshotSince(0), 1)
	assert.False(t, h.queue.Exists(handle))
	finished, err := h.queue.List(context.Background(), batchqueue.AreaFinished)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, handle.Name, finished[0].Name)
	_, err = os.Stat(filepath.Join(finished[0].Dir, "data"))
	assert.True(t, os.IsNotExist(err), "cleanup ran to completion")
}

func TestProgressLogIgnoresTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), progressFile)
	require.NoError(t, os.WriteFile(path, []byte("obj:1\ta.json\t100\nobj:2\tB.js"), 0o644))
	progress := &ProgressLog{path: path}

	last, err := progress.Last()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, repo.ObjectID("obj:1"), last.ID)
	require.NotNil(t, last.Elapsed)

	require.NoError(t, progress.Append(ProgressEntry{ID: "obj:2", Marker: "B.json"}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "obj:1\ta.json\t100\nobj:2\tB.json\n", string(raw))
}

func TestProgressLogRejectsCorruptCompleteLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), progressFile)
	require.NoError(t, os.WriteFile(path, []byte("garbage\nobj:1\ta.json\n"), 0o644))
	_, err := (&ProgressLog{path: path}).Entries()
	assert.Error(t, err)
}

func TestRunResumesPastTornAttempt(t *testing.T) {
	h := newHarness(t)
	handle := h.enqueue(t, twoObjectBatch())

	// obj:1 was verified; the crash cut the obj:2 attempt line short.
	require.NoError(t, h.store.Ingest(context.Background(), inlineObject("obj:1"), "test", "earlier run"))
	torn := []byte("obj:1\ta.json\t100\nobj:2\tB.js")
	require.NoError(t, os.WriteFile(filepath.Join(handle.Dir, progressFile), torn, 0o644))

	counting := &countingStore{Store: h.store}
	task := NewTask(h.env(counting, notify.NewHub(8)), handle)
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, OutcomeFinished, task.Outcome())
	assert.Equal(t, []repo.ObjectID{"obj:2"}, counting.ingested())
}

func TestResumePoint(t *testing.T) {
	d := time.Second
	files := []string{"a.json", "b.json"}
	tests := []struct {
		name      string
		last      *ProgressEntry
		wantState State
		wantFile  string
		wantID    repo.ObjectID
	}{
		{name: "fresh", wantState: StateIngest},
		{name: "verified", last: &ProgressEntry{ID: "o1", Marker: "a.json", Elapsed: &d}, wantState: StateIngest, wantFile: "a.json", wantID: "o1"},
		{name: "attempted", last: &ProgressEntry{ID: "o1", Marker: "a.json"}, wantState: StateIngestWait, wantFile: "a.json", wantID: "o1"},
		{name: "container", last: &ProgressEntry{ID: "c1", Marker: ContainerMarker}, wantState: StateContainerUpdates, wantFile: "b.json", wantID: "c1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, file, id := resumePoint(tt.last, files)
			if state != tt.wantState || file != tt.wantFile || id != tt.wantID {
				t.Fatalf("resumePoint() = %s %q %q, want %s %q %q", state, file, id, tt.wantState, tt.wantFile, tt.wantID)
			}
		})
	}
}

func TestFileOrderIsCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.json", "B.JSON", "a.json", "batch.yaml", "ingested.log"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	files, err := listObjectFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "B.JSON", "c.json"}, files)
}
