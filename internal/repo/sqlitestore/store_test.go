package sqlitestore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/accession/internal/blob"
	"github.com/mattjoyce/accession/internal/digest"
	"github.com/mattjoyce/accession/internal/repo"
	"github.com/mattjoyce/accession/internal/storage"
	"github.com/mattjoyce/accession/internal/tree"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "repository.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	blobs, err := blob.NewFSBackend(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	return New(db, blobs)
}

func TestIngestCreatesDocuments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Ingest(ctx, repo.Descriptor{ID: "coll:1", Label: "Letters", Container: true}, "f", "create"))
	require.NoError(t, s.Ingest(ctx, repo.Descriptor{
		ID:            "obj:1",
		Relationships: []repo.Relationship{{Relation: "references", Target: "coll:1"}},
	}, "f", "create"))

	ok, err := s.Exists(ctx, "coll:1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, tok, err := s.ReadDocument(ctx, "coll:1", repo.DocListing)
	require.NoError(t, err)
	assert.Equal(t, repo.VersionToken("1"), tok)

	_, _, err = s.ReadDocument(ctx, "obj:1", repo.DocListing)
	assert.ErrorIs(t, err, repo.ErrNotFound, "non-containers have no listing")

	refs, err := s.Referrers(ctx, "coll:1")
	require.NoError(t, err)
	assert.Equal(t, []repo.Reference{{Subject: "obj:1", Relation: "references", Target: "coll:1"}}, refs)

	info, err := s.Info(ctx, "coll:1")
	require.NoError(t, err)
	assert.True(t, info.Container)
	assert.Equal(t, "Letters", info.Label)

	err = s.Ingest(ctx, repo.Descriptor{ID: "coll:1"}, "f", "again")
	assert.Error(t, err)
}

func TestIngestRejectsUnuploadedContent(t *testing.T) {
	s := newTestStore(t)
	err := s.Ingest(context.Background(), repo.Descriptor{
		ID:          "obj:1",
		Datastreams: []repo.Datastream{{ID: "IMG", Control: repo.ControlManaged, Location: "data/a.tif"}},
	}, "f", "")
	assert.Error(t, err)

	ok, err := s.Exists(context.Background(), "obj:1")
	require.NoError(t, err)
	assert.False(t, ok, "failed ingest must not leave the object behind")
}

func TestWriteDocumentCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Ingest(ctx, repo.Descriptor{ID: "c", Container: true}, "f", ""))

	_, tok, err := s.ReadDocument(ctx, "c", repo.DocListing)
	require.NoError(t, err)

	doc, _ := tree.Listing{Entries: []tree.Entry{{Child: "x"}}}.Encode()
	require.NoError(t, s.WriteDocument(ctx, "c", repo.DocListing, doc, tok))

	err = s.WriteDocument(ctx, "c", repo.DocListing, doc, tok)
	assert.ErrorIs(t, err, repo.ErrVersionConflict, "stale token")

	err = s.WriteDocument(ctx, "c", repo.DocListing, doc, "")
	assert.ErrorIs(t, err, repo.ErrVersionConflict, "create over existing")

	err = s.WriteDocument(ctx, "missing", repo.DocListing, doc, "")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, tok2, err := s.ReadDocument(ctx, "c", repo.DocListing)
	require.NoError(t, err)
	assert.Equal(t, repo.VersionToken("2"), tok2)
}

func TestEdgeWritesReindexRelationships(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []repo.ObjectID{"root", "a", "b", "x"} {
		require.NoError(t, s.Ingest(ctx, repo.Descriptor{ID: id, Container: id != "x"}, "f", ""))
	}
	require.NoError(t, s.AddEdge(ctx, "root", repo.RelContains, "a"))
	require.NoError(t, s.AddEdge(ctx, "a", repo.RelContains, "b"))
	require.NoError(t, s.AddEdge(ctx, "b", repo.RelContains, "x"))

	desc, err := s.Descendants(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []repo.ObjectID{"b", "x"}, desc)

	parent, err := s.ImmediateParent(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, repo.ObjectID("b"), parent)

	anc, err := s.Ancestors(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []repo.ObjectID{"b", "a", "root"}, anc)

	// A full document write replaces the index for that subject.
	body, tok, err := s.ReadDocument(ctx, "b", repo.DocEdges)
	require.NoError(t, err)
	edges, err := tree.DecodeEdges(body)
	require.NoError(t, err)
	doc, _ := edges.Tombstone("x").Encode()
	require.NoError(t, s.WriteDocument(ctx, "b", repo.DocEdges, doc, tok))

	parent, err = s.ImmediateParent(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, parent, "tombstoned child has no live parent")

	require.NoError(t, s.RemoveEdge(ctx, "b", repo.RelRemovedChild, "x"))
	refs, err := s.Referrers(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestUploadChecksumAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	loc, err := s.Upload(ctx, "data/hello.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, LocationPrefix))

	require.NoError(t, s.Ingest(ctx, repo.Descriptor{
		ID: "obj:1",
		Datastreams: []repo.Datastream{
			{ID: "TXT", Control: repo.ControlManaged, Location: loc},
			{ID: "DC", Control: repo.ControlInline, Content: "hello"},
		},
	}, "f", ""))

	for _, stream := range []string{"TXT", "DC"} {
		d, err := s.Checksum(ctx, "obj:1", stream, digest.MD5)
		require.NoError(t, err)
		assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", d.Value, stream)
	}

	_, err = s.Checksum(ctx, "obj:1", "NOPE", digest.MD5)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, s.Purge(ctx, "obj:1", "gone"))
	ok, err := s.Exists(ctx, "obj:1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.blobs.Open(ctx, strings.TrimPrefix(loc, LocationPrefix))
	assert.ErrorIs(t, err, blob.ErrNotFound)

	assert.ErrorIs(t, s.Purge(ctx, "obj:1", "again"), repo.ErrNotFound)
}
