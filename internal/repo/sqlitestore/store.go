// Package sqlitestore is a local reference implementation of repo.Store backed by
// SQLite for documents and relationships and a blob.Backend for managed content.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/accession/internal/blob"
	"github.com/mattjoyce/accession/internal/digest"
	"github.com/mattjoyce/accession/internal/log"
	"github.com/mattjoyce/accession/internal/repo"
	"github.com/mattjoyce/accession/internal/tree"
)

// LocationPrefix marks a datastream location served by the blob backend.
const LocationPrefix = "blob:"

type Store struct {
	db     *sql.DB
	blobs  blob.Backend
	now    func() time.Time
	logger *slog.Logger
}

var _ repo.Store = (*Store)(nil)

// New wraps an already bootstrapped database (see storage.OpenSQLite).
func New(db *sql.DB, blobs blob.Backend) *Store {
	return &Store{
		db:     db,
		blobs:  blobs,
		now:    time.Now,
		logger: log.WithComponent("store"),
	}
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func tokenOf(version int64) repo.VersionToken {
	return repo.VersionToken(strconv.FormatInt(version, 10))
}

// Ingest creates the object, its datastreams and its initial control documents.
// Managed datastreams must already point at an uploaded location.
func (s *Store) Ingest(ctx context.Context, desc repo.Descriptor, format, logMessage string) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("ingest %s: %w", desc.ID, err)
	}

	edges := tree.EdgeSet{}
	for _, r := range desc.Relationships {
		edges = edges.With(r.Relation, r.Target)
	}
	edgeDoc, err := edges.Encode()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO objects(id, label, is_container, format, log_message, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, string(desc.ID), desc.Label, desc.Container, format, logMessage, now); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("ingest %s: object already exists", desc.ID)
		}
		return fmt.Errorf("insert object: %w", err)
	}

	for _, ds := range desc.Datastreams {
		if ds.Control == repo.ControlManaged && !strings.HasPrefix(ds.Location, LocationPrefix) {
			return fmt.Errorf("ingest %s: datastream %s location %q was not uploaded", desc.ID, ds.ID, ds.Location)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO datastreams(object_id, stream_id, control, location, mime, content)
VALUES(?, ?, ?, ?, ?, ?);
`, string(desc.ID), ds.ID, ds.Control, ds.Location, ds.MIME, []byte(ds.Content)); err != nil {
			return fmt.Errorf("insert datastream %s: %w", ds.ID, err)
		}
	}

	if err := insertDocument(ctx, tx, desc.ID, repo.DocEdges, edgeDoc, now); err != nil {
		return err
	}
	if err := syncRelationships(ctx, tx, desc.ID, edges); err != nil {
		return err
	}
	if desc.Container {
		listing, err := tree.Listing{}.Encode()
		if err != nil {
			return err
		}
		if err := insertDocument(ctx, tx, desc.ID, repo.DocListing, listing, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("object ingested", "object_id", desc.ID, "format", format, "log_message", logMessage)
	return nil
}

func insertDocument(ctx context.Context, tx *sql.Tx, id repo.ObjectID, name string, body []byte, now string) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO documents(object_id, name, body, version, updated_at)
VALUES(?, ?, ?, 1, ?);
`, string(id), name, body, now); err != nil {
		return fmt.Errorf("insert %s for %s: %w", name, id, err)
	}
	return nil
}

// syncRelationships re-derives the relationship index of subject from its edge set.
func syncRelationships(ctx context.Context, tx *sql.Tx, subject repo.ObjectID, edges tree.EdgeSet) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE subject = ?;`, string(subject)); err != nil {
		return fmt.Errorf("clear relationships: %w", err)
	}
	for _, e := range edges.Edges {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO relationships(subject, relation, target) VALUES(?, ?, ?);
`, string(subject), e.Relation, string(e.Target)); err != nil {
			return fmt.Errorf("index relationship: %w", err)
		}
	}
	return nil
}

func (s *Store) ReadDocument(ctx context.Context, id repo.ObjectID, name string) ([]byte, repo.VersionToken, error) {
	var (
		body    []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT body, version FROM documents WHERE object_id = ? AND name = ?;`,
		string(id), name).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%s of %s: %w", name, id, repo.ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("read %s of %s: %w", name, id, err)
	}
	return body, tokenOf(version), nil
}

// WriteDocument stores doc if the live version still equals expected. An empty
// expected token creates the document and conflicts if it already exists.
func (s *Store) WriteDocument(ctx context.Context, id repo.ObjectID, name string, doc []byte, expected repo.VersionToken) error {
	var edges tree.EdgeSet
	if name == repo.DocEdges {
		var err error
		if edges, err = tree.DecodeEdges(doc); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := compareAndSwap(ctx, tx, id, name, doc, expected, s.timestamp()); err != nil {
		return err
	}
	if name == repo.DocEdges {
		if err := syncRelationships(ctx, tx, id, edges); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func compareAndSwap(ctx context.Context, tx *sql.Tx, id repo.ObjectID, name string, doc []byte, expected repo.VersionToken, now string) error {
	var version int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE object_id = ? AND name = ?;`,
		string(id), name).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expected != "" {
			return fmt.Errorf("%s of %s vanished: %w", name, id, repo.ErrVersionConflict)
		}
		ok, err := objectExists(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("object %s: %w", id, repo.ErrNotFound)
		}
		return insertDocument(ctx, tx, id, name, doc, now)
	case err != nil:
		return fmt.Errorf("read version of %s/%s: %w", id, name, err)
	}

	if tokenOf(version) != expected {
		return fmt.Errorf("%s of %s at %d, expected %q: %w", name, id, version, expected, repo.ErrVersionConflict)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE documents SET body = ?, version = version + 1, updated_at = ?
WHERE object_id = ? AND name = ? AND version = ?;
`, doc, now, string(id), name, version)
	if err != nil {
		return fmt.Errorf("update %s of %s: %w", name, id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%s of %s: %w", name, id, repo.ErrVersionConflict)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func objectExists(ctx context.Context, q queryer, id repo.ObjectID) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE id = ?;`, string(id)).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *Store) AddEdge(ctx context.Context, container repo.ObjectID, relation string, child repo.ObjectID) error {
	return s.editEdges(ctx, container, func(e tree.EdgeSet) tree.EdgeSet { return e.With(relation, child) })
}

func (s *Store) RemoveEdge(ctx context.Context, container repo.ObjectID, relation string, child repo.ObjectID) error {
	return s.editEdges(ctx, container, func(e tree.EdgeSet) tree.EdgeSet { return e.Without(relation, child) })
}

// editEdges applies edit to the RELS-EXT document inside one transaction.
func (s *Store) editEdges(ctx context.Context, container repo.ObjectID, edit func(tree.EdgeSet) tree.EdgeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		body    []byte
		version int64
		token   repo.VersionToken
	)
	err = tx.QueryRowContext(ctx, `SELECT body, version FROM documents WHERE object_id = ? AND name = ?;`,
		string(container), repo.DocEdges).Scan(&body, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read %s of %s: %w", repo.DocEdges, container, err)
	default:
		token = tokenOf(version)
	}

	current, err := tree.DecodeEdges(body)
	if err != nil {
		return err
	}
	next := edit(current)
	doc, err := next.Encode()
	if err != nil {
		return err
	}
	if err := compareAndSwap(ctx, tx, container, repo.DocEdges, doc, token, s.timestamp()); err != nil {
		return err
	}
	if err := syncRelationships(ctx, tx, container, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Checksum digests the stored content of one datastream.
func (s *Store) Checksum(ctx context.Context, id repo.ObjectID, stream string, alg digest.Algorithm) (digest.Digest, error) {
	var (
		control  string
		location sql.NullString
		content  []byte
	)
	err := s.db.QueryRowContext(ctx, `
SELECT control, location, content FROM datastreams WHERE object_id = ? AND stream_id = ?;
`, string(id), stream).Scan(&control, &location, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return digest.Digest{}, fmt.Errorf("datastream %s/%s: %w", id, stream, repo.ErrNotFound)
	}
	if err != nil {
		return digest.Digest{}, fmt.Errorf("read datastream %s/%s: %w", id, stream, err)
	}

	if control != repo.ControlManaged {
		return digest.Compute(strings.NewReader(string(content)), alg)
	}
	key, ok := strings.CutPrefix(location.String, LocationPrefix)
	if !ok {
		return digest.Digest{}, fmt.Errorf("datastream %s/%s has foreign location %q", id, stream, location.String)
	}
	rc, err := s.blobs.Open(ctx, key)
	if err != nil {
		return digest.Digest{}, err
	}
	defer rc.Close()
	return digest.Compute(rc, alg)
}

func (s *Store) Exists(ctx context.Context, id repo.ObjectID) (bool, error) {
	return objectExists(ctx, s.db, id)
}

// Upload stores content in the blob backend and returns its datastream location.
func (s *Store) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	key := blob.NewKey(s.now(), name)
	if err := s.blobs.Put(ctx, key, r); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return LocationPrefix + key, nil
}

func (s *Store) Info(ctx context.Context, id repo.ObjectID) (repo.Info, error) {
	var (
		info    repo.Info
		created string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, label, is_container, format, created_at FROM objects WHERE id = ?;
`, string(id)).Scan(&info.ID, &info.Label, &info.Container, &info.Format, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return repo.Info{}, fmt.Errorf("object %s: %w", id, repo.ErrNotFound)
	}
	if err != nil {
		return repo.Info{}, fmt.Errorf("read object %s: %w", id, err)
	}
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return info, nil
}

// Purge removes the object with its documents, datastreams and outgoing
// relationships, then deletes its managed blobs. Blob cleanup failures are logged.
func (s *Store) Purge(ctx context.Context, id repo.ObjectID, logMessage string) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT location FROM datastreams WHERE object_id = ? AND control = ?;
`, string(id), repo.ControlManaged)
	if err != nil {
		return fmt.Errorf("list datastreams of %s: %w", id, err)
	}
	var keys []string
	for rows.Next() {
		var loc sql.NullString
		if err := rows.Scan(&loc); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan datastream: %w", err)
		}
		if key, ok := strings.CutPrefix(loc.String, LocationPrefix); ok {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate datastreams: %w", err)
	}
	_ = rows.Close()

	res, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE id = ?;`, string(id))
	if err != nil {
		return fmt.Errorf("purge %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("purge %s: %w", id, repo.ErrNotFound)
	}

	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete purged blob", "object_id", id, "key", key, "error", err)
		}
	}
	s.logger.Info("object purged", "object_id", id, "log_message", logMessage)
	return nil
}
