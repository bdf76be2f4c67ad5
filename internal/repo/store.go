// Package repo defines the contract the write path needs from the versioned
// document store, plus helpers shared by its callers.
package repo

import (
	"context"
	"errors"
	"io"

	"github.com/mattjoyce/accession/internal/digest"
)

var (
	// ErrNotFound is returned for a missing object or document.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a write's token no longer matches.
	ErrVersionConflict = errors.New("version conflict")
	// ErrTimeout marks a call that may have succeeded server-side.
	ErrTimeout = errors.New("store call timed out")
)

// Documents is read/write access to the per-container control documents.
type Documents interface {
	ReadDocument(ctx context.Context, id ObjectID, name string) ([]byte, VersionToken, error)
	WriteDocument(ctx context.Context, id ObjectID, name string, doc []byte, expected VersionToken) error
	// AddEdge and RemoveEdge are atomic server-side edits of the RELS-EXT document.
	AddEdge(ctx context.Context, container ObjectID, relation string, child ObjectID) error
	RemoveEdge(ctx context.Context, container ObjectID, relation string, child ObjectID) error
}

// Graph is the read-only relationship query service.
type Graph interface {
	Descendants(ctx context.Context, id ObjectID) ([]ObjectID, error)
	Referrers(ctx context.Context, id ObjectID) ([]Reference, error)
	ImmediateParent(ctx context.Context, id ObjectID) (ObjectID, error)
	Ancestors(ctx context.Context, id ObjectID) ([]ObjectID, error)
}

// Existence answers whether an object is present.
type Existence interface {
	Exists(ctx context.Context, id ObjectID) (bool, error)
}

// Store is the full versioned document store.
type Store interface {
	Documents
	Graph
	Existence
	Ingest(ctx context.Context, desc Descriptor, format, logMessage string) error
	Checksum(ctx context.Context, id ObjectID, stream string, alg digest.Algorithm) (digest.Digest, error)
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
	Info(ctx context.Context, id ObjectID) (Info, error)
	Purge(ctx context.Context, id ObjectID, logMessage string) error
}
