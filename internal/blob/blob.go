// Package blob stores uploaded datastream content outside the document store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/accession/internal/config"
)

// ErrNotFound is returned by Open when no blob exists under the key.
var ErrNotFound = errors.New("blob not found")

// Backend is a flat key/value blob store.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// NewKey returns a fresh, date-partitioned key for content uploaded under name.
func NewKey(now time.Time, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" {
		base = "content"
	}
	return fmt.Sprintf("%04d/%02d/%02d/%s-%s", now.Year(), now.Month(), now.Day(), uuid.NewString(), base)
}

func validateKey(key string) error {
	if key == "" {
		return errors.New("blob key is empty")
	}
	if strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.HasPrefix(key, "../") || key == ".." {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.BlobsConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFSBackend(cfg.Dir)
	case "s3":
		return NewS3Backend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
