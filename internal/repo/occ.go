package repo

import (
	"context"
	"errors"
	"fmt"
)

// RetryPolicy bounds optimistic-lock retries. MaxRetries 0 retries until the
// write lands or ctx ends. OnConflict, when set, is told about every conflict.
type RetryPolicy struct {
	MaxRetries int
	OnConflict func(document string)
}

// RetryOnConflict runs fn until it returns something other than ErrVersionConflict.
// fn must re-read whatever it writes; it is reapplied as the same logical edit.
func RetryOnConflict(ctx context.Context, policy RetryPolicy, document string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if policy.OnConflict != nil {
			policy.OnConflict(document)
		}
		if policy.MaxRetries > 0 && attempt >= policy.MaxRetries {
			return fmt.Errorf("%s: gave up after %d retries: %w", document, attempt, err)
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
	}
}

// UpdateDocument is the read, edit, write-with-token cycle. On a version conflict
// the document is re-read and edit is applied again to the fresh content. A
// missing document is presented to edit as nil and created on write.
func UpdateDocument(ctx context.Context, docs Documents, policy RetryPolicy, id ObjectID, name string, edit func(current []byte) ([]byte, error)) error {
	return RetryOnConflict(ctx, policy, name, func() error {
		current, token, err := docs.ReadDocument(ctx, id, name)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if errors.Is(err, ErrNotFound) {
			current, token = nil, ""
		}
		next, err := edit(current)
		if err != nil {
			return err
		}
		return docs.WriteDocument(ctx, id, name, next, token)
	})
}
