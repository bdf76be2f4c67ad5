package repo

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errNotYet = errors.New("object not present yet")

// PollForExistence checks for id every delay until it exists or timeout elapses.
// It reports false with a nil error when the budget runs out, and ctx's error when
// the caller cancels.
func PollForExistence(ctx context.Context, store Existence, id ObjectID, delay, timeout time.Duration) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := backoff.Retry(func() error {
		ok, err := store.Exists(pctx, id)
		if err != nil {
			if pctx.Err() != nil {
				return backoff.Permanent(pctx.Err())
			}
			// Lookup errors count as "not yet"; the budget bounds them.
			return err
		}
		if !ok {
			return errNotYet
		}
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(delay), pctx))

	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, nil
	}
}
