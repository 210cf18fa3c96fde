package share

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dharsanguruparan/SoundDrop/internal/storage"
)

// readAttempts caps idempotent reads at one retry.
const readAttempts = 2

// retryRead runs op, retrying once with backoff unless the record is missing
// or the caller gave up.
func retryRead[T any](ctx context.Context, initial time.Duration, op func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && (errors.Is(err, storage.ErrNotFound) || ctx.Err() != nil) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(readAttempts))
}
