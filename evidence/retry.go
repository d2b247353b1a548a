package evidence

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retry runs op up to attempts times with exponential backoff. Each attempt
// gets its own timeout. ErrUnavailable and context cancellation stop early.
func retry[T any](ctx context.Context, attempts int, initial, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 10 * initial
	b.MaxElapsedTime = 0

	var out T
	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		v, err := op(callCtx)
		if err == nil {
			out = v
			return nil
		}
		if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
	return out, err
}
