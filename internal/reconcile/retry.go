package reconcile

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/victornm/livequiz/internal/errors"
)

// RetryPolicy retries fetches that failed with a NetworkError, with exponential backoff. Any other
// failure is returned at once.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Do calls fn until it succeeds, fails permanently, runs out of attempts or ctx is done. It returns
// the last error of fn.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	op := func() error {
		last = fn(ctx)
		if last != nil && !errors.IsRetryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)); err != nil {
		if last != nil {
			return last
		}
		return err
	}

	return nil
}
