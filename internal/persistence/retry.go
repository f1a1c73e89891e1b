package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petrijr/flowgrid/pkg/api"
)

// RetryPolicy bounds how often a conflicting write is re-attempted.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultConflictRetry is used for optimistic writes that lost a race.
var DefaultConflictRetry = RetryPolicy{
	Attempts: 16,
	Initial:  2 * time.Millisecond,
	Max:      200 * time.Millisecond,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// RetryOnConflict runs fn until it succeeds, returns an error other than
// api.ErrConcurrencyConflict, the attempts are used up or ctx is done.
// The last conflict is returned when attempts run out.
func RetryOnConflict(ctx context.Context, p RetryPolicy, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || errors.Is(err, api.ErrConcurrencyConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, p.backOff(ctx))
}
