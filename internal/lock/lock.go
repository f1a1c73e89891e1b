// Package lock provides leased, fenced mutual exclusion keyed by resource
// name.
//
// A lock is a lease: a holder that stops renewing loses it after its TTL.
// Every new grant of a key receives a fencing token larger than any token
// issued for that key before, so a holder whose lease lapsed can be told
// apart from the current one with Validate.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/flowgrid/pkg/api"
)

// DefaultTTL is used by callers that do not configure a lock TTL.
const DefaultTTL = 15 * time.Second

// ErrInvalidTTL is returned for non-positive TTLs.
var ErrInvalidTTL = errors.New("lock ttl must be positive")

// Manager grants leased locks.
type Manager interface {
	// Acquire grants key to holder for ttl and returns the fencing token.
	// Calling again as the live holder renews the lease and returns the same
	// token. It fails with api.ErrAlreadyHeld while another holder's lease
	// is live.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (uint64, error)

	// Release gives up the lock. It fails with api.ErrNotHolder unless holder
	// is the live holder.
	Release(ctx context.Context, key, holder string) error

	// Renew extends the lease of the live holder, or fails with
	// api.ErrNotHolder.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) error

	// Validate checks a fencing token before a side effect is committed. It
	// fails with api.ErrStaleToken when the token was superseded and with
	// api.ErrLeaseExpired when the lease lapsed and nobody else took it.
	Validate(ctx context.Context, key string, token uint64) error

	// Get returns the last grant of key, which may have expired. It fails
	// with api.ErrLockNotFound if key was never granted.
	Get(ctx context.Context, key string) (*api.Lock, error)
}

func checkTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTTL, ttl)
	}
	return nil
}

func alreadyHeld(key, owner string) error {
	return fmt.Errorf("%w: %s is held by %s", api.ErrAlreadyHeld, key, owner)
}

func notHolder(key, holder string) error {
	return fmt.Errorf("%w: %s is not held by %s", api.ErrNotHolder, key, holder)
}

func staleToken(key string, token, current uint64) error {
	return fmt.Errorf("%w: %s token %d, current %d", api.ErrStaleToken, key, token, current)
}
