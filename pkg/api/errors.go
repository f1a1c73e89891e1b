package api

import "errors"

var (
	// ErrConcurrencyConflict is returned when an optimistic write lost a race.
	// Callers retry after re-reading current state.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrLeaseExpired is returned when the caller's lease is no longer valid.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrNotHolder is returned when the caller is not the live holder of a lock.
	ErrNotHolder = errors.New("not lock holder")

	// ErrAlreadyHeld is returned when a live lock is held by another holder.
	ErrAlreadyHeld = errors.New("lock already held")

	// ErrStaleToken is returned when a fencing token has been superseded.
	ErrStaleToken = errors.New("stale fencing token")

	// ErrLockNotFound is returned when no lock was ever granted for a key.
	ErrLockNotFound = errors.New("lock not found")

	// ErrRetryExhausted marks a task that failed permanently.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrNodeUnavailable is returned when a node is unknown, suspect or dead,
	// or when no eligible node exists.
	ErrNodeUnavailable = errors.New("node unavailable")

	// ErrDefinitionInvalid is returned when a workflow definition is rejected
	// at registration.
	ErrDefinitionInvalid = errors.New("workflow definition invalid")

	// ErrDefinitionNotFound is returned when a workflow definition is not registered.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrInstanceNotFound is returned when a workflow instance does not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrTaskNotFound is returned when a task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists is returned when enqueueing a task whose ID is taken.
	ErrTaskExists = errors.New("task already exists")

	// ErrInvalidTransition is returned when an operation does not apply to the
	// current state of a record (for example acking a pending task).
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnauthorized is returned when the Authorizer rejects a request.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDeadlineExceeded marks a workflow instance that outlived its deadline.
	ErrDeadlineExceeded = errors.New("workflow deadline exceeded")
)

// IsOwnershipError reports whether err means the caller's assumed ownership
// was stale. Such errors are surfaced immediately and never retried.
func IsOwnershipError(err error) bool {
	return errors.Is(err, ErrLeaseExpired) ||
		errors.Is(err, ErrNotHolder) ||
		errors.Is(err, ErrStaleToken)
}
