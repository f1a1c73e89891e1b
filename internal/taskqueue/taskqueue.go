// Package taskqueue delivers units of work to worker nodes through leases.
//
// A task is Pending until a node leases it. The lease holder acks or fails
// it before the lease expires; otherwise the task is reclaimed, either inline
// by the next Lease call or by the reaper, and its attempt counter grows.
// Once attempts are used up the task fails permanently.
package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowgrid/pkg/api"
)

// DefaultLeaseDuration is used by workers that do not configure one.
const DefaultLeaseDuration = 30 * time.Second

// Queue is the task queue contract shared by all backends.
type Queue interface {
	// Enqueue stores a new Pending task and returns its ID. An ID is
	// generated when t.ID is empty; an explicit ID that is already taken
	// fails with api.ErrTaskExists.
	Enqueue(ctx context.Context, t api.Task) (string, error)

	// Lease hands the oldest eligible task of queue to nodeID for
	// leaseDuration. It does not block and returns nil when nothing is
	// eligible. Two concurrent calls never return the same task.
	Lease(ctx context.Context, queue, nodeID string, leaseDuration time.Duration) (*api.Task, error)

	// Ack completes a leased task. It fails with api.ErrLeaseExpired when
	// owner no longer holds a live lease.
	Ack(ctx context.Context, taskID, owner string, result []byte) (*api.Task, error)

	// Fail reports a failed attempt. The task goes back to Pending after an
	// exponential backoff while attempts remain, and to Failed otherwise.
	Fail(ctx context.Context, taskID, owner, reason string) (*api.Task, error)

	// Defer hands a leased task back without counting the attempt. The task
	// is Pending again and eligible after delay. Workers use it when a task
	// cannot start yet, for example because its exclusive key is held.
	Defer(ctx context.Context, taskID, owner string, delay time.Duration) (*api.Task, error)

	// Extend pushes the lease of a running task forward.
	Extend(ctx context.Context, taskID, owner string, leaseDuration time.Duration) error

	// ReapExpired reclaims every task whose lease has expired and returns the
	// tasks it changed.
	ReapExpired(ctx context.Context) ([]*api.Task, error)

	// Get returns a task by ID.
	Get(ctx context.Context, taskID string) (*api.Task, error)

	// Len returns the number of tasks of queue that are not yet terminal.
	Len(ctx context.Context, queue string) (int, error)
}

// OutcomeListener is told when a task settles: acked, or failed for good.
type OutcomeListener interface {
	HandleTaskOutcome(ctx context.Context, task *api.Task) error
}

// Membership decides whether a node may receive new leases.
type Membership interface {
	Eligible(ctx context.Context, nodeID string) error
}

// Option configures a queue backend.
type Option func(*queueOptions)

type queueOptions struct {
	now   func() time.Time
	retry api.RetryPolicy
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *queueOptions) { o.now = now }
}

// WithDefaultRetry sets the policy for tasks that carry none.
func WithDefaultRetry(p api.RetryPolicy) Option {
	return func(o *queueOptions) { o.retry = p }
}

func buildOptions(opts []Option) queueOptions {
	o := queueOptions{now: time.Now, retry: api.DefaultRetryPolicy}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// prepare validates t and fills in the fields set at enqueue time.
func (o queueOptions) prepare(t api.Task) (*api.Task, error) {
	if t.Queue == "" {
		return nil, fmt.Errorf("enqueue: queue name is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	retry := t.Retry
	if retry == (api.RetryPolicy{}) {
		retry = o.retry
	}
	if t.MaxAttempts > 0 {
		retry.MaxAttempts = t.MaxAttempts
	}
	retry = retry.WithDefaults()

	now := o.now().UTC()
	t.Retry = retry
	t.MaxAttempts = retry.MaxAttempts
	t.State = api.TaskPending
	t.Attempts = 1
	t.LeaseOwner = ""
	t.LeaseExpiresAt = time.Time{}
	t.CreatedAt = now
	t.UpdatedAt = now
	t.LastError = ""
	t.Result = nil
	return t.Clone(), nil
}

// claim leases t to node. A task whose previous lease expired counts as a
// new attempt, and the expired owner is kept in ReclaimedFrom.
func claim(t *api.Task, node string, now time.Time, d time.Duration) {
	t.ReclaimedFrom = ""
	if t.State == api.TaskLeased {
		t.Attempts++
		t.ReclaimedFrom = t.LeaseOwner
	}
	t.State = api.TaskLeased
	t.LeaseOwner = node
	t.LeaseExpiresAt = now.Add(d)
	t.UpdatedAt = now
}

// checkLease reports whether owner holds a live lease on t.
func checkLease(t *api.Task, owner string, now time.Time) error {
	if t.State != api.TaskLeased || t.LeaseOwner != owner || !t.LeaseLive(now) {
		return fmt.Errorf("%w: task %s, owner %s", api.ErrLeaseExpired, t.ID, owner)
	}
	return nil
}

func settleAck(t *api.Task, result []byte, now time.Time) {
	t.State = api.TaskAcked
	t.Result = append([]byte(nil), result...)
	t.LeaseExpiresAt = time.Time{}
	t.UpdatedAt = now
}

// settleFail schedules a retry with backoff or fails t for good.
func settleFail(t *api.Task, reason string, now time.Time) {
	t.LastError = reason
	t.LeaseOwner = ""
	t.LeaseExpiresAt = time.Time{}
	t.UpdatedAt = now
	if t.Attempts < t.MaxAttempts {
		t.NotBefore = now.Add(t.Retry.Backoff(t.Attempts))
		t.Attempts++
		t.State = api.TaskPending
		return
	}
	t.State = api.TaskFailed
}

// settleDefer returns t to Pending with its attempt counter unchanged.
func settleDefer(t *api.Task, delay time.Duration, now time.Time) {
	if delay < 0 {
		delay = 0
	}
	t.State = api.TaskPending
	t.LeaseOwner = ""
	t.LeaseExpiresAt = time.Time{}
	t.NotBefore = now.Add(delay)
	t.UpdatedAt = now
}

// reclaim returns an expired lease to Pending, or fails the task once its
// attempts are used up.
func reclaim(t *api.Task, now time.Time) {
	t.LeaseOwner = ""
	t.LeaseExpiresAt = time.Time{}
	t.UpdatedAt = now
	if t.Attempts < t.MaxAttempts {
		t.Attempts++
		t.State = api.TaskPending
		t.NotBefore = now
		return
	}
	t.State = api.TaskFailed
	t.LastError = "lease expired with no attempts left"
}

func expiredLease(t *api.Task, now time.Time) bool {
	return t.State == api.TaskLeased && !now.Before(t.LeaseExpiresAt)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", api.ErrTaskNotFound, id)
}

func exists(id string) error {
	return fmt.Errorf("%w: %s", api.ErrTaskExists, id)
}

func checkDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("lease duration must be > 0, got %v", d)
	}
	return nil
}
