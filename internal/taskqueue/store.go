package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// recordStore is the storage a durable backend provides. Every write is a
// compare-and-swap on a per-task version so that concurrent processes never
// both win a transition.
type recordStore interface {
	// insert stores t with version 1, or fails with api.ErrTaskExists.
	insert(ctx context.Context, t *api.Task) error
	// load returns the task and its version, or api.ErrTaskNotFound.
	load(ctx context.Context, id string) (*api.Task, int64, error)
	// swap overwrites the task if its version is still version. It reports
	// false when another writer got there first.
	swap(ctx context.Context, t *api.Task, version int64) (bool, error)
	// claimNext leases the oldest task of queue eligible at now to nodeID,
	// or returns nil when there is none.
	claimNext(ctx context.Context, queue, nodeID string, now time.Time, d time.Duration) (*api.Task, error)
	// expired returns the IDs of leased tasks whose lease ended before now.
	expired(ctx context.Context, now time.Time) ([]string, error)
	// count returns the number of non-terminal tasks of queue.
	count(ctx context.Context, queue string) (int, error)
}

// maxClaimRounds bounds how often casClaim retries after losing a race for
// a candidate. Running out is reported as an empty poll.
const maxClaimRounds = 8

// casClaim reads the oldest eligible task with next and claims it with a
// version swap, moving on to the next candidate when another node won.
func casClaim(
	ctx context.Context,
	next func(context.Context, string, time.Time) (*api.Task, int64, error),
	swap func(context.Context, *api.Task, int64) (bool, error),
	queue, nodeID string,
	now time.Time,
	d time.Duration,
) (*api.Task, error) {
	for range maxClaimRounds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, version, err := next(ctx, queue, now)
		if err != nil || t == nil {
			return nil, err
		}
		claim(t, nodeID, now, d)
		ok, err := swap(ctx, t, version)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
	}
	return nil, nil
}

// storeQueue implements Queue on top of a recordStore.
type storeQueue struct {
	store recordStore
	opts  queueOptions
}

func newStoreQueue(store recordStore, opts []Option) storeQueue {
	return storeQueue{store: store, opts: buildOptions(opts)}
}

func (q *storeQueue) Enqueue(ctx context.Context, t api.Task) (string, error) {
	task, err := q.opts.prepare(t)
	if err != nil {
		return "", err
	}
	if err := q.store.insert(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (q *storeQueue) Lease(ctx context.Context, queue, nodeID string, leaseDuration time.Duration) (*api.Task, error) {
	if err := checkDuration(leaseDuration); err != nil {
		return nil, err
	}
	return q.store.claimNext(ctx, queue, nodeID, q.opts.now().UTC(), leaseDuration)
}

func (q *storeQueue) Ack(ctx context.Context, taskID, owner string, result []byte) (*api.Task, error) {
	return q.update(ctx, taskID, func(t *api.Task, now time.Time) error {
		if err := checkLease(t, owner, now); err != nil {
			return err
		}
		settleAck(t, result, now)
		return nil
	})
}

func (q *storeQueue) Fail(ctx context.Context, taskID, owner, reason string) (*api.Task, error) {
	return q.update(ctx, taskID, func(t *api.Task, now time.Time) error {
		if err := checkLease(t, owner, now); err != nil {
			return err
		}
		settleFail(t, reason, now)
		return nil
	})
}

func (q *storeQueue) Defer(ctx context.Context, taskID, owner string, delay time.Duration) (*api.Task, error) {
	return q.update(ctx, taskID, func(t *api.Task, now time.Time) error {
		if err := checkLease(t, owner, now); err != nil {
			return err
		}
		settleDefer(t, delay, now)
		return nil
	})
}

func (q *storeQueue) Extend(ctx context.Context, taskID, owner string, leaseDuration time.Duration) error {
	if err := checkDuration(leaseDuration); err != nil {
		return err
	}
	_, err := q.update(ctx, taskID, func(t *api.Task, now time.Time) error {
		if err := checkLease(t, owner, now); err != nil {
			return err
		}
		t.LeaseExpiresAt = now.Add(leaseDuration)
		t.UpdatedAt = now
		return nil
	})
	return err
}

func (q *storeQueue) ReapExpired(ctx context.Context) ([]*api.Task, error) {
	ids, err := q.store.expired(ctx, q.opts.now().UTC())
	if err != nil {
		return nil, err
	}

	var reaped []*api.Task
	for _, id := range ids {
		t, err := q.update(ctx, id, func(t *api.Task, now time.Time) error {
			if !expiredLease(t, now) {
				return errSkip
			}
			reclaim(t, now)
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped = append(reaped, t)
	}
	return reaped, nil
}

func (q *storeQueue) Get(ctx context.Context, taskID string) (*api.Task, error) {
	t, _, err := q.store.load(ctx, taskID)
	return t, err
}

func (q *storeQueue) Len(ctx context.Context, queue string) (int, error) {
	return q.store.count(ctx, queue)
}

// errSkip aborts an update without writing.
var errSkip = errors.New("skip")

// update applies fn to the current task and writes it back, retrying when a
// concurrent writer changed the task in between.
func (q *storeQueue) update(ctx context.Context, taskID string, fn func(*api.Task, time.Time) error) (*api.Task, error) {
	var out *api.Task
	err := persistence.RetryOnConflict(ctx, persistence.DefaultConflictRetry, func() error {
		t, version, err := q.store.load(ctx, taskID)
		if err != nil {
			return err
		}
		if err := fn(t, q.opts.now().UTC()); err != nil {
			return err
		}
		ok, err := q.store.swap(ctx, t, version)
		if err != nil {
			return err
		}
		if !ok {
			return api.ErrConcurrencyConflict
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
