package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/flowgrid/pkg/api"
)

// MemoryQueue keeps tasks in process memory. It is safe for concurrent use.
type MemoryQueue struct {
	opts queueOptions

	mu     sync.Mutex
	tasks  map[string]*api.Task
	queues map[string][]string // task IDs per queue in enqueue order
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		opts:   buildOptions(opts),
		tasks:  make(map[string]*api.Task),
		queues: make(map[string][]string),
	}
}

// Ensure MemoryQueue implements Queue.
var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(ctx context.Context, t api.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	task, err := q.opts.prepare(t)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tasks[task.ID]; ok {
		return "", exists(task.ID)
	}
	q.tasks[task.ID] = task
	q.queues[task.Queue] = append(q.queues[task.Queue], task.ID)
	return task.ID, nil
}

func (q *MemoryQueue) Lease(ctx context.Context, queue, nodeID string, leaseDuration time.Duration) (*api.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkDuration(leaseDuration); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.now()
	var best *api.Task
	live := q.queues[queue][:0]
	for _, id := range q.queues[queue] {
		t := q.tasks[id]
		if t.State.Terminal() {
			continue
		}
		live = append(live, id)
		if !t.EligibleAt(now) {
			continue
		}
		if best == nil || t.CreatedAt.Before(best.CreatedAt) {
			best = t
		}
	}
	q.queues[queue] = live

	if best == nil {
		return nil, nil
	}
	claim(best, nodeID, now, leaseDuration)
	out := best.Clone()
	best.ReclaimedFrom = ""
	return out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, taskID, owner string, result []byte) (*api.Task, error) {
	return q.update(ctx, taskID, func(t *api.Task, now time.Time) error {
		if err := checkLease(t, owner, now); err != nil {
			return err
		}
		settleAck(t, result, now)
		return nil
	})
}

func (q *MemoryQueue) Fail(ctx context.Context, taskID, owner, reason string) (*api.Task, error) {
	return q.update(ctx, taskID, func(t *api.Task, now time.Time) error {
		if err := checkLease(t, owner, now); err != nil {
			return err
		}
		settleFail(t, reason, now)
		return nil
	})
}

func (q *MemoryQueue) Defer(ctx context.Context, taskID, owner string, delay time.Duration) (*api.Task, error) {
	return q.update(ctx, taskID, func(t *api.Task, now time.Time) error {
		if err := checkLease(t, owner, now); err != nil {
			return err
		}
		settleDefer(t, delay, now)
		return nil
	})
}

func (q *MemoryQueue) Extend(ctx context.Context, taskID, owner string, leaseDuration time.Duration) error {
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

func (q *MemoryQueue) ReapExpired(ctx context.Context) ([]*api.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.now()
	var reaped []*api.Task
	for _, t := range q.tasks {
		if !expiredLease(t, now) {
			continue
		}
		reclaim(t, now)
		reaped = append(reaped, t.Clone())
	}
	sort.Slice(reaped, func(i, j int) bool {
		return reaped[i].CreatedAt.Before(reaped[j].CreatedAt)
	})
	return reaped, nil
}

func (q *MemoryQueue) Get(ctx context.Context, taskID string) (*api.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, notFound(taskID)
	}
	return t.Clone(), nil
}

func (q *MemoryQueue) Len(ctx context.Context, queue string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, id := range q.queues[queue] {
		if !q.tasks[id].State.Terminal() {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) update(ctx context.Context, taskID string, fn func(*api.Task, time.Time) error) (*api.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, notFound(taskID)
	}
	cp := t.Clone()
	if err := fn(cp, q.opts.now()); err != nil {
		return nil, err
	}
	q.tasks[taskID] = cp
	return cp.Clone(), nil
}
