package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/flowgrid/internal/lock"
	"github.com/petrijr/flowgrid/pkg/api"
)

// Defaults applied by New.
const (
	DefaultLeaseTTL      = 30 * time.Second
	DefaultPollInterval  = 200 * time.Millisecond
	DefaultNodeHeartbeat = 5 * time.Second
	DefaultBusyDelay     = 500 * time.Millisecond
)

// Queue is the part of a task queue a worker uses. taskqueue.Queue and the
// HTTP client satisfy it.
type Queue interface {
	Lease(ctx context.Context, queue, nodeID string, leaseDuration time.Duration) (*api.Task, error)
	Ack(ctx context.Context, taskID, owner string, result []byte) (*api.Task, error)
	Fail(ctx context.Context, taskID, owner, reason string) (*api.Task, error)
	Defer(ctx context.Context, taskID, owner string, delay time.Duration) (*api.Task, error)
	Extend(ctx context.Context, taskID, owner string, leaseDuration time.Duration) error
}

// Membership registers the worker as a cluster node. cluster.Registry and
// the HTTP client satisfy it.
type Membership interface {
	Join(ctx context.Context, nodeID string, capacity int) (api.Node, error)
	Heartbeat(ctx context.Context, nodeID string) error
	Leave(ctx context.Context, nodeID string) error
}

// Handler runs a task and returns its result. A returned error fails the
// attempt; the queue decides whether it is retried.
type Handler func(ctx context.Context, task *api.Task) ([]byte, error)

// Config controls a Worker.
type Config struct {
	// WorkerID is the lease owner and node ID. Required.
	WorkerID string

	// Concurrency is the number of tasks run in parallel and the capacity
	// announced to the cluster. Defaults to 1.
	Concurrency int

	LeaseTTL time.Duration

	// HeartbeatInterval is how often a running task's lease is extended.
	// Defaults to half of LeaseTTL.
	HeartbeatInterval time.Duration

	// PollInterval is the pause after a poll that found no work.
	PollInterval time.Duration

	// Members, if set, is joined on Run and heartbeated every NodeHeartbeat.
	Members       Membership
	NodeHeartbeat time.Duration

	// Locks guards tasks carrying an ExclusiveKey. Without it the key is
	// ignored.
	Locks   lock.Manager
	LockTTL time.Duration

	// BusyDelay is how long a task whose exclusive key is held elsewhere
	// waits before it can be leased again. The wait does not use an attempt.
	BusyDelay time.Duration

	Logger *slog.Logger
}

// Worker leases tasks from a Queue and runs them with the registered handlers.
type Worker struct {
	queue Queue
	cfg   Config

	mu       sync.RWMutex
	handlers map[string]Handler

	next atomic.Uint64
}

// New creates a Worker.
func New(q Queue, cfg Config) (*Worker, error) {
	if q == nil {
		return nil, errors.New("worker: queue is required")
	}
	if cfg.WorkerID == "" {
		return nil, errors.New("worker: worker id is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NodeHeartbeat <= 0 {
		cfg.NodeHeartbeat = DefaultNodeHeartbeat
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.LeaseTTL
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = DefaultBusyDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{queue: q, cfg: cfg, handlers: make(map[string]Handler)}, nil
}

// Handle registers the handler for a queue. The worker only leases from
// queues it has a handler for.
func (w *Worker) Handle(queue string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[queue] = h
}

func (w *Worker) queues() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.handlers))
	for q := range w.handlers {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (w *Worker) handler(queue string) Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[queue]
}

// ProcessOne leases a single task and runs it. Queues are tried round-robin.
//
//   - processed == false, err == nil: there was no eligible task.
//   - processed == false, err != nil: leasing failed.
//   - processed == true: a task ran; err is the handler or settlement error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	queues := w.queues()
	if len(queues) == 0 {
		return false, nil
	}
	start := int(w.next.Add(1) % uint64(len(queues)))
	for i := range queues {
		q := queues[(start+i)%len(queues)]
		task, err := w.queue.Lease(ctx, q, w.cfg.WorkerID, w.cfg.LeaseTTL)
		if err != nil {
			return false, fmt.Errorf("lease from %s: %w", q, err)
		}
		if task != nil {
			return true, w.execute(ctx, task)
		}
	}
	return false, nil
}

func (w *Worker) execute(ctx context.Context, task *api.Task) error {
	logger := w.cfg.Logger.With(
		slog.String("task_id", task.ID),
		slog.String("queue", task.Queue),
		slog.Int("attempt", task.Attempts),
	)

	var (
		fence   Fence
		release func()
	)
	if task.ExclusiveKey != "" && w.cfg.Locks != nil {
		var err error
		fence, release, err = w.lockExclusive(ctx, task)
		if errors.Is(err, api.ErrAlreadyHeld) {
			return w.postpone(ctx, logger, task, err)
		}
		if err != nil {
			return w.fail(ctx, logger, task, err)
		}
		defer release()
		ctx = withFence(ctx, fence)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.keepAlive(runCtx, cancel, logger, task, fence, stop)
	}()

	result, err := w.run(runCtx, task)
	close(stop)
	hb.Wait()

	if cause := context.Cause(runCtx); cause != nil && api.IsOwnershipError(cause) {
		// Another worker may already own the task; settling would be rejected.
		logger.WarnContext(ctx, "task_abandoned", slog.Any("error", cause))
		return cause
	}
	if err != nil {
		return w.fail(ctx, logger, task, err)
	}
	if fence.Key != "" {
		if verr := w.cfg.Locks.Validate(ctx, fence.Key, fence.Token); verr != nil {
			return w.fail(ctx, logger, task, verr)
		}
	}
	if _, err := w.queue.Ack(ctx, task.ID, w.cfg.WorkerID, result); err != nil {
		logger.ErrorContext(ctx, "task_ack_failed", slog.Any("error", err))
		return fmt.Errorf("ack %s: %w", task.ID, err)
	}
	logger.DebugContext(ctx, "task_completed")
	return nil
}

func (w *Worker) run(ctx context.Context, task *api.Task) (result []byte, err error) {
	h := w.handler(task.Queue)
	if h == nil {
		return nil, fmt.Errorf("no handler for queue %s", task.Queue)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, task *api.Task, cause error) error {
	settled, err := w.queue.Fail(ctx, task.ID, w.cfg.WorkerID, cause.Error())
	if err != nil {
		logger.ErrorContext(ctx, "task_fail_failed", slog.Any("error", err))
		return multierr.Append(cause, fmt.Errorf("fail %s: %w", task.ID, err))
	}
	logger.WarnContext(ctx, "task_failed",
		slog.Any("error", cause),
		slog.String("state", string(settled.State)),
	)
	return cause
}

// postpone gives the task back to the queue for BusyDelay. The returned
// error still reports why the task did not run.
func (w *Worker) postpone(ctx context.Context, logger *slog.Logger, task *api.Task, cause error) error {
	if _, err := w.queue.Defer(ctx, task.ID, w.cfg.WorkerID, w.cfg.BusyDelay); err != nil {
		logger.ErrorContext(ctx, "task_defer_failed", slog.Any("error", err))
		return multierr.Append(cause, fmt.Errorf("defer %s: %w", task.ID, err))
	}
	logger.DebugContext(ctx, "task_deferred",
		slog.String("key", task.ExclusiveKey),
		slog.Duration("delay", w.cfg.BusyDelay),
	)
	return cause
}

// keepAlive extends the task lease and renews the exclusive lock until stop
// is closed. Losing either cancels the handler's context.
func (w *Worker) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, logger *slog.Logger, task *api.Task, fence Fence, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := w.queue.Extend(ctx, task.ID, w.cfg.WorkerID, w.cfg.LeaseTTL); err != nil {
			if api.IsOwnershipError(err) || errors.Is(err, api.ErrInvalidTransition) {
				logger.WarnContext(ctx, "lease_lost", slog.Any("error", err))
				cancel(fmt.Errorf("%w: %v", api.ErrLeaseExpired, err))
				return
			}
			logger.WarnContext(ctx, "lease_extend_failed", slog.Any("error", err))
		}
		if fence.Key != "" {
			if err := w.cfg.Locks.Renew(ctx, fence.Key, lockHolder(w.cfg.WorkerID, task), w.cfg.LockTTL); err != nil {
				logger.WarnContext(ctx, "exclusive_lock_lost", slog.String("key", fence.Key), slog.Any("error", err))
				cancel(err)
				return
			}
		}
	}
}

// Run joins the cluster, if configured, and processes tasks with
// Concurrency goroutines until ctx is cancelled. It leaves the cluster on
// the way out.
func (w *Worker) Run(ctx context.Context) error {
	members := w.cfg.Members
	if members != nil {
		if err := w.join(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if members != nil {
		g.Go(func() error { return w.heartbeat(gctx) })
	}
	for range w.cfg.Concurrency {
		g.Go(func() error { return w.loop(gctx) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		err = ctx.Err()
	}

	if members != nil {
		if lerr := members.Leave(context.WithoutCancel(ctx), w.cfg.WorkerID); lerr != nil {
			err = multierr.Append(err, fmt.Errorf("leave: %w", lerr))
		}
	}
	return err
}

func (w *Worker) join(ctx context.Context) error {
	if _, err := w.cfg.Members.Join(ctx, w.cfg.WorkerID, w.cfg.Concurrency); err != nil {
		return fmt.Errorf("join as %s: %w", w.cfg.WorkerID, err)
	}
	// A joining node becomes eligible with its first heartbeat.
	if err := w.cfg.Members.Heartbeat(ctx, w.cfg.WorkerID); err != nil {
		return fmt.Errorf("heartbeat as %s: %w", w.cfg.WorkerID, err)
	}
	w.cfg.Logger.InfoContext(ctx, "cluster_joined",
		slog.String("node_id", w.cfg.WorkerID),
		slog.Int("capacity", w.cfg.Concurrency),
	)
	return nil
}

func (w *Worker) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.NodeHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		err := w.cfg.Members.Heartbeat(ctx, w.cfg.WorkerID)
		if errors.Is(err, api.ErrNodeUnavailable) {
			// Declared dead or removed: join again.
			err = w.join(ctx)
		}
		if err != nil && ctx.Err() == nil {
			w.cfg.Logger.WarnContext(ctx, "node_heartbeat_failed",
				slog.String("node_id", w.cfg.WorkerID),
				slog.Any("error", err),
			)
		}
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !processed {
			w.cfg.Logger.DebugContext(ctx, "poll_failed", slog.Any("error", err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}
