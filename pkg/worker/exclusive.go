package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/flowgrid/pkg/api"
)

// Fence identifies the exclusive lock a task runs under. Handlers pass the
// token to the systems they write to so that writes from a worker whose lock
// lapsed can be rejected.
type Fence struct {
	Key   string
	Token uint64
}

type fenceKey struct{}

func withFence(ctx context.Context, f Fence) context.Context {
	return context.WithValue(ctx, fenceKey{}, f)
}

// FencingToken returns the fence of the task being handled, if the task
// carries an ExclusiveKey.
func FencingToken(ctx context.Context) (Fence, bool) {
	f, ok := ctx.Value(fenceKey{}).(Fence)
	return f, ok
}

// lockHolder is unique per task so two tasks of one worker sharing a key
// still exclude each other.
func lockHolder(workerID string, task *api.Task) string {
	return workerID + "/" + task.ID
}

// lockExclusive acquires the task's exclusive key. A key held elsewhere
// yields api.ErrAlreadyHeld, and the caller defers the task.
func (w *Worker) lockExclusive(ctx context.Context, task *api.Task) (Fence, func(), error) {
	holder := lockHolder(w.cfg.WorkerID, task)
	token, err := w.cfg.Locks.Acquire(ctx, task.ExclusiveKey, holder, w.cfg.LockTTL)
	if err != nil {
		return Fence{}, nil, fmt.Errorf("exclusive key %s: %w", task.ExclusiveKey, err)
	}
	release := func() {
		if err := w.cfg.Locks.Release(context.WithoutCancel(ctx), task.ExclusiveKey, holder); err != nil {
			w.cfg.Logger.WarnContext(ctx, "exclusive_release_failed",
				slog.String("key", task.ExclusiveKey),
				slog.Any("error", err),
			)
		}
	}
	return Fence{Key: task.ExclusiveKey, Token: token}, release, nil
}
