package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// Journal wraps a Queue and records every transition in the queue's stream
// of the event log. Settled tasks are handed to an OutcomeListener, and tasks
// that fail for good are reported to an audit sink.
//
// The wrapped queue is the source of truth for task state: a transition that
// succeeded is never undone because recording it failed. Such failures are
// logged, and consumers that must not miss an outcome poll Get.
type Journal struct {
	inner    Queue
	log      eventlog.Log
	listener OutcomeListener
	audit    api.AuditSink
	logger   *slog.Logger
}

// Ensure Journal implements Queue.
var _ Queue = (*Journal)(nil)

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithOutcomeListener sets the listener told about settled tasks.
func WithOutcomeListener(l OutcomeListener) JournalOption {
	return func(j *Journal) { j.listener = l }
}

// WithAuditSink sets the sink told about exhausted tasks.
func WithAuditSink(a api.AuditSink) JournalOption {
	return func(j *Journal) { j.audit = a }
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) JournalOption {
	return func(j *Journal) { j.logger = l }
}

// NewJournal returns a recording Queue around inner.
func NewJournal(inner Queue, log eventlog.Log, opts ...JournalOption) *Journal {
	j := &Journal{inner: inner, log: log, logger: slog.Default()}
	for _, o := range opts {
		o(j)
	}
	return j
}

// SetOutcomeListener replaces the listener. It exists for wiring cycles where
// the listener is built after the queue.
func (j *Journal) SetOutcomeListener(l OutcomeListener) {
	j.listener = l
}

func (j *Journal) Enqueue(ctx context.Context, t api.Task) (string, error) {
	id, err := j.inner.Enqueue(ctx, t)
	if err != nil {
		return "", err
	}
	j.record(ctx, api.EventTaskEnqueued, api.TaskEventPayload{
		TaskID:     id,
		Queue:      t.Queue,
		State:      api.TaskPending,
		Attempts:   1,
		NotBefore:  t.NotBefore,
		InstanceID: t.InstanceID,
		StepID:     t.StepID,
	})
	return id, nil
}

func (j *Journal) Lease(ctx context.Context, queue, nodeID string, leaseDuration time.Duration) (*api.Task, error) {
	t, err := j.inner.Lease(ctx, queue, nodeID, leaseDuration)
	if err != nil || t == nil {
		return t, err
	}
	if t.ReclaimedFrom != "" {
		reclaimed := payloadOf(t, "lease expired")
		reclaimed.NodeID = t.ReclaimedFrom
		j.record(ctx, api.EventTaskReclaimed, reclaimed)
	}
	j.record(ctx, api.EventTaskLeased, payloadOf(t, ""))
	return t, nil
}

func (j *Journal) Ack(ctx context.Context, taskID, owner string, result []byte) (*api.Task, error) {
	t, err := j.inner.Ack(ctx, taskID, owner, result)
	if err != nil {
		return nil, err
	}
	j.record(ctx, api.EventTaskAcked, payloadOf(t, ""))
	j.settled(ctx, t)
	return t, nil
}

func (j *Journal) Fail(ctx context.Context, taskID, owner, reason string) (*api.Task, error) {
	t, err := j.inner.Fail(ctx, taskID, owner, reason)
	if err != nil {
		return nil, err
	}
	failed := payloadOf(t, reason)
	failed.NodeID = owner
	j.record(ctx, api.EventTaskFailed, failed)
	if t.State == api.TaskPending {
		j.record(ctx, api.EventTaskRetryScheduled, payloadOf(t, reason))
		return t, nil
	}
	j.exhausted(ctx, t)
	return t, nil
}

func (j *Journal) Defer(ctx context.Context, taskID, owner string, delay time.Duration) (*api.Task, error) {
	t, err := j.inner.Defer(ctx, taskID, owner, delay)
	if err != nil {
		return nil, err
	}
	deferred := payloadOf(t, "")
	deferred.NodeID = owner
	j.record(ctx, api.EventTaskDeferred, deferred)
	return t, nil
}

func (j *Journal) Extend(ctx context.Context, taskID, owner string, leaseDuration time.Duration) error {
	return j.inner.Extend(ctx, taskID, owner, leaseDuration)
}

func (j *Journal) ReapExpired(ctx context.Context) ([]*api.Task, error) {
	reaped, err := j.inner.ReapExpired(ctx)
	for _, t := range reaped {
		if t.State == api.TaskPending {
			j.record(ctx, api.EventTaskReclaimed, payloadOf(t, "lease expired"))
			continue
		}
		j.exhausted(ctx, t)
	}
	return reaped, err
}

func (j *Journal) Get(ctx context.Context, taskID string) (*api.Task, error) {
	return j.inner.Get(ctx, taskID)
}

func (j *Journal) Len(ctx context.Context, queue string) (int, error) {
	return j.inner.Len(ctx, queue)
}

func (j *Journal) exhausted(ctx context.Context, t *api.Task) {
	j.record(ctx, api.EventTaskExhausted, payloadOf(t, t.LastError))
	j.logger.WarnContext(ctx, "task_exhausted",
		slog.String("task_id", t.ID),
		slog.String("queue", t.Queue),
		slog.Int("attempts", t.Attempts),
		slog.String("reason", t.LastError),
	)
	if j.audit != nil {
		rec := api.AuditRecord{
			At:       t.UpdatedAt,
			Action:   api.AuditTaskExhausted,
			Resource: t.ID,
			Detail:   fmt.Sprintf("queue=%s attempts=%d error=%s", t.Queue, t.Attempts, t.LastError),
		}
		if err := j.audit.Record(ctx, rec); err != nil {
			j.logger.ErrorContext(ctx, "audit_record_failed", slog.String("task_id", t.ID), slog.Any("error", err))
		}
	}
	j.settled(ctx, t)
}

func (j *Journal) settled(ctx context.Context, t *api.Task) {
	if j.listener == nil {
		return
	}
	if err := j.listener.HandleTaskOutcome(ctx, t.Clone()); err != nil {
		j.logger.ErrorContext(ctx, "task_outcome_failed",
			slog.String("task_id", t.ID),
			slog.Any("error", err),
		)
	}
}

func (j *Journal) record(ctx context.Context, kind api.EventKind, p api.TaskEventPayload) {
	data, err := persistence.EncodeValue(p)
	if err == nil {
		_, err = j.log.Append(ctx, api.QueueStream(p.Queue), kind, data)
	}
	if err != nil {
		j.logger.ErrorContext(ctx, "queue_journal_failed",
			slog.String("kind", string(kind)),
			slog.String("task_id", p.TaskID),
			slog.Any("error", err),
		)
	}
}

func payloadOf(t *api.Task, reason string) api.TaskEventPayload {
	return api.TaskEventPayload{
		TaskID:     t.ID,
		Queue:      t.Queue,
		NodeID:     t.LeaseOwner,
		State:      t.State,
		Attempts:   t.Attempts,
		Reason:     reason,
		NotBefore:  t.NotBefore,
		InstanceID: t.InstanceID,
		StepID:     t.StepID,
	}
}
