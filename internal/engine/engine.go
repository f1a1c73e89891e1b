// Package engine drives workflow instances through their definitions.
//
// The engine keeps no state of its own. Each instance is the fold of its
// stream in the event log; every transition is an append conditioned on
// the sequence the decision was based on, so several engine processes can
// work on the same instances and the losers of a race simply re-read and
// decide again.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/lock"
	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/internal/taskqueue"
	"github.com/petrijr/flowgrid/pkg/api"
)

// DefaultReconcileInterval is how often Run reconciles.
const DefaultReconcileInterval = time.Second

// Config describes how to construct an Engine. Log and Queue are required.
type Config struct {
	Log   eventlog.Log
	Queue taskqueue.Queue

	// Locks, if set, serialises advancement of each instance across engine
	// processes.
	Locks   lock.Manager
	LockTTL time.Duration

	Observer   api.Observer
	Notifier   api.Notifier
	Authorizer api.Authorizer
	Logger     *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time

	ReconcileInterval time.Duration

	// EngineID identifies this process as a lock holder. Generated if empty.
	EngineID string
}

// Engine implements api.Engine on top of an event log and a task queue.
type Engine struct {
	log      eventlog.Log
	queue    taskqueue.Queue
	locks    lock.Manager
	lockTTL  time.Duration
	defs     *definitionStore
	observer api.Observer
	notifier api.Notifier
	authz    api.Authorizer
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	id       string
}

var (
	_ api.Engine                = (*Engine)(nil)
	_ taskqueue.OutcomeListener = (*Engine)(nil)
)

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Log == nil {
		return nil, errors.New("engine: event log is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: task queue is required")
	}
	e := &Engine{
		log:      cfg.Log,
		queue:    cfg.Queue,
		locks:    cfg.Locks,
		lockTTL:  cfg.LockTTL,
		observer: cfg.Observer,
		notifier: cfg.Notifier,
		authz:    cfg.Authorizer,
		logger:   cfg.Logger,
		now:      cfg.Now,
		interval: cfg.ReconcileInterval,
		id:       cfg.EngineID,
	}
	if e.lockTTL <= 0 {
		e.lockTTL = lock.DefaultTTL
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.notifier == nil {
		e.notifier = api.NoopNotifier{}
	}
	if e.authz == nil {
		e.authz = api.AllowAll{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.interval <= 0 {
		e.interval = DefaultReconcileInterval
	}
	if e.id == "" {
		e.id = "engine-" + uuid.NewString()
	}
	e.defs = newDefinitionStore(e.log, e.clock)
	return e, nil
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

func (e *Engine) RegisterDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	version, err := e.defs.register(ctx, def)
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "definition_registered",
		slog.String("workflow", def.ID),
		slog.String("version", version),
	)
	return nil
}

func (e *Engine) Definition(ctx context.Context, id, version string) (*api.WorkflowDefinition, error) {
	return e.defs.get(ctx, id, version)
}

func (e *Engine) StartWorkflow(ctx context.Context, definitionID string, input []byte) (string, error) {
	return e.StartWorkflowVersion(ctx, definitionID, "", input)
}

func (e *Engine) StartWorkflowVersion(ctx context.Context, definitionID, version string, input []byte) (string, error) {
	principal := api.PrincipalFromContext(ctx)
	ok, err := e.authz.Authorize(ctx, api.AuthRequest{
		Principal:    principal,
		Action:       api.ActionStartWorkflow,
		DefinitionID: definitionID,
	})
	if err != nil {
		return "", fmt.Errorf("authorize start of %s: %w", definitionID, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %q may not start %s", api.ErrUnauthorized, principal, definitionID)
	}

	def, err := e.defs.get(ctx, definitionID, version)
	if err != nil {
		return "", err
	}

	now := e.clock()
	started := api.WorkflowStartedPayload{
		InstanceID:   uuid.NewString(),
		DefinitionID: def.ID,
		Version:      def.Version,
		Input:        input,
		Principal:    principal,
	}
	if def.Deadline > 0 {
		started.Deadline = now.Add(def.Deadline)
	}
	data, err := persistence.EncodeValue(started)
	if err != nil {
		return "", err
	}
	stream := api.WorkflowStream(started.InstanceID)
	if _, err := e.log.Append(ctx, stream, api.EventWorkflowStarted, data,
		eventlog.ExpectNext(0), eventlog.At(now)); err != nil {
		return "", fmt.Errorf("start %s: %w", def.ID, err)
	}

	if inst, _, err := e.load(ctx, started.InstanceID); err == nil {
		e.observer.OnWorkflowStart(ctx, inst)
	}
	if err := e.advance(ctx, started.InstanceID); err != nil {
		// The instance exists; Reconcile finishes what advance could not.
		e.logger.WarnContext(ctx, "advance_failed",
			slog.String("instance_id", started.InstanceID),
			slog.Any("error", err),
		)
	}
	return started.InstanceID, nil
}

func (e *Engine) CancelWorkflow(ctx context.Context, instanceID, reason string) error {
	var cancelled *api.WorkflowInstance
	err := persistence.RetryOnConflict(ctx, persistence.DefaultConflictRetry, func() error {
		inst, def, err := e.load(ctx, instanceID)
		if err != nil {
			return err
		}
		switch inst.Status {
		case api.StatusCancelled:
			return nil
		case api.StatusCompleted, api.StatusFailed:
			return fmt.Errorf("%w: instance %s is %s", api.ErrInvalidTransition, instanceID, inst.Status)
		}
		ev, err := e.appendEvent(ctx, inst, api.EventWorkflowCancelled, api.WorkflowEndedPayload{Reason: reason})
		if err != nil {
			return err
		}
		if err := apply(def, inst, ev); err != nil {
			return err
		}
		cancelled = inst
		return nil
	})
	if err != nil {
		return err
	}
	if cancelled != nil {
		e.finished(ctx, cancelled)
	}
	return nil
}

func (e *Engine) GetWorkflowStatus(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	inst, _, err := e.load(ctx, instanceID)
	return inst, err
}

func (e *Engine) Replay(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	inst, _, err := e.load(ctx, instanceID)
	return inst, err
}

func (e *Engine) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	ids, err := e.instanceIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []*api.WorkflowInstance
	for _, id := range ids {
		inst, _, err := e.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if opts.DefinitionID != "" && inst.DefinitionID != opts.DefinitionID {
			continue
		}
		if opts.Status != "" && inst.Status != opts.Status {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (e *Engine) instanceIDs(ctx context.Context) ([]string, error) {
	streams, err := e.log.Streams(ctx, api.StreamPrefixWorkflow)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(streams))
	for _, s := range streams {
		if id, ok := api.InstanceIDFromStream(s); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// load folds the stream of instanceID.
func (e *Engine) load(ctx context.Context, instanceID string) (*api.WorkflowInstance, *api.WorkflowDefinition, error) {
	events, err := eventlog.ReadAll(ctx, e.log, api.WorkflowStream(instanceID), 0)
	if err != nil {
		return nil, nil, fmt.Errorf("read instance %s: %w", instanceID, err)
	}
	if len(events) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, instanceID)
	}
	started, err := persistence.DecodeValue[api.WorkflowStartedPayload](events[0].Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decode start of %s: %w", instanceID, err)
	}
	def, err := e.defs.get(ctx, started.DefinitionID, started.Version)
	if err != nil {
		return nil, nil, err
	}
	inst, err := fold(def, events)
	if err != nil {
		return nil, nil, fmt.Errorf("fold instance %s: %w", instanceID, err)
	}
	return inst, def, nil
}

// appendEvent appends to the instance stream, conditioned on inst being the
// latest state.
func (e *Engine) appendEvent(ctx context.Context, inst *api.WorkflowInstance, kind api.EventKind, payload any) (api.Event, error) {
	data, err := persistence.EncodeValue(payload)
	if err != nil {
		return api.Event{}, err
	}
	return e.log.Append(ctx, api.WorkflowStream(inst.ID), kind, data,
		eventlog.ExpectNext(inst.Sequence+1), eventlog.At(e.clock()))
}

// finished tells the observer and the notifier about a terminal instance.
func (e *Engine) finished(ctx context.Context, inst *api.WorkflowInstance) {
	switch inst.Status {
	case api.StatusCompleted:
		e.observer.OnWorkflowCompleted(ctx, inst)
	case api.StatusFailed:
		err := errors.New(inst.Reason)
		if inst.Reason == api.ErrDeadlineExceeded.Error() {
			err = api.ErrDeadlineExceeded
		}
		e.observer.OnWorkflowFailed(ctx, inst, err)
	case api.StatusCancelled:
		e.observer.OnWorkflowCancelled(ctx, inst)
	}
	if err := e.notifier.WorkflowFinished(ctx, inst.Clone()); err != nil {
		e.logger.ErrorContext(ctx, "notify_failed",
			slog.String("instance_id", inst.ID),
			slog.Any("error", err),
		)
	}
}
