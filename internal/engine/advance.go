package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// advance applies the next transition of an instance, if any.
//
// When a lock manager is configured the instance is locked first. If
// another engine holds the lock it is advancing the instance already and
// advance returns without doing anything. Each call locks under its own
// holder so concurrent calls inside one engine exclude each other too.
func (e *Engine) advance(ctx context.Context, instanceID string) error {
	if e.locks != nil {
		key := "instance:" + instanceID
		holder := e.id + "/" + uuid.NewString()
		if _, err := e.locks.Acquire(ctx, key, holder, e.lockTTL); err != nil {
			if errors.Is(err, api.ErrAlreadyHeld) {
				e.logger.DebugContext(ctx, "advance_skipped", slog.String("instance_id", instanceID))
				return nil
			}
			return fmt.Errorf("lock instance %s: %w", instanceID, err)
		}
		defer func() {
			if err := e.locks.Release(context.WithoutCancel(ctx), key, holder); err != nil {
				e.logger.WarnContext(ctx, "instance_unlock_failed",
					slog.String("instance_id", instanceID),
					slog.Any("error", err),
				)
			}
		}()
	}

	var (
		inst      *api.WorkflowInstance
		def       *api.WorkflowDefinition
		submitted []api.SubmittedStep
		ended     bool
	)
	err := persistence.RetryOnConflict(ctx, persistence.DefaultConflictRetry, func() error {
		var err error
		inst, def, err = e.load(ctx, instanceID)
		if err != nil {
			return err
		}
		d := plan(def, inst, e.clock())
		if d.empty() {
			return nil
		}
		if len(d.submit) > 0 {
			if _, err := e.appendEvent(ctx, inst, api.EventStepSubmitted, api.StepSubmittedPayload{Steps: d.submit}); err != nil {
				return err
			}
			submitted = d.submit
			return nil
		}
		ev, err := e.appendEvent(ctx, inst, d.end, api.WorkflowEndedPayload{Reason: d.reason})
		if err != nil {
			return err
		}
		ended = true
		return apply(def, inst, ev)
	})
	if err != nil {
		return err
	}

	if ended {
		e.finished(ctx, inst)
		return nil
	}

	var errs error
	for _, s := range submitted {
		if err := e.enqueue(ctx, def, inst, s); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		e.observer.OnStepSubmitted(ctx, inst, s.StepID)
	}
	return errs
}

// enqueue submits the task of a step. A task that is already queued under
// the same deterministic ID is left alone.
func (e *Engine) enqueue(ctx context.Context, def *api.WorkflowDefinition, inst *api.WorkflowInstance, s api.SubmittedStep) error {
	sd, ok := def.Step(s.StepID)
	if !ok {
		return fmt.Errorf("instance %s: unknown step %s", inst.ID, s.StepID)
	}

	payload := api.StepPayload{
		InstanceID:      inst.ID,
		DefinitionID:    inst.DefinitionID,
		StepID:          sd.ID,
		Input:           api.RawJSON(inst.Input),
		Params:          sd.Params,
		CompensationFor: s.CompensationFor,
	}
	inputs := sd.Predecessors
	if s.CompensationFor != "" {
		// A compensation sees every completed step.
		inputs = nil
		for id, st := range inst.Steps {
			if st.Status == api.StepCompleted {
				inputs = append(inputs, id)
			}
		}
	}
	for _, p := range inputs {
		if out := inst.Steps[p].Output; len(out) > 0 {
			if payload.Results == nil {
				payload.Results = make(map[string]json.RawMessage, len(inputs))
			}
			payload.Results[p] = api.RawJSON(out)
		}
	}
	data, err := payload.Encode()
	if err != nil {
		return err
	}

	task := api.Task{
		ID:           s.TaskID,
		Queue:        sd.Queue,
		Payload:      data,
		MaxAttempts:  sd.MaxAttempts,
		InstanceID:   inst.ID,
		StepID:       sd.ID,
		ExclusiveKey: sd.ExclusiveKey,
	}
	if sd.Retry != nil {
		task.Retry = *sd.Retry
	}
	if _, err := e.queue.Enqueue(ctx, task); err != nil && !errors.Is(err, api.ErrTaskExists) {
		return fmt.Errorf("enqueue step %s of %s: %w", sd.ID, inst.ID, err)
	}
	return nil
}

// HandleTaskOutcome records the outcome of a settled step task and advances
// the instance. Outcomes of tasks the engine did not submit, and outcomes
// already recorded, are ignored. Outcomes arriving after cancellation are
// still recorded.
func (e *Engine) HandleTaskOutcome(ctx context.Context, task *api.Task) error {
	if task == nil || task.InstanceID == "" || !task.State.Terminal() {
		return nil
	}

	var (
		inst     *api.WorkflowInstance
		recorded bool
		stepErr  error
	)
	err := persistence.RetryOnConflict(ctx, persistence.DefaultConflictRetry, func() error {
		var (
			def *api.WorkflowDefinition
			err error
		)
		inst, def, err = e.load(ctx, task.InstanceID)
		if err != nil {
			return err
		}
		st, ok := inst.Steps[task.StepID]
		if !ok || st.TaskID != task.ID || st.Status != api.StepSubmitted {
			return nil
		}

		outcome := api.StepOutcomePayload{
			StepID:   task.StepID,
			TaskID:   task.ID,
			Attempts: task.Attempts,
			Duration: task.UpdatedAt.Sub(task.CreatedAt),
		}
		kind := api.EventStepCompleted
		if task.State == api.TaskAcked {
			outcome.Output = task.Result
		} else {
			kind = api.EventStepFailed
			outcome.Error = task.LastError
			stepErr = fmt.Errorf("%w: %s", api.ErrRetryExhausted, task.LastError)
		}
		ev, err := e.appendEvent(ctx, inst, kind, outcome)
		if err != nil {
			return err
		}
		recorded = true
		return apply(def, inst, ev)
	})
	if err != nil {
		return fmt.Errorf("record outcome of %s: %w", task.ID, err)
	}
	if recorded {
		e.observer.OnStepCompleted(ctx, inst, task.StepID, stepErr, task.UpdatedAt.Sub(task.CreatedAt))
	}
	return e.advance(ctx, task.InstanceID)
}

// Reconcile makes one pass over the non-terminal instances. For each it
// records outcomes of settled tasks that were never delivered, re-enqueues
// submitted tasks missing from the queue and then advances the instance,
// which also enforces its deadline.
func (e *Engine) Reconcile(ctx context.Context) error {
	ids, err := e.instanceIDs(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := e.reconcileInstance(ctx, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconcile %s: %w", id, err))
		}
	}
	return errs
}

func (e *Engine) reconcileInstance(ctx context.Context, instanceID string) error {
	inst, def, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}

	stepIDs := make([]string, 0, len(inst.Steps))
	for id, st := range inst.Steps {
		if st.Status == api.StepSubmitted {
			stepIDs = append(stepIDs, id)
		}
	}
	sort.Strings(stepIDs)

	for _, stepID := range stepIDs {
		st := inst.Steps[stepID]
		task, err := e.queue.Get(ctx, st.TaskID)
		if errors.Is(err, api.ErrTaskNotFound) {
			s := api.SubmittedStep{StepID: stepID, TaskID: st.TaskID, CompensationFor: compensatedBy(inst, stepID)}
			if err := e.enqueue(ctx, def, inst, s); err != nil {
				return err
			}
			e.logger.InfoContext(ctx, "step_resubmitted",
				slog.String("instance_id", instanceID),
				slog.String("step", stepID),
			)
			continue
		}
		if err != nil {
			return err
		}
		if task.State.Terminal() {
			if err := e.HandleTaskOutcome(ctx, task); err != nil {
				return err
			}
		}
	}
	return e.advance(ctx, instanceID)
}

// compensatedBy returns the step that compStepID compensates, or "".
func compensatedBy(inst *api.WorkflowInstance, compStepID string) string {
	for id, st := range inst.Steps {
		if st.CompensatedBy == compStepID {
			return id
		}
	}
	return ""
}

// Run reconciles on an interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil && ctx.Err() == nil {
				e.logger.ErrorContext(ctx, "reconcile_failed", slog.Any("error", err))
			}
		}
	}
}
