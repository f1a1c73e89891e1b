package engine

import (
	"fmt"

	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// fold rebuilds an instance from its events. It reads nothing but def and
// events, so folding the same stream twice yields the same state.
func fold(def *api.WorkflowDefinition, events []api.Event) (*api.WorkflowInstance, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: empty stream", api.ErrInstanceNotFound)
	}
	if events[0].Kind != api.EventWorkflowStarted {
		return nil, fmt.Errorf("stream %s starts with %s", events[0].StreamID, events[0].Kind)
	}

	var inst *api.WorkflowInstance
	for _, ev := range events {
		if inst == nil {
			p, err := persistence.DecodeValue[api.WorkflowStartedPayload](ev.Payload)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", ev.Kind, err)
			}
			inst = &api.WorkflowInstance{
				ID:           p.InstanceID,
				DefinitionID: p.DefinitionID,
				Version:      p.Version,
				Input:        p.Input,
				Status:       api.StatusRunning,
				Steps:        make(map[string]*api.StepState, len(def.Steps)),
				CreatedAt:    ev.Timestamp,
				UpdatedAt:    ev.Timestamp,
				Deadline:     p.Deadline,
				Sequence:     ev.Sequence,
			}
			for _, s := range def.Steps {
				inst.Steps[s.ID] = &api.StepState{Status: api.StepPending}
			}
			continue
		}
		if err := apply(def, inst, ev); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// apply folds a single event into inst.
func apply(def *api.WorkflowDefinition, inst *api.WorkflowInstance, ev api.Event) error {
	switch ev.Kind {
	case api.EventStepSubmitted:
		p, err := persistence.DecodeValue[api.StepSubmittedPayload](ev.Payload)
		if err != nil {
			return fmt.Errorf("decode %s: %w", ev.Kind, err)
		}
		for _, s := range p.Steps {
			st := stepState(inst, s.StepID)
			st.Status = api.StepSubmitted
			st.TaskID = s.TaskID
			st.Error = ""
			if s.CompensationFor != "" {
				failed := stepState(inst, s.CompensationFor)
				failed.Status = api.StepCompensating
				failed.CompensatedBy = s.StepID
			}
		}

	case api.EventStepCompleted:
		p, err := persistence.DecodeValue[api.StepOutcomePayload](ev.Payload)
		if err != nil {
			return fmt.Errorf("decode %s: %w", ev.Kind, err)
		}
		st := stepState(inst, p.StepID)
		st.Status = api.StepCompleted
		st.Output = p.Output
		st.Error = ""
		if target := compensationTarget(inst, p.StepID); target != nil {
			target.Status = api.StepCompensated
		}

	case api.EventStepFailed:
		p, err := persistence.DecodeValue[api.StepOutcomePayload](ev.Payload)
		if err != nil {
			return fmt.Errorf("decode %s: %w", ev.Kind, err)
		}
		st := stepState(inst, p.StepID)
		st.Error = p.Error
		sd, _ := def.Step(p.StepID)
		switch {
		case sd.Compensation:
			// A failed compensation leaves its target failed for good.
			st.Status = api.StepFailed
			if target := compensationTarget(inst, p.StepID); target != nil {
				target.Status = api.StepFailed
			}
		case sd.Optional:
			st.Status = api.StepSkipped
		default:
			st.Status = api.StepFailed
		}

	case api.EventWorkflowCompleted, api.EventWorkflowFailed, api.EventWorkflowCancelled:
		p, err := persistence.DecodeValue[api.WorkflowEndedPayload](ev.Payload)
		if err != nil {
			return fmt.Errorf("decode %s: %w", ev.Kind, err)
		}
		inst.Reason = p.Reason
		switch ev.Kind {
		case api.EventWorkflowCompleted:
			inst.Status = api.StatusCompleted
		case api.EventWorkflowFailed:
			inst.Status = api.StatusFailed
		default:
			inst.Status = api.StatusCancelled
		}
	}

	inst.Sequence = ev.Sequence
	inst.UpdatedAt = ev.Timestamp
	return nil
}

func stepState(inst *api.WorkflowInstance, stepID string) *api.StepState {
	st, ok := inst.Steps[stepID]
	if !ok {
		st = &api.StepState{Status: api.StepPending}
		inst.Steps[stepID] = st
	}
	return st
}

// compensationTarget returns the step that compStepID is compensating.
func compensationTarget(inst *api.WorkflowInstance, compStepID string) *api.StepState {
	for _, st := range inst.Steps {
		if st.CompensatedBy == compStepID && st.Status == api.StepCompensating {
			return st
		}
	}
	return nil
}
