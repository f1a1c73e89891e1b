package engine

import (
	"fmt"
	"time"

	"github.com/petrijr/flowgrid/pkg/api"
)

// decision is the next transition of an instance. At most one of submit and
// end is set.
type decision struct {
	submit []api.SubmittedStep
	end    api.EventKind
	reason string
}

func (d decision) empty() bool {
	return len(d.submit) == 0 && d.end == ""
}

// plan computes the next transition of a running instance:
//
//   - past its deadline, the instance fails;
//   - a failed required step is compensated if the definition says so, and
//     fails the instance otherwise;
//   - pending steps whose predecessors are all satisfied are submitted
//     together;
//   - once every regular step is satisfied and no compensation is running,
//     the instance completes.
func plan(def *api.WorkflowDefinition, inst *api.WorkflowInstance, now time.Time) decision {
	if inst.Status != api.StatusRunning {
		return decision{}
	}
	if !inst.Deadline.IsZero() && !now.Before(inst.Deadline) {
		return decision{end: api.EventWorkflowFailed, reason: api.ErrDeadlineExceeded.Error()}
	}

	var submit []api.SubmittedStep
	for _, s := range def.Steps {
		st := inst.Steps[s.ID]
		if st.Status != api.StepFailed {
			continue
		}
		if s.CompensateWith != "" && st.CompensatedBy == "" {
			submit = append(submit, api.SubmittedStep{
				StepID:          s.CompensateWith,
				TaskID:          taskID(inst.ID, s.CompensateWith),
				CompensationFor: s.ID,
			})
			continue
		}
		return decision{end: api.EventWorkflowFailed, reason: failureReason(s.ID, st)}
	}

	for _, s := range def.Steps {
		if s.Compensation || inst.Steps[s.ID].Status != api.StepPending {
			continue
		}
		if predecessorsSatisfied(s, inst) {
			submit = append(submit, api.SubmittedStep{StepID: s.ID, TaskID: taskID(inst.ID, s.ID)})
		}
	}
	if len(submit) > 0 {
		return decision{submit: submit}
	}

	for _, s := range def.Steps {
		st := inst.Steps[s.ID]
		if s.Compensation {
			if st.Status == api.StepSubmitted {
				return decision{}
			}
			continue
		}
		if !st.Status.Satisfied() {
			return decision{}
		}
	}
	return decision{end: api.EventWorkflowCompleted}
}

func predecessorsSatisfied(s api.StepDefinition, inst *api.WorkflowInstance) bool {
	for _, p := range s.Predecessors {
		if !inst.Steps[p].Status.Satisfied() {
			return false
		}
	}
	return true
}

func failureReason(stepID string, st *api.StepState) string {
	if st.CompensatedBy != "" {
		return fmt.Sprintf("step %s failed and its compensation %s failed: %s", stepID, st.CompensatedBy, st.Error)
	}
	return fmt.Sprintf("step %s failed: %s", stepID, st.Error)
}

// taskID is deterministic so that re-submitting a step after a crash finds
// the task that is already queued.
func taskID(instanceID, stepID string) string {
	return instanceID + "/" + stepID
}
