package api

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validDefinition() WorkflowDefinition {
	return WorkflowDefinition{
		ID: "order",
		Steps: []StepDefinition{
			{ID: "reserve", Queue: "inventory"},
			{ID: "charge", Queue: "payments", Predecessors: []string{"reserve"}, CompensateWith: "refund"},
			{ID: "refund", Queue: "payments", Compensation: true},
			{ID: "ship", Queue: "shipping", Predecessors: []string{"charge"}},
		},
	}
}

func TestValidate_AcceptsDAG(t *testing.T) {
	def := validDefinition()
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*WorkflowDefinition)
		want   string
	}{
		{"missing id", func(d *WorkflowDefinition) { d.ID = "" }, "id is required"},
		{"at sign in id", func(d *WorkflowDefinition) { d.ID = "a@b" }, "'@'"},
		{"at sign in version", func(d *WorkflowDefinition) { d.Version = "v@1" }, "'@'"},
		{"no steps", func(d *WorkflowDefinition) { d.Steps = nil }, "at least one step"},
		{"empty step id", func(d *WorkflowDefinition) { d.Steps[0].ID = "" }, "step id is required"},
		{"no queue", func(d *WorkflowDefinition) { d.Steps[0].Queue = "" }, "has no queue"},
		{"duplicate step", func(d *WorkflowDefinition) { d.Steps[3].ID = "reserve" }, "duplicate step"},
		{"unknown predecessor", func(d *WorkflowDefinition) { d.Steps[3].Predecessors = []string{"pack"} }, "unknown predecessor"},
		{"depends on compensation", func(d *WorkflowDefinition) { d.Steps[3].Predecessors = []string{"refund"} }, "depends on compensation"},
		{"compensation with predecessors", func(d *WorkflowDefinition) { d.Steps[2].Predecessors = []string{"reserve"} }, "cannot have predecessors"},
		{"unknown compensation", func(d *WorkflowDefinition) { d.Steps[1].CompensateWith = "void" }, "unknown step"},
		{"unmarked compensation", func(d *WorkflowDefinition) { d.Steps[1].CompensateWith = "ship" }, "not marked"},
		{"shared compensation", func(d *WorkflowDefinition) { d.Steps[3].CompensateWith = "refund" }, "shared by"},
		{"cycle", func(d *WorkflowDefinition) { d.Steps[0].Predecessors = []string{"ship"} }, "cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			err := def.Validate()
			if !errors.Is(err, ErrDefinitionInvalid) {
				t.Fatalf("expected ErrDefinitionInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a, b := validDefinition(), validDefinition()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("identical definitions have different fingerprints")
	}
	b.Steps[0].Queue = "warehouse"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("changed definition kept its fingerprint")
	}
	b = validDefinition()
	b.Deadline = time.Hour
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("deadline does not affect the fingerprint")
	}
}

func TestWorkflowInstance_CloneIsDeep(t *testing.T) {
	inst := &WorkflowInstance{
		ID:    "i1",
		Input: []byte("in"),
		Steps: map[string]*StepState{"a": {Status: StepCompleted, Output: []byte("out")}},
	}
	cp := inst.Clone()
	cp.Input[0] = 'X'
	cp.Steps["a"].Status = StepFailed
	cp.Steps["a"].Output[0] = 'X'
	if string(inst.Input) != "in" || inst.Steps["a"].Status != StepCompleted || string(inst.Steps["a"].Output) != "out" {
		t.Fatalf("clone shares state with the original: %+v", inst.Steps["a"])
	}
}

func TestStepStatus_Satisfied(t *testing.T) {
	for _, s := range []StepStatus{StepCompleted, StepSkipped, StepCompensated} {
		if !s.Satisfied() {
			t.Errorf("%s should satisfy successors", s)
		}
	}
	for _, s := range []StepStatus{StepPending, StepSubmitted, StepFailed, StepCompensating} {
		if s.Satisfied() {
			t.Errorf("%s should not satisfy successors", s)
		}
	}
}
