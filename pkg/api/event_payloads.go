package api

import "time"

// Payloads of the events written by the components. They are JSON encoded.

// WorkflowStartedPayload opens an instance stream.
type WorkflowStartedPayload struct {
	InstanceID   string    `json:"instance_id"`
	DefinitionID string    `json:"definition_id"`
	Version      string    `json:"version"`
	Input        []byte    `json:"input,omitempty"`
	Principal    string    `json:"principal,omitempty"`
	Deadline     time.Time `json:"deadline,omitzero"`
}

// SubmittedStep is one entry of a step.submitted batch.
type SubmittedStep struct {
	StepID string `json:"step_id"`
	TaskID string `json:"task_id"`

	// CompensationFor names the failed step this step compensates.
	CompensationFor string `json:"compensation_for,omitempty"`
}

// StepSubmittedPayload records every step made eligible by one transition.
type StepSubmittedPayload struct {
	Steps []SubmittedStep `json:"steps"`
}

// StepOutcomePayload records a settled step task.
type StepOutcomePayload struct {
	StepID   string        `json:"step_id"`
	TaskID   string        `json:"task_id"`
	Output   []byte        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration,omitempty"`
}

// WorkflowEndedPayload closes an instance stream.
type WorkflowEndedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// TaskEventPayload records a task transition in a queue stream.
type TaskEventPayload struct {
	TaskID     string    `json:"task_id"`
	Queue      string    `json:"queue"`
	NodeID     string    `json:"node_id,omitempty"`
	State      TaskState `json:"state"`
	Attempts   int       `json:"attempts"`
	Reason     string    `json:"reason,omitempty"`
	NotBefore  time.Time `json:"not_before,omitzero"`
	InstanceID string    `json:"instance_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
}

// LockEventPayload records a grant or release in a lock stream.
type LockEventPayload struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	Token     uint64    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// NodeEventPayload records a membership change in the cluster stream.
type NodeEventPayload struct {
	NodeID   string     `json:"node_id"`
	Capacity int        `json:"capacity,omitempty"`
	From     NodeStatus `json:"from,omitempty"`
	To       NodeStatus `json:"to,omitempty"`
	At       time.Time  `json:"at"`
}

// CheckpointPayload records a consumer's acknowledged positions, keyed by
// stream ID. Each value is the next sequence to read.
type CheckpointPayload struct {
	Cursors map[string]uint64 `json:"cursors"`
}
