package api

import (
	"encoding/json"
	"fmt"
)

// StepPayload is the payload of tasks submitted by the workflow engine.
// Workers decode it with DecodeStepPayload.
type StepPayload struct {
	InstanceID   string          `json:"instance_id"`
	DefinitionID string          `json:"definition_id"`
	StepID       string          `json:"step_id"`
	Input        json.RawMessage `json:"input,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`

	// Results holds the outputs of the step's completed predecessors.
	Results map[string]json.RawMessage `json:"results,omitempty"`

	// CompensationFor is set when the step compensates a failed step.
	CompensationFor string `json:"compensation_for,omitempty"`
}

// Encode returns the JSON form of p.
func (p StepPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeStepPayload parses the payload of an engine-submitted task.
func DecodeStepPayload(data []byte) (StepPayload, error) {
	var p StepPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return StepPayload{}, fmt.Errorf("decode step payload: %w", err)
	}
	return p, nil
}

// RawJSON returns b as a JSON value: unchanged when it is valid JSON, as a
// base64 string otherwise, and nil when b is empty.
func RawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	enc, err := json.Marshal(b)
	if err != nil {
		return nil
	}
	return json.RawMessage(enc)
}
