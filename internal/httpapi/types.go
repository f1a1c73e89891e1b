package httpapi

import (
	"encoding/json"
	"time"

	"github.com/petrijr/flowgrid/pkg/api"
)

// Request and response bodies shared by Server and Client.

type startRequest struct {
	DefinitionID string          `json:"definition_id"`
	Version      string          `json:"version,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
}

type startResponse struct {
	InstanceID string `json:"instance_id"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type submitRequest struct {
	ID           string           `json:"id,omitempty"`
	Payload      []byte           `json:"payload,omitempty"`
	MaxAttempts  int              `json:"max_attempts,omitempty"`
	Retry        *api.RetryPolicy `json:"retry,omitempty"`
	ExclusiveKey string           `json:"exclusive_key,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type leaseRequest struct {
	NodeID        string        `json:"node_id"`
	LeaseDuration time.Duration `json:"lease_duration"`
}

type ackRequest struct {
	Owner  string `json:"owner"`
	Result []byte `json:"result,omitempty"`
}

type failRequest struct {
	Owner  string `json:"owner"`
	Reason string `json:"reason"`
}

type extendRequest struct {
	Owner         string        `json:"owner"`
	LeaseDuration time.Duration `json:"lease_duration"`
}

type deferRequest struct {
	Owner string        `json:"owner"`
	Delay time.Duration `json:"delay"`
}

type joinRequest struct {
	NodeID   string `json:"node_id"`
	Capacity int    `json:"capacity"`
}
