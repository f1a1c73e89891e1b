package flowgrid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/flowgrid/pkg/api"
	"github.com/petrijr/flowgrid/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	StepDefinition       = api.StepDefinition
	WorkflowInstance     = api.WorkflowInstance
	StepState            = api.StepState
	InstanceListOptions  = api.InstanceListOptions
	Status               = api.Status
	StepStatus           = api.StepStatus
	Task                 = api.Task
	StepPayload          = api.StepPayload
	RetryPolicy          = api.RetryPolicy
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	Notifier             = api.Notifier
	AuditSink            = api.AuditSink
	Authorizer           = api.Authorizer
	Handler              = worker.Handler
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	DecodeStepPayload    = api.DecodeStepPayload
	WithPrincipal        = api.WithPrincipal
)

// Re-export status values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled
)

// Re-export the errors callers are expected to match with errors.Is.

var (
	ErrDefinitionInvalid  = api.ErrDefinitionInvalid
	ErrDefinitionNotFound = api.ErrDefinitionNotFound
	ErrInstanceNotFound   = api.ErrInstanceNotFound
	ErrInvalidTransition  = api.ErrInvalidTransition
	ErrUnauthorized       = api.ErrUnauthorized
	ErrDeadlineExceeded   = api.ErrDeadlineExceeded
)

// DefaultWaitInterval is the polling interval used by Wait.
const DefaultWaitInterval = 50 * time.Millisecond

// Start JSON-encodes input and starts the latest version of a definition.
// A nil input starts the instance without input.
func Start(ctx context.Context, eng Engine, definitionID string, input any) (string, error) {
	var data []byte
	if input != nil {
		var err error
		if data, err = json.Marshal(input); err != nil {
			return "", fmt.Errorf("encode input: %w", err)
		}
	}
	return eng.StartWorkflow(ctx, definitionID, data)
}

// GetInstance fetches the folded state of an instance.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetWorkflowStatus(ctx, id)
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// Cancel stops further step submissions for an instance.
func Cancel(ctx context.Context, eng Engine, id, reason string) error {
	return eng.CancelWorkflow(ctx, id, reason)
}

// Wait polls an instance until it reaches a terminal status or ctx is done.
func Wait(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	ticker := time.NewTicker(DefaultWaitInterval)
	defer ticker.Stop()
	for {
		inst, err := eng.GetWorkflowStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StepResult decodes the JSON output of a completed step into out.
func StepResult(inst *WorkflowInstance, stepID string, out any) error {
	s, ok := inst.Steps[stepID]
	if !ok {
		return fmt.Errorf("instance %s has no step %q", inst.ID, stepID)
	}
	if s.Status != api.StepCompleted {
		return fmt.Errorf("step %s is %s: %w", stepID, s.Status, api.ErrInvalidTransition)
	}
	return json.Unmarshal(s.Output, out)
}
