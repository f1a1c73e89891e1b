package api

import "context"

// Engine drives workflow instances through their definitions. Instance state
// is derived from the event log; the engine never keeps it elsewhere.
type Engine interface {
	// RegisterDefinition validates and stores an immutable definition.
	// Re-registering an identical definition is a no-op; registering a
	// different definition under an existing id and version fails with
	// ErrDefinitionInvalid.
	RegisterDefinition(ctx context.Context, def WorkflowDefinition) error

	// Definition looks up a registered definition. An empty version selects
	// the latest registered version.
	Definition(ctx context.Context, id, version string) (*WorkflowDefinition, error)

	// StartWorkflow starts the latest version of a definition and submits the
	// steps without predecessors.
	StartWorkflow(ctx context.Context, definitionID string, input []byte) (string, error)

	// StartWorkflowVersion starts a specific definition version.
	StartWorkflowVersion(ctx context.Context, definitionID, version string, input []byte) (string, error)

	// CancelWorkflow stops further step submissions. In-flight tasks are
	// allowed to settle and their outcomes are still recorded.
	CancelWorkflow(ctx context.Context, instanceID, reason string) error

	// GetWorkflowStatus returns the folded state of an instance.
	GetWorkflowStatus(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// ListInstances returns instances matching opts. Zero options return all.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// Replay rebuilds an instance by folding its stream from the beginning.
	Replay(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// HandleTaskOutcome records the outcome of a settled step task and
	// advances the owning instance.
	HandleTaskOutcome(ctx context.Context, task *Task) error

	// Reconcile makes one pass over non-terminal instances, picking up
	// settled tasks, re-submitting lost ones and enforcing deadlines.
	Reconcile(ctx context.Context) error
}
