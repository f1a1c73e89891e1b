package api

import (
	"strings"
	"time"
)

// EventKind identifies what an event records.
type EventKind string

const (
	EventDefinitionRegistered EventKind = "definition.registered"

	EventWorkflowStarted   EventKind = "workflow.started"
	EventWorkflowCompleted EventKind = "workflow.completed"
	EventWorkflowFailed    EventKind = "workflow.failed"
	EventWorkflowCancelled EventKind = "workflow.cancelled"

	EventStepSubmitted EventKind = "step.submitted"
	EventStepCompleted EventKind = "step.completed"
	EventStepFailed    EventKind = "step.failed"

	EventTaskEnqueued       EventKind = "task.enqueued"
	EventTaskLeased         EventKind = "task.leased"
	EventTaskAcked          EventKind = "task.acked"
	EventTaskFailed         EventKind = "task.failed"
	EventTaskRetryScheduled EventKind = "task.retry_scheduled"
	EventTaskReclaimed      EventKind = "task.reclaimed"
	EventTaskDeferred       EventKind = "task.deferred"
	EventTaskExhausted      EventKind = "task.exhausted"

	EventLockAcquired EventKind = "lock.acquired"
	EventLockReleased EventKind = "lock.released"

	EventNodeJoined        EventKind = "node.joined"
	EventNodeStatusChanged EventKind = "node.status_changed"
	EventNodeLeft          EventKind = "node.left"
	EventNodeRemoved       EventKind = "node.removed"

	EventCheckpoint EventKind = "consumer.checkpoint"
)

// Terminal reports whether the kind ends a workflow instance.
func (k EventKind) Terminal() bool {
	switch k {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}

// Event is an immutable entry of the event log.
//
// Sequence is assigned by the log, never by the caller: it starts at 0 and is
// strictly increasing per StreamID with no gaps.
type Event struct {
	StreamID  string
	Sequence  uint64
	Kind      EventKind
	Payload   []byte
	Timestamp time.Time
}

// Stream name prefixes used by the components that write to the log.
const (
	StreamPrefixWorkflow   = "wf:"
	StreamPrefixDefinition = "def:"
	StreamPrefixQueue      = "queue:"
	StreamPrefixLock       = "lock:"
	StreamPrefixCheckpoint = "checkpoint:"
	StreamCluster          = "cluster"
)

// WorkflowStream returns the stream holding the history of an instance.
func WorkflowStream(instanceID string) string { return StreamPrefixWorkflow + instanceID }

// DefinitionStream returns the stream holding a registered definition version.
func DefinitionStream(definitionID, version string) string {
	return StreamPrefixDefinition + definitionID + "@" + version
}

// QueueStream returns the stream recording task transitions of a queue.
func QueueStream(queue string) string { return StreamPrefixQueue + queue }

// LockStream returns the stream recording grants of a lock.
func LockStream(key string) string { return StreamPrefixLock + key }

// InstanceIDFromStream extracts the instance ID from a workflow stream ID.
func InstanceIDFromStream(streamID string) (string, bool) {
	if !strings.HasPrefix(streamID, StreamPrefixWorkflow) {
		return "", false
	}
	return strings.TrimPrefix(streamID, StreamPrefixWorkflow), true
}
