// Package api contains the core building blocks shared by the flowgrid
// components: the event, task, lock, node and workflow records, the sentinel
// errors every component returns, and the contracts used to reach external
// collaborators.
//
// Most users interact with the higher-level flowgrid package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations, alternative backends and contributors extending the
// engine itself.
//
// # Records
//
//   - Event: an immutable entry in a per-stream ordered log.
//   - Lock: a leased, fenced grant of a named resource.
//   - Task: a unit of work delivered to workers through a lease.
//   - Node: a worker process tracked by the cluster registry.
//   - WorkflowDefinition / WorkflowInstance: a DAG of steps and the folded
//     state of one execution of it.
//
// # Errors
//
// Every component reports failures through the sentinel errors declared in
// errors.go, wrapped with context. Callers should test them with errors.Is.
// Transient errors (ErrConcurrencyConflict) are safe to retry after a fresh
// read; ownership errors (ErrLeaseExpired, ErrNotHolder, ErrStaleToken) must
// never be retried blindly.
//
// # Collaborators
//
// Notification delivery, audit logging and authorization are implemented
// outside this module. The Notifier, AuditSink and Authorizer interfaces are
// the only surface the engine depends on.
//
// # Observability
//
// The Observer interface reports workflow and step transitions. LoggingObserver
// writes them through log/slog and BasicMetrics keeps in-memory counters; the
// two can be combined with NewCompositeObserver.
package api
