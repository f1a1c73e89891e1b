// Package flowgrid runs workflow DAGs across a cluster of workers.
//
// Every state change is an append to an event log. Workflow instances are
// folds of their event streams, so any engine process can pick up any
// instance and a crashed process loses nothing that was acknowledged.
//
// # Core Concepts
//
//  1. Event log
//  2. Engine
//  3. Task queue
//  4. Worker
//  5. FlowBuilder
//  6. LocalRunner
//
// # Engine
//
// The Engine stores immutable, versioned workflow definitions and drives
// instances through them. When a step's predecessors are all satisfied the
// engine submits a task for it to the step's queue; when the task settles
// the outcome is recorded and the next wave of steps is submitted. Failed
// steps fail the instance unless they are optional or have a compensation
// step, which runs in their place.
//
// # Task queue and workers
//
// Workers lease tasks from named queues. A lease must be acknowledged or
// extended before it expires; otherwise the task is handed to another
// worker. Tasks retry with exponential backoff until their attempts run
// out. A task may name an exclusive key, which the worker locks for the
// duration of the handler; the lock's fencing token is available through
// worker.FencingToken.
//
// Workers join the cluster registry and heartbeat; nodes that stop
// heartbeating stop receiving leases.
//
// # FlowBuilder
//
// FlowBuilder provides a fluent API for definitions:
//
//	flowgrid.New("checkout").
//	    Step("reserve", "inventory").
//	    Step("charge", "billing").After("reserve").CompensateWith("release").
//	    Step("email", "emails").After("charge").Optional().
//	    Compensation("release", "inventory")
//
// Definitions can also be written in YAML and loaded with ParseDefinitions.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory log, queue, registry, engine and worker
// into a single process. It is the quickest way to develop and test
// handlers. NewSQLiteBundle provides the same in one durable SQLite file.
//
// For a networked deployment, run "flowgrid serve" and any number of
// "flowgrid worker" processes.
package flowgrid
