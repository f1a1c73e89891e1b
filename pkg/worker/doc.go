// Package worker runs tasks leased from a flowgrid task queue.
//
// A Worker registers one Handler per queue and leases only from those
// queues. Each leased task runs in its own goroutine slot; while it runs the
// worker extends the lease every HeartbeatInterval, so a slow handler keeps
// its task as long as the process is alive. A handler error or panic fails
// the attempt and the queue's retry policy decides what happens next.
//
// # Cluster membership
//
// With Config.Members set, Run joins the cluster with Concurrency as the
// node capacity, heartbeats every NodeHeartbeat and leaves on shutdown. A
// node that was declared dead joins again on its next heartbeat.
//
// # Exclusive tasks
//
// Tasks carrying an ExclusiveKey run under a lock from Config.Locks. The
// lock's fencing token is available to the handler through FencingToken and
// is validated again before the task is acknowledged.
//
// # Usage
//
//	w, err := worker.New(queue, worker.Config{WorkerID: "node-1", Concurrency: 4})
//	if err != nil {
//		return err
//	}
//	w.Handle("emails", func(ctx context.Context, task *api.Task) ([]byte, error) {
//		p, err := api.DecodeStepPayload(task.Payload)
//		if err != nil {
//			return nil, err
//		}
//		return send(ctx, p)
//	})
//	return w.Run(ctx)
package worker
