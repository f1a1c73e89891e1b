package flowgrid

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/flowgrid/internal/cluster"
	"github.com/petrijr/flowgrid/internal/engine"
	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/lock"
	"github.com/petrijr/flowgrid/internal/taskqueue"
	"github.com/petrijr/flowgrid/pkg/api"
	"github.com/petrijr/flowgrid/pkg/worker"
)

// LocalRunner bundles an in-memory event log, task queue, cluster registry,
// lock manager, engine and worker into one process. It is intended for
// development, tests and simple single-process deployments; nothing
// survives a restart.
//
// Typical usage:
//
//	runner, _ := flowgrid.NewLocalRunner()
//	runner.Handle("emails", sendEmail)
//	flowgrid.New("welcome").Step("send", "emails").MustRegister(ctx, runner.Engine)
//
//	_ = runner.Start(ctx, 2)
//	defer runner.Stop()
//
//	id, _ := flowgrid.Start(ctx, runner.Engine, "welcome", input)
//	inst, _ := flowgrid.Wait(ctx, runner.Engine, id)
type LocalRunner struct {
	// Engine is the workflow engine; register definitions on it.
	Engine Engine

	// Queue is the journaled task queue the engine submits steps to.
	Queue *taskqueue.Journal

	// Registry tracks the runner's worker as a cluster node.
	Registry *cluster.Registry

	// Locks guards exclusive task keys.
	Locks lock.Manager

	// Metrics counts workflow and step events.
	Metrics *BasicMetrics

	engine *engine.Engine
	cfg    localConfig

	mu       sync.Mutex
	handlers map[string]Handler
	worker   *worker.Worker
	cancel   context.CancelFunc
	done     chan error
}

type localConfig struct {
	workerID     string
	pollInterval time.Duration
	logger       *slog.Logger
	observer     Observer
	notifier     Notifier
	authorizer   Authorizer
}

// LocalOption configures a LocalRunner.
type LocalOption func(*localConfig)

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) LocalOption {
	return func(c *localConfig) { c.logger = l }
}

// WithObserver adds an observer next to the runner's metrics.
func WithObserver(o Observer) LocalOption {
	return func(c *localConfig) { c.observer = o }
}

// WithNotifier sets the collaborator told about finished instances.
func WithNotifier(n Notifier) LocalOption {
	return func(c *localConfig) { c.notifier = n }
}

// WithAuthorizer sets the collaborator consulted before StartWorkflow.
func WithAuthorizer(a Authorizer) LocalOption {
	return func(c *localConfig) { c.authorizer = a }
}

// WithPollInterval sets how often idle workers poll, expired leases are
// reaped and instances are reconciled.
func WithPollInterval(d time.Duration) LocalOption {
	return func(c *localConfig) { c.pollInterval = d }
}

// NewLocalRunner constructs a LocalRunner with in-memory components.
func NewLocalRunner(opts ...LocalOption) (*LocalRunner, error) {
	cfg := localConfig{
		workerID:     "local",
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	log := eventlog.NewMemoryLog()
	metrics := &api.BasicMetrics{}
	observer := Observer(metrics)
	if cfg.observer != nil {
		observer = api.NewCompositeObserver(metrics, cfg.observer)
	}

	queue := taskqueue.NewJournal(taskqueue.NewMemoryQueue(), log,
		taskqueue.WithAuditSink(api.NewLogAudit(cfg.logger)),
		taskqueue.WithLogger(cfg.logger),
	)
	registry := cluster.NewRegistry(log, cluster.Config{Logger: cfg.logger})
	locks := lock.NewRecorded(lock.NewMemoryManager(), log, api.NewLogAudit(cfg.logger), cfg.logger)

	eng, err := engine.New(engine.Config{
		Log:               log,
		Queue:             queue,
		Observer:          observer,
		Notifier:          cfg.notifier,
		Authorizer:        cfg.authorizer,
		Logger:            cfg.logger,
		ReconcileInterval: cfg.pollInterval,
	})
	if err != nil {
		return nil, err
	}
	queue.SetOutcomeListener(eng)

	return &LocalRunner{
		Engine:   eng,
		Queue:    queue,
		Registry: registry,
		Locks:    locks,
		Metrics:  metrics,
		engine:   eng,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}, nil
}

// Handle registers the handler for a queue. Handlers may be added before or
// after Start.
func (r *LocalRunner) Handle(queue string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[queue] = h
	if r.worker != nil {
		r.worker.Handle(queue, h)
	}
}

// Start runs the worker with the given concurrency, the engine's reconcile
// loop, the lease reaper and the registry's failure detector until Stop.
//
// If Start is called more than once without Stop, it returns an error.
func (r *LocalRunner) Start(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return errors.New("flowgrid: LocalRunner already started")
	}

	w, err := worker.New(taskqueue.NewGated(r.Queue, r.Registry), worker.Config{
		WorkerID:     r.cfg.workerID,
		Concurrency:  concurrency,
		PollInterval: r.cfg.pollInterval,
		Members:      r.Registry,
		Locks:        r.Locks,
		Logger:       r.cfg.logger,
	})
	if err != nil {
		return err
	}
	for q, h := range r.handlers {
		w.Handle(q, h)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return r.engine.Run(gctx) })
	g.Go(func() error { return taskqueue.NewReaper(r.Queue, r.cfg.pollInterval, r.cfg.logger).Run(gctx) })
	g.Go(func() error { return r.Registry.Run(gctx) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	r.worker = w
	r.cancel = cancel
	r.done = done
	return nil
}

// Stop cancels everything started by Start and waits for it to exit. It
// returns the first error that was not caused by the shutdown itself.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done, r.worker = nil, nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := <-done
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
