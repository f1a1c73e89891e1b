package flowgrid

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/flowgrid/internal/engine"
	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/lock"
	"github.com/petrijr/flowgrid/internal/taskqueue"
	"github.com/petrijr/flowgrid/pkg/api"
	workerpkg "github.com/petrijr/flowgrid/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	engine *engine.Engine
	queue  *taskqueue.Journal
	logger *slog.Logger
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database: the event log and the task table live side by
// side, so a restarted process resumes every instance where it stopped.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:flowgrid.db?_pragma=journal_mode(WAL)")
//	db.SetMaxOpenConns(1)
//	bundle, err := flowgrid.NewSQLiteBundle(db, worker.Config{Concurrency: 2})
//	bundle.Worker.Handle("emails", sendEmail)
//	// register workflows on bundle.Engine, then
//	err = bundle.Run(ctx)
//
// An empty cfg.WorkerID is replaced with a generated one.
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "bundle-" + uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	log, err := eventlog.NewSQLiteLog(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	journal := taskqueue.NewJournal(q, log,
		taskqueue.WithAuditSink(api.NewLogAudit(cfg.Logger)),
		taskqueue.WithLogger(cfg.Logger),
	)
	if cfg.Locks == nil {
		cfg.Locks = lock.NewMemoryManager()
	}

	eng, err := engine.New(engine.Config{
		Log:    log,
		Queue:  journal,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	journal.SetOutcomeListener(eng)

	w, err := workerpkg.New(journal, cfg)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Engine: eng,
		Worker: w,
		engine: eng,
		queue:  journal,
		logger: cfg.Logger,
	}, nil
}

// Run processes tasks, reconciles instances and reaps expired leases until
// ctx is cancelled. Cancellation is a clean shutdown and returns nil.
func (b *WorkerBundle) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Worker.Run(gctx) })
	g.Go(func() error { return b.engine.Run(gctx) })
	g.Go(func() error {
		return taskqueue.NewReaper(b.queue, taskqueue.DefaultReapInterval, b.logger).Run(gctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
