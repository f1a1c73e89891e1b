package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/petrijr/flowgrid/internal/cluster"
	"github.com/petrijr/flowgrid/internal/config"
	"github.com/petrijr/flowgrid/internal/engine"
	"github.com/petrijr/flowgrid/internal/httpapi"
	"github.com/petrijr/flowgrid/internal/lock"
	"github.com/petrijr/flowgrid/internal/lockrpc"
	"github.com/petrijr/flowgrid/internal/stream"
	"github.com/petrijr/flowgrid/internal/taskqueue"
	"github.com/petrijr/flowgrid/pkg/api"
)

func newServeCommand(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, task queue and cluster registry behind the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	_ = env.settings.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

// node is the set of components one serve process runs.
type node struct {
	backends *backends
	journal  *taskqueue.Journal
	registry *cluster.Registry
	engine   *engine.Engine
	realtime *stream.Realtime
	http     *httpapi.Server
}

func assemble(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *node, err error) {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.Close())
		}
	}()

	audit := api.NewLogAudit(logger)
	journal := taskqueue.NewJournal(b.queue, b.log,
		taskqueue.WithAuditSink(audit),
		taskqueue.WithLogger(logger),
	)

	registry := cluster.NewRegistry(b.log, cluster.Config{
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
		MissThreshold:     cfg.Cluster.MissThreshold,
		DeadThreshold:     cfg.Cluster.DeadThreshold,
		Logger:            logger,
	})
	if err := registry.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore cluster registry: %w", err)
	}

	ecfg := engine.Config{
		Log:               b.log,
		Queue:             journal,
		Observer:          api.NewLoggingObserver(logger),
		Logger:            logger,
		ReconcileInterval: cfg.Engine.ReconcileInterval,
	}
	if cfg.Engine.LockInstances {
		ecfg.Locks = b.locks
		ecfg.LockTTL = cfg.Locks.TTL
	}
	eng, err := engine.New(ecfg)
	if err != nil {
		return nil, err
	}
	journal.SetOutcomeListener(eng)

	n := &node{
		backends: b,
		journal:  journal,
		registry: registry,
		engine:   eng,
	}

	if cfg.Stream.Enabled {
		n.realtime, err = stream.NewRealtime(b.log, stream.RealtimeConfig{
			PollInterval: cfg.Stream.PollInterval,
			StallAfter:   cfg.Stream.StallAfter,
			Logger:       logger,
		}, stream.LogSink{Logger: logger})
		if err != nil {
			return nil, err
		}
	}

	n.http, err = httpapi.NewServer(httpapi.ServerConfig{
		Engine: eng,
		Queue:  taskqueue.NewGated(journal, registry),
		Nodes:  registry,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	n, err := assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, n.backends.Close()) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.http.Serve(gctx, cfg.HTTP.Addr) })
	g.Go(func() error { return n.engine.Run(gctx) })
	g.Go(func() error { return n.registry.Run(gctx) })
	g.Go(func() error {
		return taskqueue.NewReaper(n.journal, cfg.Queue.ReapInterval, logger).Run(gctx)
	})
	if n.realtime != nil {
		g.Go(func() error { return n.realtime.Run(gctx) })
	}
	if cfg.Locks.Listen != "" {
		g.Go(func() error { return serveLocks(gctx, cfg.Locks.Listen, n.backends.locks, logger) })
	}

	logger.InfoContext(ctx, "flowgrid_started", slog.String("addr", cfg.HTTP.Addr))
	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.InfoContext(ctx, "flowgrid_stopped")
		return nil
	}
	return err
}

// serveLocks exposes m over gRPC on addr until ctx is cancelled.
func serveLocks(ctx context.Context, addr string, m lock.Manager, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	lockrpc.NewServer(m, logger).Register(srv)

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "lock_service_listening", slog.String("addr", addr))
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		srv.GracefulStop()
		return ctx.Err()
	}
}
