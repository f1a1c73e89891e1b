package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/petrijr/flowgrid/internal/config"
	"github.com/petrijr/flowgrid/internal/httpapi"
	"github.com/petrijr/flowgrid/internal/lock"
	"github.com/petrijr/flowgrid/internal/lockrpc"
	"github.com/petrijr/flowgrid/pkg/api"
	"github.com/petrijr/flowgrid/pkg/worker"
)

func newWorkerCommand(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker --queue NAME [--queue NAME...] -- COMMAND [ARGS...]",
		Short: "Lease tasks from the server and run COMMAND for each",
		Long: `worker joins the cluster through the API server and runs COMMAND once per
leased task. The task payload is written to the command's stdin and its
stdout becomes the task result. A non-zero exit fails the attempt.

The command also sees FLOWGRID_TASK_ID, FLOWGRID_QUEUE, FLOWGRID_ATTEMPT,
FLOWGRID_INSTANCE_ID and FLOWGRID_STEP_ID, and FLOWGRID_FENCING_TOKEN when
the task holds an exclusive key.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env.load(cmd)
			if err != nil {
				return err
			}
			if len(cfg.Worker.Queues) == 0 {
				return errors.New("at least one --queue is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, logger, args)
		},
	}
	flags := cmd.Flags()
	flags.StringSlice("queue", nil, "queue to lease from (repeatable)")
	flags.String("id", "", "worker id (generated when empty)")
	flags.Int("concurrency", 0, "tasks run in parallel")
	_ = env.settings.BindPFlag("worker.queues", flags.Lookup("queue"))
	_ = env.settings.BindPFlag("worker.id", flags.Lookup("id"))
	_ = env.settings.BindPFlag("worker.concurrency", flags.Lookup("concurrency"))
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, command []string) error {
	id := cfg.Worker.ID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	var opts []httpapi.ClientOption
	if cfg.Worker.Principal != "" {
		opts = append(opts, httpapi.WithPrincipal(cfg.Worker.Principal))
	}
	client := httpapi.NewClient(cfg.Worker.Server, opts...)

	locks, closeLocks, err := workerLocks(cfg)
	if err != nil {
		return err
	}
	defer closeLocks()

	w, err := worker.New(client, worker.Config{
		WorkerID:      id,
		Concurrency:   cfg.Worker.Concurrency,
		LeaseTTL:      cfg.Worker.LeaseTTL,
		PollInterval:  cfg.Worker.PollInterval,
		Members:       client,
		NodeHeartbeat: cfg.Cluster.HeartbeatInterval,
		Locks:         locks,
		LockTTL:       cfg.Locks.TTL,
		Logger:        logger.With(slog.String("worker_id", id)),
	})
	if err != nil {
		return err
	}
	h := execHandler(command)
	for _, q := range cfg.Worker.Queues {
		w.Handle(q, h)
	}

	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// workerLocks returns the lock manager guarding exclusive keys. A memory
// backend only excludes tasks within this process.
func workerLocks(cfg *config.Config) (lock.Manager, func(), error) {
	switch cfg.Locks.Backend {
	case "grpc":
		conn, err := lockrpc.Dial(cfg.Locks.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("dial lock service %s: %w", cfg.Locks.Address, err)
		}
		return lockrpc.NewClient(conn), func() { _ = conn.Close() }, nil
	case "redis":
		b := &backends{}
		return lock.NewRedisManager(b.redisClient(cfg.Storage), cfg.Storage.RedisPrefix), func() { _ = b.Close() }, nil
	}
	return lock.NewMemoryManager(), func() {}, nil
}

// execHandler runs command for each task.
func execHandler(command []string) worker.Handler {
	return func(ctx context.Context, task *api.Task) ([]byte, error) {
		c := exec.CommandContext(ctx, command[0], command[1:]...)
		c.Stdin = bytes.NewReader(task.Payload)
		c.Env = append(os.Environ(),
			"FLOWGRID_TASK_ID="+task.ID,
			"FLOWGRID_QUEUE="+task.Queue,
			"FLOWGRID_ATTEMPT="+strconv.Itoa(task.Attempts),
			"FLOWGRID_INSTANCE_ID="+task.InstanceID,
			"FLOWGRID_STEP_ID="+task.StepID,
		)
		if fence, ok := worker.FencingToken(ctx); ok {
			c.Env = append(c.Env, "FLOWGRID_FENCING_TOKEN="+strconv.FormatUint(fence.Token, 10))
		}

		var stdout, stderr bytes.Buffer
		c.Stdout = &stdout
		c.Stderr = &stderr
		if err := c.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return nil, fmt.Errorf("%s: %w", command[0], err)
			}
			return nil, fmt.Errorf("%s: %w: %s", command[0], err, msg)
		}
		return stdout.Bytes(), nil
	}
}
