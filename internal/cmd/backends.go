package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowgrid/internal/config"
	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/lock"
	"github.com/petrijr/flowgrid/internal/lockrpc"
	"github.com/petrijr/flowgrid/internal/taskqueue"
	"github.com/petrijr/flowgrid/pkg/api"
)

// backends holds the storage selected by the configuration. Connections are
// shared: a sqlite or postgres storage backend also serves the queue, and a
// redis one the locks.
type backends struct {
	log   eventlog.Log
	queue taskqueue.Queue
	locks lock.Manager

	sqlite *sql.DB
	pool   *pgxpool.Pool
	redis  *redis.Client

	closers []func() error
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.Close())
		}
	}()

	if b.log, err = b.openLog(ctx, cfg); err != nil {
		return nil, err
	}
	if b.queue, err = b.openQueue(ctx, cfg); err != nil {
		return nil, err
	}
	locks, err := b.openLocks(cfg)
	if err != nil {
		return nil, err
	}
	b.locks = lock.NewRecorded(locks, b.log, api.NewLogAudit(logger), logger)

	logger.InfoContext(ctx, "backends_opened",
		slog.String("storage", cfg.Storage.Backend),
		slog.String("queue", cfg.QueueBackend()),
		slog.String("locks", cfg.Locks.Backend),
	)
	return b, nil
}

func (b *backends) openLog(ctx context.Context, cfg *config.Config) (eventlog.Log, error) {
	s := cfg.Storage
	switch s.Backend {
	case "memory":
		return eventlog.NewMemoryLog(), nil
	case "sqlite":
		db, err := b.sqliteDB(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		return eventlog.NewSQLiteLog(db)
	case "postgres":
		pool, err := b.pgPool(ctx, s.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return eventlog.NewPostgresLog(ctx, pool)
	case "redis":
		return eventlog.NewRedisLog(b.redisClient(s), s.RedisPrefix), nil
	case "bolt":
		l, err := eventlog.OpenBoltLog(s.BoltPath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, l.Close)
		return l, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
}

func (b *backends) openQueue(ctx context.Context, cfg *config.Config) (taskqueue.Queue, error) {
	s := cfg.Storage
	opts := []taskqueue.Option{
		taskqueue.WithDefaultRetry(api.RetryPolicy{
			MaxAttempts:    cfg.Queue.MaxAttempts,
			InitialBackoff: cfg.Queue.InitialBackoff,
			MaxBackoff:     cfg.Queue.MaxBackoff,
		}),
	}

	switch backend := cfg.QueueBackend(); backend {
	case "memory":
		return taskqueue.NewMemoryQueue(opts...), nil
	case "sqlite":
		db, err := b.sqliteDB(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewSQLiteQueue(db, opts...)
	case "postgres":
		pool, err := b.pgPool(ctx, s.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewPostgresQueue(ctx, pool, opts...)
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		b.closers = append(b.closers, func() error { return client.Disconnect(context.Background()) })
		return taskqueue.NewMongoQueue(ctx, client, s.MongoDatabase, "tasks", opts...)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

func (b *backends) openLocks(cfg *config.Config) (lock.Manager, error) {
	switch cfg.Locks.Backend {
	case "memory":
		return lock.NewMemoryManager(), nil
	case "redis":
		return lock.NewRedisManager(b.redisClient(cfg.Storage), cfg.Storage.RedisPrefix), nil
	case "grpc":
		conn, err := lockrpc.Dial(cfg.Locks.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("dial lock service %s: %w", cfg.Locks.Address, err)
		}
		b.closers = append(b.closers, conn.Close)
		return lockrpc.NewClient(conn), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.Locks.Backend)
}

func (b *backends) sqliteDB(path string) (*sql.DB, error) {
	if b.sqlite != nil {
		return b.sqlite, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	b.sqlite = db
	b.closers = append(b.closers, db.Close)
	return db, nil
}

func (b *backends) pgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if b.pool != nil {
		return b.pool, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b.pool = pool
	b.closers = append(b.closers, func() error { pool.Close(); return nil })
	return pool, nil
}

func (b *backends) redisClient(s config.StorageConfig) *redis.Client {
	if b.redis == nil {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		})
		b.closers = append(b.closers, b.redis.Close)
	}
	return b.redis
}

// Close releases every connection in reverse order of opening.
func (b *backends) Close() error {
	var err error
	for i := len(b.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, b.closers[i]())
	}
	b.closers = nil
	return err
}
