package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Leases are claimed with SELECT ... FOR UPDATE SKIP LOCKED, so concurrent
// pollers pass over rows another transaction is claiming instead of waiting
// for it. FIFO order follows created_at.
type PostgresQueue struct {
	storeQueue
	pool *pgxpool.Pool
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*PostgresQueue, error) {
	q := &PostgresQueue{pool: pool}
	q.storeQueue = newStoreQueue(q, opts)
	if err := q.initSchema(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flowgrid_tasks (
			id               TEXT PRIMARY KEY,
			seq              BIGSERIAL,
			queue            TEXT NOT NULL,
			payload          BYTEA,
			state            TEXT NOT NULL,
			attempts         INTEGER NOT NULL,
			max_attempts     INTEGER NOT NULL,
			retry            TEXT NOT NULL,
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMPTZ,
			not_before       TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			instance_id      TEXT NOT NULL DEFAULT '',
			step_id          TEXT NOT NULL DEFAULT '',
			exclusive_key    TEXT NOT NULL DEFAULT '',
			last_error       TEXT NOT NULL DEFAULT '',
			result           BYTEA,
			version          BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS flowgrid_tasks_queue_state ON flowgrid_tasks (queue, state, created_at);
	`)
	return err
}

const postgresTaskColumns = `id, queue, payload, state, attempts, max_attempts, retry,
	lease_owner, lease_expires_at, not_before, created_at, updated_at,
	instance_id, step_id, exclusive_key, last_error, result, version`

func (q *PostgresQueue) insert(ctx context.Context, t *api.Task) error {
	retry, err := persistence.EncodeValue(t.Retry)
	if err != nil {
		return err
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO flowgrid_tasks (`+postgresTaskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)`,
		t.ID, t.Queue, t.Payload, string(t.State), t.Attempts, t.MaxAttempts, string(retry),
		t.LeaseOwner, nullTime(t.LeaseExpiresAt), nullTime(t.NotBefore), t.CreatedAt, t.UpdatedAt,
		t.InstanceID, t.StepID, t.ExclusiveKey, t.LastError, t.Result,
	)
	if persistence.IsUniqueViolation(err) {
		return exists(t.ID)
	}
	return err
}

func (q *PostgresQueue) load(ctx context.Context, id string) (*api.Task, int64, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+postgresTaskColumns+` FROM flowgrid_tasks WHERE id = $1`, id)
	t, version, err := scanPostgresTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, notFound(id)
	}
	return t, version, err
}

// pgExecer is satisfied by both the pool and a transaction.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (q *PostgresQueue) swap(ctx context.Context, t *api.Task, version int64) (bool, error) {
	return swapPostgres(ctx, q.pool, t, version)
}

func (q *PostgresQueue) claimNext(ctx context.Context, queue, nodeID string, now time.Time, d time.Duration) (*api.Task, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT `+postgresTaskColumns+`
		FROM flowgrid_tasks
		WHERE queue = $1
		  AND ((state = $2 AND (not_before IS NULL OR not_before <= $3))
		    OR (state = $4 AND lease_expires_at <= $3 AND attempts < max_attempts))
		ORDER BY created_at, seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		queue, string(api.TaskPending), now, string(api.TaskLeased),
	)
	t, version, err := scanPostgresTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	claim(t, nodeID, now, d)
	ok, err := swapPostgres(ctx, tx, t, version)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("claim task %s: row changed while locked", t.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (q *PostgresQueue) expired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id FROM flowgrid_tasks
		WHERE state = $1 AND lease_expires_at <= $2
		ORDER BY created_at, seq`,
		string(api.TaskLeased), now,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (q *PostgresQueue) count(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM flowgrid_tasks WHERE queue = $1 AND state IN ($2, $3)`,
		queue, string(api.TaskPending), string(api.TaskLeased),
	).Scan(&n)
	return n, err
}

func swapPostgres(ctx context.Context, db pgExecer, t *api.Task, version int64) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE flowgrid_tasks SET
			state = $1, attempts = $2, lease_owner = $3, lease_expires_at = $4,
			not_before = $5, updated_at = $6, last_error = $7, result = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`,
		string(t.State), t.Attempts, t.LeaseOwner, nullTime(t.LeaseExpiresAt),
		nullTime(t.NotBefore), t.UpdatedAt, t.LastError, t.Result,
		t.ID, version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanPostgresTask(row pgx.Row) (*api.Task, int64, error) {
	var (
		t                   api.Task
		state, retry        string
		leaseExp, notBefore *time.Time
		version             int64
	)
	err := row.Scan(
		&t.ID, &t.Queue, &t.Payload, &state, &t.Attempts, &t.MaxAttempts, &retry,
		&t.LeaseOwner, &leaseExp, &notBefore, &t.CreatedAt, &t.UpdatedAt,
		&t.InstanceID, &t.StepID, &t.ExclusiveKey, &t.LastError, &t.Result, &version,
	)
	if err != nil {
		return nil, 0, err
	}
	t.State = api.TaskState(state)
	if leaseExp != nil {
		t.LeaseExpiresAt = leaseExp.UTC()
	}
	if notBefore != nil {
		t.NotBefore = notBefore.UTC()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.Retry, err = persistence.DecodeValue[api.RetryPolicy]([]byte(retry)); err != nil {
		return nil, 0, fmt.Errorf("decode retry policy of task %s: %w", t.ID, err)
	}
	return &t, version, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
