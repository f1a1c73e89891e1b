package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// SQLiteQueue is a persistent task queue backed by SQLite. Transitions are
// compare-and-swap updates on a version column, so several processes may
// share one database file.
type SQLiteQueue struct {
	storeQueue
	db *sql.DB
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB, opts ...Option) (*SQLiteQueue, error) {
	q := &SQLiteQueue{db: db}
	q.storeQueue = newStoreQueue(q, opts)
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			queue            TEXT NOT NULL,
			payload          BLOB,
			state            TEXT NOT NULL,
			attempts         INTEGER NOT NULL,
			max_attempts     INTEGER NOT NULL,
			retry            TEXT NOT NULL,
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			not_before       INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			instance_id      TEXT NOT NULL DEFAULT '',
			step_id          TEXT NOT NULL DEFAULT '',
			exclusive_key    TEXT NOT NULL DEFAULT '',
			last_error       TEXT NOT NULL DEFAULT '',
			result           BLOB,
			version          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tasks_queue_state ON tasks (queue, state, created_at);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

const sqliteTaskColumns = `id, queue, payload, state, attempts, max_attempts, retry,
	lease_owner, lease_expires_at, not_before, created_at, updated_at,
	instance_id, step_id, exclusive_key, last_error, result, version`

func (q *SQLiteQueue) insert(ctx context.Context, t *api.Task) error {
	retry, err := persistence.EncodeValue(t.Retry)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (`+sqliteTaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		t.ID, t.Queue, t.Payload, string(t.State), t.Attempts, t.MaxAttempts, string(retry),
		t.LeaseOwner, nanos(t.LeaseExpiresAt), nanos(t.NotBefore), nanos(t.CreatedAt), nanos(t.UpdatedAt),
		t.InstanceID, t.StepID, t.ExclusiveKey, t.LastError, t.Result,
	)
	if persistence.IsUniqueViolation(err) {
		return exists(t.ID)
	}
	return err
}

func (q *SQLiteQueue) load(ctx context.Context, id string) (*api.Task, int64, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ?`, id)
	t, version, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, notFound(id)
	}
	return t, version, err
}

func (q *SQLiteQueue) swap(ctx context.Context, t *api.Task, version int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET
			state = ?, attempts = ?, lease_owner = ?, lease_expires_at = ?,
			not_before = ?, updated_at = ?, last_error = ?, result = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		string(t.State), t.Attempts, t.LeaseOwner, nanos(t.LeaseExpiresAt),
		nanos(t.NotBefore), nanos(t.UpdatedAt), t.LastError, t.Result,
		t.ID, version,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *SQLiteQueue) claimNext(ctx context.Context, queue, nodeID string, now time.Time, d time.Duration) (*api.Task, error) {
	return casClaim(ctx, q.next, q.swap, queue, nodeID, now, d)
}

func (q *SQLiteQueue) next(ctx context.Context, queue string, now time.Time) (*api.Task, int64, error) {
	ts := now.UnixNano()
	row := q.db.QueryRowContext(ctx, `
		SELECT `+sqliteTaskColumns+`
		FROM tasks
		WHERE queue = ?
		  AND ((state = ? AND not_before <= ?)
		    OR (state = ? AND lease_expires_at <= ? AND attempts < max_attempts))
		ORDER BY created_at, rowid
		LIMIT 1`,
		queue, string(api.TaskPending), ts, string(api.TaskLeased), ts,
	)
	t, version, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	return t, version, err
}

func (q *SQLiteQueue) expired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE state = ? AND lease_expires_at <= ?
		ORDER BY created_at, rowid`,
		string(api.TaskLeased), now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *SQLiteQueue) count(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE queue = ? AND state IN (?, ?)`,
		queue, string(api.TaskPending), string(api.TaskLeased),
	).Scan(&n)
	return n, err
}

func scanSQLiteTask(row *sql.Row) (*api.Task, int64, error) {
	var (
		t                                 api.Task
		state, retry                      string
		leaseExp, notBefore, created, upd int64
		version                           int64
	)
	err := row.Scan(
		&t.ID, &t.Queue, &t.Payload, &state, &t.Attempts, &t.MaxAttempts, &retry,
		&t.LeaseOwner, &leaseExp, &notBefore, &created, &upd,
		&t.InstanceID, &t.StepID, &t.ExclusiveKey, &t.LastError, &t.Result, &version,
	)
	if err != nil {
		return nil, 0, err
	}
	t.State = api.TaskState(state)
	t.LeaseExpiresAt = fromNanos(leaseExp)
	t.NotBefore = fromNanos(notBefore)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(upd)
	if t.Retry, err = persistence.DecodeValue[api.RetryPolicy]([]byte(retry)); err != nil {
		return nil, 0, fmt.Errorf("decode retry policy of task %s: %w", t.ID, err)
	}
	return &t, version, nil
}

// nanos stores the zero time as 0 rather than a large negative number.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
