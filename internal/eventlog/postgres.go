package eventlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// PostgresLog is a Log backed by PostgreSQL through a pgx connection pool.
type PostgresLog struct {
	pool *pgxpool.Pool
}

var _ Log = (*PostgresLog)(nil)

// NewPostgresLog creates the events table if needed and returns a Log.
func NewPostgresLog(ctx context.Context, pool *pgxpool.Pool) (*PostgresLog, error) {
	l := &PostgresLog{pool: pool}
	if err := l.initSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresLog) initSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flowgrid_events (
			stream_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			payload BYTEA,
			ts TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (stream_id, seq)
		);
	`)
	return err
}

func (l *PostgresLog) Append(ctx context.Context, streamID string, kind api.EventKind, payload []byte, opts ...AppendOption) (api.Event, error) {
	return appendWith(ctx, streamID, resolve(opts), func(cfg appendConfig) (api.Event, error) {
		var head int64
		err := l.pool.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq) + 1, 0) FROM flowgrid_events WHERE stream_id = $1`, streamID,
		).Scan(&head)
		if err != nil {
			return api.Event{}, err
		}
		if cfg.expect != nil && *cfg.expect != uint64(head) {
			return api.Event{}, conflict(streamID, *cfg.expect, uint64(head))
		}

		// The primary key turns a concurrent append at the same head into a
		// unique violation.
		_, err = l.pool.Exec(ctx, `
			INSERT INTO flowgrid_events (stream_id, seq, kind, payload, ts)
			VALUES ($1, $2, $3, $4, $5)`,
			streamID, head, string(kind), payload, cfg.timestamp,
		)
		if err != nil {
			if persistence.IsUniqueViolation(err) {
				return api.Event{}, conflict(streamID, uint64(head), uint64(head)+1)
			}
			return api.Event{}, fmt.Errorf("append %s: %w", streamID, err)
		}

		return api.Event{
			StreamID:  streamID,
			Sequence:  uint64(head),
			Kind:      kind,
			Payload:   payload,
			Timestamp: cfg.timestamp,
		}, nil
	})
}

func (l *PostgresLog) Read(ctx context.Context, streamID string, from uint64) iter.Seq2[api.Event, error] {
	return pages(ctx, from, func(ctx context.Context, from uint64, limit int) ([]api.Event, error) {
		rows, err := l.pool.Query(ctx, `
			SELECT seq, kind, payload, ts
			FROM flowgrid_events
			WHERE stream_id = $1 AND seq >= $2
			ORDER BY seq ASC
			LIMIT $3`, streamID, int64(from), limit)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", streamID, err)
		}
		defer rows.Close()

		var out []api.Event
		for rows.Next() {
			var (
				seq     int64
				kind    string
				payload []byte
				ts      time.Time
			)
			if err := rows.Scan(&seq, &kind, &payload, &ts); err != nil {
				return nil, err
			}
			out = append(out, api.Event{
				StreamID:  streamID,
				Sequence:  uint64(seq),
				Kind:      api.EventKind(kind),
				Payload:   payload,
				Timestamp: ts.UTC(),
			})
		}
		return out, rows.Err()
	})
}

func (l *PostgresLog) Head(ctx context.Context, streamID string) (uint64, error) {
	var head int64
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM flowgrid_events WHERE stream_id = $1`, streamID,
	).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return uint64(head), err
}

func (l *PostgresLog) Streams(ctx context.Context, prefix string) ([]string, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT DISTINCT stream_id FROM flowgrid_events
		WHERE left(stream_id, $1) = $2
		ORDER BY stream_id`, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
