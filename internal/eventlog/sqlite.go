package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// SQLiteLog is a Log backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteLog struct {
	db *sql.DB
}

var _ Log = (*SQLiteLog)(nil)

// NewSQLiteLog initializes the events table in db and returns a Log.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) initSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			stream_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB,
			ts INTEGER NOT NULL,
			PRIMARY KEY (stream_id, seq)
		);
	`)
	return err
}

func (l *SQLiteLog) Append(ctx context.Context, streamID string, kind api.EventKind, payload []byte, opts ...AppendOption) (api.Event, error) {
	return appendWith(ctx, streamID, resolve(opts), func(cfg appendConfig) (api.Event, error) {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return api.Event{}, err
		}
		defer func() { _ = tx.Rollback() }()

		var head uint64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq) + 1, 0) FROM events WHERE stream_id = ?`, streamID,
		).Scan(&head); err != nil {
			return api.Event{}, err
		}
		if cfg.expect != nil && *cfg.expect != head {
			return api.Event{}, conflict(streamID, *cfg.expect, head)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (stream_id, seq, kind, payload, ts)
			VALUES (?, ?, ?, ?, ?)`,
			streamID, head, string(kind), payload, cfg.timestamp.UnixNano(),
		)
		if err != nil {
			if persistence.IsUniqueViolation(err) {
				return api.Event{}, conflict(streamID, head, head+1)
			}
			return api.Event{}, err
		}
		if err := tx.Commit(); err != nil {
			if persistence.IsUniqueViolation(err) {
				return api.Event{}, conflict(streamID, head, head+1)
			}
			return api.Event{}, err
		}

		return api.Event{
			StreamID:  streamID,
			Sequence:  head,
			Kind:      kind,
			Payload:   payload,
			Timestamp: cfg.timestamp,
		}, nil
	})
}

func (l *SQLiteLog) Read(ctx context.Context, streamID string, from uint64) iter.Seq2[api.Event, error] {
	return pages(ctx, from, func(ctx context.Context, from uint64, limit int) ([]api.Event, error) {
		rows, err := l.db.QueryContext(ctx, `
			SELECT seq, kind, payload, ts
			FROM events
			WHERE stream_id = ? AND seq >= ?
			ORDER BY seq ASC
			LIMIT ?`, streamID, from, limit)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", streamID, err)
		}
		defer rows.Close()

		var out []api.Event
		for rows.Next() {
			var (
				ev   api.Event
				kind string
				ts   int64
			)
			if err := rows.Scan(&ev.Sequence, &kind, &ev.Payload, &ts); err != nil {
				return nil, err
			}
			ev.StreamID = streamID
			ev.Kind = api.EventKind(kind)
			ev.Timestamp = time.Unix(0, ts).UTC()
			out = append(out, ev)
		}
		return out, rows.Err()
	})
}

func (l *SQLiteLog) Head(ctx context.Context, streamID string) (uint64, error) {
	var head uint64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM events WHERE stream_id = ?`, streamID,
	).Scan(&head)
	return head, err
}

func (l *SQLiteLog) Streams(ctx context.Context, prefix string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT stream_id FROM events
		WHERE substr(stream_id, 1, ?) = ?
		ORDER BY stream_id`, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}
