package eventlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowgrid/internal/testutil"
)

func TestPostgresLog(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	runLogContract(t, func(t *testing.T) Log {
		l, err := NewPostgresLog(ctx, pool)
		if err != nil {
			t.Fatalf("NewPostgresLog: %v", err)
		}
		if _, err := pool.Exec(ctx, `TRUNCATE flowgrid_events`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return l
	})
}

func TestRedisLog(t *testing.T) {
	addr := testutil.GetRedisAddress(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	n := 0
	runLogContract(t, func(t *testing.T) Log {
		n++
		return NewRedisLog(client, fmt.Sprintf("flowgrid:test:%d:%d:", time.Now().UnixNano(), n))
	})
}
