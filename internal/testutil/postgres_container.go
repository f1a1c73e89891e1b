package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// GetPostgresDSN starts a shared PostgreSQL container on first use and
// returns its connection string. The test is skipped under -short or when
// no container runtime is available.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	SkipIfShort(t)

	pgOnce.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		pgC, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("flowgrid_test"),
			postgres.WithUsername("flowgrid"),
			postgres.WithPassword("flowgrid"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(2*time.Minute)),
		)
		if err != nil {
			pgErr = err
			return
		}

		dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = pgC.Terminate(context.Background()) // best-effort cleanup
			pgErr = err
			return
		}
		pgDSN = dsn
	})

	if pgErr != nil {
		t.Skipf("postgres container unavailable: %v", pgErr)
	}
	return pgDSN
}
