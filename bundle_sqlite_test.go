package flowgrid

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowgrid/pkg/api"
	workerpkg "github.com/petrijr/flowgrid/pkg/worker"
)

func openBundleDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	return db
}

func addOne(ctx context.Context, task *api.Task) ([]byte, error) {
	p, err := api.DecodeStepPayload(task.Payload)
	if err != nil {
		return nil, err
	}
	var n int
	if err := json.Unmarshal(p.Input, &n); err != nil {
		return nil, err
	}
	return json.Marshal(n + 1)
}

// A workflow started by one process is finished by the next one: the
// definition, the instance and the pending task all live in the database.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "flowgrid_bundle.db")

	// --- Phase 1: start the workflow, no processing yet.

	db1 := openBundleDB(t, dbPath)
	bundle1, err := NewSQLiteBundle(db1, workerpkg.Config{WorkerID: "first"})
	require.NoError(t, err)

	flow := New("async-add-one").
		Step("add-one", "math").WithRetry(Retry(3).Immediate())
	require.NoError(t, flow.Register(ctx, bundle1.Engine))

	id, err := Start(ctx, bundle1.Engine, flow.ID(), 41)
	require.NoError(t, err)

	inst, err := GetInstance(ctx, bundle1.Engine, id)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, inst.Status)
	require.Equal(t, api.StepSubmitted, inst.Steps["add-one"].Status)

	// Simulate a crash by closing the DB and discarding bundle1.
	require.NoError(t, db1.Close())

	// --- Phase 2: "restart" with a new DB handle and bundle.

	db2 := openBundleDB(t, dbPath)
	defer db2.Close()

	bundle2, err := NewSQLiteBundle(db2, workerpkg.Config{WorkerID: "second"})
	require.NoError(t, err)
	bundle2.Worker.Handle("math", addOne)

	// The definition is read back from the log; nothing is re-registered.
	def, err := bundle2.Engine.Definition(ctx, flow.ID(), "")
	require.NoError(t, err)
	require.Equal(t, api.DefaultVersion, def.Version)

	processed, err := bundle2.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed, "expected one task to be processed")

	inst, err = GetInstance(ctx, bundle2.Engine, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)

	var out int
	require.NoError(t, StepResult(inst, "add-one", &out))
	require.Equal(t, 42, out, "expected async-add-one(41) == 42")
}

func TestSQLiteBundle_RunStopsCleanly(t *testing.T) {
	t.Parallel()

	db := openBundleDB(t, filepath.Join(t.TempDir(), "run.db"))
	defer db.Close()

	bundle, err := NewSQLiteBundle(db, workerpkg.Config{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	bundle.Worker.Handle("math", addOne)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	New("chain").
		Step("first", "math").
		Step("second", "math").After("first").
		MustRegister(ctx, bundle.Engine)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- bundle.Run(runCtx) }()

	id, err := Start(ctx, bundle.Engine, "chain", 1)
	require.NoError(t, err)

	inst, err := Wait(ctx, bundle.Engine, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)

	stop()
	require.NoError(t, <-done)
}
