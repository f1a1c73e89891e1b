package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowgrid/internal/cluster"
	"github.com/petrijr/flowgrid/internal/engine"
	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/httpapi"
	"github.com/petrijr/flowgrid/internal/taskqueue"
	"github.com/petrijr/flowgrid/pkg/api"
)

const onboardYAML = `id: onboard
version: v2
steps:
  - id: create
    queue: accounts
  - id: welcome
    queue: emails
    after: [create]
    params: {template: welcome}
`

type server struct {
	url      string
	engine   *engine.Engine
	registry *cluster.Registry
}

func newServer(t *testing.T) *server {
	t.Helper()
	log := eventlog.NewMemoryLog()
	queue := taskqueue.NewJournal(taskqueue.NewMemoryQueue(), log)
	registry := cluster.NewRegistry(log, cluster.Config{})
	eng, err := engine.New(engine.Config{Log: log, Queue: queue})
	require.NoError(t, err)
	queue.SetOutcomeListener(eng)

	srv, err := httpapi.NewServer(httpapi.ServerConfig{
		Engine: eng,
		Queue:  taskqueue.NewGated(queue, registry),
		Nodes:  registry,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &server{url: ts.URL, engine: eng, registry: registry}
}

// run executes one command line against the server and returns its stdout.
func (s *server) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--server", s.url}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (s *server) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := s.run(t, args...)
	require.NoError(t, err, "flowgrid %s", strings.Join(args, " "))
	return out
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefinitionsApplyAndGet(t *testing.T) {
	s := newServer(t)
	path := writeFile(t, "onboard.yaml", onboardYAML)

	out := s.mustRun(t, "definitions", "apply", "-f", path)
	require.Equal(t, "registered onboard@v2\n", out)

	def, err := s.engine.Definition(context.Background(), "onboard", "v2")
	require.NoError(t, err)
	require.Len(t, def.Steps, 2)

	out = s.mustRun(t, "definitions", "get", "onboard", "--version", "v2")
	require.Contains(t, out, "id: onboard")
	require.Contains(t, out, "template: welcome")
}

func TestDefinitionsApplyRejectsInvalidFile(t *testing.T) {
	s := newServer(t)
	path := writeFile(t, "bad.yaml", "id: bad\nsteps: []\n")

	_, err := s.run(t, "definitions", "apply", "-f", path)
	require.ErrorIs(t, err, api.ErrDefinitionInvalid)
}

func TestStartStatusCancel(t *testing.T) {
	s := newServer(t)
	s.mustRun(t, "definitions", "apply", "-f", writeFile(t, "onboard.yaml", onboardYAML))

	out := s.mustRun(t, "start", "onboard", "--input", `{"user":"ada"}`)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	inst, err := s.engine.GetWorkflowStatus(context.Background(), id)
	require.NoError(t, err)
	require.JSONEq(t, `{"user":"ada"}`, string(inst.Input))

	out = s.mustRun(t, "status", id)
	require.Contains(t, out, "RUNNING")
	require.Contains(t, out, "onboard@v2")
	require.Contains(t, out, "create")

	out = s.mustRun(t, "status", "--definition", "onboard", "--status", "running")
	require.Contains(t, out, id)

	out = s.mustRun(t, "cancel", id, "--reason", "test")
	require.Equal(t, "cancelled "+id+"\n", out)

	out = s.mustRun(t, "status", id)
	require.Contains(t, out, "CANCELLED")
	require.Contains(t, out, "test")

	out = s.mustRun(t, "status", "--status", "running")
	require.NotContains(t, out, id)
}

func TestStartRejectsInvalidInput(t *testing.T) {
	s := newServer(t)

	_, err := s.run(t, "start", "onboard", "--input", "{not json")
	require.ErrorContains(t, err, "not valid JSON")

	_, err = s.run(t, "start", "onboard", "--input", "1", "--input-file", "x.json")
	require.ErrorContains(t, err, "mutually exclusive")
}

func TestStartUnknownDefinition(t *testing.T) {
	s := newServer(t)

	_, err := s.run(t, "start", "missing")
	require.ErrorIs(t, err, api.ErrDefinitionNotFound)
}

func TestNodes(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	_, err := s.registry.Join(ctx, "node-1", 3)
	require.NoError(t, err)
	require.NoError(t, s.registry.Heartbeat(ctx, "node-1"))

	out := s.mustRun(t, "nodes")
	require.Contains(t, out, "node-1")
	require.Contains(t, out, "ACTIVE")
}

func TestWorkerRequiresQueue(t *testing.T) {
	s := newServer(t)

	_, err := s.run(t, "worker", "--", "cat")
	require.ErrorContains(t, err, "--queue")
}

func TestExecHandler(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	h := execHandler([]string{"sh", "-c", `cat; printf ":%s:%s" "$FLOWGRID_STEP_ID" "$FLOWGRID_ATTEMPT"`})
	out, err := h(ctx, &api.Task{ID: "t1", Queue: "q", StepID: "resize", Attempts: 2, Payload: []byte("payload")})
	require.NoError(t, err)
	require.Equal(t, "payload:resize:2", string(out))

	h = execHandler([]string{"sh", "-c", `echo "disk full" >&2; exit 3`})
	_, err = h(ctx, &api.Task{ID: "t2", Queue: "q"})
	require.ErrorContains(t, err, "disk full")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, exitErr.ExitCode())
}
