package flowgrid

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/flowgrid/pkg/api"
	"github.com/petrijr/flowgrid/pkg/worker"
)

func newTestRunner(t *testing.T, opts ...LocalOption) *LocalRunner {
	t.Helper()
	opts = append([]LocalOption{WithPollInterval(10 * time.Millisecond)}, opts...)
	runner, err := NewLocalRunner(opts...)
	if err != nil {
		t.Fatalf("NewLocalRunner: %v", err)
	}
	return runner
}

func waitTerminal(t *testing.T, eng Engine, id string) *WorkflowInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := Wait(ctx, eng, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return inst
}

// inc adds one to the sum of the workflow input and all predecessor results.
func inc(ctx context.Context, task *Task) ([]byte, error) {
	p, err := DecodeStepPayload(task.Payload)
	if err != nil {
		return nil, err
	}
	var n int
	if len(p.Input) > 0 {
		if err := json.Unmarshal(p.Input, &n); err != nil {
			return nil, err
		}
	}
	for _, r := range p.Results {
		var v int
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, err
		}
		n += v
	}
	return json.Marshal(n + 1)
}

func TestLocalRunner_RunsDiamond(t *testing.T) {
	runner := newTestRunner(t)
	runner.Handle("math", inc)

	ctx := context.Background()
	New("diamond").
		Step("a", "math").
		Step("b", "math").After("a").
		Step("c", "math").After("a").
		Step("d", "math").After("b", "c").
		MustRegister(ctx, runner.Engine)

	if err := runner.Start(ctx, 2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if err := runner.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	id, err := Start(ctx, runner.Engine, "diamond", 1)
	if err != nil {
		t.Fatalf("Start workflow: %v", err)
	}
	inst := waitTerminal(t, runner.Engine, id)
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED", inst.Status, inst.Reason)
	}

	// a = 1+1 = 2; b = c = 1+2+1 = 4; d = 1+4+4+1 = 10
	var d int
	if err := StepResult(inst, "d", &d); err != nil {
		t.Fatalf("StepResult: %v", err)
	}
	if d != 10 {
		t.Fatalf("d = %d, want 10", d)
	}

	snap := runner.Metrics.Snapshot()
	if snap.WorkflowsCompleted != 1 || snap.StepsCompleted != 4 {
		t.Fatalf("metrics = %+v", snap)
	}
}

func TestLocalRunner_RetriesThenCompensates(t *testing.T) {
	runner := newTestRunner(t)

	var chargeCalls atomic.Int32
	runner.Handle("billing", func(ctx context.Context, task *Task) ([]byte, error) {
		p, err := DecodeStepPayload(task.Payload)
		if err != nil {
			return nil, err
		}
		if p.CompensationFor != "" {
			return []byte(`"refunded"`), nil
		}
		chargeCalls.Add(1)
		return nil, errors.New("card declined")
	})

	ctx := context.Background()
	New("checkout").
		Step("charge", "billing").WithRetry(Retry(2).Immediate()).CompensateWith("refund").
		Compensation("refund", "billing").
		MustRegister(ctx, runner.Engine)

	if err := runner.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer runner.Stop()

	id, err := Start(ctx, runner.Engine, "checkout", nil)
	if err != nil {
		t.Fatalf("Start workflow: %v", err)
	}
	inst := waitTerminal(t, runner.Engine, id)

	if got := chargeCalls.Load(); got != 2 {
		t.Fatalf("charge ran %d times, want 2", got)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED", inst.Status, inst.Reason)
	}
	if st := inst.Steps["charge"].Status; st != api.StepCompensated {
		t.Fatalf("charge = %s, want COMPENSATED", st)
	}
}

func TestLocalRunner_ExclusiveStepsDoNotOverlap(t *testing.T) {
	runner := newTestRunner(t)

	var (
		mu      sync.Mutex
		running int
		overlap bool
		tokens  []uint64
	)
	runner.Handle("ledger", func(ctx context.Context, task *Task) ([]byte, error) {
		fence, ok := worker.FencingToken(ctx)
		if !ok {
			return nil, errors.New("missing fencing token")
		}
		mu.Lock()
		running++
		overlap = overlap || running > 1
		tokens = append(tokens, fence.Token)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return []byte(`"ok"`), nil
	})

	ctx := context.Background()
	New("post").
		Step("debit", "ledger").Exclusive("account:42").WithRetry(Retry(50).Immediate()).
		Step("credit", "ledger").Exclusive("account:42").WithRetry(Retry(50).Immediate()).
		MustRegister(ctx, runner.Engine)

	if err := runner.Start(ctx, 4); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer runner.Stop()

	id, err := Start(ctx, runner.Engine, "post", nil)
	if err != nil {
		t.Fatalf("Start workflow: %v", err)
	}
	inst := waitTerminal(t, runner.Engine, id)
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", inst.Status, inst.Reason)
	}

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Fatal("exclusive steps ran concurrently")
	}
	if len(tokens) != 2 || tokens[0] >= tokens[1] {
		t.Fatalf("fencing tokens = %v, want two increasing tokens", tokens)
	}
}

func TestLocalRunner_HandleAfterStart(t *testing.T) {
	runner := newTestRunner(t)
	ctx := context.Background()
	New("late").Step("only", "late").MustRegister(ctx, runner.Engine)

	if err := runner.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer runner.Stop()

	id, err := Start(ctx, runner.Engine, "late", nil)
	if err != nil {
		t.Fatalf("Start workflow: %v", err)
	}
	runner.Handle("late", inc)

	if inst := waitTerminal(t, runner.Engine, id); inst.Status != StatusCompleted {
		t.Fatalf("status = %s", inst.Status)
	}
}

func TestLocalRunner_StartTwiceFails(t *testing.T) {
	runner := newTestRunner(t)
	ctx := context.Background()

	if err := runner.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := runner.Start(ctx, 1); err == nil {
		t.Fatal("expected error on second Start")
	}
	if err := runner.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop is idempotent and the runner can be started again.
	if err := runner.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := runner.Start(ctx, 1); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := runner.Stop(); err != nil {
		t.Fatalf("final Stop: %v", err)
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	done []string
}

func (n *recordingNotifier) WorkflowFinished(ctx context.Context, inst *WorkflowInstance) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done = append(n.done, inst.ID)
	return nil
}

type onlyAdmins struct{}

func (onlyAdmins) Authorize(ctx context.Context, req api.AuthRequest) (bool, error) {
	return api.PrincipalFromContext(ctx) == "admin", nil
}

func TestLocalRunner_Collaborators(t *testing.T) {
	notifier := &recordingNotifier{}
	runner := newTestRunner(t, WithNotifier(notifier), WithAuthorizer(onlyAdmins{}))
	runner.Handle("math", inc)

	ctx := context.Background()
	New("guarded").Step("only", "math").MustRegister(ctx, runner.Engine)

	if _, err := Start(ctx, runner.Engine, "guarded", 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("anonymous start error = %v, want ErrUnauthorized", err)
	}

	if err := runner.Start(ctx, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer runner.Stop()

	id, err := Start(WithPrincipal(ctx, "admin"), runner.Engine, "guarded", 1)
	if err != nil {
		t.Fatalf("admin start: %v", err)
	}
	waitTerminal(t, runner.Engine, id)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.done) != 1 || notifier.done[0] != id {
		t.Fatalf("notified = %v, want [%s]", notifier.done, id)
	}
}
