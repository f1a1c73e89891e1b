package flowgrid_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/flowgrid"
)

// Example_flowBuilder shows how a definition is assembled and validated.
func Example_flowBuilder() {
	def, err := flowgrid.New("greeting").
		Step("hello", "text").
		Step("decorate", "text").After("hello").
		Build()
	if err != nil {
		log.Fatal(err)
	}

	for _, s := range def.Steps {
		fmt.Printf("%s on %s after %v\n", s.ID, s.Queue, s.Predecessors)
	}
	// Output:
	// hello on text after []
	// decorate on text after [hello]
}

// Example_localRunner runs a two-step workflow with an in-process engine,
// queue and worker.
func Example_localRunner() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner, err := flowgrid.NewLocalRunner(
		flowgrid.WithLogger(quiet),
		flowgrid.WithPollInterval(10*time.Millisecond),
	)
	if err != nil {
		log.Fatal(err)
	}
	runner.Handle("text", greet)

	flowgrid.New("greeting").
		Step("hello", "text").
		Step("decorate", "text").After("hello").
		MustRegister(ctx, runner.Engine)

	if err := runner.Start(ctx, 1); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	id, err := flowgrid.Start(ctx, runner.Engine, "greeting", "Gopher")
	if err != nil {
		log.Fatal(err)
	}
	inst, err := flowgrid.Wait(ctx, runner.Engine, id)
	if err != nil {
		log.Fatal(err)
	}

	var out string
	if err := flowgrid.StepResult(inst, "decorate", &out); err != nil {
		log.Fatal(err)
	}
	fmt.Println(inst.Status, out)
	// Output:
	// COMPLETED *** hello, Gopher ***
}

// greet says hello to the workflow input, or decorates the greeting it
// receives from its predecessor.
func greet(ctx context.Context, task *flowgrid.Task) ([]byte, error) {
	p, err := flowgrid.DecodeStepPayload(task.Payload)
	if err != nil {
		return nil, err
	}
	if prev, ok := p.Results["hello"]; ok {
		var msg string
		if err := json.Unmarshal(prev, &msg); err != nil {
			return nil, err
		}
		return json.Marshal("*** " + msg + " ***")
	}
	var name string
	if err := json.Unmarshal(p.Input, &name); err != nil {
		return nil, err
	}
	return json.Marshal("hello, " + strings.TrimSpace(name))
}
