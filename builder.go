package flowgrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FlowBuilder provides a fluent API for defining workflow DAGs. Modifiers
// such as After and Optional apply to the step added last:
//
//	flow := flowgrid.New("onboard").
//	    Step("create", "accounts").
//	    Step("welcome", "emails").After("create").
//	    Step("crm", "crm").After("create").Optional().
//	    Step("charge", "billing").After("create").CompensateWith("refund").
//	    Compensation("refund", "billing")
//
//	if err := flow.Register(ctx, engine); err != nil {
//	    log.Fatal(err)
//	}
//
// Builder misuse is reported by Build and Register rather than by panics.
type FlowBuilder struct {
	def  WorkflowDefinition
	last int
	err  error
}

// New creates a new workflow builder with the given definition ID.
func New(id string) *FlowBuilder {
	return &FlowBuilder{
		def:  WorkflowDefinition{ID: id},
		last: -1,
	}
}

// ID returns the definition ID.
func (b *FlowBuilder) ID() string {
	return b.def.ID
}

// Version sets the definition version.
func (b *FlowBuilder) Version(v string) *FlowBuilder {
	b.def.Version = v
	return b
}

// Deadline bounds the lifetime of every instance.
func (b *FlowBuilder) Deadline(d time.Duration) *FlowBuilder {
	b.def.Deadline = d
	return b
}

// Step appends a step whose tasks are submitted to queue.
func (b *FlowBuilder) Step(id, queue string) *FlowBuilder {
	b.def.Steps = append(b.def.Steps, StepDefinition{ID: id, Queue: queue})
	b.last = len(b.def.Steps) - 1
	return b
}

// Compensation appends a compensation step. It only runs on behalf of the
// step naming it in CompensateWith.
func (b *FlowBuilder) Compensation(id, queue string) *FlowBuilder {
	b.def.Steps = append(b.def.Steps, StepDefinition{ID: id, Queue: queue, Compensation: true})
	b.last = len(b.def.Steps) - 1
	return b
}

// After makes the last step wait for the given steps.
func (b *FlowBuilder) After(ids ...string) *FlowBuilder {
	return b.modify("After", func(s *StepDefinition) {
		s.Predecessors = append(s.Predecessors, ids...)
	})
}

// Optional lets the instance continue when the last step fails.
func (b *FlowBuilder) Optional() *FlowBuilder {
	return b.modify("Optional", func(s *StepDefinition) { s.Optional = true })
}

// CompensateWith names the compensation step submitted when the last step
// fails permanently.
func (b *FlowBuilder) CompensateWith(id string) *FlowBuilder {
	return b.modify("CompensateWith", func(s *StepDefinition) { s.CompensateWith = id })
}

// Params sets the JSON-encoded parameters handed to the last step's worker.
func (b *FlowBuilder) Params(v any) *FlowBuilder {
	return b.modify("Params", func(s *StepDefinition) {
		raw, err := json.Marshal(v)
		if err != nil {
			b.fail(fmt.Errorf("step %s params: %w", s.ID, err))
			return
		}
		s.Params = raw
	})
}

// WithRetry sets the retry policy of the last step.
func (b *FlowBuilder) WithRetry(r RetryBuilder) *FlowBuilder {
	p := r.Policy()
	return b.modify("WithRetry", func(s *StepDefinition) {
		s.Retry = &p
		s.MaxAttempts = p.MaxAttempts
	})
}

// Exclusive makes workers hold a lock on key while running the last step.
func (b *FlowBuilder) Exclusive(key string) *FlowBuilder {
	return b.modify("Exclusive", func(s *StepDefinition) { s.ExclusiveKey = key })
}

func (b *FlowBuilder) modify(name string, fn func(*StepDefinition)) *FlowBuilder {
	if b.last < 0 {
		b.fail(fmt.Errorf("%s called before Step", name))
		return b
	}
	fn(&b.def.Steps[b.last])
	return b
}

func (b *FlowBuilder) fail(err error) {
	b.err = errors.Join(b.err, err)
}

// Definition returns a copy of the definition built so far without
// validating it.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.Steps = append([]StepDefinition(nil), b.def.Steps...)
	return def
}

// Build returns the definition after checking it is a valid DAG.
func (b *FlowBuilder) Build() (WorkflowDefinition, error) {
	if b.err != nil {
		return WorkflowDefinition{}, fmt.Errorf("%w: %s: %w", ErrDefinitionInvalid, b.def.ID, b.err)
	}
	def := b.Definition()
	if err := def.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

// Register builds the definition and registers it with eng.
func (b *FlowBuilder) Register(ctx context.Context, eng Engine) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return eng.RegisterDefinition(ctx, def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(ctx context.Context, eng Engine) {
	if err := b.Register(ctx, eng); err != nil {
		panic(err)
	}
}
