package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the instance can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the folded state of a single step within an instance.
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepSubmitted    StepStatus = "SUBMITTED"
	StepCompleted    StepStatus = "COMPLETED"
	StepFailed       StepStatus = "FAILED"
	StepSkipped      StepStatus = "SKIPPED"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
)

// Satisfied reports whether successors of a step in this status may run.
func (s StepStatus) Satisfied() bool {
	return s == StepCompleted || s == StepSkipped || s == StepCompensated
}

// DefaultVersion is assigned to definitions registered without a version.
const DefaultVersion = "v1"

// StepDefinition is a task template plus the steps it waits for.
type StepDefinition struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`

	// Params is handed to the worker alongside the workflow input.
	Params json.RawMessage `json:"params,omitempty"`

	Predecessors []string `json:"predecessors,omitempty"`

	// Optional steps do not fail the instance; a failure marks them skipped.
	Optional bool `json:"optional,omitempty"`

	// CompensateWith names a compensation step submitted when this step fails.
	CompensateWith string `json:"compensate_with,omitempty"`

	// Compensation marks a step that only runs on behalf of a failed step.
	Compensation bool `json:"compensation,omitempty"`

	MaxAttempts  int          `json:"max_attempts,omitempty"`
	Retry        *RetryPolicy `json:"retry,omitempty"`
	ExclusiveKey string       `json:"exclusive_key,omitempty"`
}

// WorkflowDefinition is a directed acyclic graph of steps. It is immutable
// once registered and identified by ID and Version.
type WorkflowDefinition struct {
	ID      string           `json:"id"`
	Version string           `json:"version,omitempty"`
	Steps   []StepDefinition `json:"steps"`

	// Deadline, if positive, bounds the lifetime of each instance.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// Step returns the step with the given ID.
func (d *WorkflowDefinition) Step(id string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Validate checks that the definition is a well-formed DAG. Errors wrap
// ErrDefinitionInvalid.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: definition id is required", ErrDefinitionInvalid)
	}
	if strings.Contains(d.ID, "@") || strings.Contains(d.Version, "@") {
		return fmt.Errorf("%w: %s: id and version must not contain '@'", ErrDefinitionInvalid, d.ID)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s: at least one step is required", ErrDefinitionInvalid, d.ID)
	}

	byID := make(map[string]StepDefinition, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: %s: step id is required", ErrDefinitionInvalid, d.ID)
		}
		if s.Queue == "" {
			return fmt.Errorf("%w: %s: step %q has no queue", ErrDefinitionInvalid, d.ID, s.ID)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("%w: %s: duplicate step %q", ErrDefinitionInvalid, d.ID, s.ID)
		}
		byID[s.ID] = s
	}

	compensated := make(map[string]string)
	for _, s := range d.Steps {
		for _, p := range s.Predecessors {
			pred, ok := byID[p]
			if !ok {
				return fmt.Errorf("%w: %s: step %q has unknown predecessor %q", ErrDefinitionInvalid, d.ID, s.ID, p)
			}
			if pred.Compensation {
				return fmt.Errorf("%w: %s: step %q depends on compensation step %q", ErrDefinitionInvalid, d.ID, s.ID, p)
			}
		}
		if s.Compensation {
			if len(s.Predecessors) > 0 {
				return fmt.Errorf("%w: %s: compensation step %q cannot have predecessors", ErrDefinitionInvalid, d.ID, s.ID)
			}
			if s.CompensateWith != "" {
				return fmt.Errorf("%w: %s: compensation step %q cannot itself be compensated", ErrDefinitionInvalid, d.ID, s.ID)
			}
		}
		if s.CompensateWith != "" {
			c, ok := byID[s.CompensateWith]
			if !ok {
				return fmt.Errorf("%w: %s: step %q compensates with unknown step %q", ErrDefinitionInvalid, d.ID, s.ID, s.CompensateWith)
			}
			if !c.Compensation {
				return fmt.Errorf("%w: %s: step %q is not marked as a compensation step", ErrDefinitionInvalid, d.ID, c.ID)
			}
			if other, taken := compensated[c.ID]; taken {
				return fmt.Errorf("%w: %s: compensation step %q is shared by %q and %q", ErrDefinitionInvalid, d.ID, c.ID, other, s.ID)
			}
			compensated[c.ID] = s.ID
		}
	}

	if cycle := findCycle(d.Steps); cycle != "" {
		return fmt.Errorf("%w: %s: cycle through step %q", ErrDefinitionInvalid, d.ID, cycle)
	}
	return nil
}

// findCycle runs Kahn's algorithm and returns a step on a cycle, or "".
func findCycle(steps []StepDefinition) string {
	indegree := make(map[string]int, len(steps))
	successors := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] += 0
		for _, p := range s.Predecessors {
			indegree[s.ID]++
			successors[p] = append(successors[p], s.ID)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited == len(steps) {
		return ""
	}

	var left []string
	for id, n := range indegree {
		if n > 0 {
			left = append(left, id)
		}
	}
	sort.Strings(left)
	return left[0]
}

// Fingerprint returns a stable hash of the definition's structure.
func (d *WorkflowDefinition) Fingerprint() string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StepState is the folded state of one step of an instance.
type StepState struct {
	Status StepStatus `json:"status"`
	TaskID string     `json:"task_id,omitempty"`
	Output []byte     `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`

	// CompensatedBy is set on a failed step once its compensation was submitted.
	CompensatedBy string `json:"compensated_by,omitempty"`
}

// WorkflowInstance is the state of one execution of a definition, obtained by
// folding the instance's event stream.
type WorkflowInstance struct {
	ID           string                `json:"id"`
	DefinitionID string                `json:"definition_id"`
	Version      string                `json:"version"`
	Input        []byte                `json:"input,omitempty"`
	Status       Status                `json:"status"`
	Steps        map[string]*StepState `json:"steps"`
	Reason       string                `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Deadline is zero when the definition has none.
	Deadline time.Time `json:"deadline,omitempty"`

	// Sequence is the sequence number of the last folded event.
	Sequence uint64 `json:"sequence"`
}

// Clone returns a deep copy of the instance.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Input = cloneBytes(w.Input)
	cp.Steps = make(map[string]*StepState, len(w.Steps))
	for id, s := range w.Steps {
		sc := *s
		sc.Output = cloneBytes(s.Output)
		cp.Steps[id] = &sc
	}
	return &cp
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	DefinitionID string
	Status       Status
}
