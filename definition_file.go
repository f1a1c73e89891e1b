package flowgrid

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/flowgrid/pkg/api"
)

// definitionFile is the YAML form of a WorkflowDefinition:
//
//	id: onboard
//	version: v2
//	deadline: 1h
//	steps:
//	  - id: create
//	    queue: accounts
//	    retry: {max_attempts: 3, initial_backoff: 2s}
//	  - id: welcome
//	    queue: emails
//	    after: [create]
//	    params: {template: welcome}
type definitionFile struct {
	ID       string        `yaml:"id"`
	Version  string        `yaml:"version,omitempty"`
	Deadline time.Duration `yaml:"deadline,omitempty"`
	Steps    []stepFile    `yaml:"steps"`
}

type stepFile struct {
	ID             string     `yaml:"id"`
	Queue          string     `yaml:"queue"`
	After          []string   `yaml:"after,omitempty"`
	Params         any        `yaml:"params,omitempty"`
	Optional       bool       `yaml:"optional,omitempty"`
	CompensateWith string     `yaml:"compensate_with,omitempty"`
	Compensation   bool       `yaml:"compensation,omitempty"`
	MaxAttempts    int        `yaml:"max_attempts,omitempty"`
	Retry          *retryFile `yaml:"retry,omitempty"`
	ExclusiveKey   string     `yaml:"exclusive_key,omitempty"`
}

type retryFile struct {
	MaxAttempts    int           `yaml:"max_attempts,omitempty"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
}

// ParseDefinitions reads one or more YAML documents, each a workflow
// definition, and validates them.
func ParseDefinitions(r io.Reader) ([]WorkflowDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var defs []WorkflowDefinition
	for i := 0; ; i++ {
		var f definitionFile
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		def, err := f.definition()
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no definitions found", api.ErrDefinitionInvalid)
	}
	return defs, nil
}

// MarshalDefinition renders def in the YAML form read by ParseDefinitions.
func MarshalDefinition(def WorkflowDefinition) ([]byte, error) {
	f := definitionFile{
		ID:       def.ID,
		Version:  def.Version,
		Deadline: def.Deadline,
	}
	for _, s := range def.Steps {
		sf := stepFile{
			ID:             s.ID,
			Queue:          s.Queue,
			After:          s.Predecessors,
			Optional:       s.Optional,
			CompensateWith: s.CompensateWith,
			Compensation:   s.Compensation,
			MaxAttempts:    s.MaxAttempts,
			ExclusiveKey:   s.ExclusiveKey,
		}
		if len(s.Params) > 0 {
			if err := json.Unmarshal(s.Params, &sf.Params); err != nil {
				return nil, fmt.Errorf("step %s params: %w", s.ID, err)
			}
		}
		if s.Retry != nil {
			sf.Retry = &retryFile{
				MaxAttempts:    s.Retry.MaxAttempts,
				InitialBackoff: s.Retry.InitialBackoff,
				Multiplier:     s.Retry.BackoffMultiplier,
				MaxBackoff:     s.Retry.MaxBackoff,
			}
		}
		f.Steps = append(f.Steps, sf)
	}
	return yaml.Marshal(f)
}

func (f definitionFile) definition() (WorkflowDefinition, error) {
	def := WorkflowDefinition{
		ID:       f.ID,
		Version:  f.Version,
		Deadline: f.Deadline,
	}
	for _, s := range f.Steps {
		sd := StepDefinition{
			ID:             s.ID,
			Queue:          s.Queue,
			Predecessors:   s.After,
			Optional:       s.Optional,
			CompensateWith: s.CompensateWith,
			Compensation:   s.Compensation,
			MaxAttempts:    s.MaxAttempts,
			ExclusiveKey:   s.ExclusiveKey,
		}
		if s.Params != nil {
			raw, err := json.Marshal(s.Params)
			if err != nil {
				return WorkflowDefinition{}, fmt.Errorf("step %s params: %w", s.ID, err)
			}
			sd.Params = raw
		}
		if s.Retry != nil {
			sd.Retry = &RetryPolicy{
				MaxAttempts:       s.Retry.MaxAttempts,
				InitialBackoff:    s.Retry.InitialBackoff,
				BackoffMultiplier: s.Retry.Multiplier,
				MaxBackoff:        s.Retry.MaxBackoff,
			}
		}
		def.Steps = append(def.Steps, sd)
	}
	return def, nil
}
