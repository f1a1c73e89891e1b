package api

import (
	"math"
	"time"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskLeased  TaskState = "LEASED"
	TaskAcked   TaskState = "ACKED"
	TaskFailed  TaskState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == TaskAcked || s == TaskFailed
}

// Task is a unit of work delivered to workers through a lease.
type Task struct {
	ID      string
	Queue   string
	Payload []byte

	State TaskState

	// Attempts is the number of the current delivery attempt. It is 1 when
	// the task is enqueued and grows each time an expired lease is reclaimed
	// or a failure is retried.
	Attempts    int
	MaxAttempts int
	Retry       RetryPolicy

	LeaseOwner     string
	LeaseExpiresAt time.Time

	// ReclaimedFrom is set on the task returned by a lease that took over
	// an expired lease, and names the previous owner. It is not stored.
	ReclaimedFrom string

	// NotBefore is the earliest time the task is eligible for a lease.
	NotBefore time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// InstanceID and StepID are set for tasks submitted by the workflow engine.
	InstanceID string
	StepID     string

	// ExclusiveKey, if set, names a lock the worker must hold while running
	// the task.
	ExclusiveKey string

	LastError string
	Result    []byte
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Payload = cloneBytes(t.Payload)
	cp.Result = cloneBytes(t.Result)
	return &cp
}

// LeaseLive reports whether t is leased and the lease has not expired at now.
func (t *Task) LeaseLive(now time.Time) bool {
	return t.State == TaskLeased && now.Before(t.LeaseExpiresAt)
}

// EligibleAt reports whether a lease call at now may hand out t.
// Expired leases are eligible only while attempts remain; exhausted ones are
// left for the reaper to fail.
func (t *Task) EligibleAt(now time.Time) bool {
	switch t.State {
	case TaskPending:
		return !now.Before(t.NotBefore)
	case TaskLeased:
		return !now.Before(t.LeaseExpiresAt) && t.Attempts < t.MaxAttempts
	}
	return false
}

// TaskOutcome summarises how a settled task ended.
type TaskOutcome struct {
	Task *Task
	Err  error
}

// RetryPolicy controls how often a task is delivered and the delay between
// failed attempts. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial delivery)
//	MaxAttempts = 3 => initial delivery + up to 2 retries
//
// The delay before retry n (n starting at 1) is
// InitialBackoff * BackoffMultiplier^(n-1), capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts,omitempty"`
	InitialBackoff    time.Duration `json:"initial_backoff,omitempty"`
	BackoffMultiplier float64       `json:"backoff_multiplier,omitempty"`
	MaxBackoff        time.Duration `json:"max_backoff,omitempty"`
}

// DefaultRetryPolicy is used when neither the task nor its queue specifies one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:       5,
	InitialBackoff:    time.Second,
	BackoffMultiplier: 2.0,
	MaxBackoff:        time.Minute,
}

// WithDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = DefaultRetryPolicy.BackoffMultiplier
	}
	return p
}

// Backoff returns the delay to apply before the given retry (1-based).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(retry-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
