package flowgrid

import "time"

// RetryBuilder describes how the task queue redelivers a failed step. A
// failed attempt goes back to Pending with NotBefore pushed out by the
// step's backoff; any worker may lease it once that time has passed. No
// worker sleeps between attempts.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry allows maxAttempts deliveries of a step, counting the first one.
// Values below 1 mean a single delivery.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

func (r RetryBuilder) with(fn func(*RetryPolicy)) RetryBuilder {
	p := r.policy
	fn(&p)
	return RetryBuilder{policy: p}
}

// WithExponentialBackoff delays the first redelivery by initial and each
// following one by multiplier times the previous delay, capped at limit.
// A multiplier <= 0 means 2; a limit <= 0 leaves the delay uncapped.
//
//	flowgrid.Retry(4).WithExponentialBackoff(time.Second, 2, 10*time.Second)
//	// redelivered no earlier than 1s, 2s and 4s after each failure
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff = initial
		p.BackoffMultiplier = multiplier
		p.MaxBackoff = limit
	})
}

// WithConstantBackoff holds every redelivery back by delay.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff = delay
		p.BackoffMultiplier = 1
		p.MaxBackoff = 0
	})
}

// Immediate makes a failed step eligible for the next lease right away.
func (r RetryBuilder) Immediate() RetryBuilder {
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff = 0
		p.BackoffMultiplier = 0
		p.MaxBackoff = 0
	})
}

// Schedule lists the minimum delay before each redelivery, one entry per
// attempt after the first.
func (r RetryBuilder) Schedule() []time.Duration {
	out := make([]time.Duration, 0, r.policy.MaxAttempts-1)
	for n := 1; n < r.policy.MaxAttempts; n++ {
		out = append(out, r.policy.Backoff(n))
	}
	return out
}

// Policy returns the policy stored on the step definition.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
