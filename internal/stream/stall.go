package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/flowgrid/pkg/api"
)

// SignalInstanceStalled is emitted for a running instance whose stream has
// not grown for the configured window.
const SignalInstanceStalled = "instance.stalled"

// Signal is a derived observation published to sinks.
type Signal struct {
	Kind         string    `json:"kind"`
	InstanceID   string    `json:"instance_id"`
	LastProgress time.Time `json:"last_progress"`
	At           time.Time `json:"at"`
}

// StallDetector tracks running instances and reports those without progress.
// It only keeps state for instances that have not reached a terminal event.
type StallDetector struct {
	after time.Duration

	mu      sync.Mutex
	running map[string]*progress
}

type progress struct {
	last     time.Time
	reported bool
}

// NewStallDetector reports instances idle for at least after.
func NewStallDetector(after time.Duration) *StallDetector {
	return &StallDetector{after: after, running: make(map[string]*progress)}
}

func (d *StallDetector) Process(ctx context.Context, ev api.Event) error {
	id, ok := api.InstanceIDFromStream(ev.StreamID)
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if ev.Kind.Terminal() {
		delete(d.running, id)
		return nil
	}
	p, ok := d.running[id]
	if !ok {
		p = &progress{}
		d.running[id] = p
	}
	if ev.Timestamp.After(p.last) {
		p.last = ev.Timestamp
	}
	p.reported = false
	return nil
}

// Check returns a signal for every instance idle at now that was not reported
// since its last progress.
func (d *StallDetector) Check(now time.Time) []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Signal
	for id, p := range d.running {
		if p.reported || now.Sub(p.last) < d.after {
			continue
		}
		p.reported = true
		out = append(out, Signal{
			Kind:         SignalInstanceStalled,
			InstanceID:   id,
			LastProgress: p.last,
			At:           now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Running returns the number of instances being tracked.
func (d *StallDetector) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// KindCounter counts processed events per kind.
type KindCounter struct {
	mu     sync.Mutex
	counts map[api.EventKind]int64
}

func NewKindCounter() *KindCounter {
	return &KindCounter{counts: make(map[api.EventKind]int64)}
}

func (c *KindCounter) Process(ctx context.Context, ev api.Event) error {
	c.mu.Lock()
	c.counts[ev.Kind]++
	c.mu.Unlock()
	return nil
}

// Counts returns a copy of the counters.
func (c *KindCounter) Counts() map[api.EventKind]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[api.EventKind]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
