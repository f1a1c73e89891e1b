package flowgrid

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/petrijr/flowgrid/internal/taskqueue"
	"github.com/petrijr/flowgrid/internal/testutil"
	"github.com/petrijr/flowgrid/pkg/api"
)

func TestRetry_Schedules(t *testing.T) {
	tests := []struct {
		name  string
		retry RetryBuilder
		want  []time.Duration
	}{
		{"single delivery", Retry(0), []time.Duration{}},
		{"negative attempts", Retry(-5), []time.Duration{}},
		{
			"exponential with default multiplier and cap",
			Retry(5).WithExponentialBackoff(100*time.Millisecond, 0, 300*time.Millisecond),
			[]time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond},
		},
		{
			"exponential uncapped",
			Retry(4).WithExponentialBackoff(50*time.Millisecond, 3, 0),
			[]time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 450 * time.Millisecond},
		},
		{
			"constant",
			Retry(4).WithConstantBackoff(250 * time.Millisecond),
			[]time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond},
		},
		{
			"immediate overrides earlier backoff",
			Retry(3).WithExponentialBackoff(time.Second, 2, time.Minute).Immediate(),
			[]time.Duration{0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.retry.Schedule(); !slices.Equal(got, tt.want) {
				t.Fatalf("Schedule() = %v, want %v", got, tt.want)
			}
			if p := tt.retry.Policy(); p.MaxAttempts != len(tt.want)+1 {
				t.Fatalf("MaxAttempts = %d, want %d", p.MaxAttempts, len(tt.want)+1)
			}
		})
	}
}

func TestRetry_QueueHoldsFailedStepBack(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	q := taskqueue.NewMemoryQueue(taskqueue.WithClock(clock.Now))

	retry := Retry(3).WithExponentialBackoff(time.Second, 2, 0)
	if _, err := q.Enqueue(ctx, api.Task{ID: "t", Queue: "q", Retry: retry.Policy()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i, delay := range retry.Schedule() {
		if _, err := q.Lease(ctx, "q", "w1", time.Minute); err != nil {
			t.Fatalf("Lease %d: %v", i, err)
		}
		failed, err := q.Fail(ctx, "t", "w1", "boom")
		if err != nil {
			t.Fatalf("Fail %d: %v", i, err)
		}
		if want := clock.Now().Add(delay); !failed.NotBefore.Equal(want) {
			t.Fatalf("attempt %d NotBefore = %v, want %v", i+1, failed.NotBefore, want)
		}
		clock.Advance(delay)
	}
}
