package taskqueue

import (
	"context"
	"log/slog"
	"time"
)

// DefaultReapInterval is how often a Reaper scans for expired leases.
const DefaultReapInterval = time.Second

// Reaper periodically reclaims expired leases.
type Reaper struct {
	queue    Queue
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper returns a Reaper for q. A non-positive interval selects
// DefaultReapInterval and a nil logger slog.Default().
func NewReaper(q Queue, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{queue: q, interval: interval, logger: logger}
}

// Run reaps until ctx is cancelled. Scan errors are logged and the next tick
// tries again.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		reaped, err := r.queue.ReapExpired(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "reap_failed", slog.Any("error", err))
		}
		if len(reaped) > 0 {
			r.logger.DebugContext(ctx, "leases_reaped", slog.Int("count", len(reaped)))
		}
	}
}
