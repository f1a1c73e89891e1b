package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/pkg/api"
)

// DefaultStallAfter is the idle window after which an instance is reported.
const DefaultStallAfter = 5 * time.Minute

// ErrSinkFull is returned by a ChannelSink whose buffer is full.
var ErrSinkFull = errors.New("sink buffer full")

// Sink receives signals from Realtime.
type Sink interface {
	Emit(ctx context.Context, sig Signal) error
}

// ChannelSink delivers signals on a buffered channel and drops them when the
// reader falls behind.
type ChannelSink struct {
	ch chan Signal
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Signal, max(buffer, 1))}
}

// C returns the channel signals are delivered on.
func (s *ChannelSink) C() <-chan Signal { return s.ch }

func (s *ChannelSink) Emit(ctx context.Context, sig Signal) error {
	select {
	case s.ch <- sig:
		return nil
	default:
		return ErrSinkFull
	}
}

// LogSink writes signals to a slog.Logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, sig Signal) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "stream_signal",
		slog.String("kind", sig.Kind),
		slog.String("instance_id", sig.InstanceID),
		slog.Time("last_progress", sig.LastProgress),
	)
	return nil
}

// RealtimeConfig describes a Realtime processor.
type RealtimeConfig struct {
	// Name defaults to "realtime".
	Name         string
	PollInterval time.Duration
	StallAfter   time.Duration

	// CheckInterval is how often stalls are looked for. Defaults to the poll
	// interval.
	CheckInterval time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Realtime follows workflow and queue streams, counts events by kind and
// publishes stall signals to its sinks. Sink failures are logged and never
// propagate.
type Realtime struct {
	*Tailer

	log    eventlog.Log
	stalls *StallDetector
	counts *KindCounter
	sinks  []Sink
	every  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewRealtime(log eventlog.Log, cfg RealtimeConfig, sinks ...Sink) (*Realtime, error) {
	if cfg.Name == "" {
		cfg.Name = "realtime"
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = DefaultStallAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Realtime{
		stalls: NewStallDetector(cfg.StallAfter),
		counts: NewKindCounter(),
		sinks:  sinks,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
	t, err := NewTailer(log, Processors{r.stalls, r.counts}, Config{
		Name:         cfg.Name,
		Prefixes:     []string{api.StreamPrefixWorkflow, api.StreamPrefixQueue},
		PollInterval: cfg.PollInterval,
		Logger:       cfg.Logger,
		OnRestore:    r.reseed,
	})
	if err != nil {
		return nil, err
	}
	r.Tailer = t
	r.log = log
	r.every = cfg.CheckInterval
	if r.every <= 0 {
		r.every = t.interval
	}
	return r, nil
}

// reseed replays the last consumed event of every workflow stream into the
// stall detector, so instances that went quiet before the checkpoint are
// still tracked after a restart.
func (r *Realtime) reseed(ctx context.Context, cursors map[string]uint64) error {
	for streamID, next := range cursors {
		if next == 0 || !strings.HasPrefix(streamID, api.StreamPrefixWorkflow) {
			continue
		}
		for ev, err := range r.log.Read(ctx, streamID, next-1) {
			if err != nil {
				return err
			}
			if err := r.stalls.Process(ctx, ev); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// Counts returns the number of events seen per kind.
func (r *Realtime) Counts() map[api.EventKind]int64 { return r.counts.Counts() }

// CheckStalls emits a signal for every newly stalled instance and returns
// them.
func (r *Realtime) CheckStalls(ctx context.Context) []Signal {
	sigs := r.stalls.Check(r.now().UTC())
	for _, sig := range sigs {
		r.emit(ctx, sig)
	}
	return sigs
}

func (r *Realtime) emit(ctx context.Context, sig Signal) {
	for _, s := range r.sinks {
		if err := s.Emit(ctx, sig); err != nil {
			r.logger.WarnContext(ctx, "sink_emit_failed",
				slog.String("kind", sig.Kind),
				slog.String("instance_id", sig.InstanceID),
				slog.Any("error", err),
			)
		}
	}
}

// Run tails the log and checks for stalls until ctx is cancelled.
func (r *Realtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Tailer.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(r.every)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				r.CheckStalls(gctx)
			}
		}
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("realtime %s: %w", r.name, err)
}
