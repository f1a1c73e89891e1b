// Package stream consumes the event log as it grows.
//
// A Tailer polls the streams matching its prefixes and hands every new event
// to a Processor, in per-stream order. Its cursors are appended to the
// stream checkpoint:<name>, so a consumer restarted under the same name
// resumes where it left off. Delivery is at least once: an event whose
// processing failed is offered again on the next poll.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// DefaultPollInterval is how often Run polls when no interval is configured.
const DefaultPollInterval = 500 * time.Millisecond

// Processor handles events delivered by a Tailer.
type Processor interface {
	Process(ctx context.Context, ev api.Event) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, ev api.Event) error

func (f ProcessorFunc) Process(ctx context.Context, ev api.Event) error { return f(ctx, ev) }

// Processors fans each event out to every processor in order. The first
// error stops delivery of that event.
type Processors []Processor

func (ps Processors) Process(ctx context.Context, ev api.Event) error {
	for _, p := range ps {
		if err := p.Process(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Config describes a Tailer.
type Config struct {
	// Name identifies the consumer and its checkpoint stream. Required.
	Name string

	// Prefixes selects the streams to follow. Empty follows every stream.
	Prefixes []string

	PollInterval time.Duration
	Logger       *slog.Logger

	// OnRestore, if set, is called by Restore with the restored cursors so
	// that processors can rebuild state covering events before them.
	OnRestore func(ctx context.Context, cursors map[string]uint64) error
}

// Tailer follows streams of an event log.
type Tailer struct {
	log      eventlog.Log
	proc     Processor
	name     string
	prefixes []string
	interval time.Duration
	logger   *slog.Logger
	restored func(context.Context, map[string]uint64) error

	mu      sync.Mutex
	cursors map[string]uint64
	dirty   bool
}

// NewTailer creates a Tailer. Call Restore before polling to resume from the
// last checkpoint.
func NewTailer(log eventlog.Log, proc Processor, cfg Config) (*Tailer, error) {
	if log == nil || proc == nil {
		return nil, errors.New("stream: log and processor are required")
	}
	if cfg.Name == "" {
		return nil, errors.New("stream: consumer name is required")
	}
	t := &Tailer{
		log:      log,
		proc:     proc,
		name:     cfg.Name,
		prefixes: cfg.Prefixes,
		interval: cfg.PollInterval,
		logger:   cfg.Logger,
		restored: cfg.OnRestore,
		cursors:  make(map[string]uint64),
	}
	if len(t.prefixes) == 0 {
		t.prefixes = []string{""}
	}
	if t.interval <= 0 {
		t.interval = DefaultPollInterval
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t, nil
}

// CheckpointStream returns the stream the consumer's cursors are kept in.
func (t *Tailer) CheckpointStream() string {
	return api.StreamPrefixCheckpoint + t.name
}

// Restore loads the cursors of the last checkpoint, if any.
func (t *Tailer) Restore(ctx context.Context) error {
	ev, ok, err := eventlog.Last(ctx, t.log, t.CheckpointStream())
	if err != nil || !ok {
		return err
	}
	cp, err := persistence.DecodeValue[api.CheckpointPayload](ev.Payload)
	if err != nil {
		return fmt.Errorf("decode checkpoint of %s: %w", t.name, err)
	}
	t.mu.Lock()
	t.cursors = make(map[string]uint64, len(cp.Cursors))
	maps.Copy(t.cursors, cp.Cursors)
	t.mu.Unlock()

	if t.restored != nil {
		if err := t.restored(ctx, maps.Clone(cp.Cursors)); err != nil {
			return fmt.Errorf("restore %s: %w", t.name, err)
		}
	}
	return nil
}

// Cursor returns the next sequence the Tailer will read from streamID.
func (t *Tailer) Cursor(streamID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursors[streamID]
}

// Poll makes one pass over the followed streams and returns the number of
// events processed. A failing stream is left at the failed event and the
// others are still read. Progress is checkpointed at the end of the pass.
func (t *Tailer) Poll(ctx context.Context) (int, error) {
	streams, err := t.streams(ctx)
	if err != nil {
		return 0, err
	}

	var (
		processed int
		errs      error
	)
	for _, s := range streams {
		n, err := t.drain(ctx, s)
		processed += n
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stream %s: %w", s, err))
		}
	}
	if err := t.Checkpoint(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	return processed, errs
}

func (t *Tailer) streams(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, prefix := range t.prefixes {
		streams, err := t.log.Streams(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, s := range streams {
			if seen[s] || strings.HasPrefix(s, api.StreamPrefixCheckpoint) {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *Tailer) drain(ctx context.Context, streamID string) (int, error) {
	n := 0
	for ev, err := range t.log.Read(ctx, streamID, t.Cursor(streamID)) {
		if err != nil {
			return n, err
		}
		if err := t.proc.Process(ctx, ev); err != nil {
			return n, fmt.Errorf("process event %d: %w", ev.Sequence, err)
		}
		t.mu.Lock()
		t.cursors[streamID] = ev.Sequence + 1
		t.dirty = true
		t.mu.Unlock()
		n++
	}
	return n, nil
}

// Checkpoint appends the current cursors to the checkpoint stream when they
// moved since the last checkpoint.
func (t *Tailer) Checkpoint(ctx context.Context) error {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	cp := api.CheckpointPayload{Cursors: maps.Clone(t.cursors)}
	t.dirty = false
	t.mu.Unlock()

	data, err := persistence.EncodeValue(cp)
	if err != nil {
		return err
	}
	if _, err := t.log.Append(ctx, t.CheckpointStream(), api.EventCheckpoint, data); err != nil {
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
		return fmt.Errorf("checkpoint %s: %w", t.name, err)
	}
	return nil
}

// Run restores the last checkpoint and polls until ctx is cancelled.
func (t *Tailer) Run(ctx context.Context) error {
	if err := t.Restore(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if _, err := t.Poll(ctx); err != nil && ctx.Err() == nil {
			t.logger.WarnContext(ctx, "stream_poll_failed",
				slog.String("consumer", t.name),
				slog.Any("error", err),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
