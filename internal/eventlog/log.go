// Package eventlog is the append-only, per-stream ordered record of state
// transitions. It is the source of truth every other component recovers from.
//
// Each stream numbers its events from 0 with no gaps. Appends may carry an
// expected-sequence precondition (ExpectNext) for compare-and-append use;
// appends without one are retried internally when they lose a race.
package eventlog

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// Log is the event log contract shared by all backends.
type Log interface {
	// Append adds an event to the end of streamID. With ExpectNext(n) the
	// append succeeds only if the stream currently holds exactly n events and
	// fails with api.ErrConcurrencyConflict otherwise.
	Append(ctx context.Context, streamID string, kind api.EventKind, payload []byte, opts ...AppendOption) (api.Event, error)

	// Read lazily yields the events of streamID with Sequence >= from, in
	// order. Iteration stops at the tail observed while paging.
	Read(ctx context.Context, streamID string, from uint64) iter.Seq2[api.Event, error]

	// Head returns the sequence the next append to streamID will receive,
	// which equals the number of events in the stream.
	Head(ctx context.Context, streamID string) (uint64, error)

	// Streams lists the IDs of non-empty streams starting with prefix, sorted.
	Streams(ctx context.Context, prefix string) ([]string, error)
}

// AppendOption configures a single Append call.
type AppendOption func(*appendConfig)

type appendConfig struct {
	expect    *uint64
	timestamp time.Time
}

// ExpectNext makes the append conditional on the stream holding exactly n
// events, i.e. the new event receiving sequence n.
func ExpectNext(n uint64) AppendOption {
	return func(c *appendConfig) { c.expect = &n }
}

// At overrides the event timestamp. It is intended for tests and imports.
func At(ts time.Time) AppendOption {
	return func(c *appendConfig) { c.timestamp = ts }
}

func resolve(opts []AppendOption) appendConfig {
	var c appendConfig
	for _, o := range opts {
		o(&c)
	}
	if c.timestamp.IsZero() {
		c.timestamp = time.Now().UTC()
	}
	return c
}

// storedEvent is the encoded form of an event in key-value backends, where
// the stream ID and sequence live in the key.
type storedEvent struct {
	Kind      api.EventKind `json:"k"`
	Payload   []byte        `json:"p,omitempty"`
	Timestamp int64         `json:"t"`
}

// readPageSize bounds how many events a backend fetches per round trip.
const readPageSize = 256

// fetchFunc returns up to limit events of a stream starting at from.
type fetchFunc func(ctx context.Context, from uint64, limit int) ([]api.Event, error)

// pages turns a paged fetch into a lazy iterator.
func pages(ctx context.Context, from uint64, fetch fetchFunc) iter.Seq2[api.Event, error] {
	return func(yield func(api.Event, error) bool) {
		next := from
		for {
			if err := ctx.Err(); err != nil {
				yield(api.Event{}, err)
				return
			}
			batch, err := fetch(ctx, next, readPageSize)
			if err != nil {
				yield(api.Event{}, err)
				return
			}
			for _, ev := range batch {
				if !yield(ev, nil) {
					return
				}
				next = ev.Sequence + 1
			}
			if len(batch) < readPageSize {
				return
			}
		}
	}
}

// tryAppendFunc performs one append attempt. cfg.expect is nil for an
// unconditional append at the current tail.
type tryAppendFunc func(cfg appendConfig) (api.Event, error)

// appendWith runs a conditional append once and retries an unconditional one
// on conflicts.
func appendWith(ctx context.Context, streamID string, cfg appendConfig, try tryAppendFunc) (api.Event, error) {
	if streamID == "" {
		return api.Event{}, fmt.Errorf("append: empty stream id")
	}
	if cfg.expect != nil {
		return try(cfg)
	}
	var ev api.Event
	err := persistence.RetryOnConflict(ctx, persistence.DefaultConflictRetry, func() error {
		var err error
		ev, err = try(cfg)
		return err
	})
	return ev, err
}

func conflict(streamID string, want, have uint64) error {
	return fmt.Errorf("%w: stream %s: expected next %d, head is %d", api.ErrConcurrencyConflict, streamID, want, have)
}

// ReadAll collects a stream into a slice. It is a convenience for small
// streams such as definitions and checkpoints.
func ReadAll(ctx context.Context, log Log, streamID string, from uint64) ([]api.Event, error) {
	var out []api.Event
	for ev, err := range log.Read(ctx, streamID, from) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Last returns the final event of a stream, or false when it is empty.
func Last(ctx context.Context, log Log, streamID string) (api.Event, bool, error) {
	head, err := log.Head(ctx, streamID)
	if err != nil || head == 0 {
		return api.Event{}, false, err
	}
	for ev, err := range log.Read(ctx, streamID, head-1) {
		if err != nil {
			return api.Event{}, false, err
		}
		return ev, true, nil
	}
	return api.Event{}, false, nil
}
