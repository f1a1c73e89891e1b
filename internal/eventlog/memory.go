package eventlog

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/petrijr/flowgrid/pkg/api"
)

// MemoryLog is an in-memory Log, suitable for tests and single-process runs.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string][]api.Event
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{streams: make(map[string][]api.Event)}
}

func (l *MemoryLog) Append(ctx context.Context, streamID string, kind api.EventKind, payload []byte, opts ...AppendOption) (api.Event, error) {
	cfg := resolve(opts)
	return appendWith(ctx, streamID, cfg, func(cfg appendConfig) (api.Event, error) {
		if err := ctx.Err(); err != nil {
			return api.Event{}, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()

		head := uint64(len(l.streams[streamID]))
		if cfg.expect != nil && *cfg.expect != head {
			return api.Event{}, conflict(streamID, *cfg.expect, head)
		}
		ev := api.Event{
			StreamID:  streamID,
			Sequence:  head,
			Kind:      kind,
			Payload:   append([]byte(nil), payload...),
			Timestamp: cfg.timestamp,
		}
		l.streams[streamID] = append(l.streams[streamID], ev)
		return ev, nil
	})
}

func (l *MemoryLog) Read(ctx context.Context, streamID string, from uint64) iter.Seq2[api.Event, error] {
	return pages(ctx, from, func(ctx context.Context, from uint64, limit int) ([]api.Event, error) {
		l.mu.RLock()
		defer l.mu.RUnlock()

		events := l.streams[streamID]
		if from >= uint64(len(events)) {
			return nil, nil
		}
		end := min(from+uint64(limit), uint64(len(events)))
		out := make([]api.Event, 0, end-from)
		for _, ev := range events[from:end] {
			ev.Payload = append([]byte(nil), ev.Payload...)
			out = append(out, ev)
		}
		return out, nil
	})
}

func (l *MemoryLog) Head(ctx context.Context, streamID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.streams[streamID])), nil
}

func (l *MemoryLog) Streams(ctx context.Context, prefix string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	for id, events := range l.streams {
		if len(events) > 0 && strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
