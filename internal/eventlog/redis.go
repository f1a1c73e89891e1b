package eventlog

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// redisAppendLua appends ARGV[2] to the stream list when ARGV[1] is negative
// or equals the current length. It returns {appended, head}.
const redisAppendLua = `
local key = KEYS[1]
local index = KEYS[2]
local expect = tonumber(ARGV[1])

local head = redis.call('LLEN', key)
if expect >= 0 and expect ~= head then
	return {0, head}
end
redis.call('RPUSH', key, ARGV[2])
redis.call('SADD', index, ARGV[3])
return {1, head}
`

// RedisLog is a Log that keeps each stream in a Redis list. A set indexes the
// stream IDs.
//
// Keys:
//
//	<prefix>stream:<id>  list of JSON-encoded records
//	<prefix>streams      set of stream IDs
type RedisLog struct {
	client redis.UniversalClient
	prefix string
}

var _ Log = (*RedisLog)(nil)

// NewRedisLog constructs a Redis-backed Log.
// prefix is optional but recommended (e.g. "flowgrid:").
func NewRedisLog(client redis.UniversalClient, prefix string) *RedisLog {
	if prefix == "" {
		prefix = "flowgrid:"
	}
	return &RedisLog{client: client, prefix: prefix}
}

func (l *RedisLog) keyStream(id string) string {
	return l.prefix + "stream:" + id
}

func (l *RedisLog) keyIndex() string {
	return l.prefix + "streams"
}

func (l *RedisLog) Append(ctx context.Context, streamID string, kind api.EventKind, payload []byte, opts ...AppendOption) (api.Event, error) {
	return appendWith(ctx, streamID, resolve(opts), func(cfg appendConfig) (api.Event, error) {
		expect := int64(-1)
		if cfg.expect != nil {
			expect = int64(*cfg.expect)
		}
		value := persistence.MustEncode(storedEvent{
			Kind:      kind,
			Payload:   payload,
			Timestamp: cfg.timestamp.UnixNano(),
		})

		res, err := l.client.Eval(ctx, redisAppendLua,
			[]string{l.keyStream(streamID), l.keyIndex()},
			expect, value, streamID,
		).Int64Slice()
		if err != nil {
			return api.Event{}, fmt.Errorf("append %s: %w", streamID, err)
		}
		if len(res) != 2 {
			return api.Event{}, fmt.Errorf("append %s: unexpected script result %v", streamID, res)
		}
		head := uint64(res[1])
		if res[0] == 0 {
			return api.Event{}, conflict(streamID, uint64(expect), head)
		}

		return api.Event{
			StreamID:  streamID,
			Sequence:  head,
			Kind:      kind,
			Payload:   payload,
			Timestamp: cfg.timestamp,
		}, nil
	})
}

func (l *RedisLog) Read(ctx context.Context, streamID string, from uint64) iter.Seq2[api.Event, error] {
	return pages(ctx, from, func(ctx context.Context, from uint64, limit int) ([]api.Event, error) {
		values, err := l.client.LRange(ctx, l.keyStream(streamID), int64(from), int64(from)+int64(limit)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", streamID, err)
		}
		out := make([]api.Event, 0, len(values))
		for i, v := range values {
			rec, err := persistence.DecodeValue[storedEvent]([]byte(v))
			if err != nil {
				return nil, err
			}
			out = append(out, api.Event{
				StreamID:  streamID,
				Sequence:  from + uint64(i),
				Kind:      rec.Kind,
				Payload:   rec.Payload,
				Timestamp: time.Unix(0, rec.Timestamp).UTC(),
			})
		}
		return out, nil
	})
}

func (l *RedisLog) Head(ctx context.Context, streamID string) (uint64, error) {
	n, err := l.client.LLen(ctx, l.keyStream(streamID)).Result()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (l *RedisLog) Streams(ctx context.Context, prefix string) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.keyIndex()).Result()
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
