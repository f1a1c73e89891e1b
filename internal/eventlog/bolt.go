package eventlog

import (
	"bytes"
	"context"
	"encoding/binary"
	"iter"
	"time"

	"go.etcd.io/bbolt"

	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// streamsBucketKey is the root bucket. It holds one child bucket per stream,
// keyed by stream ID. Within a stream bucket the keys are sequence numbers
// encoded as 8-byte big-endian packets and the values are storedEvents.
var streamsBucketKey = []byte("streams")

// BoltLog is a Log stored in a single BoltDB file. BoltDB serializes write
// transactions, so the head check and the put are atomic.
type BoltLog struct {
	db *bbolt.DB
}

var _ Log = (*BoltLog)(nil)

// OpenBoltLog opens (or creates) a BoltDB file at path.
func OpenBoltLog(path string) (*BoltLog, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return NewBoltLog(db)
}

// NewBoltLog returns a Log using an already opened database.
func NewBoltLog(db *bbolt.DB) (*BoltLog, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(streamsBucketKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltLog{db: db}, nil
}

// Close closes the underlying database.
func (l *BoltLog) Close() error {
	return l.db.Close()
}

func (l *BoltLog) Append(ctx context.Context, streamID string, kind api.EventKind, payload []byte, opts ...AppendOption) (api.Event, error) {
	return appendWith(ctx, streamID, resolve(opts), func(cfg appendConfig) (api.Event, error) {
		if err := ctx.Err(); err != nil {
			return api.Event{}, err
		}
		var ev api.Event
		err := l.db.Update(func(tx *bbolt.Tx) error {
			stream, err := tx.Bucket(streamsBucketKey).CreateBucketIfNotExists([]byte(streamID))
			if err != nil {
				return err
			}

			head := boltHead(stream)
			if cfg.expect != nil && *cfg.expect != head {
				return conflict(streamID, *cfg.expect, head)
			}

			value := persistence.MustEncode(storedEvent{
				Kind:      kind,
				Payload:   payload,
				Timestamp: cfg.timestamp.UnixNano(),
			})
			if err := stream.Put(marshalUint64(head), value); err != nil {
				return err
			}

			ev = api.Event{
				StreamID:  streamID,
				Sequence:  head,
				Kind:      kind,
				Payload:   payload,
				Timestamp: cfg.timestamp,
			}
			return nil
		})
		return ev, err
	})
}

func (l *BoltLog) Read(ctx context.Context, streamID string, from uint64) iter.Seq2[api.Event, error] {
	return pages(ctx, from, func(ctx context.Context, from uint64, limit int) ([]api.Event, error) {
		var out []api.Event
		err := l.db.View(func(tx *bbolt.Tx) error {
			stream := tx.Bucket(streamsBucketKey).Bucket([]byte(streamID))
			if stream == nil {
				return nil
			}
			c := stream.Cursor()
			for k, v := c.Seek(marshalUint64(from)); k != nil && len(out) < limit; k, v = c.Next() {
				rec, err := persistence.DecodeValue[storedEvent](v)
				if err != nil {
					return err
				}
				out = append(out, api.Event{
					StreamID:  streamID,
					Sequence:  unmarshalUint64(k),
					Kind:      rec.Kind,
					Payload:   rec.Payload,
					Timestamp: time.Unix(0, rec.Timestamp).UTC(),
				})
			}
			return nil
		})
		return out, err
	})
}

func (l *BoltLog) Head(ctx context.Context, streamID string) (uint64, error) {
	var head uint64
	err := l.db.View(func(tx *bbolt.Tx) error {
		if stream := tx.Bucket(streamsBucketKey).Bucket([]byte(streamID)); stream != nil {
			head = boltHead(stream)
		}
		return nil
	})
	return head, err
}

func (l *BoltLog) Streams(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(streamsBucketKey).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			// Nested buckets have a nil value.
			if v == nil {
				out = append(out, string(k))
			}
		}
		return nil
	})
	return out, err
}

// boltHead returns the sequence following the last key of a stream bucket.
func boltHead(stream *bbolt.Bucket) uint64 {
	k, _ := stream.Cursor().Last()
	if k == nil {
		return 0
	}
	return unmarshalUint64(k) + 1
}

// marshalUint64 encodes n as an 8-byte big-endian key so that byte order
// matches numeric order.
func marshalUint64(n uint64) []byte {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], n)
	return data[:]
}

func unmarshalUint64(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
