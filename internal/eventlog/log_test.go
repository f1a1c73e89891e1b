package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/petrijr/flowgrid/pkg/api"
)

// runLogContract exercises the behaviour every backend must share.
func runLogContract(t *testing.T, newLog func(t *testing.T) Log) {
	t.Run("SequencesStartAtZeroWithoutGaps", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			ev, err := l.Append(ctx, "s-1", api.EventKind("k"), []byte(fmt.Sprintf("p%d", i)))
			if err != nil {
				t.Fatalf("Append %d: %v", i, err)
			}
			if ev.Sequence != uint64(i) {
				t.Fatalf("Append %d got sequence %d", i, ev.Sequence)
			}
		}

		events, err := ReadAll(ctx, l, "s-1", 0)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if len(events) != 5 {
			t.Fatalf("expected 5 events, got %d", len(events))
		}
		for i, ev := range events {
			if ev.Sequence != uint64(i) || string(ev.Payload) != fmt.Sprintf("p%d", i) || ev.Kind != "k" {
				t.Fatalf("event %d mismatch: %+v", i, ev)
			}
			if ev.StreamID != "s-1" {
				t.Fatalf("event %d stream = %q", i, ev.StreamID)
			}
		}

		head, err := l.Head(ctx, "s-1")
		if err != nil || head != 5 {
			t.Fatalf("Head = %d, %v; want 5", head, err)
		}
	})

	t.Run("ReadIsRestartableFromAnySequence", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			if _, err := l.Append(ctx, "s-2", "k", nil); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		events, err := ReadAll(ctx, l, "s-2", 2)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if len(events) != 2 || events[0].Sequence != 2 || events[1].Sequence != 3 {
			t.Fatalf("unexpected events from 2: %+v", events)
		}

		events, err = ReadAll(ctx, l, "s-2", 10)
		if err != nil || len(events) != 0 {
			t.Fatalf("read past the tail = %d events, %v", len(events), err)
		}

		events, err = ReadAll(ctx, l, "missing", 0)
		if err != nil || len(events) != 0 {
			t.Fatalf("read of unknown stream = %d events, %v", len(events), err)
		}
	})

	t.Run("ReadPagesThroughLongStreams", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		n := readPageSize + 40
		for i := 0; i < n; i++ {
			if _, err := l.Append(ctx, "long", "k", nil); err != nil {
				t.Fatalf("Append %d: %v", i, err)
			}
		}
		count := 0
		for ev, err := range l.Read(ctx, "long", 0) {
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if ev.Sequence != uint64(count) {
				t.Fatalf("event %d has sequence %d", count, ev.Sequence)
			}
			count++
		}
		if count != n {
			t.Fatalf("read %d events, want %d", count, n)
		}
	})

	t.Run("ExpectNextRejectsStaleAndFutureHeads", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()

		if _, err := l.Append(ctx, "occ", "k", nil, ExpectNext(0)); err != nil {
			t.Fatalf("first conditional append: %v", err)
		}
		if _, err := l.Append(ctx, "occ", "k", nil, ExpectNext(0)); !errors.Is(err, api.ErrConcurrencyConflict) {
			t.Fatalf("expected conflict for stale head, got %v", err)
		}
		if _, err := l.Append(ctx, "occ", "k", nil, ExpectNext(5)); !errors.Is(err, api.ErrConcurrencyConflict) {
			t.Fatalf("expected conflict for future head, got %v", err)
		}
		ev, err := l.Append(ctx, "occ", "k", nil, ExpectNext(1))
		if err != nil || ev.Sequence != 1 {
			t.Fatalf("append at head = %+v, %v", ev, err)
		}
	})

	t.Run("ConcurrentAppendsYieldContiguousPermutation", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		const writers, perWriter = 4, 10

		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					payload := []byte(fmt.Sprintf("%d-%d", w, i))
					if _, err := l.Append(ctx, "race", "k", payload); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent Append: %v", err)
		}

		events, err := ReadAll(ctx, l, "race", 0)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if len(events) != writers*perWriter {
			t.Fatalf("got %d events, want %d", len(events), writers*perWriter)
		}
		seen := make(map[string]bool)
		for i, ev := range events {
			if ev.Sequence != uint64(i) {
				t.Fatalf("gap or duplicate at %d: sequence %d", i, ev.Sequence)
			}
			if seen[string(ev.Payload)] {
				t.Fatalf("duplicate payload %q", ev.Payload)
			}
			seen[string(ev.Payload)] = true
		}
	})

	t.Run("ConcurrentConditionalAppendsHaveOneWinner", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		const contenders = 6

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Append(ctx, "cas", "k", nil, ExpectNext(0))
				switch {
				case err == nil:
					winners.Add(1)
				case !errors.Is(err, api.ErrConcurrencyConflict):
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if got := winners.Load(); got != 1 {
			t.Fatalf("winners = %d, want 1", got)
		}
	})

	t.Run("StreamsFiltersByPrefix", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		for _, id := range []string{"wf:b", "wf:a", "queue:x", "wfx"} {
			if _, err := l.Append(ctx, id, "k", nil); err != nil {
				t.Fatalf("Append %s: %v", id, err)
			}
		}
		got, err := l.Streams(ctx, "wf:")
		if err != nil {
			t.Fatalf("Streams: %v", err)
		}
		want := []string{"wf:a", "wf:b"}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("Streams = %v, want %v", got, want)
		}

		all, err := l.Streams(ctx, "")
		if err != nil {
			t.Fatalf("Streams(all): %v", err)
		}
		if !sort.StringsAreSorted(all) || len(all) != 4 {
			t.Fatalf("Streams(all) = %v", all)
		}
	})

	t.Run("LastReturnsFinalEvent", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		if _, ok, err := Last(ctx, l, "empty"); ok || err != nil {
			t.Fatalf("Last on empty stream = %v, %v", ok, err)
		}
		for i := 0; i < 3; i++ {
			if _, err := l.Append(ctx, "tail", "k", []byte{byte(i)}); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}
		ev, ok, err := Last(ctx, l, "tail")
		if err != nil || !ok || ev.Sequence != 2 || ev.Payload[0] != 2 {
			t.Fatalf("Last = %+v, %v, %v", ev, ok, err)
		}
	})
}

func TestMemoryLog(t *testing.T) {
	runLogContract(t, func(t *testing.T) Log { return NewMemoryLog() })
}

func TestSQLiteLog(t *testing.T) {
	runLogContract(t, func(t *testing.T) Log {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("sql.Open: %v", err)
		}
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		l, err := NewSQLiteLog(db)
		if err != nil {
			t.Fatalf("NewSQLiteLog: %v", err)
		}
		return l
	})
}

func TestBoltLog(t *testing.T) {
	runLogContract(t, func(t *testing.T) Log {
		l, err := OpenBoltLog(filepath.Join(t.TempDir(), "events.db"))
		if err != nil {
			t.Fatalf("OpenBoltLog: %v", err)
		}
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}

func TestMemoryLog_ReadStopsWhenConsumerBreaks(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, "s", "k", nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	n := 0
	for _, err := range l.Read(ctx, "s", 0) {
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		n++
		if n == 1 {
			break
		}
	}
	if n != 1 {
		t.Fatalf("expected to stop after one event, got %d", n)
	}
}

func TestMemoryLog_ReadHonoursCancelledContext(t *testing.T) {
	l := NewMemoryLog()
	if _, err := l.Append(context.Background(), "s", "k", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range l.Read(ctx, "s", 0) {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		return
	}
	t.Fatalf("expected an error from a cancelled read")
}

func TestMemoryLog_PayloadIsCopied(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()
	payload := []byte("abc")
	if _, err := l.Append(ctx, "s", "k", payload); err != nil {
		t.Fatalf("Append: %v", err)
	}
	payload[0] = 'x'
	events, _ := ReadAll(ctx, l, "s", 0)
	if string(events[0].Payload) != "abc" {
		t.Fatalf("stored payload was aliased: %q", events[0].Payload)
	}
}
