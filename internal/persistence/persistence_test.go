package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/petrijr/flowgrid/pkg/api"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestEncodeDecodeValue(t *testing.T) {
	data, err := EncodeValue(sample{Name: "a", Count: 3})
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	got, err := DecodeValue[sample](data)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if got.Name != "a" || got.Count != 3 {
		t.Fatalf("unexpected value: %+v", got)
	}
}

func TestEncodeValue_NilAndEmpty(t *testing.T) {
	data, err := EncodeValue(nil)
	if err != nil || data != nil {
		t.Fatalf("EncodeValue(nil) = %v, %v", data, err)
	}
	v, err := DecodeValue[sample](nil)
	if err != nil {
		t.Fatalf("DecodeValue(nil): %v", err)
	}
	if v != (sample{}) {
		t.Fatalf("expected zero value, got %+v", v)
	}
}

func TestDecodeValue_InvalidJSON(t *testing.T) {
	if _, err := DecodeValue[sample]([]byte("{not json")); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

var fastRetry = RetryPolicy{Attempts: 4, Initial: time.Millisecond, Max: 2 * time.Millisecond}

func TestRetryOnConflict_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), fastRetry, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("append: %w", api.ErrConcurrencyConflict)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryOnConflict: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryOnConflict_GivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), fastRetry, func() error {
		calls++
		return api.ErrConcurrencyConflict
	})
	if !errors.Is(err, api.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if calls != fastRetry.Attempts {
		t.Fatalf("calls = %d, want %d", calls, fastRetry.Attempts)
	}
}

func TestRetryOnConflict_OtherErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), fastRetry, func() error {
		calls++
		return api.ErrNotHolder
	})
	if !errors.Is(err, api.ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"postgres", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"postgres other", &pgconn.PgError{Code: "40001"}, false},
		{"sqlite", errors.New("constraint failed: UNIQUE constraint failed: events.stream_id, events.seq (1555)"), true},
		{"other", errors.New("disk full"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUniqueViolation(tc.err); got != tc.want {
				t.Fatalf("IsUniqueViolation(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
