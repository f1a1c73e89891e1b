package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// Recorded wraps a Manager so that every grant and release is appended to the
// lock's stream in the event log and reported to an audit sink. Renewals are
// not recorded.
type Recorded struct {
	inner  Manager
	log    eventlog.Log
	audit  api.AuditSink
	logger *slog.Logger
	now    func() time.Time
}

var _ Manager = (*Recorded)(nil)

// NewRecorded returns a recording Manager. audit and logger may be nil.
func NewRecorded(inner Manager, log eventlog.Log, audit api.AuditSink, logger *slog.Logger) *Recorded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorded{inner: inner, log: log, audit: audit, logger: logger, now: time.Now}
}

func (r *Recorded) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (uint64, error) {
	prev, _ := r.inner.Get(ctx, key)

	token, err := r.inner.Acquire(ctx, key, holder, ttl)
	if err != nil {
		return 0, err
	}
	if prev != nil && prev.FencingToken == token {
		// Renewal by the live holder.
		return token, nil
	}

	payload := api.LockEventPayload{Key: key, Holder: holder, Token: token, ExpiresAt: r.now().Add(ttl)}
	if err := r.record(ctx, api.EventLockAcquired, payload); err != nil {
		// An unrecorded grant must not stand.
		_ = r.inner.Release(ctx, key, holder)
		return 0, fmt.Errorf("acquire %s: record grant: %w", key, err)
	}
	r.auditRecord(ctx, api.AuditLockAcquired, key, holder, fmt.Sprintf("token=%d ttl=%s", token, ttl))
	return token, nil
}

func (r *Recorded) Release(ctx context.Context, key, holder string) error {
	cur, _ := r.inner.Get(ctx, key)
	if err := r.inner.Release(ctx, key, holder); err != nil {
		return err
	}

	payload := api.LockEventPayload{Key: key, Holder: holder}
	if cur != nil {
		payload.Token = cur.FencingToken
	}
	if err := r.record(ctx, api.EventLockReleased, payload); err != nil {
		return fmt.Errorf("release %s: record release: %w", key, err)
	}
	r.auditRecord(ctx, api.AuditLockReleased, key, holder, fmt.Sprintf("token=%d", payload.Token))
	return nil
}

func (r *Recorded) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	return r.inner.Renew(ctx, key, holder, ttl)
}

func (r *Recorded) Validate(ctx context.Context, key string, token uint64) error {
	return r.inner.Validate(ctx, key, token)
}

func (r *Recorded) Get(ctx context.Context, key string) (*api.Lock, error) {
	return r.inner.Get(ctx, key)
}

func (r *Recorded) record(ctx context.Context, kind api.EventKind, payload api.LockEventPayload) error {
	data, err := persistence.EncodeValue(payload)
	if err != nil {
		return err
	}
	_, err = r.log.Append(ctx, api.LockStream(payload.Key), kind, data)
	return err
}

func (r *Recorded) auditRecord(ctx context.Context, action, key, holder, detail string) {
	if r.audit == nil {
		return
	}
	err := r.audit.Record(ctx, api.AuditRecord{
		At:       r.now(),
		Action:   action,
		Resource: key,
		Actor:    holder,
		Detail:   detail,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "audit_record_failed",
			slog.String("action", action),
			slog.String("resource", key),
			slog.Any("error", err),
		)
	}
}
