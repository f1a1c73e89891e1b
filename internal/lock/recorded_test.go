package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

type memoryAudit struct {
	mu      sync.Mutex
	records []api.AuditRecord
}

func (a *memoryAudit) Record(ctx context.Context, rec api.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func TestRecorded_LogsGrantsAndReleases(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	audit := &memoryAudit{}
	m := NewRecorded(NewMemoryManager(), log, audit, nil)

	token, err := m.Acquire(ctx, "L", "h1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Renewal is not recorded.
	if _, err := m.Acquire(ctx, "L", "h1", time.Minute); err != nil {
		t.Fatalf("renew via Acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "L", "h2", time.Minute); !errors.Is(err, api.ErrAlreadyHeld) {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}
	if err := m.Release(ctx, "L", "h1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	events, err := eventlog.ReadAll(ctx, log, api.LockStream("L"), 0)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != api.EventLockAcquired || events[1].Kind != api.EventLockReleased {
		t.Fatalf("unexpected kinds: %s, %s", events[0].Kind, events[1].Kind)
	}
	p, err := persistence.DecodeValue[api.LockEventPayload](events[0].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Holder != "h1" || p.Token != token {
		t.Fatalf("unexpected payload: %+v", p)
	}

	if len(audit.records) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(audit.records))
	}
	if audit.records[0].Action != api.AuditLockAcquired || audit.records[1].Action != api.AuditLockReleased {
		t.Fatalf("unexpected audit actions: %+v", audit.records)
	}
}

func TestRecorded_FailedReleaseIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	m := NewRecorded(NewMemoryManager(), log, nil, nil)

	if err := m.Release(ctx, "L", "ghost"); !errors.Is(err, api.ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	head, _ := log.Head(ctx, api.LockStream("L"))
	if head != 0 {
		t.Fatalf("expected no events, head = %d", head)
	}
}
