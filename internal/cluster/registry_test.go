package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/testutil"
	"github.com/petrijr/flowgrid/pkg/api"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *testutil.Clock, *eventlog.MemoryLog) {
	t.Helper()
	clock := testutil.NewClock(epoch)
	log := eventlog.NewMemoryLog()
	r := NewRegistry(log, Config{
		HeartbeatInterval: 5 * time.Second,
		MissThreshold:     3,
		DeadThreshold:     6,
		Now:               clock.Now,
	})
	return r, clock, log
}

func activeIDs(t *testing.T, r *Registry) []string {
	t.Helper()
	nodes, err := r.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestRegistry_JoinThenHeartbeatActivates(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	n, err := r.Join(ctx, "n1", 4)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if n.Status != api.NodeJoining || n.Capacity != 4 {
		t.Fatalf("unexpected joined node: %+v", n)
	}
	if err := r.Eligible(ctx, "n1"); !errors.Is(err, api.ErrNodeUnavailable) {
		t.Fatalf("joining node eligible: %v", err)
	}
	if got := activeIDs(t, r); len(got) != 0 {
		t.Fatalf("active = %v, want none", got)
	}

	if err := r.Heartbeat(ctx, "n1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := r.Eligible(ctx, "n1"); err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if got := activeIDs(t, r); len(got) != 1 || got[0] != "n1" {
		t.Fatalf("active = %v, want [n1]", got)
	}
}

func TestRegistry_GraduatedSuspicion(t *testing.T) {
	ctx := context.Background()
	r, clock, _ := newTestRegistry(t)

	for _, id := range []string{"n1", "n2"} {
		if _, err := r.Join(ctx, id, 1); err != nil {
			t.Fatalf("Join: %v", err)
		}
		if err := r.Heartbeat(ctx, id); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	}

	// n2 keeps heartbeating, n1 goes silent.
	for range 3 {
		clock.Advance(5 * time.Second)
		if err := r.Heartbeat(ctx, "n2"); err != nil {
			t.Fatalf("Heartbeat n2: %v", err)
		}
	}
	n1, err := r.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n1.Status != api.NodeSuspect {
		t.Fatalf("n1 status = %s, want SUSPECT", n1.Status)
	}
	if err := r.Eligible(ctx, "n1"); !errors.Is(err, api.ErrNodeUnavailable) {
		t.Fatalf("suspect node eligible: %v", err)
	}
	if got := activeIDs(t, r); len(got) != 1 || got[0] != "n2" {
		t.Fatalf("active = %v, want [n2]", got)
	}

	// A suspect node that heartbeats again is restored.
	if err := r.Heartbeat(ctx, "n1"); err != nil {
		t.Fatalf("Heartbeat suspect: %v", err)
	}
	if err := r.Eligible(ctx, "n1"); err != nil {
		t.Fatalf("recovered node not eligible: %v", err)
	}

	clock.Advance(30 * time.Second)
	if err := r.Heartbeat(ctx, "n1"); !errors.Is(err, api.ErrNodeUnavailable) {
		t.Fatalf("dead node heartbeat: expected ErrNodeUnavailable, got %v", err)
	}
	n1, _ = r.Get(ctx, "n1")
	if n1.Status != api.NodeDead {
		t.Fatalf("n1 status = %s, want DEAD", n1.Status)
	}

	// Rejoining is the only way back.
	if _, err := r.Join(ctx, "n1", 1); err != nil {
		t.Fatalf("re-Join: %v", err)
	}
	if err := r.Heartbeat(ctx, "n1"); err != nil {
		t.Fatalf("Heartbeat after re-join: %v", err)
	}
}

func TestRegistry_SweepRecordsTransitions(t *testing.T) {
	ctx := context.Background()
	r, clock, log := newTestRegistry(t)

	if _, err := r.Join(ctx, "n1", 1); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := r.Heartbeat(ctx, "n1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	clock.Advance(15 * time.Second)
	changed, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(changed) != 1 || changed[0].Status != api.NodeSuspect {
		t.Fatalf("first sweep = %+v", changed)
	}
	if changed, _ := r.Sweep(ctx); len(changed) != 0 {
		t.Fatalf("repeated sweep changed %+v", changed)
	}

	clock.Advance(15 * time.Second)
	changed, _ = r.Sweep(ctx)
	if len(changed) != 1 || changed[0].Status != api.NodeDead {
		t.Fatalf("second sweep = %+v", changed)
	}

	events, err := eventlog.ReadAll(ctx, log, api.StreamCluster, 0)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := []api.EventKind{
		api.EventNodeJoined,
		api.EventNodeStatusChanged, // joining -> active
		api.EventNodeStatusChanged, // active -> suspect
		api.EventNodeStatusChanged, // suspect -> dead
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.Kind != want[i] {
			t.Fatalf("event %d kind = %s, want %s", i, e.Kind, want[i])
		}
	}
}

func TestRegistry_LeaveAndRemove(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	for _, id := range []string{"n1", "n2"} {
		if _, err := r.Join(ctx, id, 1); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	if err := r.Leave(ctx, "n1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := r.Remove(ctx, "n2"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := r.Leave(ctx, "n1"); !errors.Is(err, api.ErrNodeUnavailable) {
		t.Fatalf("second Leave: expected ErrNodeUnavailable, got %v", err)
	}
	if err := r.Heartbeat(ctx, "n2"); !errors.Is(err, api.ErrNodeUnavailable) {
		t.Fatalf("heartbeat after removal: expected ErrNodeUnavailable, got %v", err)
	}
	all, _ := r.List(ctx)
	if len(all) != 0 {
		t.Fatalf("nodes left: %+v", all)
	}
}

func TestRegistry_RestoreFoldsClusterStream(t *testing.T) {
	ctx := context.Background()
	r, clock, log := newTestRegistry(t)

	for _, id := range []string{"n1", "n2", "n3"} {
		if _, err := r.Join(ctx, id, 2); err != nil {
			t.Fatalf("Join: %v", err)
		}
		if err := r.Heartbeat(ctx, id); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	}
	if err := r.Leave(ctx, "n3"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	restored := NewRegistry(log, Config{Now: clock.Now})
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got := activeIDs(t, restored)
	if len(got) != 2 || got[0] != "n1" || got[1] != "n2" {
		t.Fatalf("restored active = %v, want [n1 n2]", got)
	}
	n1, err := restored.Get(ctx, "n1")
	if err != nil || n1.Capacity != 2 {
		t.Fatalf("restored n1 = %+v, %v", n1, err)
	}
}

func TestRegistry_JoinValidation(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	if _, err := r.Join(ctx, "", 1); err == nil {
		t.Fatalf("expected an error for an empty node id")
	}
	if _, err := r.Join(ctx, "n1", -1); err == nil {
		t.Fatalf("expected an error for negative capacity")
	}
	n, err := r.Join(ctx, "n1", 0)
	if err != nil || n.Capacity != 1 {
		t.Fatalf("Join with zero capacity = %+v, %v", n, err)
	}
}

func TestRegistry_RunSweepsInBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRegistry(nil, Config{HeartbeatInterval: 5 * time.Millisecond, MissThreshold: 2, DeadThreshold: 4})
	if _, err := r.Join(ctx, "n1", 1); err != nil {
		t.Fatalf("Join: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.nodes["n1"].Status == api.NodeDead
	}, "silent node was not swept to DEAD")

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}
