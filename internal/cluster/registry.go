// Package cluster tracks the worker nodes of a deployment and derives their
// health from heartbeats.
//
// A node that stays silent for MissThreshold heartbeat intervals becomes
// Suspect and receives no new leases; after DeadThreshold intervals it is
// Dead and must join again. Membership changes are appended to the cluster
// stream of the event log, from which Restore rebuilds the registry.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/flowgrid/internal/eventlog"
	"github.com/petrijr/flowgrid/internal/persistence"
	"github.com/petrijr/flowgrid/pkg/api"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMissThreshold     = 3
	DefaultDeadThreshold     = 6
)

// Config controls failure detection.
type Config struct {
	HeartbeatInterval time.Duration
	MissThreshold     int
	DeadThreshold     int

	// Now defaults to time.Now.
	Now func() time.Time
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = DefaultMissThreshold
	}
	if c.DeadThreshold <= c.MissThreshold {
		c.DeadThreshold = max(DefaultDeadThreshold, c.MissThreshold+1)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Registry is the membership table. It is safe for concurrent use.
type Registry struct {
	cfg Config
	log eventlog.Log

	mu    sync.Mutex
	nodes map[string]*api.Node
}

// NewRegistry returns an empty registry. log may be nil, in which case
// membership changes are not recorded.
func NewRegistry(log eventlog.Log, cfg Config) *Registry {
	return &Registry{
		cfg:   cfg.withDefaults(),
		log:   log,
		nodes: make(map[string]*api.Node),
	}
}

// Join adds nodeID with the given capacity, or resets it if it was known.
// Capacity is the number of tasks the node runs concurrently; 0 means 1.
func (r *Registry) Join(ctx context.Context, nodeID string, capacity int) (api.Node, error) {
	if nodeID == "" {
		return api.Node{}, errors.New("join: node id is required")
	}
	if capacity < 0 {
		return api.Node{}, fmt.Errorf("join %s: capacity must be >= 0, got %d", nodeID, capacity)
	}
	if capacity == 0 {
		capacity = 1
	}

	now := r.cfg.Now().UTC()
	n := api.Node{
		ID:              nodeID,
		Capacity:        capacity,
		Status:          api.NodeJoining,
		JoinedAt:        now,
		LastHeartbeatAt: now,
	}

	r.mu.Lock()
	r.nodes[nodeID] = &n
	r.mu.Unlock()

	r.cfg.Logger.InfoContext(ctx, "node_joined", slog.String("node_id", nodeID), slog.Int("capacity", capacity))
	return n, r.record(ctx, api.EventNodeJoined, api.NodeEventPayload{
		NodeID:   nodeID,
		Capacity: capacity,
		To:       api.NodeJoining,
		At:       now,
	})
}

// Heartbeat marks nodeID alive. A Joining or Suspect node becomes Active.
// Unknown and Dead nodes get api.ErrNodeUnavailable and must join again.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string) error {
	now := r.cfg.Now().UTC()

	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return unavailable(nodeID, "unknown")
	}
	from := n.Status
	if r.statusAt(n, now) == api.NodeDead {
		n.Status = api.NodeDead
		r.mu.Unlock()
		if from != api.NodeDead {
			r.changed(ctx, nodeID, from, api.NodeDead, now)
		}
		return unavailable(nodeID, "dead")
	}
	n.LastHeartbeatAt = now
	n.Status = api.NodeActive
	r.mu.Unlock()

	if from != api.NodeActive {
		r.changed(ctx, nodeID, from, api.NodeActive, now)
	}
	return nil
}

// Leave removes nodeID at its own request.
func (r *Registry) Leave(ctx context.Context, nodeID string) error {
	return r.drop(ctx, nodeID, api.EventNodeLeft, "node_left")
}

// Remove evicts nodeID on behalf of an operator.
func (r *Registry) Remove(ctx context.Context, nodeID string) error {
	return r.drop(ctx, nodeID, api.EventNodeRemoved, "node_removed")
}

func (r *Registry) drop(ctx context.Context, nodeID string, kind api.EventKind, msg string) error {
	now := r.cfg.Now().UTC()

	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if ok {
		delete(r.nodes, nodeID)
	}
	r.mu.Unlock()

	if !ok {
		return unavailable(nodeID, "unknown")
	}
	r.cfg.Logger.InfoContext(ctx, msg, slog.String("node_id", nodeID))
	return r.record(ctx, kind, api.NodeEventPayload{NodeID: nodeID, From: n.Status, At: now})
}

// ListActive returns the Active nodes ordered by ID.
func (r *Registry) ListActive(ctx context.Context) ([]api.Node, error) {
	return r.list(func(s api.NodeStatus) bool { return s == api.NodeActive }), nil
}

// List returns every known node with its current status, ordered by ID.
func (r *Registry) List(ctx context.Context) ([]api.Node, error) {
	return r.list(func(api.NodeStatus) bool { return true }), nil
}

func (r *Registry) list(keep func(api.NodeStatus) bool) []api.Node {
	now := r.cfg.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []api.Node
	for _, n := range r.nodes {
		cp := *n
		cp.Status = r.statusAt(n, now)
		if keep(cp.Status) {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns nodeID with its current status.
func (r *Registry) Get(ctx context.Context, nodeID string) (api.Node, error) {
	now := r.cfg.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return api.Node{}, unavailable(nodeID, "unknown")
	}
	cp := *n
	cp.Status = r.statusAt(n, now)
	return cp, nil
}

// Eligible reports whether nodeID may receive new leases: only Active nodes
// may. It implements taskqueue.Membership.
func (r *Registry) Eligible(ctx context.Context, nodeID string) error {
	n, err := r.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if n.Status != api.NodeActive {
		return unavailable(nodeID, string(n.Status))
	}
	return nil
}

// Sweep applies the failure detector to every node, records the status
// changes it makes and returns the changed nodes.
func (r *Registry) Sweep(ctx context.Context) ([]api.Node, error) {
	now := r.cfg.Now().UTC()

	type change struct {
		node api.Node
		from api.NodeStatus
	}
	var changes []change

	r.mu.Lock()
	for _, n := range r.nodes {
		to := r.statusAt(n, now)
		if to == n.Status {
			continue
		}
		from := n.Status
		n.Status = to
		changes = append(changes, change{node: *n, from: from})
	}
	r.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].node.ID < changes[j].node.ID })

	out := make([]api.Node, 0, len(changes))
	for _, c := range changes {
		r.changed(ctx, c.node.ID, c.from, c.node.Status, now)
		out = append(out, c.node)
	}
	return out, nil
}

// Run sweeps once per heartbeat interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.cfg.Logger.ErrorContext(ctx, "cluster_sweep_failed", slog.Any("error", err))
			}
		}
	}
}

// Restore rebuilds the table by folding the cluster stream. Heartbeats are
// not recorded, so a restored node counts as last seen at its latest
// recorded change and is declared Suspect by the next Sweep unless it
// heartbeats again.
func (r *Registry) Restore(ctx context.Context) error {
	if r.log == nil {
		return nil
	}
	nodes := make(map[string]*api.Node)
	for ev, err := range r.log.Read(ctx, api.StreamCluster, 0) {
		if err != nil {
			return fmt.Errorf("restore cluster: %w", err)
		}
		p, err := persistence.DecodeValue[api.NodeEventPayload](ev.Payload)
		if err != nil {
			return fmt.Errorf("restore cluster: event %d: %w", ev.Sequence, err)
		}
		switch ev.Kind {
		case api.EventNodeJoined:
			nodes[p.NodeID] = &api.Node{
				ID:              p.NodeID,
				Capacity:        p.Capacity,
				Status:          api.NodeJoining,
				JoinedAt:        p.At,
				LastHeartbeatAt: p.At,
			}
		case api.EventNodeStatusChanged:
			if n, ok := nodes[p.NodeID]; ok {
				n.Status = p.To
				if p.To == api.NodeActive {
					n.LastHeartbeatAt = p.At
				}
			}
		case api.EventNodeLeft, api.EventNodeRemoved:
			delete(nodes, p.NodeID)
		}
	}

	r.mu.Lock()
	r.nodes = nodes
	r.mu.Unlock()
	return nil
}

// statusAt derives the status of n at now from its last heartbeat.
func (r *Registry) statusAt(n *api.Node, now time.Time) api.NodeStatus {
	if n.Status == api.NodeDead {
		return api.NodeDead
	}
	silent := now.Sub(n.LastHeartbeatAt)
	switch {
	case silent >= time.Duration(r.cfg.DeadThreshold)*r.cfg.HeartbeatInterval:
		return api.NodeDead
	case silent >= time.Duration(r.cfg.MissThreshold)*r.cfg.HeartbeatInterval:
		return api.NodeSuspect
	}
	return n.Status
}

func (r *Registry) changed(ctx context.Context, nodeID string, from, to api.NodeStatus, at time.Time) {
	level := slog.LevelInfo
	if to == api.NodeSuspect || to == api.NodeDead {
		level = slog.LevelWarn
	}
	r.cfg.Logger.Log(ctx, level, "node_status_changed",
		slog.String("node_id", nodeID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if err := r.record(ctx, api.EventNodeStatusChanged, api.NodeEventPayload{NodeID: nodeID, From: from, To: to, At: at}); err != nil {
		r.cfg.Logger.ErrorContext(ctx, "cluster_record_failed", slog.String("node_id", nodeID), slog.Any("error", err))
	}
}

func (r *Registry) record(ctx context.Context, kind api.EventKind, p api.NodeEventPayload) error {
	if r.log == nil {
		return nil
	}
	data, err := persistence.EncodeValue(p)
	if err != nil {
		return err
	}
	if _, err := r.log.Append(ctx, api.StreamCluster, kind, data); err != nil {
		return fmt.Errorf("record %s for node %s: %w", kind, p.NodeID, err)
	}
	return nil
}

func unavailable(nodeID, why string) error {
	return fmt.Errorf("%w: node %s is %s", api.ErrNodeUnavailable, nodeID, why)
}
