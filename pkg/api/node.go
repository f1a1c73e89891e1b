package api

import "time"

// NodeStatus is derived by the cluster registry from heartbeats.
type NodeStatus string

const (
	NodeJoining NodeStatus = "JOINING"
	NodeActive  NodeStatus = "ACTIVE"
	NodeSuspect NodeStatus = "SUSPECT"
	NodeDead    NodeStatus = "DEAD"
)

// Node is a worker process known to the cluster registry.
type Node struct {
	ID              string
	Capacity        int
	Status          NodeStatus
	JoinedAt        time.Time
	LastHeartbeatAt time.Time
}

// Lock is a leased, fenced grant of a named resource.
type Lock struct {
	ResourceKey  string
	Owner        string
	ExpiresAt    time.Time
	FencingToken uint64
}

// Live reports whether the lock is still held at now.
func (l *Lock) Live(now time.Time) bool {
	return l != nil && l.Owner != "" && now.Before(l.ExpiresAt)
}
