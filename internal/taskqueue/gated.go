package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/flowgrid/pkg/api"
)

// Gated refuses leases to nodes the membership does not consider eligible.
// All other operations pass through, so a suspect node can still settle the
// work it already holds.
type Gated struct {
	Queue
	members Membership
}

// Ensure Gated implements Queue.
var _ Queue = (*Gated)(nil)

// NewGated wraps q with a membership check on Lease.
func NewGated(q Queue, members Membership) *Gated {
	return &Gated{Queue: q, members: members}
}

func (g *Gated) Lease(ctx context.Context, queue, nodeID string, leaseDuration time.Duration) (*api.Task, error) {
	if err := g.members.Eligible(ctx, nodeID); err != nil {
		return nil, err
	}
	return g.Queue.Lease(ctx, queue, nodeID, leaseDuration)
}
