// Package group implements the collective operations the refinement
// controller needs to keep cooperating replicas in lockstep: a broadcast of
// a float vector from a root rank and a barrier.
package group

import (
	"context"
	"sync"

	"github.com/copyleftdev/mfsolve/internal/optimization"
)

// Group is a fixed set of ranks executing the same solve. Every rank must
// enter each collective in the same order.
type Group interface {
	// Rank returns this member's index in [0, Size)
	Rank() int

	// Size returns the number of members
	Size() int

	// Broadcast returns root's data on every rank. Non-root ranks may pass nil.
	Broadcast(ctx context.Context, root int, data []float64) ([]float64, error)

	// Barrier blocks until every rank has entered it
	Barrier(ctx context.Context) error
}

type single struct{}

// Single returns the trivial one-member group
func Single() Group { return single{} }

func (single) Rank() int { return 0 }
func (single) Size() int { return 1 }

func (single) Broadcast(ctx context.Context, root int, data []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if root != 0 {
		return nil, optimization.ConfigurationErrorf("group", "Broadcast", "root %d out of range for group of size 1", root)
	}
	return append([]float64(nil), data...), nil
}

func (single) Barrier(ctx context.Context) error { return ctx.Err() }

// round is one collective; done is closed once every rank has arrived
type round struct {
	done    chan struct{}
	payload []float64
	result  []float64
}

type hub struct {
	mu      sync.Mutex
	size    int
	arrived int
	cur     *round
}

func (h *hub) collective(ctx context.Context, rank, root int, data []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	r := h.cur
	if rank == root {
		r.payload = append([]float64(nil), data...)
	}
	h.arrived++
	if h.arrived == h.size {
		r.result = r.payload
		h.arrived = 0
		h.cur = &round{done: make(chan struct{})}
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
		if r.result == nil {
			return nil, nil
		}
		return append([]float64(nil), r.result...), nil
	case <-ctx.Done():
		// the group cannot complete this round without us
		return nil, ctx.Err()
	}
}

type member struct {
	rank int
	h    *hub
}

// NewLocal returns n in-process members sharing one rendezvous. Each member
// is meant to be driven by its own goroutine.
func NewLocal(n int) ([]Group, error) {
	if n < 1 {
		return nil, optimization.ConfigurationErrorf("group", "NewLocal", "group size must be positive, got %d", n)
	}
	h := &hub{size: n, cur: &round{done: make(chan struct{})}}
	members := make([]Group, n)
	for i := range members {
		members[i] = &member{rank: i, h: h}
	}
	return members, nil
}

func (m *member) Rank() int { return m.rank }
func (m *member) Size() int { return m.h.size }

func (m *member) Broadcast(ctx context.Context, root int, data []float64) ([]float64, error) {
	if root < 0 || root >= m.h.size {
		return nil, optimization.ConfigurationErrorf("group", "Broadcast", "root %d out of range for group of size %d", root, m.h.size)
	}
	return m.h.collective(ctx, m.rank, root, data)
}

func (m *member) Barrier(ctx context.Context) error {
	_, err := m.h.collective(ctx, m.rank, -1, nil)
	return err
}

// BroadcastPoint broadcasts a design point from root. The result is keyed by
// vars and replaces whatever non-root ranks hold.
func BroadcastPoint(ctx context.Context, g Group, root int, vars []optimization.DesignVariable, p optimization.DesignPoint) (optimization.DesignPoint, error) {
	var flat []float64
	var invalid error
	if g.Rank() == root {
		if invalid = optimization.CheckDesignPoint(vars, p); invalid == nil {
			flat = p.Flatten(vars)
		}
	}
	// an invalid point still enters the collective so the other ranks fail
	// on the size check instead of blocking
	out, err := g.Broadcast(ctx, root, flat)
	if err != nil {
		return nil, err
	}
	if invalid != nil {
		return nil, invalid
	}
	if len(out) != optimization.TotalSize(vars) {
		return nil, optimization.DimensionMismatch("group", "BroadcastPoint", len(out), optimization.TotalSize(vars))
	}
	return optimization.Unflatten(vars, out), nil
}
