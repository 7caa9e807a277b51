// Package collective provides the rank-aware primitives cooperating workers use to stay in lock-step.
package collective

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrClosed is returned by collectives on a group that has been closed.
var ErrClosed = errors.New("collective group closed")

// Communicator is one member's view of a group of cooperating workers.
// Every member must enter each collective in the same order. Collectives have no timeout.
type Communicator interface {
	Rank() int
	Size() int
	// Broadcast returns root's data on every member.
	Broadcast(ctx context.Context, root int, data []byte) ([]byte, error)
	// Gather returns every member's data, in rank order, on root and nil elsewhere.
	Gather(ctx context.Context, root int, data []byte) ([][]byte, error)
	// AllReduceSum returns the sum of every member's value on every member.
	AllReduceSum(ctx context.Context, value float64) (float64, error)
	// Barrier returns once every member has entered it.
	Barrier(ctx context.Context) error
}

// Group is an in-process group of communicators sharing one rendezvous.
type Group struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	gen     uint64
	arrived int
	slots   [][]byte
	result  [][]byte
	closed  bool
}

// NewGroup creates a group of size members.
func NewGroup(size int) (*Group, error) {
	if size < 1 {
		return nil, fmt.Errorf("group size must be positive, got %d", size)
	}
	g := &Group{
		size:  size,
		slots: make([][]byte, size),
	}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// Size returns the number of members.
func (g *Group) Size() int {
	return g.size
}

// Member returns the communicator for rank.
func (g *Group) Member(rank int) Communicator {
	if rank < 0 || rank >= g.size {
		panic(fmt.Sprintf("rank %d outside group of size %d", rank, g.size))
	}
	return &member{group: g, rank: rank}
}

// Close wakes every blocked member with ErrClosed. Later collectives fail immediately.
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.cond.Broadcast()
}

// exchange deposits data for rank and blocks until every member has deposited, returning all deposits.
func (g *Group) exchange(ctx context.Context, rank int, data []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClosed
	}

	gen := g.gen
	g.slots[rank] = data
	g.arrived++

	if g.arrived == g.size {
		g.result = g.slots
		g.slots = make([][]byte, g.size)
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
		return g.result, nil
	}

	for g.gen == gen && !g.closed {
		g.cond.Wait()
	}
	if g.gen == gen {
		return nil, ErrClosed
	}
	// The next generation cannot complete without this member, so result is still ours.
	return g.result, nil
}

type member struct {
	group *Group
	rank  int
}

func (m *member) Rank() int { return m.rank }

func (m *member) Size() int { return m.group.size }

func (m *member) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if err := m.checkRoot(root); err != nil {
		return nil, err
	}
	if m.rank != root {
		data = nil
	}
	all, err := m.group.exchange(ctx, m.rank, data)
	if err != nil {
		return nil, err
	}
	return all[root], nil
}

func (m *member) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	if err := m.checkRoot(root); err != nil {
		return nil, err
	}
	all, err := m.group.exchange(ctx, m.rank, data)
	if err != nil {
		return nil, err
	}
	if m.rank != root {
		return nil, nil
	}
	out := make([][]byte, len(all))
	copy(out, all)
	return out, nil
}

func (m *member) AllReduceSum(ctx context.Context, value float64) (float64, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(value))
	all, err := m.group.exchange(ctx, m.rank, buf)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, b := range all {
		sum += math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return sum, nil
}

func (m *member) Barrier(ctx context.Context) error {
	_, err := m.group.exchange(ctx, m.rank, nil)
	return err
}

func (m *member) checkRoot(root int) error {
	if root < 0 || root >= m.group.size {
		return fmt.Errorf("root %d outside group of size %d", root, m.group.size)
	}
	return nil
}
