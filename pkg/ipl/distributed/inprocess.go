// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/slimipl/pkg/support/xsync"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// inProcessWorld is the state shared by all ranks of an in-process group.
type inProcessWorld struct {
	barrier *xsync.Barrier

	mu    sync.Mutex
	slots [][]byte
}

// InProcess is a Group whose ranks are goroutines of the same process.
// Create them with NewInProcess, one Group per rank.
type InProcess struct {
	world *inProcessWorld
	rank  int
}

var _ Group = (*InProcess)(nil)

// NewInProcess creates the Group objects of a world with worldSize ranks, to be used by
// separate goroutines. The returned slice is indexed by rank.
func NewInProcess(worldSize int) []*InProcess {
	if worldSize <= 0 {
		exceptions.Panicf("distributed.NewInProcess(%d): worldSize must be > 0", worldSize)
	}
	world := &inProcessWorld{
		barrier: xsync.NewBarrier(worldSize),
		slots:   make([][]byte, worldSize),
	}
	groups := make([]*InProcess, worldSize)
	for rank := range groups {
		groups[rank] = &InProcess{world: world, rank: rank}
	}
	return groups
}

// Rank implements Group.
func (g *InProcess) Rank() int { return g.rank }

// WorldSize implements Group.
func (g *InProcess) WorldSize() int { return g.world.barrier.Parties() }

// String implements fmt.Stringer.
func (g *InProcess) String() string {
	return fmt.Sprintf("InProcess(rank=%d, worldSize=%d)", g.rank, g.WorldSize())
}

// Barrier implements Group.
func (g *InProcess) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := g.world.barrier.Wait()
	return errors.WithMessagef(err, "%s barrier", g)
}

// AllGather implements Group.
func (g *InProcess) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	g.world.mu.Lock()
	g.world.slots[g.rank] = slices.Clone(payload)
	g.world.mu.Unlock()
	if err := g.Barrier(ctx); err != nil {
		return nil, err
	}
	g.world.mu.Lock()
	gathered := make([][]byte, len(g.world.slots))
	for rank, slot := range g.world.slots {
		gathered[rank] = slices.Clone(slot)
	}
	g.world.mu.Unlock()
	// Second barrier: slots can't be overwritten by a following AllGather before everyone read them.
	if err := g.Barrier(ctx); err != nil {
		return nil, err
	}
	return gathered, nil
}

// abort breaks the world's barrier, so ranks blocked on a collective return with err.
func (g *InProcess) abort(err error) {
	g.world.barrier.Break(err)
}

// RunRanks runs fn concurrently for each of the worldSize ranks of a new in-process group,
// and waits for all of them to finish.
//
// If a rank fails (returns an error or panics), the group's collectives are broken so the other
// ranks don't block forever, and the first error is returned.
func RunRanks(ctx context.Context, worldSize int, fn func(ctx context.Context, g Group) error) error {
	groups := NewInProcess(worldSize)
	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() error {
			var err error
			exception := exceptions.Try(func() { err = fn(ctx, g) })
			if exception != nil {
				if e, ok := exception.(error); ok {
					err = errors.WithMessagef(e, "rank %d panicked", g.Rank())
				} else {
					err = errors.Errorf("rank %d panicked: %v", g.Rank(), exception)
				}
			}
			if err != nil {
				g.abort(errors.WithMessagef(err, "rank %d failed", g.Rank()))
			}
			return err
		})
	}
	return eg.Wait()
}
