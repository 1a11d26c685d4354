// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed holds the collective operations used to coordinate the workers (ranks) of a
// pseudo-labeling job: barriers, all-gathers and the deterministic assignment of shards to ranks.
//
// Collectives are blocking: every rank must reach the same call before any proceeds, and a rank that
// never reaches it stalls the whole job. There is no partial-failure recovery: a failed rank means the
// job must be restarted.
//
// Implementations of Group:
//
//   - Single: a job with only one rank, all collectives are no-ops.
//   - NewInProcess: ranks are goroutines of the same process, see also RunRanks.
//   - NewFileGroup: ranks are separate processes sharing a filesystem directory.
package distributed

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Group of cooperating ranks.
type Group interface {
	// Rank of the current worker, from 0 to WorldSize()-1.
	Rank() int

	// WorldSize is the number of ranks in the group.
	WorldSize() int

	// Barrier blocks until all ranks reached the barrier.
	Barrier(ctx context.Context) error

	// AllGather sends payload to all ranks, and returns the payloads of all ranks, indexed by rank.
	AllGather(ctx context.Context, payload []byte) ([][]byte, error)
}

// IsMain returns whether g is running in the main rank (rank 0), the one responsible for
// writes that are not partitioned among ranks.
func IsMain(g Group) bool {
	return g.Rank() == 0
}

// single implements Group for a world of one.
type single struct{}

// Single returns a Group with only one rank: all collectives return immediately.
func Single() Group { return single{} }

func (single) Rank() int      { return 0 }
func (single) WorldSize() int { return 1 }

func (single) Barrier(ctx context.Context) error { return ctx.Err() }

func (single) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

// GatherObjects encodes value to JSON, gathers it from all ranks and decodes the results.
// The returned slice is indexed by rank.
func GatherObjects[T any](ctx context.Context, g Group, value T) ([]T, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d failed to encode %T for gathering", g.Rank(), value)
	}
	payloads, err := g.AllGather(ctx, payload)
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d failed to gather %T", g.Rank(), value)
	}
	values := make([]T, len(payloads))
	for rank, p := range payloads {
		if err = json.Unmarshal(p, &values[rank]); err != nil {
			return nil, errors.Wrapf(err, "rank %d failed to decode %T gathered from rank %d", g.Rank(), value, rank)
		}
	}
	return values, nil
}
