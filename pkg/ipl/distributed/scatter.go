// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import "github.com/gomlx/exceptions"

// ScatterRange returns the contiguous range [start, end) of the n items owned by rank.
//
// Items are split in worldSize contiguous blocks, the first n % worldSize ranks get one extra item.
// Every item is owned by exactly one rank, and the ranges are ordered by rank.
//
// It panics if worldSize <= 0 or rank is out of range.
func ScatterRange(n, worldSize, rank int) (start, end int) {
	if worldSize <= 0 {
		exceptions.Panicf("distributed.ScatterRange(n=%d, worldSize=%d, rank=%d): worldSize must be > 0", n, worldSize, rank)
	}
	if rank < 0 || rank >= worldSize {
		exceptions.Panicf("distributed.ScatterRange(n=%d, worldSize=%d, rank=%d): rank out of range", n, worldSize, rank)
	}
	if n <= 0 {
		return 0, 0
	}
	base, remainder := n/worldSize, n%worldSize
	start = rank*base + min(rank, remainder)
	end = start + base
	if rank < remainder {
		end++
	}
	return
}

// Scatter returns the items owned by rank, see ScatterRange.
func Scatter[T any](items []T, worldSize, rank int) []T {
	start, end := ScatterRange(len(items), worldSize, rank)
	return items[start:end]
}

// ScatterGroup returns the items owned by the rank of g.
func ScatterGroup[T any](g Group, items []T) []T {
	return Scatter(items, g.WorldSize(), g.Rank())
}
