// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sampler selects which manifest records get (re-)labeled in each pseudo-labeling cycle.
//
// A full build selects the whole dataset, scaled down by the dataset weight. An incremental refresh
// selects a uniformly random subset of the records, of size floor(n * fraction), without replacement.
//
// Every call draws from a freshly seeded generator, so repeated cycles (and different workers) don't
// draw correlated samples.
package sampler

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/slimipl/pkg/ipl/manifest"
	"k8s.io/klog/v2"
)

// Size returns the number of records selected out of n: floor(n * weight) for full builds,
// floor(n * fraction) for incremental refreshes.
//
// The weight is clamped to 1: weights can only truncate a dataset, never repeat records.
func Size(n int, weight float64, full bool, fraction float64) int {
	if n <= 0 {
		return 0
	}
	scale := fraction
	if full {
		scale = ClampWeight(weight)
	}
	scale = min(max(scale, 0), 1)
	return int(math.Floor(float64(n) * scale))
}

var warnClampOnce sync.Once

// ClampWeight limits a dataset weight to the range [0, 1].
// Weights > 1 are logged (once) and treated as 1.
func ClampWeight(weight float64) float64 {
	if weight > 1 {
		warnClampOnce.Do(func() {
			klog.Warningf("dataset weight %g > 1 is not supported for pseudo-labeling, using 1 instead", weight)
		})
		return 1
	}
	return max(weight, 0)
}

// NewRand returns a new freshly seeded random number generator.
func NewRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// Sample returns the sorted indices of the records (out of n) to be labeled.
// See Size for the number of indices returned. It uses a freshly seeded generator.
func Sample(n int, weight float64, full bool, fraction float64) []int {
	return SampleWith(NewRand(), n, weight, full, fraction)
}

// SampleWith is like Sample, but uses the given random number generator.
func SampleWith(rng *rand.Rand, n int, weight float64, full bool, fraction float64) []int {
	return Choose(rng, n, Size(n, weight, full, fraction))
}

// Choose returns k sorted distinct indices uniformly drawn from [0, n).
// If k >= n, it returns all indices.
func Choose(rng *rand.Rand, n, k int) []int {
	if k >= n {
		k = n
	}
	if k <= 0 {
		return []int{}
	}
	if k == n {
		all := make([]int, n)
		for ii := range all {
			all[ii] = ii
		}
		return all
	}
	// Partial Fisher-Yates over a sparse permutation.
	swapped := make(map[int]int, k)
	at := func(i int) int {
		if v, found := swapped[i]; found {
			return v
		}
		return i
	}
	indices := make([]int, k)
	for ii := range k {
		jj := ii + rng.IntN(n-ii)
		vi, vj := at(ii), at(jj)
		swapped[jj] = vi
		indices[ii] = vj
	}
	slices.Sort(indices)
	return indices
}

// Quota returns how many of total selected records belong to the slice [start, end) of
// n records, splitting total proportionally across slices.
//
// The quotas of any partition of [0, n) into contiguous slices add up exactly to total.
func Quota(total, n, start, end int) int {
	if n <= 0 {
		return 0
	}
	return total*end/n - total*start/n
}

// Records returns the records at the given indices.
func Records(records []manifest.Record, indices []int) []manifest.Record {
	selected := make([]manifest.Record, len(indices))
	for ii, idx := range indices {
		selected[ii] = records[idx]
	}
	return selected
}
