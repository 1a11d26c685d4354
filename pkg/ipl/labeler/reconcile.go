// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package labeler

import (
	"strings"
)

// ReconcilePunctuation is the set of punctuation characters ignored when comparing hypotheses to targets.
const ReconcilePunctuation = ",.?"

// NormalizeForComparison lowercases text, removes ReconcilePunctuation characters and splits it into words.
func NormalizeForComparison(text string) []string {
	text = strings.ToLower(text)
	text = strings.Map(func(r rune) rune {
		if strings.ContainsRune(ReconcilePunctuation, r) {
			return -1
		}
		return r
	}, text)
	return strings.Fields(text)
}

// WordEditDistance is the Levenshtein distance between two sequences of words.
func WordEditDistance(a, b []string) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for jj := range prev {
		prev[jj] = jj
	}
	for ii := 1; ii <= len(a); ii++ {
		curr[0] = ii
		for jj := 1; jj <= len(b); jj++ {
			cost := 1
			if a[ii-1] == b[jj-1] {
				cost = 0
			}
			curr[jj] = min(prev[jj]+1, curr[jj-1]+1, prev[jj-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// Reconcile selects among the candidate hypotheses the one with the smallest word edit distance to the
// target, after both are normalized with NormalizeForComparison. Ties go to the first candidate.
//
// The selected candidate is returned as is, that is, with its original casing and punctuation.
// It returns "" if there are no candidates.
func Reconcile(target string, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	targetWords := NormalizeForComparison(target)
	best, bestDistance := 0, -1
	for ii, candidate := range candidates {
		distance := WordEditDistance(targetWords, NormalizeForComparison(candidate))
		if bestDistance < 0 || distance < bestDistance {
			best, bestDistance = ii, distance
		}
	}
	return candidates[best]
}
