// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Alternative spellings of braces accepted in sharded paths, for tools where "{" and "}" are special.
	braceOpenAliases  = []string{"_OP_", "(", "[", "<"}
	braceCloseAliases = []string{"_CL_", ")", "]", ">"}

	numericRangeRE = regexp.MustCompile(`^(-?\d+)\.\.(-?\d+)(?:\.\.(-?\d+))?$`)
	charRangeRE    = regexp.MustCompile(`^([a-zA-Z])\.\.([a-zA-Z])(?:\.\.(-?\d+))?$`)
)

// NormalizeShardPattern replaces the alternative brace spellings ("_OP_", "(", "[", "<" and their
// closing counterparts) by "{" and "}".
func NormalizeShardPattern(pattern string) string {
	for _, alias := range braceOpenAliases {
		pattern = strings.ReplaceAll(pattern, alias, "{")
	}
	for _, alias := range braceCloseAliases {
		pattern = strings.ReplaceAll(pattern, alias, "}")
	}
	return pattern
}

// ExpandShardedPaths normalizes the pattern (see NormalizeShardPattern) and brace-expands it.
//
// Example:
//
//	ExpandShardedPaths("/data/audio__OP_0..2_CL_.tar")
//	// -> ["/data/audio_0.tar", "/data/audio_1.tar", "/data/audio_2.tar"]
func ExpandShardedPaths(pattern string) []string {
	return ExpandBraces(NormalizeShardPattern(pattern))
}

// ExpandBraces performs shell-like brace expansion of pattern:
//
//   - "{a,b,c}" expands to each alternative;
//   - "{0..3}" to a numeric range, zero-padded if either bound has a leading zero ("{00..10}");
//   - "{a..e}" to a character range;
//   - an optional increment can be given as a third component: "{0..10..2}".
//
// Expansions can be nested and multiple expansions are combined in order (cartesian product).
// Braces that don't form a valid expansion are kept literally.
func ExpandBraces(pattern string) []string {
	open, depth := -1, 0
	for ii := 0; ii < len(pattern); ii++ {
		switch pattern[ii] {
		case '{':
			if depth == 0 {
				open = ii
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth > 0 {
				continue
			}
			prefix, inner, suffix := pattern[:open], pattern[open+1:ii], pattern[ii+1:]
			suffixes := ExpandBraces(suffix)
			var results []string
			alternatives, ok := braceAlternatives(inner)
			if !ok {
				// Not an expansion: keep the braces, but expand what is inside.
				for _, in := range ExpandBraces(inner) {
					for _, sfx := range suffixes {
						results = append(results, prefix+"{"+in+"}"+sfx)
					}
				}
				return results
			}
			for _, alt := range alternatives {
				for _, expandedAlt := range ExpandBraces(alt) {
					for _, sfx := range suffixes {
						results = append(results, prefix+expandedAlt+sfx)
					}
				}
			}
			return results
		}
	}
	return []string{pattern}
}

// braceAlternatives returns the list of alternatives of the contents of a pair of braces,
// or false if it is not a valid expansion.
func braceAlternatives(inner string) ([]string, bool) {
	if parts := splitTopLevelCommas(inner); len(parts) > 1 {
		return parts, true
	}
	if m := numericRangeRE.FindStringSubmatch(inner); m != nil {
		return numericRange(m[1], m[2], m[3]), true
	}
	if m := charRangeRE.FindStringSubmatch(inner); m != nil {
		return charRange(m[1][0], m[2][0], m[3]), true
	}
	return nil, false
}

func splitTopLevelCommas(s string) []string {
	var parts []string
	depth, start := 0, 0
	for ii := 0; ii < len(s); ii++ {
		switch s[ii] {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:ii])
				start = ii + 1
			}
		}
	}
	return append(parts, s[start:])
}

func parseIncrement(s string) int {
	if s == "" {
		return 1
	}
	incr, _ := strconv.Atoi(s)
	if incr < 0 {
		incr = -incr
	}
	if incr == 0 {
		incr = 1
	}
	return incr
}

func hasLeadingZero(s string) bool {
	s = strings.TrimPrefix(s, "-")
	return len(s) > 1 && s[0] == '0'
}

func numericRange(loStr, hiStr, incrStr string) []string {
	lo, _ := strconv.Atoi(loStr)
	hi, _ := strconv.Atoi(hiStr)
	incr := parseIncrement(incrStr)
	width := 0
	if hasLeadingZero(loStr) || hasLeadingZero(hiStr) {
		width = max(len(loStr), len(hiStr))
	}
	if lo > hi {
		incr = -incr
	}
	var values []string
	for v := lo; (incr > 0 && v <= hi) || (incr < 0 && v >= hi); v += incr {
		values = append(values, fmt.Sprintf("%0*d", width, v))
	}
	return values
}

func charRange(lo, hi byte, incrStr string) []string {
	incr := parseIncrement(incrStr)
	var values []string
	if lo <= hi {
		for c := int(lo); c <= int(hi); c += incr {
			values = append(values, string(rune(c)))
		}
	} else {
		for c := int(lo); c >= int(hi); c -= incr {
			values = append(values, string(rune(c)))
		}
	}
	return values
}

// CacheFileName returns the name of the pseudo-label cache of the manifest at path: the same
// directory, with the base name prefixed by "<prefix>_cache_" (or "cache_" if prefix is empty).
//
// It works on sharded patterns as well: the cache pattern expands to exactly one cache file per
// manifest shard, in the same order.
func CacheFileName(path, prefix string) string {
	dir, file := filepath.Split(path)
	cachePrefix := "cache_"
	if prefix != "" {
		cachePrefix = prefix + "_cache_"
	}
	return dir + cachePrefix + file
}
