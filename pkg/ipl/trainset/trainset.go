// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainset describes the training data of the trainer, and splices pseudo-label caches
// into it once the pseudo-labeling is active.
package trainset

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Source is one dataset of the training set: a list of manifest (or tar) paths or patterns.
type Source []string

// TrainingSet holds the training data configuration the trainer loads its data from.
type TrainingSet struct {
	// Manifests holds the manifests of each dataset.
	Manifests []Source

	// TarredAudio holds the tar files of each dataset, aligned with Manifests, for tarred datasets.
	TarredAudio []Source

	// LimitTrainBatches, if > 0, limits the number of training batches per epoch.
	LimitTrainBatches int

	// CacheAudio enables caching of the audio by the data loader.
	CacheAudio bool

	// UpdateLimitTrainBatches asks the trainer to recompute its limit of batches per epoch
	// when reloading the training data.
	UpdateLimitTrainBatches bool
}

// Clone returns a deep copy of the training set.
func (ts *TrainingSet) Clone() *TrainingSet {
	c := *ts
	c.Manifests = cloneSources(ts.Manifests)
	c.TarredAudio = cloneSources(ts.TarredAudio)
	return &c
}

func cloneSources(sources []Source) []Source {
	if sources == nil {
		return nil
	}
	cloned := make([]Source, len(sources))
	for ii, s := range sources {
		cloned[ii] = slices.Clone(s)
	}
	return cloned
}

// String implements fmt.Stringer.
func (ts *TrainingSet) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "TrainingSet{%d datasets", len(ts.Manifests))
	if len(ts.TarredAudio) > 0 {
		sb.WriteString(", tarred")
	}
	if ts.LimitTrainBatches > 0 {
		_, _ = fmt.Fprintf(&sb, ", limit_train_batches=%d", ts.LimitTrainBatches)
	}
	sb.WriteString("}")
	return sb.String()
}

// AppendCache adds the non-tarred cache manifest as one more dataset, after the existing ones.
func AppendCache(ts *TrainingSet, cachePath string) {
	ts.Manifests = append(ts.Manifests, Source{cachePath})
}

// AppendTarredCaches adds the cache manifests of tarred datasets, each with the tar files of its
// dataset, after the existing datasets.
//
// If limit > 0, it overrides the limit of training batches per epoch.
func AppendTarredCaches(ts *TrainingSet, caches []string, tarPatterns []string, limit int) error {
	if len(caches) != len(tarPatterns) {
		return errors.Errorf("trainset: %d cache manifests given for %d tarred datasets", len(caches), len(tarPatterns))
	}
	if len(ts.TarredAudio) != len(ts.Manifests) {
		return errors.Errorf("trainset: training set has %d manifest sources but %d tarred audio sources",
			len(ts.Manifests), len(ts.TarredAudio))
	}
	for ii, c := range caches {
		ts.Manifests = append(ts.Manifests, Source{c})
		ts.TarredAudio = append(ts.TarredAudio, Source{tarPatterns[ii]})
	}
	if limit > 0 {
		ts.LimitTrainBatches = limit
	}
	return nil
}

// Normalize converts a configuration value holding paths into sources. It accepts:
//
//   - a single path: one source with one path;
//   - a list of paths: one source per path;
//   - a list of lists of paths: one source per inner list.
//
// Lists can be given as []string, [][]string or []any (as decoded from YAML, TOML or JSON).
func Normalize(value any) ([]Source, error) {
	switch v := value.(type) {
	case nil:
		return nil, errors.New("trainset: no paths given")
	case string:
		return []Source{{v}}, nil
	case Source:
		return []Source{slices.Clone(v)}, nil
	case []Source:
		return cloneSources(v), nil
	case []string:
		sources := make([]Source, len(v))
		for ii, path := range v {
			sources[ii] = Source{path}
		}
		return sources, nil
	case [][]string:
		sources := make([]Source, len(v))
		for ii, paths := range v {
			sources[ii] = slices.Clone(paths)
		}
		return sources, nil
	case []any:
		sources := make([]Source, 0, len(v))
		for ii, element := range v {
			switch e := element.(type) {
			case string:
				sources = append(sources, Source{e})
			case []string:
				sources = append(sources, slices.Clone(e))
			case []any:
				source := make(Source, 0, len(e))
				for _, path := range e {
					s, ok := path.(string)
					if !ok {
						return nil, errors.Errorf("trainset: element %d has a non-string path %v (%T)", ii, path, path)
					}
					source = append(source, s)
				}
				sources = append(sources, source)
			default:
				return nil, errors.Errorf("trainset: element %d is not a path or list of paths: %v (%T)", ii, element, element)
			}
		}
		return sources, nil
	default:
		return nil, errors.Errorf("trainset: paths must be given as a string, a list or a list of lists, got %T", value)
	}
}

// First returns the first path of each source.
func First(sources []Source) []string {
	firsts := make([]string, 0, len(sources))
	for _, s := range sources {
		if len(s) > 0 {
			firsts = append(firsts, s[0])
		}
	}
	return firsts
}

// Flatten returns all the paths of all sources, in order.
func Flatten(sources []Source) []string {
	var paths []string
	for _, s := range sources {
		paths = append(paths, s...)
	}
	return paths
}
