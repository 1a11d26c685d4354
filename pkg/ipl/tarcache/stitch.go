// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tarcache

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/slimipl/pkg/ipl/distributed"
	"github.com/gomlx/slimipl/pkg/ipl/manifest"
	"github.com/gomlx/slimipl/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SyncStitched is the synchronization point after the stitched cache manifests are written.
const SyncStitched = "tarcache/stitched"

// StitchedName is the suffix of the stitched cache of a dataset, after its name and the cache prefix.
const StitchedName = "tarred_audio_manifest.json"

// ShardPattern returns a brace pattern that expands to exactly the given cache files, in order.
//
// Files that differ only by a shard number, "<dir>/<base>_00.json" to "<dir>/<base>_07.json", give a
// range "<dir>/<base>_{00..07}.json" (padding and first shard are kept). Otherwise, the part that
// differs is listed, "<dir>/<base>_{a,b}.json". A single file is returned as is.
func ShardPattern(cacheFiles []string) (string, error) {
	switch len(cacheFiles) {
	case 0:
		return "", errors.New("tarcache: no cache files to build a shard pattern from")
	case 1:
		return cacheFiles[0], nil
	}
	prefix, suffix := commonAffixes(cacheFiles)
	middles := make([]string, len(cacheFiles))
	for ii, file := range cacheFiles {
		middles[ii] = file[len(prefix) : len(file)-len(suffix)]
	}
	candidates := []string{
		fmt.Sprintf("%s{%s..%s}%s", prefix, middles[0], middles[len(middles)-1], suffix),
		fmt.Sprintf("%s{%s}%s", prefix, strings.Join(middles, ","), suffix),
	}
	for _, pattern := range candidates {
		if slices.Equal(manifest.ExpandBraces(pattern), cacheFiles) {
			return pattern, nil
		}
	}
	return "", errors.Errorf("tarcache: no brace pattern enumerates the cache files %q", cacheFiles)
}

// commonAffixes returns the longest common prefix and suffix of the files that don't cut through a
// shard number.
func commonAffixes(files []string) (prefix, suffix string) {
	prefix = files[0]
	for _, file := range files[1:] {
		n := 0
		for n < len(prefix) && n < len(file) && prefix[n] == file[n] {
			n++
		}
		prefix = prefix[:n]
	}
	prefix = strings.TrimRight(prefix, "0123456789")

	suffix = files[0][len(prefix):]
	for _, file := range files[1:] {
		rest := file[len(prefix):]
		n := 0
		for n < len(suffix) && n < len(rest) && suffix[len(suffix)-1-n] == rest[len(rest)-1-n] {
			n++
		}
		suffix = suffix[len(suffix)-n:]
	}
	suffix = strings.TrimLeft(suffix, "0123456789")
	return
}

var shardNumberRe = regexp.MustCompile(`[_-]?\d+$`)

// datasetName is the name of a dataset in its stitched cache: the base name of its first manifest
// shard, without extension nor shard number.
func datasetName(manifests []string) string {
	base := filepath.Base(manifests[0])
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if name := shardNumberRe.ReplaceAllString(base, ""); name != "" {
		return name
	}
	return base
}

// StitchedFileName returns the path of the stitched cache of a dataset, given its manifest shards:
// "<dir>/<prefix>_cache_<name>_tarred_audio_manifest.json", see datasetName.
func StitchedFileName(manifests []string, prefix string) string {
	dir := filepath.Dir(manifests[0])
	return manifest.CacheFileName(filepath.Join(dir, datasetName(manifests)+"_"+StitchedName), prefix)
}

// Stitch returns the cache manifests to add to the training set, one per dataset.
//
// If stitch is false (default) it returns, per dataset, a brace pattern over its shard caches (see
// ShardPattern). If stitch is true, rank 0 concatenates the shard caches of each dataset into one
// file (see StitchedFileName) and their paths are returned. Two datasets stitched into the same file
// is an error.
//
// All ranks of the group must call Stitch with the same arguments.
func (b *Builder) Stitch(ctx context.Context, datasets []Dataset, stitch bool) ([]string, error) {
	final := make([]string, 0, len(datasets))
	allShards := make([]shards, len(datasets))
	for ii, ds := range datasets {
		s, err := expandDataset(ds, b.opts.Prefix)
		if err != nil {
			return nil, err
		}
		if len(s.caches) == 0 {
			return nil, errors.Errorf("tarcache: manifest pattern %q has no shards", ds.ManifestPattern)
		}
		allShards[ii] = s
	}
	if !stitch {
		for ii, s := range allShards {
			shardPattern, err := ShardPattern(s.caches)
			if err != nil {
				return nil, errors.WithMessagef(err, "dataset %d (%q)", ii, datasets[ii].ManifestPattern)
			}
			final = append(final, shardPattern)
		}
		return final, nil
	}

	g := b.sync.Group()
	used := sets.Make[string](len(datasets))
	for ii, s := range allShards {
		stitched := StitchedFileName(s.manifests, b.opts.Prefix)
		if used.Has(stitched) {
			return nil, errors.Errorf("tarcache: datasets %q would be stitched into the same file %q, rename their manifests",
				datasets[ii].ManifestPattern, stitched)
		}
		used.Insert(stitched)
		final = append(final, stitched)
	}
	if distributed.IsMain(g) {
		for ii, s := range allShards {
			numRecords, err := manifest.Concat(final[ii], s.caches...)
			if err != nil {
				return nil, errors.WithMessage(err, "tarcache: failed to stitch shard caches")
			}
			klog.Infof("tarcache: stitched %d shard caches (%s records) into %q", len(s.caches), humanize.Comma(int64(numRecords)), final[ii])
		}
	}
	if err := b.sync.Point(ctx, SyncStitched); err != nil {
		return nil, err
	}
	return final, nil
}
