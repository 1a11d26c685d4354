// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tarcache builds and refreshes the pseudo-label caches of tarred datasets.
//
// A tarred dataset is a list of manifest shards (a brace pattern like "manifest_{0..127}.json") aligned
// 1:1 with the tar files holding their audio. Its cache mirrors the shards: one cache manifest per input
// manifest shard, named with manifest.CacheFileName, so the cached manifests are still aligned with the
// tar files. Shards are scattered across ranks, and each rank only writes the caches of the shards it owns.
package tarcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/slimipl/pkg/ipl/distributed"
	"github.com/gomlx/slimipl/pkg/ipl/labeler"
	"github.com/gomlx/slimipl/pkg/ipl/manifest"
	"github.com/gomlx/slimipl/pkg/ipl/sampler"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dataset is one tarred dataset: the patterns of its manifest shards and of its tar files.
type Dataset struct {
	ManifestPattern string
	TarPattern      string
}

// Options of a Builder.
type Options struct {
	// Prefix of the cache file names, see manifest.CacheFileName.
	Prefix string

	// RefreshFraction is the fraction of the records of each shard re-labeled by incremental refreshes (p_cache).
	RefreshFraction float64

	// BatchSize passed on to the labeler.
	BatchSize int

	// RestorePC enables the reconciliation of hypotheses with existing transcripts, see labeler.Reconcile.
	RestorePC bool

	// TempDir where per-dataset temporary directories are created. Defaults to os.TempDir().
	TempDir string
}

// Builder creates and refreshes the caches of tarred datasets.
type Builder struct {
	opts    Options
	labeler labeler.Labeler
	sync    *distributed.SyncPoints
}

// New creates a Builder. If sync is nil, the builder runs as a single worker.
func New(l labeler.Labeler, sync *distributed.SyncPoints, opts Options) (*Builder, error) {
	if l == nil {
		return nil, errors.New("tarcache.New(): labeler is nil")
	}
	if opts.RefreshFraction < 0 || opts.RefreshFraction > 1 {
		return nil, errors.Errorf("tarcache.New(): refresh fraction must be in [0, 1], got %g", opts.RefreshFraction)
	}
	if sync == nil {
		sync = distributed.NewSyncPoints(nil)
	}
	return &Builder{opts: opts, labeler: l, sync: sync}, nil
}

// SyncBegin and SyncEnd return the names of the synchronization points around the processing of
// the dataset with the given index.
func SyncBegin(datasetIdx int) string { return fmt.Sprintf("tarcache/%d/begin", datasetIdx) }
func SyncEnd(datasetIdx int) string   { return fmt.Sprintf("tarcache/%d/end", datasetIdx) }

// CachePatterns returns the pattern of the cache manifests of each dataset.
// Every cache build and refresh uses the same patterns, so the set of cache files never changes.
func CachePatterns(datasets []Dataset, prefix string) []string {
	patterns := make([]string, len(datasets))
	for ii, ds := range datasets {
		patterns[ii] = manifest.CacheFileName(ds.ManifestPattern, prefix)
	}
	return patterns
}

// shards of a dataset, aligned: the i-th manifest, tar file and cache belong together.
type shards struct {
	manifests, tars, caches []string
}

func expandDataset(ds Dataset, prefix string) (shards, error) {
	s := shards{
		manifests: manifest.ExpandShardedPaths(ds.ManifestPattern),
		tars:      manifest.ExpandShardedPaths(ds.TarPattern),
	}
	if len(s.manifests) != len(s.tars) {
		return s, errors.Errorf("tarcache: manifest pattern %q expands to %d shards, but tar pattern %q expands to %d files",
			ds.ManifestPattern, len(s.manifests), ds.TarPattern, len(s.tars))
	}
	s.caches = manifest.ExpandShardedPaths(manifest.CacheFileName(ds.ManifestPattern, prefix))
	if len(s.caches) != len(s.manifests) {
		// Braces in the directory part of the pattern: derive the cache of each shard individually.
		s.caches = make([]string, len(s.manifests))
		for ii, m := range s.manifests {
			s.caches[ii] = manifest.CacheFileName(m, prefix)
		}
	}
	return s, nil
}

// Create labels every record of every shard of the datasets, and writes their caches.
// It returns the paths of the cache manifests of each dataset (of all ranks).
//
// All ranks of the group must call Create with the same datasets.
func (b *Builder) Create(ctx context.Context, datasets []Dataset) ([][]string, error) {
	caches := make([][]string, 0, len(datasets))
	for ii, ds := range datasets {
		s, err := b.process(ctx, ii, ds, true)
		if err != nil {
			return nil, err
		}
		caches = append(caches, s.caches)
	}
	return caches, nil
}

// Update re-labels a random RefreshFraction of the records of each shard of the datasets, and
// updates them in the existing caches.
//
// All ranks of the group must call Update with the same datasets.
func (b *Builder) Update(ctx context.Context, datasets []Dataset) error {
	for ii, ds := range datasets {
		if _, err := b.process(ctx, ii, ds, false); err != nil {
			return err
		}
	}
	return nil
}

// process labels the shards of the dataset owned by this rank, and writes their caches.
func (b *Builder) process(ctx context.Context, datasetIdx int, ds Dataset, full bool) (s shards, err error) {
	g := b.sync.Group()
	if err = b.sync.Point(ctx, SyncBegin(datasetIdx)); err != nil {
		return
	}
	s, err = expandDataset(ds, b.opts.Prefix)
	if err != nil {
		return
	}
	start, end := distributed.ScatterRange(len(s.manifests), g.WorldSize(), g.Rank())
	klog.Infof("tarcache: rank %d/%d labeling shards [%d, %d) of %d of dataset %d (%q), full=%v",
		g.Rank(), g.WorldSize(), start, end, len(s.manifests), datasetIdx, ds.ManifestPattern, full)

	tmpDir, err := os.MkdirTemp(b.opts.TempDir, fmt.Sprintf("ipl-tarcache-%s-%d-", uuid.NewString(), datasetIdx))
	if err != nil {
		err = errors.Wrapf(err, "tarcache: failed to create temporary directory for dataset %d", datasetIdx)
		return
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			klog.Warningf("tarcache: failed to remove temporary directory %q: %+v", tmpDir, rmErr)
		}
	}()

	// Select the records of each owned shard.
	numOwned := end - start
	shardData := make([][]manifest.Record, 0, numOwned)
	var indices [][]int
	if !full {
		indices = make([][]int, 0, numOwned)
	}
	tmpManifests := make([]string, 0, numOwned)
	var req labeler.Request
	for shardIdx := start; shardIdx < end; shardIdx++ {
		var records, selected []manifest.Record
		if full {
			if records, err = manifest.ReadFile(s.manifests[shardIdx]); err != nil {
				return
			}
			for ii, r := range records {
				if text, _ := r.Text(); text == "" {
					records[ii] = r.WithText("")
				}
			}
			selected = records
		} else {
			if records, err = manifest.ReadFile(s.caches[shardIdx]); err != nil {
				err = errors.WithMessage(err, "tarcache: incremental refresh requires existing caches")
				return
			}
			shardIndices := sampler.Sample(len(records), 1, false, b.opts.RefreshFraction)
			indices = append(indices, shardIndices)
			selected = sampler.Records(records, shardIndices)
		}
		shardData = append(shardData, records)

		tmpManifest := filepath.Join(tmpDir, "temp_"+filepath.Base(s.manifests[shardIdx]))
		if err = manifest.WriteFile(tmpManifest, selected); err != nil {
			return
		}
		tmpManifests = append(tmpManifests, tmpManifest)
		req.Targets = append(req.Targets, manifest.Texts(selected)...)
		for range selected {
			req.TarPaths = append(req.TarPaths, s.tars[shardIdx])
		}
		if klog.V(1).Enabled() {
			klog.Infof("tarcache: rank %d selected %d of %d records of shard %q", g.Rank(), len(selected), len(records), s.manifests[shardIdx])
		}
	}

	// Label all owned shards with one request.
	var hypotheses []string
	if len(req.Targets) > 0 {
		req.ManifestPath = tmpManifests[0]
		if len(tmpManifests) > 1 {
			req.ManifestPath = filepath.Join(tmpDir, fmt.Sprintf("combined_manifest_%d.json", g.Rank()))
			if _, err = manifest.Concat(req.ManifestPath, tmpManifests...); err != nil {
				return
			}
		}
		req.BatchSize = b.opts.BatchSize
		req.RestorePC = b.opts.RestorePC
		hypotheses, err = b.labeler.Label(ctx, req)
		if err != nil {
			err = errors.WithMessagef(err, "tarcache: rank %d failed to label dataset %d", g.Rank(), datasetIdx)
			return
		}
		if err = labeler.CheckCount(hypotheses, len(req.Targets)); err != nil {
			err = errors.WithMessagef(err, "tarcache: rank %d, dataset %d", g.Rank(), datasetIdx)
			return
		}
	}
	if numOwned > 0 {
		if err = WriteShardCaches(s.caches[start:end], shardData, hypotheses, indices); err != nil {
			return
		}
	}
	klog.Infof("tarcache: rank %d labeled %s records of dataset %d", g.Rank(), humanize.Comma(int64(len(hypotheses))), datasetIdx)

	err = b.sync.Point(ctx, SyncEnd(datasetIdx))
	return
}

// WriteShardCaches splits the hypotheses back by shard and writes the cache manifest of each shard.
//
// shardData holds all the records of each shard, and hypotheses holds the hypotheses of all labeled
// records, in shard order. If indices is nil every record was labeled, otherwise indices[i] lists the
// indices of the labeled records of shard i, and only those are updated.
func WriteShardCaches(cachePaths []string, shardData [][]manifest.Record, hypotheses []string, indices [][]int) error {
	if len(cachePaths) != len(shardData) {
		return errors.Errorf("tarcache: %d cache paths for %d shards", len(cachePaths), len(shardData))
	}
	if indices != nil && len(indices) != len(shardData) {
		return errors.Errorf("tarcache: %d index lists for %d shards", len(indices), len(shardData))
	}
	var total int
	for ii, data := range shardData {
		if indices == nil {
			total += len(data)
		} else {
			total += len(indices[ii])
		}
	}
	if err := labeler.CheckCount(hypotheses, total); err != nil {
		return errors.WithMessage(err, "tarcache: cannot split hypotheses by shard")
	}

	var offset int
	for ii, data := range shardData {
		records := slices.Clone(data)
		if indices == nil {
			for jj, r := range records {
				records[jj] = r.WithText(hypotheses[offset+jj])
			}
			offset += len(records)
		} else {
			for jj, idx := range indices[ii] {
				if idx < 0 || idx >= len(records) {
					return errors.Errorf("tarcache: index %d out of range for shard %q with %d records", idx, cachePaths[ii], len(records))
				}
				records[idx] = records[idx].WithText(hypotheses[offset+jj])
			}
			offset += len(indices[ii])
		}
		if err := manifest.WriteFile(cachePaths[ii], records); err != nil {
			return errors.WithMessage(err, "tarcache: failed to write shard cache")
		}
	}
	return nil
}
