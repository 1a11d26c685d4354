// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cache builds and refreshes the pseudo-label cache of non-tarred datasets: a single
// manifest with the records of all unlabeled manifests, their "text" replaced by the model's
// hypotheses.
//
// Every rank labels its own slice of the unlabeled records, and rank 0 merges the results of all
// ranks into the cache manifest.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/slimipl/pkg/ipl/distributed"
	"github.com/gomlx/slimipl/pkg/ipl/labeler"
	"github.com/gomlx/slimipl/pkg/ipl/manifest"
	"github.com/gomlx/slimipl/pkg/ipl/sampler"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the synchronization points of a cache build.
const (
	SyncGather = "cache/gather"
	SyncMerged = "cache/merged"
)

// Options of a Builder.
type Options struct {
	// CachePath is the cache manifest to build. Required.
	CachePath string

	// RefreshFraction is the fraction of the records re-labeled by incremental refreshes (p_cache).
	RefreshFraction float64

	// BatchSize passed on to the labeler.
	BatchSize int

	// RestorePC enables the reconciliation of hypotheses with existing transcripts, see labeler.Reconcile.
	RestorePC bool

	// AudioKey is the field used to match records of the cache to refreshed records.
	// Defaults to manifest.DefaultAudioKey.
	AudioKey string

	// TempDir where per-cycle temporary directories are created. Defaults to os.TempDir().
	TempDir string
}

// Builder builds the non-tarred pseudo-label cache.
type Builder struct {
	opts    Options
	labeler labeler.Labeler
	sync    *distributed.SyncPoints
}

// New creates a Builder. If sync is nil, the builder runs as a single worker.
func New(l labeler.Labeler, sync *distributed.SyncPoints, opts Options) (*Builder, error) {
	if l == nil {
		return nil, errors.New("cache.New(): labeler is nil")
	}
	if opts.CachePath == "" {
		return nil, errors.New("cache.New(): cache path not given")
	}
	if opts.RefreshFraction < 0 || opts.RefreshFraction > 1 {
		return nil, errors.Errorf("cache.New(): refresh fraction must be in [0, 1], got %g", opts.RefreshFraction)
	}
	if opts.AudioKey == "" {
		opts.AudioKey = manifest.DefaultAudioKey
	}
	if sync == nil {
		sync = distributed.NewSyncPoints(nil)
	}
	return &Builder{opts: opts, labeler: l, sync: sync}, nil
}

// CachePath returns the path of the cache manifest.
func (b *Builder) CachePath() string {
	return b.opts.CachePath
}

// candidates selects the records of this rank to be labeled: from each manifest, this rank's quota
// of the records of its own contiguous slice.
func (b *Builder) candidates(manifests []string, weights []float64, full bool) ([]manifest.Record, error) {
	g := b.sync.Group()
	rng := sampler.NewRand()
	var selected []manifest.Record
	for ii, path := range manifests {
		records, err := manifest.ReadFile(path)
		if err != nil {
			return nil, errors.WithMessage(err, "reading unlabeled manifest")
		}
		weight := 1.0
		if ii < len(weights) {
			weight = weights[ii]
		}
		total := sampler.Size(len(records), weight, full, b.opts.RefreshFraction)
		start, end := distributed.ScatterRange(len(records), g.WorldSize(), g.Rank())
		indices := sampler.Choose(rng, end-start, sampler.Quota(total, len(records), start, end))
		selected = append(selected, sampler.Records(records[start:end], indices)...)
		if klog.V(1).Enabled() {
			klog.Infof("rank %d: selected %d of records [%d, %d) of %q (%d records in total across ranks)",
				g.Rank(), len(indices), start, end, path, total)
		}
	}
	return selected, nil
}

// Build (re-)labels the unlabeled records of the manifests and merges them into the cache.
//
// If full is true, every record (scaled down by the weight of its manifest) is labeled and the cache
// is replaced. Otherwise, a random RefreshFraction of each manifest is re-labeled and updated in the
// existing cache.
//
// All ranks of the group must call Build with the same arguments.
func (b *Builder) Build(ctx context.Context, manifests []string, weights []float64, full bool) error {
	g := b.sync.Group()
	cycleID := uuid.NewString()
	kind := "incremental refresh"
	if full {
		kind = "full build"
	}
	klog.Infof("pseudo-label cache %s of %q started (cycle %s, rank %d/%d)", kind, b.opts.CachePath, cycleID, g.Rank(), g.WorldSize())

	candidates, err := b.candidates(manifests, weights, full)
	if err != nil {
		return err
	}
	hypotheses, err := b.label(ctx, cycleID, candidates)
	if err != nil {
		return err
	}

	if err = b.sync.Point(ctx, SyncGather); err != nil {
		return err
	}
	gatheredData, err := distributed.GatherObjects(ctx, g, candidates)
	if err != nil {
		return err
	}
	gatheredHypotheses, err := distributed.GatherObjects(ctx, g, hypotheses)
	if err != nil {
		return err
	}
	if distributed.IsMain(g) {
		if err = writeCacheManifest(b.opts.CachePath, b.opts.AudioKey, gatheredHypotheses, gatheredData, full); err != nil {
			return err
		}
	}
	if err = b.sync.Point(ctx, SyncMerged); err != nil {
		return err
	}
	klog.Infof("pseudo-label cache %s of %q done (cycle %s): this rank labeled %s records",
		kind, b.opts.CachePath, cycleID, humanize.Comma(int64(len(candidates))))
	return nil
}

// label writes the candidates to a temporary manifest and labels them.
func (b *Builder) label(ctx context.Context, cycleID string, candidates []manifest.Record) ([]string, error) {
	if len(candidates) == 0 {
		return []string{}, nil
	}
	g := b.sync.Group()
	tmpDir, err := os.MkdirTemp(b.opts.TempDir, "ipl-cache-"+cycleID+"-")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary directory for cycle %s", cycleID)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			klog.Warningf("failed to remove temporary directory %q: %+v", tmpDir, err)
		}
	}()
	tmpManifest := filepath.Join(tmpDir, fmt.Sprintf("manifest_%d.json", g.Rank()))
	if err = manifest.WriteFile(tmpManifest, candidates); err != nil {
		return nil, err
	}
	hypotheses, err := b.labeler.Label(ctx, labeler.Request{
		ManifestPath: tmpManifest,
		Targets:      manifest.Texts(candidates),
		BatchSize:    b.opts.BatchSize,
		RestorePC:    b.opts.RestorePC,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d failed to label %d records", g.Rank(), len(candidates))
	}
	if err = labeler.CheckCount(hypotheses, len(candidates)); err != nil {
		return nil, errors.WithMessagef(err, "rank %d", g.Rank())
	}
	return hypotheses, nil
}
