// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gomlx/slimipl/pkg/ipl/distributed"
	"github.com/gomlx/slimipl/pkg/ipl/labeler"
	"github.com/gomlx/slimipl/pkg/ipl/manifest"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// prefixLabeler labels each record with "<prefix>:<audio_filepath>".
type prefixLabeler struct {
	prefix   string
	drop     bool
	numCalls atomic.Int32
}

func (l *prefixLabeler) Label(_ context.Context, req labeler.Request) ([]string, error) {
	l.numCalls.Add(1)
	records, err := manifest.ReadFile(req.ManifestPath)
	if err != nil {
		return nil, err
	}
	if len(req.Targets) != len(records) {
		return nil, fmt.Errorf("got %d targets for %d records", len(req.Targets), len(records))
	}
	hyps := make([]string, len(records))
	for ii, r := range records {
		hyps[ii] = l.prefix + ":" + r.String(manifest.DefaultAudioKey)
	}
	if l.drop {
		hyps = hyps[1:]
	}
	return hyps, nil
}

func writeUnlabeled(t *testing.T, dir, name string, numRecords int) string {
	path := filepath.Join(dir, name)
	records := make([]manifest.Record, numRecords)
	for ii := range records {
		records[ii] = must.M1(manifest.NewRecord(map[string]any{
			"audio_filepath": fmt.Sprintf("%s-%03d.wav", strings.TrimSuffix(name, ".json"), ii),
			"duration":       float64(ii) / 10,
		}))
	}
	require.NoError(t, manifest.WriteFile(path, records))
	return path
}

func readLines(t *testing.T, path string) []string {
	contents := string(must.M1(os.ReadFile(path)))
	return strings.Split(strings.TrimSuffix(contents, "\n"), "\n")
}

func TestFullBuildAndRefresh(t *testing.T) {
	dir := t.TempDir()
	first := writeUnlabeled(t, dir, "first.json", 10)
	second := writeUnlabeled(t, dir, "second.json", 20)
	cachePath := manifest.CacheFileName(first, "ipl")
	l := &prefixLabeler{prefix: "pl1"}
	b := must.M1(New(l, nil, Options{CachePath: cachePath, RefreshFraction: 0.25, TempDir: dir}))
	ctx := context.Background()

	// Full build: weights scale the datasets down.
	require.NoError(t, b.Build(ctx, []string{first, second}, []float64{1, 0.5}, true))
	cached := must.M1(manifest.ReadFile(cachePath))
	require.Len(t, cached, 10+10)
	for ii, r := range cached {
		text, found := r.Text()
		require.True(t, found)
		assert.Equal(t, "pl1:"+r.String(manifest.DefaultAudioKey), text)
		if ii < 10 {
			assert.Equal(t, fmt.Sprintf("first-%03d.wav", ii), r.String(manifest.DefaultAudioKey))
		}
	}

	// Incremental refresh: exactly floor(N*f) records are re-labeled, the other lines are untouched.
	before := readLines(t, cachePath)
	l.prefix = "pl2"
	require.NoError(t, b.Build(ctx, []string{first, second}, []float64{1, 0.5}, false))
	after := readLines(t, cachePath)
	require.Len(t, after, len(before))
	var numChanged int
	for ii := range before {
		if before[ii] != after[ii] {
			numChanged++
			assert.Contains(t, after[ii], `"pl2:`)
		}
	}
	// floor(10*0.25) from first + floor(20*0.25) from second, but only the 10 records of second in
	// the cache can be matched.
	assert.LessOrEqual(t, numChanged, 2+5)
	assert.GreaterOrEqual(t, numChanged, 2)

	// Temporary directories are removed.
	entries := must.M1(os.ReadDir(dir))
	for _, e := range entries {
		assert.False(t, e.IsDir(), "temporary directory %q left behind", e.Name())
	}
}

func TestIncrementalRefreshCount(t *testing.T) {
	dir := t.TempDir()
	unlabeled := writeUnlabeled(t, dir, "unlabeled.json", 37)
	cachePath := filepath.Join(dir, "cache.json")
	l := &prefixLabeler{prefix: "v1"}
	b := must.M1(New(l, nil, Options{CachePath: cachePath, RefreshFraction: 0.3}))
	ctx := context.Background()
	require.NoError(t, b.Build(ctx, []string{unlabeled}, nil, true))
	before := readLines(t, cachePath)
	require.Len(t, before, 37)

	l.prefix = "v2"
	require.NoError(t, b.Build(ctx, []string{unlabeled}, nil, false))
	after := readLines(t, cachePath)
	require.Len(t, after, 37)
	var numChanged int
	for ii := range before {
		if before[ii] != after[ii] {
			numChanged++
		}
	}
	assert.Equal(t, 11, numChanged) // floor(37 * 0.3)
}

func TestRefreshSegmentsOfSameAudio(t *testing.T) {
	dir := t.TempDir()
	unlabeled := filepath.Join(dir, "segments.json")
	records := make([]manifest.Record, 8)
	for ii := range records {
		records[ii] = must.M1(manifest.NewRecord(map[string]any{
			"audio_filepath": "long.wav",
			"offset":         float64(ii) * 2.5,
			"duration":       2.5,
		}))
	}
	require.NoError(t, manifest.WriteFile(unlabeled, records))
	cachePath := filepath.Join(dir, "cache.json")
	l := &prefixLabeler{prefix: "v1"}
	b := must.M1(New(l, nil, Options{CachePath: cachePath, RefreshFraction: 0.25}))
	ctx := context.Background()
	require.NoError(t, b.Build(ctx, []string{unlabeled}, nil, true))
	before := readLines(t, cachePath)
	require.Len(t, before, 8)

	l.prefix = "v2"
	require.NoError(t, b.Build(ctx, []string{unlabeled}, nil, false))
	after := readLines(t, cachePath)
	require.Len(t, after, 8)
	var numChanged int
	for ii := range before {
		if before[ii] != after[ii] {
			numChanged++
			assert.Contains(t, after[ii], `"v2:long.wav"`)
		} else {
			assert.Contains(t, after[ii], `"v1:long.wav"`)
		}
	}
	assert.Equal(t, 2, numChanged) // floor(8 * 0.25)
}

func TestHypothesisCountMismatch(t *testing.T) {
	dir := t.TempDir()
	unlabeled := writeUnlabeled(t, dir, "unlabeled.json", 5)
	cachePath := filepath.Join(dir, "cache.json")
	b := must.M1(New(&prefixLabeler{prefix: "x", drop: true}, nil, Options{CachePath: cachePath}))
	err := b.Build(context.Background(), []string{unlabeled}, nil, true)
	require.ErrorIs(t, err, labeler.ErrHypothesisCount)
	assert.NoFileExists(t, cachePath)

	// Incremental refresh without a cache fails.
	b = must.M1(New(&prefixLabeler{prefix: "x"}, nil, Options{CachePath: cachePath, RefreshFraction: 1}))
	require.Error(t, b.Build(context.Background(), []string{unlabeled}, nil, false))
}

func TestWriteCacheManifest(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cache.json")
	rec := func(audio string) manifest.Record {
		return must.M1(manifest.NewRecord(map[string]any{"audio_filepath": audio, "text": "old"}))
	}
	data := [][]manifest.Record{{rec("a"), rec("b")}, {rec("c")}}
	require.NoError(t, WriteCacheManifest(cachePath, [][]string{{"A", "B"}, {"C"}}, data, true))
	assert.Equal(t, []string{"A", "B", "C"}, manifest.Texts(must.M1(manifest.ReadFile(cachePath))))

	// Unknown records are dropped, matching ones updated.
	require.NoError(t, WriteCacheManifest(cachePath, [][]string{{"B2"}, {"Z"}}, [][]manifest.Record{{rec("b")}, {rec("z")}}, false))
	assert.Equal(t, []string{"A", "B2", "C"}, manifest.Texts(must.M1(manifest.ReadFile(cachePath))))

	require.ErrorIs(t, WriteCacheManifest(cachePath, [][]string{{"A"}}, [][]manifest.Record{{rec("a"), rec("b")}}, true),
		labeler.ErrHypothesisCount)
	require.Error(t, WriteCacheManifest(cachePath, [][]string{{"A"}}, nil, true))
}

func TestMultiRankBuild(t *testing.T) {
	dir := t.TempDir()
	unlabeled := writeUnlabeled(t, dir, "unlabeled.json", 11)
	cachePath := filepath.Join(dir, "cache.json")
	l := &prefixLabeler{prefix: "pl"}
	reached := make([][]string, 2)
	err := distributed.RunRanks(context.Background(), 2, func(ctx context.Context, g distributed.Group) error {
		sp := distributed.NewSyncPoints(g)
		b, err := New(l, sp, Options{CachePath: cachePath, RefreshFraction: 0.5})
		if err != nil {
			return err
		}
		if err = b.Build(ctx, []string{unlabeled}, nil, true); err != nil {
			return err
		}
		if err = b.Build(ctx, []string{unlabeled}, nil, false); err != nil {
			return err
		}
		reached[g.Rank()] = sp.Reached()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), l.numCalls.Load())
	want := []string{SyncGather, SyncMerged, SyncGather, SyncMerged}
	assert.Equal(t, want, reached[0])
	assert.Equal(t, want, reached[1])

	// All records, in the original order, each exactly once.
	cached := must.M1(manifest.ReadFile(cachePath))
	require.Len(t, cached, 11)
	for ii, r := range cached {
		assert.Equal(t, fmt.Sprintf("unlabeled-%03d.wav", ii), r.String(manifest.DefaultAudioKey))
	}
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil, nil, Options{CachePath: "x"})
	require.Error(t, err)
	_, err = New(&prefixLabeler{}, nil, Options{})
	require.Error(t, err)
	_, err = New(&prefixLabeler{}, nil, Options{CachePath: "x", RefreshFraction: 1.5})
	require.Error(t, err)
}
