// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ipl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/slimipl/pkg/ipl/labeler"
	"github.com/gomlx/slimipl/pkg/ipl/tarcache"
	"github.com/gomlx/slimipl/pkg/ipl/trainset"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseParams() map[string]any {
	return map[string]any{
		"m_epochs":          2,
		"n_l_epochs":        1,
		"p_cache":           0.2,
		"dropout":           0.1,
		"is_tarred":         false,
		"manifest_filepath": "/data/unlabeled.json",
	}
}

func TestParseParams(t *testing.T) {
	params := baseParams()
	params["dataset_weights"] = 0.5
	params["cache_prefix"] = "ipl"
	params["model_type"] = "hybrid"
	params["unknown_key"] = "ignored"
	cfg := must.M1(ParseParams(params))
	assert.Equal(t, 2, cfg.MEpochs)
	assert.Equal(t, 1, cfg.NLEpochs)
	assert.Equal(t, 0.2, cfg.PCache)
	assert.Equal(t, []float64{0.5}, cfg.DatasetWeights)
	assert.Equal(t, labeler.DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, "audio_filepath", cfg.AudioKey)
	assert.Equal(t, labeler.ModelTypeHybrid, cfg.ModelType)
	assert.Equal(t, []string{"/data/unlabeled.json"}, cfg.Manifests())
	assert.Equal(t, "/data/ipl_cache_unlabeled.json", cfg.CacheManifestPath())

	params["cache_manifest"] = "/cache/here.json"
	assert.Equal(t, "/cache/here.json", must.M1(ParseParams(params)).CacheManifestPath())
}

func TestParseParamsErrors(t *testing.T) {
	params := baseParams()
	delete(params, "dropout")
	delete(params, "p_cache")
	_, err := ParseParams(params)
	require.ErrorIs(t, err, ErrMissingParams)
	assert.Contains(t, err.Error(), `"dropout"`)
	assert.Contains(t, err.Error(), `"p_cache"`)

	for key, value := range map[string]any{
		"p_cache":           1.5,
		"m_epochs":          "two",
		"n_l_epochs":        -1,
		"dataset_weights":   []any{1.0, 0.0},
		"batch_size":        0,
		"model_type":        "rnnt",
		"manifest_filepath": 7,
		"is_tarred":         true, // Missing tarred_audio_filepaths.
	} {
		params := baseParams()
		params[key] = value
		_, err := ParseParams(params)
		require.Error(t, err, "%s=%v should fail", key, value)
	}
}

func TestParseParamsTarred(t *testing.T) {
	params := baseParams()
	params["is_tarred"] = true
	params["manifest_filepath"] = []any{[]any{"/a/manifest__OP_0..3_CL_.json"}, []any{"/b/manifest_{0..1}.json"}}
	params["tarred_audio_filepaths"] = []any{[]any{"/a/audio__OP_0..3_CL_.tar"}, []any{"/b/audio_{0..1}.tar"}}
	params["m_epochs"] = int64(0)   // TOML integers.
	params["n_l_epochs"] = float64(3) // JSON numbers.
	cfg := must.M1(ParseParams(params))
	assert.Equal(t, 0, cfg.MEpochs)
	assert.Equal(t, 3, cfg.NLEpochs)
	assert.Equal(t, []tarcache.Dataset{
		{ManifestPattern: "/a/manifest__OP_0..3_CL_.json", TarPattern: "/a/audio__OP_0..3_CL_.tar"},
		{ManifestPattern: "/b/manifest_{0..1}.json", TarPattern: "/b/audio_{0..1}.tar"},
	}, cfg.Datasets())

	params["tarred_audio_filepaths"] = []any{[]any{"/a/audio__OP_0..3_CL_.tar"}}
	_, err := ParseParams(params)
	require.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
model:
  name: conformer
ipl:
  m_epochs: 3
  n_l_epochs: 0
  p_cache: 0.5
  dropout: 0.05
  is_tarred: false
  manifest_filepath:
    - /data/a.json
    - /data/b.json
  dataset_weights: [1, 0.25]
  restore_pc: true
`), 0o644))
	cfg := must.M1(LoadConfigFile(yamlPath))
	require.NotNil(t, cfg)
	assert.Equal(t, 3, cfg.MEpochs)
	assert.Equal(t, []trainset.Source{{"/data/a.json"}, {"/data/b.json"}}, cfg.ManifestFilepaths)
	assert.Equal(t, []float64{1, 0.25}, cfg.DatasetWeights)
	assert.True(t, cfg.RestorePC)

	tomlPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`
[ipl]
m_epochs = 1
n_l_epochs = 2
p_cache = 0.1
dropout = 0.0
is_tarred = true
manifest_filepath = [["/data/m_{0..7}.json"]]
tarred_audio_filepaths = [["/data/a_{0..7}.tar"]]
stitch_cache_manifests = true
state_file = "/ckpt/ipl_state.json"
`), 0o644))
	cfg = must.M1(LoadConfigFile(tomlPath))
	require.NotNil(t, cfg)
	assert.True(t, cfg.IsTarred)
	assert.True(t, cfg.StitchCacheManifests)
	assert.Equal(t, "/ckpt/ipl_state.json", cfg.StateFile)
	assert.Len(t, cfg.Datasets(), 1)

	// No pseudo-labeling section.
	noIPL := filepath.Join(dir, "no_ipl.yaml")
	require.NoError(t, os.WriteFile(noIPL, []byte("model:\n  name: conformer\n"), 0o644))
	cfg, err := LoadConfigFile(noIPL)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = LoadConfigFile(filepath.Join(dir, "config.ini"))
	require.Error(t, err)
}
