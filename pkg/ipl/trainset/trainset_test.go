// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainset

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	testCases := []struct {
		value any
		want  []Source
	}{
		{"a.json", []Source{{"a.json"}}},
		{[]string{"a.json", "b.json"}, []Source{{"a.json"}, {"b.json"}}},
		{[][]string{{"a_{0..3}.json"}, {"b.json", "c.json"}}, []Source{{"a_{0..3}.json"}, {"b.json", "c.json"}}},
		{[]any{"a.json", []any{"b.json"}}, []Source{{"a.json"}, {"b.json"}}},
		{Source{"x", "y"}, []Source{{"x", "y"}}},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, must.M1(Normalize(tc.value)), "Normalize(%#v)", tc.value)
	}
	for _, value := range []any{nil, 3, []any{3}, []any{[]any{"a", 1}}} {
		_, err := Normalize(value)
		require.Error(t, err, "Normalize(%#v)", value)
	}
}

func TestAppendCache(t *testing.T) {
	ts := &TrainingSet{Manifests: must.M1(Normalize("labeled.json"))}
	AppendCache(ts, "ipl_cache_unlabeled.json")
	assert.Equal(t, []Source{{"labeled.json"}, {"ipl_cache_unlabeled.json"}}, ts.Manifests)
	assert.Empty(t, ts.TarredAudio)
	assert.Equal(t, []string{"labeled.json", "ipl_cache_unlabeled.json"}, Flatten(ts.Manifests))
}

func TestAppendTarredCaches(t *testing.T) {
	ts := &TrainingSet{
		Manifests:         []Source{{"labeled_{0..3}.json"}},
		TarredAudio:       []Source{{"labeled_{0..3}.tar"}},
		LimitTrainBatches: 100,
	}
	original := ts.Clone()
	require.NoError(t, AppendTarredCaches(ts, []string{"ipl_cache_u_{0..7}.json"}, []string{"u_{0..7}.tar"}, 0))
	assert.Equal(t, []Source{{"labeled_{0..3}.json"}, {"ipl_cache_u_{0..7}.json"}}, ts.Manifests)
	assert.Equal(t, []Source{{"labeled_{0..3}.tar"}, {"u_{0..7}.tar"}}, ts.TarredAudio)
	assert.Equal(t, 100, ts.LimitTrainBatches)
	assert.Equal(t, []string{"labeled_{0..3}.json", "ipl_cache_u_{0..7}.json"}, First(ts.Manifests))

	require.NoError(t, AppendTarredCaches(ts, nil, nil, 250))
	assert.Equal(t, 250, ts.LimitTrainBatches)
	require.Error(t, AppendTarredCaches(ts, []string{"a"}, nil, 0))

	// Clone is deep.
	assert.Len(t, original.Manifests, 1)
	assert.Equal(t, "TrainingSet{1 datasets, tarred, limit_train_batches=100}", original.String())
}
