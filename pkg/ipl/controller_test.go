// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ipl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gomlx/slimipl/pkg/ipl/distributed"
	"github.com/gomlx/slimipl/pkg/ipl/labeler"
	"github.com/gomlx/slimipl/pkg/ipl/manifest"
	"github.com/gomlx/slimipl/pkg/ipl/trainset"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrainer struct {
	maxSteps      int
	dropout       float64
	reloadEvery   int
	limitBatches  int
	trainingSet   *trainset.TrainingSet
	reloads       int
	lastReloadSet trainset.TrainingSet
}

func newFakeTrainer() *fakeTrainer {
	return &fakeTrainer{
		maxSteps:    1000,
		trainingSet: &trainset.TrainingSet{Manifests: []trainset.Source{{"labeled.json"}}, CacheAudio: true},
	}
}

func (t *fakeTrainer) MaxSteps() int { return t.maxSteps }
func (t *fakeTrainer) SetDropout(dropout float64) { t.dropout = dropout }
func (t *fakeTrainer) SetReloadDataloadersEveryNEpochs(n int) { t.reloadEvery = n }
func (t *fakeTrainer) SetLimitTrainBatches(limit int) { t.limitBatches = limit }
func (t *fakeTrainer) TrainingSet() *trainset.TrainingSet { return t.trainingSet }
func (t *fakeTrainer) ReloadTrainingData(_ context.Context, ts *trainset.TrainingSet) error {
	t.reloads++
	t.lastReloadSet = *ts.Clone()
	return nil
}

type countingLabeler struct {
	numCalls atomic.Int32
}

func (l *countingLabeler) Label(_ context.Context, req labeler.Request) ([]string, error) {
	l.numCalls.Add(1)
	records, err := manifest.ReadFile(req.ManifestPath)
	if err != nil {
		return nil, err
	}
	hyps := make([]string, len(records))
	for ii, r := range records {
		hyps[ii] = fmt.Sprintf("pl%d %s", l.numCalls.Load(), r.String(manifest.DefaultAudioKey))
	}
	return hyps, nil
}

func writeRecords(t *testing.T, path string, numRecords int) {
	records := make([]manifest.Record, numRecords)
	for ii := range records {
		records[ii] = must.M1(manifest.NewRecord(map[string]any{
			"audio_filepath": fmt.Sprintf("%s-%d.wav", filepath.Base(path), ii),
			"duration":       1.5,
		}))
	}
	require.NoError(t, manifest.WriteFile(path, records))
}

func TestControllerSchedule(t *testing.T) {
	dir := t.TempDir()
	unlabeled := filepath.Join(dir, "unlabeled.json")
	writeRecords(t, unlabeled, 20)
	params := baseParams()
	params["manifest_filepath"] = unlabeled
	params["state_file"] = filepath.Join(dir, "state.json")
	cfg := must.M1(ParseParams(params))

	trainer := newFakeTrainer()
	l := &countingLabeler{}
	ctrl := must.M1(Build(cfg).Trainer(trainer).Labeler(l).TempDir(dir).Done())
	ctx := context.Background()
	assert.Equal(t, PhaseWarmup, ctrl.Phase())

	// m_epochs=2: two advances are no-ops.
	for range 2 {
		require.NoError(t, ctrl.Advance(ctx))
		assert.Equal(t, int32(0), l.numCalls.Load())
	}
	assert.Equal(t, PhaseFirstBuild, ctrl.Phase())
	assert.NoFileExists(t, cfg.CacheManifestPath())

	// Third advance: full build, dropout changed, then holding for n_l_epochs=1.
	require.NoError(t, ctrl.Advance(ctx))
	assert.Equal(t, int32(1), l.numCalls.Load())
	assert.Len(t, must.M1(manifest.ReadFile(cfg.CacheManifestPath())), 20)
	assert.Equal(t, 0.1, trainer.dropout)
	assert.Equal(t, 0, trainer.reloads)
	assert.Equal(t, PhaseActive, ctrl.Phase())
	assert.Equal(t, State{MEpochs: -1, NLEpochs: 0, Cycles: 1, LastCycleID: ctrl.State().LastCycleID}, ctrl.State())

	// Fourth: refresh, the cache is added to the training set, data reloaded.
	require.NoError(t, ctrl.Advance(ctx))
	assert.Equal(t, int32(2), l.numCalls.Load())
	assert.Equal(t, []trainset.Source{{"labeled.json"}, {cfg.CacheManifestPath()}}, trainer.trainingSet.Manifests)
	assert.Equal(t, 1, trainer.reloadEvery)
	assert.Equal(t, 1, trainer.reloads)
	assert.False(t, trainer.lastReloadSet.CacheAudio)
	assert.True(t, trainer.lastReloadSet.UpdateLimitTrainBatches)
	assert.True(t, ctrl.State().Spliced())

	// Fifth: refresh and reload, without adding the cache again.
	require.NoError(t, ctrl.Advance(ctx))
	assert.Equal(t, int32(3), l.numCalls.Load())
	assert.Len(t, trainer.trainingSet.Manifests, 2)
	assert.Equal(t, 2, trainer.reloads)
	assert.Equal(t, 3, ctrl.State().Cycles)
	assert.Equal(t, []string{SyncReload, SyncReload}, filterPoints(ctrl.SyncPoints().Reached(), SyncReload))

	// A restarted job resumes from the saved state, and splices the cache into its new training set.
	saved, found, err := LoadState(cfg.StateFile)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ctrl.State(), saved)
	trainer2 := newFakeTrainer()
	ctrl2 := must.M1(Build(cfg).Trainer(trainer2).Labeler(l).TempDir(dir).Done())
	assert.Equal(t, PhaseActive, ctrl2.Phase())
	require.NoError(t, ctrl2.Advance(ctx))
	assert.Equal(t, []trainset.Source{{"labeled.json"}, {cfg.CacheManifestPath()}}, trainer2.trainingSet.Manifests)
	assert.Equal(t, 1, trainer2.reloads)
}

func filterPoints(points []string, name string) []string {
	var filtered []string
	for _, p := range points {
		if p == name {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

func TestControllerNoHold(t *testing.T) {
	dir := t.TempDir()
	unlabeled := filepath.Join(dir, "unlabeled.json")
	writeRecords(t, unlabeled, 10)
	params := baseParams()
	params["manifest_filepath"] = unlabeled
	params["m_epochs"] = 0
	params["n_l_epochs"] = 0
	params["use_lhotse"] = true
	cfg := must.M1(ParseParams(params))
	trainer := newFakeTrainer()
	l := &countingLabeler{}
	ctrl := must.M1(Build(cfg).Trainer(trainer).Labeler(l).TempDir(dir).Done())
	assert.Equal(t, PhaseFirstBuild, ctrl.Phase())

	// First build and splice in the same epoch, without a refresh.
	require.NoError(t, ctrl.Advance(context.Background()))
	assert.Equal(t, int32(1), l.numCalls.Load())
	assert.Equal(t, 1, trainer.reloads)
	assert.Len(t, trainer.trainingSet.Manifests, 2)
	assert.False(t, trainer.lastReloadSet.UpdateLimitTrainBatches)
}

func TestControllerTarredMultiRank(t *testing.T) {
	dir := t.TempDir()
	for shard := range 4 {
		writeRecords(t, filepath.Join(dir, fmt.Sprintf("pool_%d.json", shard)), 5)
	}
	params := baseParams()
	params["m_epochs"] = 0
	params["n_l_epochs"] = 0
	params["is_tarred"] = true
	params["cache_prefix"] = "ipl"
	params["limit_train_batches"] = 50
	params["manifest_filepath"] = [][]string{{filepath.Join(dir, "pool_{0..3}.json")}}
	params["tarred_audio_filepaths"] = [][]string{{filepath.Join(dir, "pool_{0..3}.tar")}}
	cfg := must.M1(ParseParams(params))

	trainers := []*fakeTrainer{newFakeTrainer(), newFakeTrainer()}
	for _, tr := range trainers {
		tr.trainingSet.TarredAudio = []trainset.Source{{"labeled.tar"}}
	}
	labelers := []*countingLabeler{{}, {}}
	err := distributed.RunRanks(context.Background(), 2, func(ctx context.Context, g distributed.Group) error {
		ctrl, err := Build(cfg).Trainer(trainers[g.Rank()]).Labeler(labelers[g.Rank()]).Group(g).Done()
		if err != nil {
			return err
		}
		for range 2 {
			if err = ctrl.Advance(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	for rank, tr := range trainers {
		assert.Equal(t, int32(2), labelers[rank].numCalls.Load(), "rank %d", rank)
		assert.Equal(t, []trainset.Source{{"labeled.json"}, {filepath.Join(dir, "ipl_cache_pool_{0..3}.json")}},
			tr.trainingSet.Manifests, "rank %d", rank)
		assert.Equal(t, []trainset.Source{{"labeled.tar"}, {filepath.Join(dir, "pool_{0..3}.tar")}},
			tr.trainingSet.TarredAudio, "rank %d", rank)
		assert.Equal(t, 50, tr.limitBatches)
		assert.Equal(t, 50, tr.trainingSet.LimitTrainBatches)
		assert.Equal(t, 2, tr.reloads)
	}
	for shard := range 4 {
		records := must.M1(manifest.ReadFile(filepath.Join(dir, fmt.Sprintf("ipl_cache_pool_%d.json", shard))))
		assert.Len(t, records, 5)
	}
}

func TestBuildErrors(t *testing.T) {
	cfg := must.M1(ParseParams(baseParams()))
	trainer := newFakeTrainer()
	trainer.maxSteps = -1
	_, err := Build(cfg).Trainer(trainer).Labeler(&countingLabeler{}).Done()
	require.ErrorIs(t, err, ErrNoStepBudget)

	_, err = Build(nil).Trainer(newFakeTrainer()).Labeler(&countingLabeler{}).Done()
	require.Error(t, err)
	_, err = Build(cfg).Labeler(&countingLabeler{}).Done()
	require.Error(t, err)
	_, err = Build(cfg).Trainer(newFakeTrainer()).Done()
	require.Error(t, err)
	require.Panics(t, func() { Build(cfg).Trainer(trainer).Labeler(&countingLabeler{}).MustDone() })
}

// ctcModel transcribes each record as "ctc <audio_filepath>".
type ctcModel struct {
	evalCalls int
}

func (m *ctcModel) DecodeBatch(_ context.Context, batch labeler.Batch) ([]labeler.Beam, error) {
	beams := make([]labeler.Beam, len(batch.Records))
	for ii, r := range batch.Records {
		beams[ii] = labeler.Beam{Best: "ctc " + r.String(manifest.DefaultAudioKey)}
	}
	return beams, nil
}

func (m *ctcModel) EvalMode() func() {
	m.evalCalls++
	return func() {}
}

func TestBuildWithModel(t *testing.T) {
	dir := t.TempDir()
	unlabeled := filepath.Join(dir, "unlabeled.json")
	writeRecords(t, unlabeled, 4)
	params := baseParams()
	params["manifest_filepath"] = unlabeled
	params["m_epochs"] = 0
	cfg := must.M1(ParseParams(params))

	// The labeler is created for the configured model type.
	model := &ctcModel{}
	ctrl := must.M1(Build(cfg).Trainer(newFakeTrainer()).Model(model).TempDir(dir).Done())
	require.NoError(t, ctrl.Advance(context.Background()))
	assert.Equal(t, 1, model.evalCalls)
	cached := must.M1(manifest.ReadFile(cfg.CacheManifestPath()))
	require.Len(t, cached, 4)
	text, _ := cached[0].Text()
	assert.Equal(t, "ctc unlabeled.json-0.wav", text)

	// Hybrid decoding requires a hybrid model.
	params["model_type"] = "hybrid"
	hybridCfg := must.M1(ParseParams(params))
	_, err := Build(hybridCfg).Trainer(newFakeTrainer()).Model(&ctcModel{}).Done()
	require.Error(t, err)

	// A labeler built for another model type is rejected.
	ctcLabeler := must.M1(labeler.New(labeler.ModelTypeCTC, &ctcModel{}))
	_, err = Build(hybridCfg).Trainer(newFakeTrainer()).Labeler(ctcLabeler).Done()
	require.Error(t, err)
	_, err = Build(cfg).Trainer(newFakeTrainer()).Labeler(ctcLabeler).Done()
	require.NoError(t, err)

	// Only one of labeler or model.
	_, err = Build(cfg).Trainer(newFakeTrainer()).Labeler(ctcLabeler).Model(&ctcModel{}).Done()
	require.Error(t, err)
}

var errDecoderFailed = errors.New("decoder failed")

// flakyLabeler fails while failing is set, and otherwise labels like countingLabeler.
type flakyLabeler struct {
	countingLabeler
	failing bool
}

func (l *flakyLabeler) Label(ctx context.Context, req labeler.Request) ([]string, error) {
	if l.failing {
		return nil, errDecoderFailed
	}
	return l.countingLabeler.Label(ctx, req)
}

func TestAdvanceLabelerFailure(t *testing.T) {
	dir := t.TempDir()
	unlabeled := filepath.Join(dir, "unlabeled.json")
	writeRecords(t, unlabeled, 10)
	params := baseParams()
	params["manifest_filepath"] = unlabeled
	params["m_epochs"] = 1
	params["state_file"] = filepath.Join(dir, "state.json")
	cfg := must.M1(ParseParams(params))
	trainer := newFakeTrainer()
	l := &flakyLabeler{failing: true}
	ctrl := must.M1(Build(cfg).Trainer(trainer).Labeler(l).TempDir(dir).Done())
	ctx := context.Background()

	// Warm-up epoch: the state file is written.
	require.NoError(t, ctrl.Advance(ctx))
	stateBefore := ctrl.State()
	savedBefore := must.M1(os.ReadFile(cfg.StateFile))

	// The first build fails: the error is returned and nothing moves forward.
	err := ctrl.Advance(ctx)
	require.ErrorIs(t, err, errDecoderFailed)
	assert.Equal(t, stateBefore, ctrl.State())
	assert.Equal(t, PhaseFirstBuild, ctrl.Phase())
	assert.Equal(t, 0, ctrl.State().Cycles)
	assert.Equal(t, savedBefore, must.M1(os.ReadFile(cfg.StateFile)))
	assert.NoFileExists(t, cfg.CacheManifestPath())
	assert.Equal(t, 0.0, trainer.dropout)
	assert.Equal(t, 0, trainer.reloads)

	// Once the labeler recovers, the same epoch transition is retried.
	l.failing = false
	require.NoError(t, ctrl.Advance(ctx))
	assert.Equal(t, 1, ctrl.State().Cycles)
	assert.Len(t, must.M1(manifest.ReadFile(cfg.CacheManifestPath())), 10)
}

func TestDisabledController(t *testing.T) {
	var ctrl *Controller
	assert.Equal(t, PhaseDisabled, ctrl.Phase())
	require.NoError(t, ctrl.Advance(context.Background()))
	require.NoError(t, ctrl.OnEpochEnd(context.Background(), 3))
}

func TestStatePhases(t *testing.T) {
	testCases := []struct {
		state State
		want  Phase
	}{
		{State{MEpochs: 3, NLEpochs: 2}, PhaseWarmup},
		{State{MEpochs: 0, NLEpochs: 2}, PhaseFirstBuild},
		{State{MEpochs: -1, NLEpochs: 2}, PhaseDropoutHold},
		{State{MEpochs: -1, NLEpochs: 0}, PhaseActive},
		{State{MEpochs: -1, NLEpochs: -1}, PhaseActive},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, tc.state.Phase(), "state %+v", tc.state)
	}
	assert.Equal(t, "dropout_hold", PhaseDropoutHold.String())
	p, err := PhaseString("first_build")
	require.NoError(t, err)
	assert.Equal(t, PhaseFirstBuild, p)

	// Saved state carries the phase, for readability.
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, State{MEpochs: -1, NLEpochs: 1, Cycles: 1}.Save(path))
	state, found, err := LoadState(path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, PhaseDropoutHold, state.Phase())
	_, found, err = LoadState(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, found)
}
