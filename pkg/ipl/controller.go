// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ipl implements iterative pseudo-labeling (IPL) for semi-supervised ASR training.
//
// A partially trained model periodically transcribes unlabeled audio; the transcriptions (pseudo-labels)
// are cached on disk and, after a while, folded back into the training set. The Controller drives the
// schedule, one Advance call per epoch boundary:
//
//   - Warm-up: for m_epochs the model trains on labeled data only.
//   - First build: every unlabeled record is labeled and cached, and the model's dropout is changed.
//   - Dropout hold: for n_l_epochs the cache is kept, without refreshes.
//   - Active: at every epoch a random fraction (p_cache) of the cache is re-labeled. The first time,
//     the cache is spliced into the training set; the training data is reloaded every epoch.
//
// Usage:
//
//	cfg, err := ipl.LoadConfigFile(configPath)
//	...
//	ctrl, err := ipl.Build(cfg).Trainer(trainer).Model(model).Group(group).Done()
//	...
//	// At the end of every epoch:
//	if err := ctrl.Advance(ctx); err != nil { ... }
package ipl

import (
	"context"

	"github.com/gomlx/slimipl/pkg/ipl/cache"
	"github.com/gomlx/slimipl/pkg/ipl/distributed"
	"github.com/gomlx/slimipl/pkg/ipl/labeler"
	"github.com/gomlx/slimipl/pkg/ipl/tarcache"
	"github.com/gomlx/slimipl/pkg/ipl/trainset"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoStepBudget is returned when the trainer has no step budget (MaxSteps() < 0): the pseudo-labeling
// schedule requires one.
var ErrNoStepBudget = errors.New("pseudo-labeling requires the trainer to have a maximum number of steps")

// SyncReload is the synchronization point before the training data is reloaded.
const SyncReload = "ipl/reload"

// Trainer is the training loop the Controller drives.
type Trainer interface {
	// MaxSteps is the step budget of the training. Negative if unlimited.
	MaxSteps() int

	// SetDropout changes the dropout of the model.
	SetDropout(dropout float64)

	// SetReloadDataloadersEveryNEpochs configures how often the trainer reloads its data.
	SetReloadDataloadersEveryNEpochs(n int)

	// SetLimitTrainBatches limits the number of training batches per epoch.
	SetLimitTrainBatches(limit int)

	// TrainingSet returns the current training data configuration. The Controller splices the caches
	// into it.
	TrainingSet() *trainset.TrainingSet

	// ReloadTrainingData rebuilds the trainer's data loaders from the training set.
	ReloadTrainingData(ctx context.Context, ts *trainset.TrainingSet) error
}

// ControllerConfig is used to configure and create a Controller. Create it with Build, set
// the collaborators and call Done.
type ControllerConfig struct {
	cfg     *Config
	trainer Trainer
	labeler labeler.Labeler
	model   labeler.Model
	group   distributed.Group
	tempDir string
	err     error
}

// Build starts the configuration of a Controller for the given pseudo-labeling configuration.
func Build(cfg *Config) *ControllerConfig {
	c := &ControllerConfig{cfg: cfg}
	if cfg == nil {
		c.setError(errors.New("ipl.Build(): pseudo-labeling configuration is nil"))
	}
	return c
}

func (c *ControllerConfig) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Trainer sets the training loop driven by the Controller. Required.
func (c *ControllerConfig) Trainer(t Trainer) *ControllerConfig {
	c.trainer = t
	return c
}

// Labeler sets the labeler used to generate pseudo-labels. Either Labeler or Model is required.
//
// If l is a *labeler.BatchLabeler, its model type must match the configured model_type.
func (c *ControllerConfig) Labeler(l labeler.Labeler) *ControllerConfig {
	c.labeler = l
	return c
}

// Model sets the model used to generate pseudo-labels: Done creates a labeler.BatchLabeler for it,
// of the configured model_type, showing progress on the main rank. Either Labeler or Model is required.
func (c *ControllerConfig) Model(m labeler.Model) *ControllerConfig {
	c.model = m
	return c
}

// Group sets the group of workers cooperating on the caches. Defaults to distributed.Single().
func (c *ControllerConfig) Group(g distributed.Group) *ControllerConfig {
	c.group = g
	return c
}

// TempDir sets where the temporary directories of cache builds are created. Defaults to os.TempDir().
func (c *ControllerConfig) TempDir(dir string) *ControllerConfig {
	c.tempDir = dir
	return c
}

// Done creates the Controller, or returns the first error found in the configuration.
//
// If a state file is configured and exists, the schedule resumes from the saved state.
func (c *ControllerConfig) Done() (*Controller, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.trainer == nil {
		return nil, errors.New("ipl.Build(): trainer not set")
	}
	if maxSteps := c.trainer.MaxSteps(); maxSteps < 0 {
		return nil, errors.Wrapf(ErrNoStepBudget, "trainer MaxSteps()=%d", maxSteps)
	}
	if c.group == nil {
		c.group = distributed.Single()
	}
	switch {
	case c.labeler == nil && c.model == nil:
		return nil, errors.New("ipl.Build(): labeler or model not set")
	case c.labeler != nil && c.model != nil:
		return nil, errors.New("ipl.Build(): only one of labeler or model can be set")
	case c.model != nil:
		bl, err := labeler.New(c.cfg.ModelType, c.model)
		if err != nil {
			return nil, errors.WithMessagef(err, "ipl.Build(): %q=%s", ParamModelType, c.cfg.ModelType)
		}
		c.labeler = bl.WithProgressBar(distributed.IsMain(c.group))
	default:
		if bl, ok := c.labeler.(*labeler.BatchLabeler); ok && bl.ModelType() != c.cfg.ModelType {
			return nil, errors.Errorf("ipl.Build(): labeler has model type %s, but %q=%s is configured",
				bl.ModelType(), ParamModelType, c.cfg.ModelType)
		}
	}
	ctrl := &Controller{
		cfg:     c.cfg,
		trainer: c.trainer,
		group:   c.group,
		sync:    distributed.NewSyncPoints(c.group),
		state:   NewState(c.cfg),
	}
	if c.cfg.StateFile != "" {
		saved, found, err := LoadState(c.cfg.StateFile)
		if err != nil {
			return nil, err
		}
		if found {
			ctrl.state = saved
			klog.Infof("ipl: resuming pseudo-labeling from %q at phase %s (m_epochs=%d, n_l_epochs=%d, %d cycles)",
				c.cfg.StateFile, saved.Phase(), saved.MEpochs, saved.NLEpochs, saved.Cycles)
		}
	}

	var err error
	if c.cfg.IsTarred {
		ctrl.datasets = c.cfg.Datasets()
		ctrl.tarCache, err = tarcache.New(c.labeler, ctrl.sync, tarcache.Options{
			Prefix:          c.cfg.CachePrefix,
			RefreshFraction: c.cfg.PCache,
			BatchSize:       c.cfg.BatchSize,
			RestorePC:       c.cfg.RestorePC,
			TempDir:         c.tempDir,
		})
	} else {
		ctrl.cache, err = cache.New(c.labeler, ctrl.sync, cache.Options{
			CachePath:       c.cfg.CacheManifestPath(),
			RefreshFraction: c.cfg.PCache,
			BatchSize:       c.cfg.BatchSize,
			RestorePC:       c.cfg.RestorePC,
			AudioKey:        c.cfg.AudioKey,
			TempDir:         c.tempDir,
		})
	}
	if err != nil {
		return nil, err
	}
	klog.Infof("ipl: pseudo-labeling configured: %s, phase %s", c.cfg, ctrl.state.Phase())
	return ctrl, nil
}

// MustDone creates the Controller. It panics if there was an error.
func (c *ControllerConfig) MustDone() *Controller {
	ctrl, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "Failed to create ipl.Controller"))
	}
	return ctrl
}

// Controller drives the pseudo-labeling schedule. See package documentation.
//
// A nil Controller is valid and does nothing: it is in PhaseDisabled.
type Controller struct {
	cfg     *Config
	trainer Trainer
	group   distributed.Group
	sync    *distributed.SyncPoints
	state   State

	// Non-tarred datasets.
	cache *cache.Builder

	// Tarred datasets.
	tarCache *tarcache.Builder
	datasets []tarcache.Dataset

	// spliced is whether this process already spliced the cache into the trainer's training set.
	spliced bool
}

// Phase returns the current phase of the schedule.
func (c *Controller) Phase() Phase {
	if c == nil {
		return PhaseDisabled
	}
	return c.state.Phase()
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	if c == nil {
		return State{}
	}
	return c.state
}

// SyncPoints returns the synchronization points used by the Controller and its cache builders.
func (c *Controller) SyncPoints() *distributed.SyncPoints {
	return c.sync
}

// Advance moves the schedule forward, and must be called at the end of every training epoch, by all
// ranks of the group.
func (c *Controller) Advance(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.state.MEpochs > 0 {
		c.state.MEpochs--
		return c.saveState()
	}
	needsUpdate := true
	if c.state.MEpochs == 0 {
		if err := c.buildCache(ctx, true); err != nil {
			return err
		}
		c.trainer.SetDropout(c.cfg.Dropout)
		c.state.MEpochs = -1
		needsUpdate = false
	}

	if c.state.MEpochs == -1 && c.state.NLEpochs > 0 {
		c.state.NLEpochs--
		return c.saveState()
	}

	if needsUpdate {
		if err := c.buildCache(ctx, false); err != nil {
			return err
		}
	}
	if c.state.NLEpochs == 0 || (c.state.Spliced() && !c.spliced) {
		if err := c.updateTrainingSet(ctx); err != nil {
			return err
		}
		c.state.NLEpochs = -1
		c.spliced = true
		c.trainer.SetReloadDataloadersEveryNEpochs(1)
	}
	if err := c.sync.Point(ctx, SyncReload); err != nil {
		return err
	}
	ts := c.trainer.TrainingSet()
	if ts == nil {
		return errors.New("ipl: trainer has no training set to reload")
	}
	ts.CacheAudio = false
	ts.UpdateLimitTrainBatches = !c.cfg.UseLhotse
	if err := c.trainer.ReloadTrainingData(ctx, ts); err != nil {
		return errors.WithMessage(err, "ipl: failed to reload training data")
	}
	return c.saveState()
}

// OnEpochEnd can be used as an end-of-epoch hook for training loops. It's the same as Advance.
func (c *Controller) OnEpochEnd(ctx context.Context, epoch int) error {
	if klog.V(1).Enabled() {
		klog.Infof("ipl: end of epoch %d, phase %s", epoch, c.Phase())
	}
	return c.Advance(ctx)
}

// buildCache builds (full=true) or refreshes the cache.
func (c *Controller) buildCache(ctx context.Context, full bool) error {
	cycleID := uuid.NewString()
	klog.Infof("ipl: cycle %d (%s): building cache, full=%v, phase %s", c.state.Cycles+1, cycleID, full, c.state.Phase())
	var err error
	switch {
	case c.cfg.IsTarred && full:
		_, err = c.tarCache.Create(ctx, c.datasets)
	case c.cfg.IsTarred:
		err = c.tarCache.Update(ctx, c.datasets)
	default:
		err = c.cache.Build(ctx, c.cfg.Manifests(), c.cfg.DatasetWeights, full)
	}
	if err != nil {
		return errors.WithMessagef(err, "ipl: cache build of cycle %d (%s) failed", c.state.Cycles+1, cycleID)
	}
	c.state.Cycles++
	c.state.LastCycleID = cycleID
	return nil
}

// updateTrainingSet splices the caches into the trainer's training set.
func (c *Controller) updateTrainingSet(ctx context.Context) error {
	ts := c.trainer.TrainingSet()
	if ts == nil {
		return errors.New("ipl: trainer has no training set to add the pseudo-labels to")
	}
	if !c.cfg.IsTarred {
		trainset.AppendCache(ts, c.cache.CachePath())
		klog.Infof("ipl: added pseudo-label cache %q to the training set: %s", c.cache.CachePath(), ts)
		return nil
	}
	caches, err := c.tarCache.Stitch(ctx, c.datasets, c.cfg.StitchCacheManifests)
	if err != nil {
		return err
	}
	if err = trainset.AppendTarredCaches(ts, caches, trainset.First(c.cfg.TarredAudioFilepaths), c.cfg.LimitTrainBatches); err != nil {
		return err
	}
	if c.cfg.LimitTrainBatches > 0 {
		c.trainer.SetLimitTrainBatches(c.cfg.LimitTrainBatches)
	}
	klog.Infof("ipl: added pseudo-label caches %q to the training set: %s", caches, ts)
	return nil
}

// saveState persists the state, if configured. Only the main rank writes it.
func (c *Controller) saveState() error {
	if c.cfg.StateFile == "" || !distributed.IsMain(c.group) {
		return nil
	}
	return c.state.Save(c.cfg.StateFile)
}
