// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package labeler

import (
	"context"
	"io"
	"os"

	"github.com/gomlx/slimipl/pkg/ipl/manifest"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// BatchLabeler implements Labeler with a Model: it reads the requested manifest, decodes it in
// batches and optionally reconciles the candidates with the existing transcripts.
type BatchLabeler struct {
	modelType ModelType
	model     Model

	// decoder is selected once from the model type.
	decoder Decoder

	progressBar       bool
	progressBarWriter io.Writer
}

var _ Labeler = (*BatchLabeler)(nil)

// New creates a BatchLabeler for the model.
//
// For ModelTypeHybrid the model must implement HybridModel, and its auxiliary CTC decoder is used.
func New(modelType ModelType, model Model) (*BatchLabeler, error) {
	if model == nil {
		return nil, errors.New("labeler.New(): model is nil")
	}
	l := &BatchLabeler{
		modelType:         modelType,
		model:             model,
		progressBarWriter: os.Stderr,
	}
	switch modelType {
	case ModelTypeCTC:
		l.decoder = model
	case ModelTypeHybrid:
		hybrid, ok := model.(HybridModel)
		if !ok {
			return nil, errors.Errorf("labeler.New(): model type %s requires a model implementing HybridModel, got %T", modelType, model)
		}
		l.decoder = hybrid.AuxCTC()
		if l.decoder == nil {
			return nil, errors.Errorf("labeler.New(): hybrid model %T has no auxiliary CTC decoder", model)
		}
	default:
		return nil, errors.Errorf("labeler.New(): unknown model type %s", modelType)
	}
	return l, nil
}

// WithProgressBar configures whether to display a progress bar while transcribing.
// It returns the BatchLabeler itself, so calls can be cascaded.
func (l *BatchLabeler) WithProgressBar(enabled bool) *BatchLabeler {
	l.progressBar = enabled
	return l
}

// ModelType returns the model type the labeler was created with.
func (l *BatchLabeler) ModelType() ModelType {
	return l.modelType
}

func (l *BatchLabeler) newProgressBar(numRecords int) *progressbar.ProgressBar {
	if !l.progressBar {
		return nil
	}
	return progressbar.NewOptions(numRecords,
		progressbar.OptionSetDescription("Transcribing"),
		progressbar.OptionSetWriter(l.progressBarWriter),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("utterances"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionClearOnFinish(),
	)
}

// Label implements Labeler.
func (l *BatchLabeler) Label(ctx context.Context, req Request) ([]string, error) {
	records, err := manifest.ReadFile(req.ManifestPath)
	if err != nil {
		return nil, errors.WithMessage(err, "labeler failed to read records to label")
	}
	if len(req.TarPaths) > 0 && len(req.TarPaths) != len(records) {
		return nil, errors.Errorf("labeler: %d tar paths given for %d records of %q", len(req.TarPaths), len(records), req.ManifestPath)
	}
	if req.RestorePC && len(req.Targets) != len(records) {
		return nil, errors.Errorf("labeler: %d targets given for %d records of %q", len(req.Targets), len(records), req.ManifestPath)
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	restore := l.model.EvalMode()
	defer restore()

	bar := l.newProgressBar(len(records))
	hypotheses := make([]string, 0, len(records))
	var numReconciled int
	for start := 0; start < len(records); start += batchSize {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batchSize, len(records))
		batch := Batch{Records: records[start:end]}
		if len(req.TarPaths) > 0 {
			batch.TarPaths = req.TarPaths[start:end]
		}
		beams, err := l.decoder.DecodeBatch(ctx, batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "labeler: failed to decode records %d to %d of %q", start, end, req.ManifestPath)
		}
		if len(beams) != end-start {
			return nil, errors.Wrapf(ErrHypothesisCount, "decoder returned %d results for a batch of %d records", len(beams), end-start)
		}
		for ii, beam := range beams {
			hypothesis := beam.Best
			if req.RestorePC && len(beam.Candidates) > 0 {
				if target := req.Targets[start+ii]; target != "" {
					hypothesis = Reconcile(target, beam.Candidates)
					numReconciled++
				}
			}
			hypotheses = append(hypotheses, hypothesis)
		}
		if bar != nil {
			_ = bar.Add(end - start)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if klog.V(1).Enabled() {
		klog.Infof("labeler(%s): transcribed %d records of %q, %d reconciled with existing transcripts",
			l.modelType, len(hypotheses), req.ManifestPath, numReconciled)
	}
	return hypotheses, nil
}
