// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package labeler defines how pseudo-labels are generated: the Labeler interface the cache builders
// depend on, and BatchLabeler, which implements it on top of the trainable ASR model.
//
// The model itself (audio loading, features, decoding) is an external collaborator, seen only through
// the narrow Decoder / Model / HybridModel interfaces.
package labeler

import (
	"context"

	"github.com/pkg/errors"
)

// ErrHypothesisCount is returned when a labeler returns a different number of hypotheses than the
// number of records it was asked to label: merging would misalign records and hypotheses.
var ErrHypothesisCount = errors.New("number of hypotheses doesn't match number of records")

// DefaultBatchSize used when Request.BatchSize is not set.
const DefaultBatchSize = 64

// Request to label the records of a manifest.
type Request struct {
	// ManifestPath of the temporary manifest with the records to label.
	ManifestPath string

	// TarPaths, if set, holds for each record the tar shard where its audio is stored.
	TarPaths []string

	// Targets holds, for each record, its current transcript ("" if none). Used for reconciliation.
	Targets []string

	// BatchSize for inference. Defaults to DefaultBatchSize.
	BatchSize int

	// RestorePC enables reconciliation: for records with a non-empty target, among the model's
	// candidate hypotheses the one closest to the target is selected, see Reconcile.
	RestorePC bool
}

// Labeler generates one hypothesis per record of the request, in the same order.
type Labeler interface {
	Label(ctx context.Context, req Request) ([]string, error)
}

// CheckCount returns an ErrHypothesisCount error if the number of hypotheses doesn't match the
// number of records requested.
func CheckCount(hypotheses []string, numRecords int) error {
	if len(hypotheses) != numRecords {
		return errors.Wrapf(ErrHypothesisCount, "got %d hypotheses for %d records", len(hypotheses), numRecords)
	}
	return nil
}
