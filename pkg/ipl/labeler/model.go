// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package labeler

import (
	"context"

	"github.com/gomlx/slimipl/pkg/ipl/manifest"
)

// Batch of records to decode.
type Batch struct {
	Records []manifest.Record

	// TarPaths, if not empty, holds the tar shard of each record's audio.
	TarPaths []string
}

// Beam is the decoding result of one utterance.
type Beam struct {
	// Best hypothesis.
	Best string

	// Candidates holds the n-best hypotheses when decoding with beam search. It may be empty.
	Candidates []string
}

// Decoder transcribes batches of records.
type Decoder interface {
	// DecodeBatch returns one Beam per record of the batch, in order.
	DecodeBatch(ctx context.Context, batch Batch) ([]Beam, error)
}

// Model is the trainable ASR model generating pseudo-labels.
type Model interface {
	Decoder

	// EvalMode switches the model to inference (frozen weights, no dither or padding) and returns
	// the function that restores its training mode.
	EvalMode() (restore func())
}

// HybridModel is a model with an auxiliary CTC head (e.g. a hybrid transducer/CTC model).
// Pseudo-labels are generated with the auxiliary CTC decoder.
type HybridModel interface {
	Model

	AuxCTC() Decoder
}

// ModelType selects how pseudo-labels are generated from the model.
type ModelType int

const (
	// ModelTypeCTC decodes with the model's own (CTC) decoder.
	ModelTypeCTC ModelType = iota

	// ModelTypeHybrid decodes with the auxiliary CTC head of a HybridModel.
	ModelTypeHybrid
)

//go:generate go tool enumer -type=ModelType -trimprefix=ModelType -transform=snake -values -text -json -output=gen_modeltype_enumer.go model.go
