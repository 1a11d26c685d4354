// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ipl

// Phase of the pseudo-labeling schedule.
type Phase int

const (
	// PhaseWarmup is the supervised-only training before pseudo-labeling starts: m_epochs are counted down.
	PhaseWarmup Phase = iota

	// PhaseFirstBuild is the epoch boundary where the cache is built for the first time, from all
	// unlabeled records.
	PhaseFirstBuild

	// PhaseDropoutHold is the period after the first build, with the pseudo-labeling dropout applied,
	// where n_l_epochs are counted down before the cache starts being refreshed.
	PhaseDropoutHold

	// PhaseActive is the steady state: at every epoch boundary a fraction of the cache is refreshed,
	// and the training set includes the cache.
	PhaseActive

	// PhaseDisabled is used when there is no pseudo-labeling configuration.
	PhaseDisabled
)

//go:generate go tool enumer -type=Phase -trimprefix=Phase -transform=snake -values -text -json -output=gen_phase_enumer.go phase.go
