// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ipl

import (
	"encoding/json"
	"io"
	"os"

	"github.com/gomlx/slimipl/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// State of the pseudo-labeling schedule. Its counters only decrease.
type State struct {
	// MEpochs counts down the warm-up epochs. It is 0 at the first cache build, and -1 afterwards.
	MEpochs int `json:"m_epochs"`

	// NLEpochs counts down the epochs after the first build. It is -1 once the cache was spliced into
	// the training set.
	NLEpochs int `json:"n_l_epochs"`

	// Cycles is the number of cache builds and refreshes done.
	Cycles int `json:"cycles"`

	// LastCycleID identifies the last cache build or refresh, as logged.
	LastCycleID string `json:"last_cycle_id,omitempty"`
}

// NewState returns the initial state of the schedule configured by cfg.
func NewState(cfg *Config) State {
	return State{MEpochs: cfg.MEpochs, NLEpochs: cfg.NLEpochs}
}

// Phase derives the phase of the schedule from the counters.
func (s State) Phase() Phase {
	switch {
	case s.MEpochs > 0:
		return PhaseWarmup
	case s.MEpochs == 0:
		return PhaseFirstBuild
	case s.MEpochs == -1 && s.NLEpochs > 0:
		return PhaseDropoutHold
	default:
		return PhaseActive
	}
}

// Spliced returns whether the cache was already spliced into the training set.
func (s State) Spliced() bool {
	return s.NLEpochs == -1
}

// stateJSON is the serialized State, with the derived phase for readability.
type stateJSON struct {
	State
	Phase Phase `json:"phase"`
}

// Save writes the state as JSON to path, atomically.
func (s State) Save(path string) error {
	err := fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		return enc.Encode(stateJSON{State: s, Phase: s.Phase()})
	})
	return errors.WithMessagef(err, "failed to save pseudo-labeling state")
}

// LoadState reads the state saved with State.Save.
// If the file doesn't exist, it returns found=false and no error.
func LoadState(path string) (state State, found bool, err error) {
	if found, err = fsutil.FileExists(path); err != nil || !found {
		return state, false, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return state, false, errors.Wrapf(err, "failed to read pseudo-labeling state from %q", path)
	}
	var saved stateJSON
	if err = json.Unmarshal(contents, &saved); err != nil {
		return state, false, errors.Wrapf(err, "failed to parse pseudo-labeling state from %q", path)
	}
	if saved.MEpochs < -1 || saved.NLEpochs < -1 {
		return state, false, errors.Errorf("invalid pseudo-labeling state in %q: m_epochs=%d, n_l_epochs=%d",
			path, saved.MEpochs, saved.NLEpochs)
	}
	return saved.State, true, nil
}
