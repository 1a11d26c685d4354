// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// Barrier is a reusable (cyclic) barrier for a fixed number of parties.
//
// Each call to Wait blocks until all parties have called Wait for the current generation,
// after which all are released together and the barrier resets for the next generation.
//
// It uses sync.Cond to coordinate the parties. There is no timeout: a party that never
// arrives blocks all the others, unless the barrier is broken with Break.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	arrived    int
	generation uint64
	broken     error
}

// NewBarrier creates a Barrier for the given number of parties. It panics if parties <= 0.
func NewBarrier(parties int) *Barrier {
	if parties <= 0 {
		panic(errors.Errorf("xsync.NewBarrier(%d): number of parties must be > 0", parties))
	}
	b := &Barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Parties returns the number of parties required to trip the barrier.
func (b *Barrier) Parties() int {
	return b.parties
}

// Wait blocks until all parties reached the barrier, and returns the generation that was tripped.
//
// It returns an error if the barrier is (or becomes) broken.
func (b *Barrier) Wait() (generation uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken != nil {
		return b.generation, b.broken
	}
	generation = b.generation
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return generation, nil
	}
	for generation == b.generation && b.broken == nil {
		b.cond.Wait()
	}
	if generation == b.generation {
		return generation, b.broken
	}
	return generation, nil
}

// Break the barrier: all parties currently waiting, and any future call to Wait, return err.
// Only the first call has effect.
func (b *Barrier) Break(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken != nil {
		return
	}
	if err == nil {
		err = errors.New("barrier broken")
	}
	b.broken = err
	b.cond.Broadcast()
}
