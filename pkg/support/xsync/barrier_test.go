// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrier(t *testing.T) {
	const parties, rounds = 4, 10
	b := NewBarrier(parties)
	var counter atomic.Int32
	var wg sync.WaitGroup
	failures := make(chan string, parties*rounds)
	for range parties {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := range rounds {
				counter.Add(1)
				gen, err := b.Wait()
				if err != nil || gen != uint64(2*round) {
					failures <- "unexpected generation or error"
					return
				}
				// After the barrier trips, every party of this round has incremented.
				if int(counter.Load()) < (round+1)*parties {
					failures <- "barrier released before all parties arrived"
				}
				// Second barrier, so nobody starts the next round while others still check the counter.
				if _, err := b.Wait(); err != nil {
					failures <- err.Error()
					return
				}
			}
		}()
	}
	wg.Wait()
	close(failures)
	for f := range failures {
		t.Error(f)
	}
	assert.Equal(t, int32(parties*rounds), counter.Load())
}

func TestBarrierBreak(t *testing.T) {
	b := NewBarrier(2)
	done := make(chan error)
	go func() {
		_, err := b.Wait()
		done <- err
	}()
	b.Break(errors.New("rank 1 failed"))
	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rank 1 failed")

	_, err = b.Wait()
	require.Error(t, err)
	require.Panics(t, func() { NewBarrier(0) })
}
