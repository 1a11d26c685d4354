// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SyncPoints wraps a Group with named synchronization points: the places of the pseudo-labeling
// protocol where all ranks must meet.
//
// Builders call Point at well-defined phase boundaries (e.g. "before writing caches of dataset 0"),
// so the protocol can be audited: points are logged and the sequence of points reached is kept.
type SyncPoints struct {
	group Group

	mu      sync.Mutex
	reached []string
}

// NewSyncPoints creates the synchronization points for the group. If g is nil, Single() is used.
func NewSyncPoints(g Group) *SyncPoints {
	if g == nil {
		g = Single()
	}
	return &SyncPoints{group: g}
}

// Group returns the underlying Group.
func (s *SyncPoints) Group() Group {
	return s.group
}

// Point blocks until all ranks reach the synchronization point with the given name.
func (s *SyncPoints) Point(ctx context.Context, name string) error {
	if klog.V(1).Enabled() {
		klog.Infof("rank %d/%d: reached sync point %q", s.group.Rank(), s.group.WorldSize(), name)
	}
	if err := s.group.Barrier(ctx); err != nil {
		return errors.WithMessagef(err, "sync point %q", name)
	}
	s.mu.Lock()
	s.reached = append(s.reached, name)
	s.mu.Unlock()
	return nil
}

// Reached returns the names of the synchronization points passed so far, in order.
func (s *SyncPoints) Reached() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reached)
}
