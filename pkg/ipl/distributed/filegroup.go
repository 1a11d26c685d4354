// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/slimipl/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultPollInterval is how often a FileGroup checks whether the other ranks arrived.
var DefaultPollInterval = 100 * time.Millisecond

// FileGroup is a Group whose ranks are separate processes sharing a directory, typically on the
// same shared filesystem where the manifests and caches live.
//
// Each collective call is numbered (a "generation"): a rank arriving at a collective writes a marker
// (or its payload) file under "<dir>/<kind>-<generation>/" and polls until the files of all ranks
// are present. All ranks must make the same sequence of collective calls.
//
// The directory must be unique to a job run: files from a previous run would release barriers early.
// There is no timeout, only cancellation of the context.
type FileGroup struct {
	dir             string
	rank, worldSize int
	generation      int
	cleaned         int // generations below this were removed.

	// PollInterval between checks of the directory. Defaults to DefaultPollInterval.
	PollInterval time.Duration
}

var _ Group = (*FileGroup)(nil)

// NewFileGroup creates the Group for rank in a world of worldSize processes, coordinating through dir.
func NewFileGroup(dir string, rank, worldSize int) (*FileGroup, error) {
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("distributed.NewFileGroup(%q): invalid rank=%d for worldSize=%d", dir, rank, worldSize)
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create rendezvous directory %q", dir)
	}
	return &FileGroup{dir: dir, rank: rank, worldSize: worldSize, PollInterval: DefaultPollInterval}, nil
}

// Rank implements Group.
func (g *FileGroup) Rank() int { return g.rank }

// WorldSize implements Group.
func (g *FileGroup) WorldSize() int { return g.worldSize }

// String implements fmt.Stringer.
func (g *FileGroup) String() string {
	return fmt.Sprintf("FileGroup(%q, rank=%d, worldSize=%d)", g.dir, g.rank, g.worldSize)
}

func (g *FileGroup) nextGenerationDir(kind string) (string, error) {
	genDir := filepath.Join(g.dir, fmt.Sprintf("%s-%06d", kind, g.generation))
	g.generation++
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "%s failed to create %q", g, genDir)
	}
	return genDir, nil
}

func (g *FileGroup) rankFile(genDir string, rank int) string {
	return filepath.Join(genDir, fmt.Sprintf("rank-%05d", rank))
}

// waitAll polls genDir until the files of all ranks exist.
func (g *FileGroup) waitAll(ctx context.Context, genDir string) error {
	interval := g.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	start := time.Now()
	for {
		entries, err := os.ReadDir(genDir)
		if err != nil {
			return errors.Wrapf(err, "%s failed to list %q", g, genDir)
		}
		count := 0
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), "rank-") {
				count++
			}
		}
		if count >= g.worldSize {
			return nil
		}
		if klog.V(2).Enabled() && time.Since(start) > 10*interval {
			klog.Infof("%s waiting on %q: %d of %d ranks arrived", g, genDir, count, g.worldSize)
		}
		select {
		case <-ctx.Done():
			return errors.WithMessagef(ctx.Err(), "%s waiting on %q", g, genDir)
		case <-time.After(interval):
		}
	}
}

// removeGenerationsBefore removes the directories of past generations: only safe once every rank is
// known to have moved past them. Only rank 0 removes files.
func (g *FileGroup) removeGenerationsBefore(generation int) {
	if g.rank != 0 {
		return
	}
	for ; g.cleaned < generation; g.cleaned++ {
		for _, kind := range []string{"barrier", "gather"} {
			genDir := filepath.Join(g.dir, fmt.Sprintf("%s-%06d", kind, g.cleaned))
			if err := os.RemoveAll(genDir); err != nil {
				klog.Warningf("%s failed to remove %q: %v", g, genDir, err)
			}
		}
	}
}

// Barrier implements Group.
func (g *FileGroup) Barrier(ctx context.Context) error {
	generation := g.generation
	genDir, err := g.nextGenerationDir("barrier")
	if err != nil {
		return err
	}
	err = fsutil.WriteFileAtomic(g.rankFile(genDir, g.rank), func(w io.Writer) error { return nil })
	if err != nil {
		return errors.WithMessagef(err, "%s failed to write barrier marker", g)
	}
	if err = g.waitAll(ctx, genDir); err != nil {
		return err
	}
	// Every rank arrived at this generation, so all of them are done with the previous ones.
	g.removeGenerationsBefore(generation)
	return nil
}

// AllGather implements Group.
func (g *FileGroup) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	genDir, err := g.nextGenerationDir("gather")
	if err != nil {
		return nil, err
	}
	err = fsutil.WriteFileAtomic(g.rankFile(genDir, g.rank), func(w io.Writer) error {
		_, err := w.Write(payload)
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s failed to write gather payload", g)
	}
	if err = g.waitAll(ctx, genDir); err != nil {
		return nil, err
	}
	gathered := make([][]byte, g.worldSize)
	for rank := range gathered {
		gathered[rank], err = os.ReadFile(g.rankFile(genDir, rank))
		if err != nil {
			return nil, errors.Wrapf(err, "%s failed to read payload of rank %d", g, rank)
		}
	}
	return gathered, nil
}
