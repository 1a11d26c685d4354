// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/slimipl/pkg/ipl"
	"github.com/gomlx/slimipl/pkg/ipl/distributed"
	"github.com/gomlx/slimipl/pkg/ipl/manifest"
	"github.com/gomlx/slimipl/pkg/ipl/sampler"
	"github.com/gomlx/slimipl/pkg/ipl/tarcache"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

func reportState(cfg *ipl.Config) {
	fmt.Println(titleStyle.Render("Schedule"))
	table := newTable(nil, lipgloss.Right, lipgloss.Left)
	table.Row(false, "configuration", cfg.String())

	statePath := cfg.StateFile
	if *flagStateFile != "" {
		statePath = *flagStateFile
	}
	state := ipl.NewState(cfg)
	switch {
	case statePath == "":
		table.Row(true, "state file", "not configured, showing the initial state")
	default:
		saved, found := must.M2(ipl.LoadState(statePath))
		if found {
			state = saved
			table.Row(false, "state file", statePath)
		} else {
			table.Row(true, "state file", fmt.Sprintf("%s (missing, showing the initial state)", statePath))
		}
	}
	table.Row(false, "phase", state.Phase().String())
	table.Row(false, "m_epochs", humanizeInt(state.MEpochs))
	table.Row(false, "n_l_epochs", humanizeInt(state.NLEpochs))
	table.Row(false, "cycles", humanizeInt(state.Cycles))
	if state.LastCycleID != "" {
		table.Row(false, "last cycle", state.LastCycleID)
	}
	table.Row(false, "in training set", fmt.Sprintf("%v", state.Spliced()))
	fmt.Println(table.Table.Render())
}

// cachePaths returns the cache manifests of the configuration, and for tarred datasets the
// index of the dataset of each cache.
func cachePaths(cfg *ipl.Config) (paths []string, datasetIdx []int) {
	if !cfg.IsTarred {
		return []string{cfg.CacheManifestPath()}, []int{0}
	}
	for ii, pattern := range tarcache.CachePatterns(cfg.Datasets(), cfg.CachePrefix) {
		for _, path := range manifest.ExpandShardedPaths(pattern) {
			paths = append(paths, path)
			datasetIdx = append(datasetIdx, ii)
		}
	}
	return
}

func reportCaches(cfg *ipl.Config) {
	fmt.Println(titleStyle.Render("Caches"))
	table := newTable([]string{"Dataset", "Cache", "Records", "Labeled", "Size", "Modified"},
		lipgloss.Right, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	paths, datasetIdx := cachePaths(cfg)
	var numMissing, totalRecords int
	var totalBytes int64
	for ii, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			numMissing++
			table.Row(true, humanizeInt(datasetIdx[ii]), path, "-", "-", "-", "missing")
			continue
		}
		records, err := manifest.ReadFile(path)
		if err != nil {
			klog.Errorf("Failed to read cache: %+v", err)
			table.Row(true, humanizeInt(datasetIdx[ii]), path, "-", "-", humanize.Bytes(uint64(info.Size())), "invalid")
			continue
		}
		var numLabeled int
		for _, text := range manifest.Texts(records) {
			if text != "" {
				numLabeled++
			}
		}
		totalRecords += len(records)
		totalBytes += info.Size()
		table.Row(numLabeled < len(records), humanizeInt(datasetIdx[ii]), path, humanizeInt(len(records)),
			humanizeInt(numLabeled), humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
	}
	fmt.Println(table.Table.Render())
	fmt.Printf("%s cache files (%s missing), %s records, %s\n", humanizeInt(len(paths)), humanizeInt(numMissing),
		humanizeInt(totalRecords), humanize.Bytes(uint64(totalBytes)))
}

func reportShards(cfg *ipl.Config, worldSize int) {
	if cfg.IsTarred {
		reportTarredShards(cfg, worldSize)
	} else {
		reportRecordSlices(cfg, worldSize)
	}
}

// reportTarredShards shows which shards of each tarred dataset each rank labels.
func reportTarredShards(cfg *ipl.Config, worldSize int) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Shard assignment (world_size=%d)", worldSize)))
	table := newTable([]string{"Dataset", "Rank", "Shards", "First", "Last"},
		lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	for ii, ds := range cfg.Datasets() {
		shards := manifest.ExpandShardedPaths(ds.ManifestPattern)
		for rank := range worldSize {
			owned := distributed.Scatter(shards, worldSize, rank)
			if len(owned) == 0 {
				table.Row(true, humanizeInt(ii), humanizeInt(rank), "0", "-", "-")
				continue
			}
			table.Row(false, humanizeInt(ii), humanizeInt(rank), humanizeInt(len(owned)),
				filepath.Base(owned[0]), filepath.Base(owned[len(owned)-1]))
		}
	}
	fmt.Println(table.Table.Render())
}

// reportRecordSlices shows, for each non-tarred manifest, the slice of records of each rank, and
// how many of them it labels in full builds and in refreshes.
func reportRecordSlices(cfg *ipl.Config, worldSize int) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Record assignment (world_size=%d)", worldSize)))
	table := newTable([]string{"Manifest", "Rank", "Records", "Full build", "Refresh"},
		lipgloss.Left, lipgloss.Right)
	for ii, path := range cfg.Manifests() {
		records, err := manifest.ReadFile(path)
		if err != nil {
			klog.Errorf("Failed to read unlabeled manifest: %+v", err)
			table.Row(true, path, "-", "-", "-", "-")
			continue
		}
		weight := 1.0
		if ii < len(cfg.DatasetWeights) {
			weight = cfg.DatasetWeights[ii]
		}
		n := len(records)
		fullTotal := sampler.Size(n, weight, true, cfg.PCache)
		refreshTotal := sampler.Size(n, weight, false, cfg.PCache)
		for rank := range worldSize {
			start, end := distributed.ScatterRange(n, worldSize, rank)
			table.Row(start == end, filepath.Base(path), humanizeInt(rank),
				fmt.Sprintf("[%s, %s)", humanizeInt(start), humanizeInt(end)),
				humanizeInt(sampler.Quota(fullTotal, n, start, end)),
				humanizeInt(sampler.Quota(refreshTotal, n, start, end)))
		}
	}
	fmt.Println(table.Table.Render())
}
