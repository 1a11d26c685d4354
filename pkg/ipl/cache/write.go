// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cache

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/slimipl/pkg/ipl/labeler"
	"github.com/gomlx/slimipl/pkg/ipl/manifest"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WriteCacheManifest merges hypotheses into the cache manifest at path.
//
// hypotheses and data hold, per rank, the labeled records and their hypotheses (aligned).
// If full is true the cache is replaced by the records of all ranks, in rank order, each with its
// hypothesis as text. Otherwise, the records of the existing cache that match a labeled record get the
// new hypothesis, and all other records are kept unchanged. Records match if they have the same
// manifest.DefaultAudioKey and the same other fields (see manifest.Record.Identity), except the text.
func WriteCacheManifest(path string, hypotheses [][]string, data [][]manifest.Record, full bool) error {
	return writeCacheManifest(path, manifest.DefaultAudioKey, hypotheses, data, full)
}

func writeCacheManifest(path, audioKey string, hypotheses [][]string, data [][]manifest.Record, full bool) error {
	if len(hypotheses) != len(data) {
		return errors.Errorf("cache: got hypotheses from %d ranks, but data from %d ranks", len(hypotheses), len(data))
	}
	var numLabeled int
	for rank := range data {
		if err := labeler.CheckCount(hypotheses[rank], len(data[rank])); err != nil {
			return errors.WithMessagef(err, "cache: results of rank %d", rank)
		}
		numLabeled += len(data[rank])
	}

	if full {
		records := make([]manifest.Record, 0, numLabeled)
		for rank := range data {
			for ii, record := range data[rank] {
				records = append(records, record.WithText(hypotheses[rank][ii]))
			}
		}
		if err := manifest.WriteFile(path, records); err != nil {
			return errors.WithMessage(err, "cache: failed to write pseudo-label cache")
		}
		klog.Infof("cache: wrote %s records with pseudo-labels to %q", humanize.Comma(int64(len(records))), path)
		return nil
	}

	// Refreshed records are grouped by their audio, and matched within the group by their full identity
	// (all fields but the text), so segments of the same audio file are told apart.
	refreshed := make(map[string]map[string]string, numLabeled)
	var numRefreshed int
	for rank := range data {
		for ii, record := range data[rank] {
			audio := record.String(audioKey)
			if refreshed[audio] == nil {
				refreshed[audio] = make(map[string]string)
			}
			identity := record.Identity()
			if _, found := refreshed[audio][identity]; !found {
				numRefreshed++
			}
			refreshed[audio][identity] = hypotheses[rank][ii]
		}
	}
	records, err := manifest.ReadFile(path)
	if err != nil {
		return errors.WithMessage(err, "cache: incremental refresh requires an existing cache")
	}
	matched := make(map[string]bool, numRefreshed)
	var numUpdated int
	for ii, record := range records {
		audio := record.String(audioKey)
		if audio == "" {
			continue
		}
		identity := record.Identity()
		hypothesis, found := refreshed[audio][identity]
		if !found {
			continue
		}
		records[ii] = record.WithText(hypothesis)
		matched[identity] = true
		numUpdated++
	}
	if numMissing := numRefreshed - len(matched); numMissing > 0 {
		klog.Warningf("cache: %d refreshed records have no matching record (by %q and its other fields) in the cache %q, their hypotheses were dropped",
			numMissing, audioKey, path)
	}
	if err = manifest.WriteFile(path, records); err != nil {
		return errors.WithMessage(err, "cache: failed to write pseudo-label cache")
	}
	klog.Infof("cache: refreshed %s of %s records of %q", humanize.Comma(int64(numUpdated)),
		humanize.Comma(int64(len(records))), path)
	return nil
}
