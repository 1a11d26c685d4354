// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package manifest reads and writes ASR manifests: newline-delimited JSON files, one utterance
// (a Record) per line.
//
// It also implements the naming convention of pseudo-label cache files and the expansion of
// sharded path patterns like "manifest_{0..127}.json" or "audio__OP_0..127_CL_.tar".
package manifest

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/gomlx/slimipl/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Read all records from r. Blank lines are skipped.
func Read(r io.Reader) ([]Record, error) {
	var records []Record
	reader := bufio.NewReaderSize(r, 256*1024)
	lineNum := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNum++
			if len(bytes.TrimSpace(line)) > 0 {
				record, parseErr := ParseRecord(line)
				if parseErr != nil {
					return nil, errors.WithMessagef(parseErr, "line %d", lineNum)
				}
				records = append(records, record)
			}
		}
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed reading manifest at line %d", lineNum+1)
		}
	}
}

// ReadFile reads all records of the manifest file at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest %q", path)
	}
	defer func() { _ = f.Close() }()
	records, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "manifest %q", path)
	}
	return records, nil
}

// Write records to w, one JSON object per line.
func Write(w io.Writer, records []Record) error {
	for _, record := range records {
		line, err := record.MarshalJSON()
		if err != nil {
			return err
		}
		if _, err = w.Write(line); err != nil {
			return errors.Wrap(err, "failed to write manifest record")
		}
		if _, err = w.Write([]byte{'\n'}); err != nil {
			return errors.Wrap(err, "failed to write manifest record")
		}
	}
	return nil
}

// WriteFile writes records to the manifest file at path, replacing it atomically if it exists.
func WriteFile(path string, records []Record) error {
	err := fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		return Write(w, records)
	})
	return errors.WithMessagef(err, "failed to write manifest %q", path)
}

// Concat concatenates the manifest files in paths, in order, into the manifest file at dest.
// Lines are copied unchanged. It returns the number of records written.
func Concat(dest string, paths ...string) (numRecords int, err error) {
	err = fsutil.WriteFileAtomic(dest, func(w io.Writer) error {
		for _, path := range paths {
			records, err := ReadFile(path)
			if err != nil {
				return err
			}
			if err = Write(w, records); err != nil {
				return errors.WithMessagef(err, "copying %q", path)
			}
			numRecords += len(records)
		}
		return nil
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to concatenate manifests into %q", dest)
	}
	return numRecords, nil
}

// Texts returns the text of each record, "" for records without text.
func Texts(records []Record) []string {
	texts := make([]string, len(records))
	for ii, record := range records {
		texts[ii], _ = record.Text()
	}
	return texts
}
