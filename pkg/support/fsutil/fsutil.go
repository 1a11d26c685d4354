// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"bufio"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// FilePermMode is the permission used for files created with WriteFileAtomic.
const FilePermMode os.FileMode = 0o644

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return filepath.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// WriteFileAtomic creates (or replaces) the file at path with the contents written by writeFn.
//
// Contents are first written to a pending temporary file in the same directory, which is then renamed
// over path: readers either see the previous version of the file or the complete new one, never a
// partial write. If writeFn fails, the temporary file is removed and path is left untouched.
func WriteFileAtomic(path string, writeFn func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(FilePermMode))
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", path)
	}
	defer func() { _ = pending.Cleanup() }()

	bw := bufio.NewWriterSize(pending, 64*1024)
	if err = writeFn(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return errors.Wrapf(err, "failed to write %q", pending.Name())
	}
	if err = pending.CloseAtomicallyReplace(); err != nil {
		return errors.Wrapf(err, "failed to replace %q", path)
	}
	syncDir(dir)
	return nil
}

// syncDir is a best-effort fsync of the directory, so the rename is persisted.
func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}
