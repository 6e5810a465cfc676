// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package osutil provides convenience functions for working with the local filesystem.
package osutil

import (
	"errors"
	"iter"
	"os"
	"path/filepath"
	"runtime"
)

const rootUID = 0

// IsRoot reports whether the process is running as the Unix root user.
func IsRoot() bool {
	return runtime.GOOS != "windows" && os.Geteuid() == rootUID
}

// RemoveAll removes path and any children it contains.
// Unlike [os.RemoveAll], symbolic links inside path are never followed,
// even if the tree is being modified concurrently.
// RemoveAll returns nil if path does not exist.
// An empty path or one ending in "." is an error.
func RemoveAll(path string) error {
	if path == "" || filepath.Base(path) == "." {
		return &os.PathError{Op: "RemoveAll", Path: path, Err: os.ErrInvalid}
	}
	return removeAll(path)
}

// RemoveIfExists removes the named file or empty directory.
// It returns nil if the file does not exist.
func RemoveIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// FirstPresentFile returns the first path in the sequence that exists in the filesystem,
// or an error if no path could be found.
func FirstPresentFile(paths iter.Seq[string]) (string, error) {
	var firstError, firstUnexpectedError error
	for path := range paths {
		_, err := os.Lstat(path)
		switch {
		case err == nil:
			return path, nil
		case !errors.Is(err, os.ErrNotExist):
			if firstUnexpectedError == nil {
				firstUnexpectedError = err
			}
		default:
			if firstError == nil {
				firstError = err
			}
		}
	}
	if firstUnexpectedError != nil {
		return "", firstUnexpectedError
	}
	if firstError == nil {
		firstError = errors.New("no files searched")
	}
	return "", firstError
}
