// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"path/filepath"
	"slices"

	"go4.org/xdgdir"
	"zb.256lights.llc/dcc/internal/osutil"
)

// configSearchPaths returns the configuration files to merge,
// least preferred first.
func configSearchPaths() []string {
	dirs := xdgdir.Config.SearchPaths()
	paths := make([]string, 0, len(dirs))
	for _, dir := range slices.Backward(dirs) {
		paths = append(paths, filepath.Join(dir, "dccd", "config.jwcc"))
	}
	return paths
}

// defaultDatabasePath returns the path of the job ledger.
// The system-wide daemon keeps it under /var/lib.
func defaultDatabasePath() string {
	if osutil.IsRoot() {
		return "/var/lib/dccd/jobs.db"
	}
	dataDir := xdgdir.Data.Path()
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, "dccd", "jobs.db")
}
