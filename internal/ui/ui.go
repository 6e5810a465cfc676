// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package ui provides embedded assets for the status page.
package ui

import (
	"embed"
	"io/fs"
	"sync"
)

//go:embed templates public
var files embed.FS

var templateFiles = sub("templates")
var publicFiles = sub("public")

// TemplateFiles returns a filesystem of the embedded template files.
func TemplateFiles() fs.FS {
	return templateFiles()
}

// StaticAssets returns a filesystem of the embedded asset files.
func StaticAssets() fs.FS {
	return publicFiles()
}

func sub(name string) func() fs.FS {
	return sync.OnceValue(func() fs.FS {
		fsys, err := fs.Sub(files, name)
		if err != nil {
			panic(err)
		}
		return fsys
	})
}
