// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package remap computes where a client's output file lives
// inside a private sandbox root.
//
// Compilers that emit split debug information
// derive the .dwo path from the object path they were given,
// and record the compilation directory.
// To reproduce the client's intent, the client's working directory
// and output directory are recreated under the sandbox root
// and the compiler is told about the output path relative to the working directory.
//
// All paths handled here are client paths and so always use forward slashes.
package remap

import (
	"fmt"
	"path"
	"strings"
)

// DWOExt is the extension of split debug information files.
const DWOExt = ".dwo"

// Paths is the result of [Remap].
type Paths struct {
	// Root is the sandbox root.
	Root string
	// WorkingDir is the canonical client working directory.
	// The compiler runs in Root+WorkingDir.
	WorkingDir string
	// OutputDir is the directory inside Root that holds the output file.
	// It is always a descendant of Root.
	OutputDir string
	// RelativeOutput is the output file relative to WorkingDir.
	// It never starts with a slash.
	RelativeOutput string
	// ObjectFile is the full path of the output file inside Root.
	ObjectFile string
	// DWOFile is the full path of the split debug information file inside Root.
	DWOFile string
}

// Remap computes the sandbox layout for outputFile,
// which may be absolute or relative to workingDir.
// workingDir must be absolute and outputFile must name a file.
func Remap(workingDir, outputFile, root string) (*Paths, error) {
	if outputFile == "" {
		return nil, fmt.Errorf("remap output: empty output file")
	}
	if !path.IsAbs(workingDir) {
		return nil, fmt.Errorf("remap output %s: working directory %q is not absolute", outputFile, workingDir)
	}
	if root == "" || !path.IsAbs(root) {
		return nil, fmt.Errorf("remap output %s: sandbox root %q is not absolute", outputFile, root)
	}

	fileDir, fileName := splitLast(outputFile)
	if fileName == "" || fileName == "." || fileName == ".." {
		return nil, fmt.Errorf("remap output %s: does not name a file", outputFile)
	}
	canonicalWorkingDir := Canonicalize(workingDir)
	var canonicalDir string
	if path.IsAbs(fileDir) {
		canonicalDir = Canonicalize(fileDir)
	} else {
		canonicalDir = Canonicalize(canonicalWorkingDir + "/" + fileDir)
	}
	objectPath := join(canonicalDir, fileName)

	p := &Paths{
		Root:           strings.TrimSuffix(Canonicalize(root), "/"),
		WorkingDir:     canonicalWorkingDir,
		RelativeOutput: Relative(objectPath, canonicalWorkingDir),
	}
	p.OutputDir = path.Clean(p.Root + canonicalDir)
	p.ObjectFile = join(p.OutputDir, fileName)
	p.DWOFile = DWOPath(p.ObjectFile)
	return p, nil
}

// splitLast splits p at its last slash.
// If p has no slash, dir is empty.
// A leading slash is kept as the directory "/".
func splitLast(p string) (dir, file string) {
	i := strings.LastIndexByte(p, '/')
	switch {
	case i < 0:
		return "", p
	case i == 0:
		return "/", p[1:]
	default:
		return p[:i], p[i+1:]
	}
}

func join(dir, file string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + file
	}
	return dir + "/" + file
}

// Canonicalize returns the shortest equivalent form of the absolute path p,
// resolving "." and ".." elements and removing duplicate and trailing slashes.
// ".." elements at the root are dropped, so the result never escapes "/".
// Canonicalize does not consult the filesystem: symbolic links are not resolved.
// Relative inputs are cleaned but otherwise returned as relative paths.
func Canonicalize(p string) string {
	return path.Clean(p)
}

// Relative returns target expressed relative to base.
// Both must be canonical absolute paths.
// The result never starts with a slash
// and uses ".." elements to climb out of base as needed.
func Relative(target, base string) string {
	targetParts := splitParts(target)
	baseParts := splitParts(base)
	common := 0
	for common < len(targetParts) && common < len(baseParts) && targetParts[common] == baseParts[common] {
		common++
	}
	parts := make([]string, 0, len(baseParts)-common+len(targetParts)-common)
	for range baseParts[common:] {
		parts = append(parts, "..")
	}
	parts = append(parts, targetParts[common:]...)
	if len(parts) == 0 {
		return "."
	}
	return strings.Join(parts, "/")
}

func splitParts(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// DWOPath returns the path of the split debug information file
// that a compiler writes next to the object file p:
// p with its extension replaced by [DWOExt].
// If the final element of p has no extension, DWOExt is appended.
func DWOPath(p string) string {
	dir, file := splitLast(p)
	if i := strings.LastIndexByte(file, '.'); i > 0 {
		file = file[:i]
	}
	file += DWOExt
	if dir == "" {
		return file
	}
	return join(dir, file)
}
