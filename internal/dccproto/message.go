// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package dccproto implements the message channel
// between a compile client and a compile daemon.
//
// Each message is a block of MIME-style header lines terminated by a blank line,
// followed by exactly Content-Length bytes of body.
// The Content-Type header selects the kind of message.
package dccproto

// Content types of the message kinds.
const (
	CompileJobType    = "application/x-dcc-job+json"
	StatusTextType    = "text/plain; charset=utf-8"
	CompileResultType = "application/x-dcc-result+json"
	FileChunkType     = "application/octet-stream"
	EndType           = "application/x-dcc-end"
)

// Message is implemented by all the message kinds:
// [*CompileJob], [*StatusText], [*CompileResult], [*FileChunk], and [*End].
type Message interface {
	ContentType() string
}

// CompileJob is a single compile request from a client.
type CompileJob struct {
	JobID uint32 `json:"jobID"`
	// TargetPlatform and EnvironmentVersion select the installed toolchain environment.
	TargetPlatform     string `json:"targetPlatform"`
	EnvironmentVersion string `json:"environmentVersion"`
	// WorkingDirectory is the client's absolute working directory.
	WorkingDirectory string `json:"workingDirectory"`
	// OutputFile is the client's output path,
	// either absolute or relative to WorkingDirectory.
	OutputFile string `json:"outputFile"`
	// DWARFFission is true if the compiler will emit a split .dwo file.
	DWARFFission bool `json:"dwarfFission,omitzero"`

	// Compiler is the base name of the compiler executable in the environment,
	// like "gcc" or "clang++".
	Compiler string `json:"compiler,omitzero"`
	// Language is the source language given to the compiler's -x flag.
	Language string `json:"language,omitzero"`
	// Args are the compiler arguments, excluding the output and input files.
	Args []string `json:"args,omitempty"`
	// InputFile is the client's name for the source file, used in diagnostics.
	InputFile string `json:"inputFile,omitzero"`
}

// ContentType returns [CompileJobType].
func (*CompileJob) ContentType() string { return CompileJobType }

// StatusText is a human-readable diagnostic.
type StatusText struct {
	Text string
}

// ContentType returns [StatusTextType].
func (*StatusText) ContentType() string { return StatusTextType }

// CompileResult is the outcome of a compile job.
// It is sent exactly once per job, before any output file chunks.
type CompileResult struct {
	Status         int    `json:"status"`
	WasOutOfMemory bool   `json:"wasOutOfMemory"`
	HaveDWOFile    bool   `json:"haveDWOFile"`
	Stdout         string `json:"stdout,omitzero"`
	Stderr         string `json:"stderr,omitzero"`
}

// ContentType returns [CompileResultType].
func (*CompileResult) ContentType() string { return CompileResultType }

// FileChunk is a piece of a file being transferred.
type FileChunk struct {
	Data []byte
	// WireLength is the number of body bytes the chunk occupied on the wire.
	// It differs from len(Data) when the chunk was compressed.
	// [Conn.Send] and [Conn.Receive] fill it in.
	WireLength int
}

// ContentType returns [FileChunkType].
func (*FileChunk) ContentType() string { return FileChunkType }

// End marks the end of a file transfer.
type End struct{}

// ContentType returns [EndType].
func (*End) ContentType() string { return EndType }
