// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package worker runs a single compile job to completion:
// it validates the toolchain environment, prepares a private output location,
// runs the compiler, reports the result to the client and the parent process,
// and streams the output files back to the client.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"zb.256lights.llc/dcc/internal/artifact"
	"zb.256lights.llc/dcc/internal/compiler"
	"zb.256lights.llc/dcc/internal/dccproto"
	"zb.256lights.llc/dcc/internal/exitcode"
	"zb.256lights.llc/dcc/internal/jobstats"
	"zb.256lights.llc/dcc/internal/osutil"
	"zb.256lights.llc/dcc/internal/remap"
	"zb.256lights.llc/dcc/internal/tempfile"
	"zb.256lights.llc/dcc/internal/xio"
	"zombiezen.com/go/log"
)

// Conn is the message channel to the client.
// [*dccproto.Conn] implements Conn.
type Conn interface {
	Send(msg dccproto.Message) error
	Receive() (dccproto.Message, error)
	Close() error
}

// Environment makes an installed toolchain environment available to the job.
type Environment interface {
	// Prepare enters the environment directory dir
	// and returns the path of the environment's root directory
	// as seen by the process afterward.
	Prepare(ctx context.Context, dir string) (root string, err error)
}

// Runner runs the compiler.
// [*compiler.Exec] implements Runner.
type Runner interface {
	// Run runs the compiler.
	// A compiler that ran but failed reports its status in the result.
	// Errors carry an exit code (see [exitcode.Of]);
	// [exitcode.OutOfMemory] and [exitcode.IOError] are treated as resource exhaustion.
	// Run may return a partial result along with an error.
	Run(ctx context.Context, inv *compiler.Invocation) (*compiler.Result, error)
}

// Options is the set of parameters to [Run].
type Options struct {
	// BaseDir is the directory that holds installed environments
	// in "target=<platform>/<version>" subdirectories.
	BaseDir string
	// Allocator allocates temporary names.
	// If nil, names are allocated in the system temporary directory.
	Allocator *tempfile.Allocator
	// Environment prepares the environment.
	// If nil, the environment directory is used as-is.
	Environment Environment
	// Runner runs the compiler.
	// If nil, a [*compiler.Exec] is used.
	Runner Runner
	// Notify receives the job statistics once the result is final.
	// Run closes it before returning.
	// If nil, statistics are not reported.
	Notify io.WriteCloser

	MemoryLimit int64
	TimeLimit   time.Duration

	// KeepOnSuccess leaves the output files and sandbox root on disk
	// after a successful job.
	KeepOnSuccess bool
	// ChunkSize is the maximum size of a file chunk message.
	// If zero, [artifact.ChunkSize] is used.
	ChunkSize int
}

type job struct {
	*dccproto.CompileJob
	conn   Conn
	opts   *Options
	notify io.Closer

	tempRoot string
	objFile  string
	dwoFile  string
	stats    jobstats.Stats
}

// Run runs the compile job j, communicating with the client over conn.
// Run takes ownership of conn and closes it before returning.
// On failure, Run returns an [*Error];
// [exitcode.Of] gives the process exit status in either case.
//
// On every return path, Run removes the output files
// and the sandbox root it created,
// unless the job succeeded and opts.KeepOnSuccess is set.
func Run(ctx context.Context, j *dccproto.CompileJob, conn Conn, opts *Options) (err error) {
	if opts == nil {
		opts = new(Options)
	}
	w := &job{
		CompileJob: j,
		conn:       conn,
		opts:       opts,
	}
	if opts.Notify != nil {
		w.notify = xio.CloseOnce(opts.Notify)
	}
	defer func() {
		w.cleanup(ctx, err == nil)
	}()

	envRoot, err := w.validateEnvironment(ctx)
	if err != nil {
		return err
	}
	inv, err := w.prepareSandbox(ctx)
	if err != nil {
		return err
	}
	inv.EnvRoot = envRoot
	result, runErr := w.compile(ctx, inv)
	if result == nil {
		return runErr
	}
	if err := w.report(ctx, result); err != nil {
		return err
	}
	switch {
	case result.WasOutOfMemory:
		return &Error{Kind: ResourceExhausted, Code: exitcode.OutOfMemory, Err: runErr}
	case result.Status != 0:
		return &Error{
			Kind: CompilerFailure,
			Code: result.Status,
			Err:  fmt.Errorf("compiler exited with status %d", result.Status),
		}
	}
	return w.stream(ctx, result)
}

func (w *job) allocator() *tempfile.Allocator {
	if w.opts.Allocator == nil {
		return new(tempfile.Allocator)
	}
	return w.opts.Allocator
}

// fail notifies the client of a failure and returns the corresponding error.
func (w *job) fail(ctx context.Context, kind Kind, code int, msg string, err error) *Error {
	if sendErr := w.conn.Send(&dccproto.StatusText{Text: msg}); sendErr != nil {
		log.Debugf(ctx, "Job %d: could not notify client: %v", w.JobID, sendErr)
	}
	if err == nil {
		err = errors.New(msg)
	} else {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	return &Error{Kind: kind, Code: code, Err: err}
}

func (w *job) validateEnvironment(ctx context.Context) (envRoot string, err error) {
	if w.EnvironmentVersion == "" {
		return "", w.fail(ctx, EnvironmentMissing, exitcode.DistccFailed, "empty environment", nil)
	}
	if !isPathElement(w.TargetPlatform) || !isPathElement(w.EnvironmentVersion) {
		msg := fmt.Sprintf("invalid environment %q for %q", w.EnvironmentVersion, w.TargetPlatform)
		return "", w.fail(ctx, EnvironmentMissing, exitcode.DistccFailed, msg, nil)
	}
	envDir := filepath.Join(w.opts.BaseDir, "target="+w.TargetPlatform, w.EnvironmentVersion)
	assembler := filepath.Join(envDir, "usr", "bin", "as")
	if err := unix.Access(assembler, unix.X_OK); err != nil {
		msg := assembler + " is not executable, installed environment removed?"
		return "", w.fail(ctx, EnvironmentMissing, exitcode.DistccFailed, msg, err)
	}

	envRoot = envDir
	if w.opts.Environment != nil {
		envRoot, err = w.opts.Environment.Prepare(ctx, envDir)
		if err != nil {
			return "", w.fail(ctx, EnvironmentMissing, exitcode.DistccFailed, "could not enter environment", err)
		}
	}
	tmpDir := w.allocator().RootDir()
	if err := unix.Access(tmpDir, unix.W_OK); err != nil {
		return "", w.fail(ctx, EnvironmentMissing, exitcode.DistccFailed, "can't write to "+tmpDir, err)
	}
	return envRoot, nil
}

func isPathElement(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\x00")
}

func (w *job) prepareSandbox(ctx context.Context) (*compiler.Invocation, error) {
	alloc := w.allocator()
	inv := &compiler.Invocation{
		Job:         w.CompileJob,
		TempDir:     alloc.RootDir(),
		MemoryLimit: w.opts.MemoryLimit,
		TimeLimit:   w.opts.TimeLimit,
		Source:      w.conn,
	}

	if !w.DWARFFission {
		obj, err := alloc.CreateFile(fmt.Sprintf("dcc-%d", w.JobID), ".o")
		if err != nil {
			return nil, w.fail(ctx, IOError, exitcode.IOError, "could not create temporary object file", err)
		}
		w.objFile = obj
		w.dwoFile = remap.DWOPath(obj)
		inv.WorkingDir = filepath.Dir(obj)
		inv.OutputPath = filepath.Base(obj)
		return inv, nil
	}

	root, err := alloc.MkdirTemp()
	if err != nil {
		return nil, w.fail(ctx, IOError, exitcode.IOError, "could not create temporary directory", err)
	}
	w.tempRoot = root
	paths, err := remap.Remap(w.WorkingDirectory, w.OutputFile, filepath.ToSlash(root))
	if err != nil {
		return nil, w.fail(ctx, IOError, exitcode.IOError, "invalid output file", err)
	}
	w.objFile = filepath.FromSlash(paths.ObjectFile)
	w.dwoFile = filepath.FromSlash(paths.DWOFile)
	if err := os.MkdirAll(filepath.FromSlash(paths.OutputDir), 0o700); err != nil {
		return nil, w.fail(ctx, IOError, exitcode.IOError, "could not create object file location in tmp directory", err)
	}
	if err := os.MkdirAll(filepath.FromSlash(paths.Root+paths.WorkingDir), 0o700); err != nil {
		return nil, w.fail(ctx, IOError, exitcode.IOError, "could not create compiler working directory in tmp directory", err)
	}
	log.Debugf(ctx, "Job %d: building %s in %s as %s", w.JobID, w.OutputFile, root, paths.RelativeOutput)
	inv.Root = paths.Root
	inv.WorkingDir = paths.WorkingDir
	inv.OutputPath = paths.RelativeOutput
	return inv, nil
}

// compile runs the compiler and builds the result message.
// If the result is nil, the job has failed.
// If the result is not nil and the error is not nil,
// the compiler ran out of resources.
func (w *job) compile(ctx context.Context, inv *compiler.Invocation) (*dccproto.CompileResult, error) {
	runner := w.opts.Runner
	if runner == nil {
		runner = new(compiler.Exec)
	}
	res, err := runner.Run(ctx, inv)
	if res != nil {
		w.stats = res.Stats
	}
	result := new(dccproto.CompileResult)
	if err != nil {
		code := exitcode.Of(err)
		if !exitcode.IsResourceExhaustion(code) {
			return nil, &Error{Kind: CompilerFailure, Code: code, Err: err}
		}
		log.Infof(ctx, "Job %d: out of resources: %v", w.JobID, err)
		result.WasOutOfMemory = true
	} else if res != nil {
		result.Status = res.Status
	}
	if res != nil {
		result.Stdout = res.Stdout
		result.Stderr = res.Stderr
	}
	return result, err
}

// report sends the result to the client and the statistics to the parent.
func (w *job) report(ctx context.Context, result *dccproto.CompileResult) error {
	if info, err := os.Stat(w.objFile); err == nil {
		w.stats.Add(jobstats.OutUncompressed, uint64(info.Size()))
	}
	if w.DWARFFission {
		if info, err := os.Stat(w.dwoFile); err == nil {
			result.HaveDWOFile = true
			w.stats.Add(jobstats.OutUncompressed, uint64(info.Size()))
		}
	}
	if err := w.conn.Send(result); err != nil {
		return &Error{Kind: TransportFailure, Code: exitcode.DistccFailed, Err: fmt.Errorf("send compile result: %w", err)}
	}

	if w.notify != nil {
		if _, err := w.stats.WriteTo(w.opts.Notify); err != nil {
			log.Warnf(ctx, "Job %d: %v", w.JobID, err)
		}
		if err := w.notify.Close(); err != nil {
			log.Warnf(ctx, "Job %d: close notification pipe: %v", w.JobID, err)
		}
	}
	return nil
}

func (w *job) stream(ctx context.Context, result *dccproto.CompileResult) error {
	files := []string{w.objFile}
	if result.HaveDWOFile {
		files = append(files, w.dwoFile)
	}
	for _, path := range files {
		stats, err := artifact.Send(w.conn, path, &artifact.Options{ChunkSize: w.opts.ChunkSize})
		var fileErr *artifact.FileError
		if errors.As(err, &fileErr) {
			return &Error{Kind: IOError, Code: exitcode.IOError, Err: err}
		}
		if err != nil {
			return &Error{Kind: TransportFailure, Code: exitcode.DistccFailed, Err: err}
		}
		log.Debugf(ctx, "Job %d: sent %s (%d bytes in %d chunks, %d bytes on wire)",
			w.JobID, filepath.Base(path), stats.Size, stats.Chunks, stats.WireSize)
	}
	return nil
}

func (w *job) cleanup(ctx context.Context, success bool) {
	if success && w.opts.KeepOnSuccess {
		log.Debugf(ctx, "Job %d: keeping %s", w.JobID, w.objFile)
	} else {
		for _, path := range []string{w.objFile, w.dwoFile} {
			if path == "" {
				continue
			}
			if err := osutil.RemoveIfExists(path); err != nil {
				log.Warnf(ctx, "Job %d: clean up: %v", w.JobID, err)
			}
		}
		if w.tempRoot != "" {
			if err := osutil.RemoveAll(w.tempRoot); err != nil {
				log.Warnf(ctx, "Job %d: clean up: %v", w.JobID, err)
			}
		}
	}
	if w.notify != nil {
		w.notify.Close()
	}
	if err := w.conn.Close(); err != nil {
		log.Debugf(ctx, "Job %d: close client connection: %v", w.JobID, err)
	}
}
