// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"zb.256lights.llc/dcc/internal/artifact"
	"zb.256lights.llc/dcc/internal/exitcode"
	"zb.256lights.llc/dcc/internal/jobstats"
	"zb.256lights.llc/dcc/internal/osutil"
	"zombiezen.com/go/log"
)

// DefaultCompiler is the compiler used when a job does not name one.
const DefaultCompiler = "gcc"

// maxOutput is the most compiler output kept per stream.
const maxOutput = 1 << 20

// Exec runs the compiler as a subprocess.
// The zero value is ready to use.
type Exec struct {
	// SearchDirs are the directories inside the environment root
	// searched for the compiler, in order.
	// If empty, "usr/bin" and "bin" are searched.
	SearchDirs []string
	// WaitDelay is passed to [exec.Cmd].
	// If zero, a few seconds are used.
	WaitDelay time.Duration
}

// Run compiles the job's source, which it receives from inv.Source.
// A compiler that exits with a nonzero status is not an error:
// the status is reported in the result.
// Run returns an [*ExitError] if the compiler could not be run,
// crashed, ran out of resources, or the source could not be received.
// Partial results are returned along with an error when available.
func (e *Exec) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	start := time.Now()
	res := new(Result)

	compilerPath, err := e.find(inv)
	if err != nil {
		return res, &ExitError{Code: exitcode.CompilerMissing, Err: err}
	}
	if inv.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.TimeLimit)
		defer cancel()
	}

	c := exec.CommandContext(ctx, compilerPath, commandArgs(inv)...)
	setCancelFunc(c)
	c.WaitDelay = e.WaitDelay
	if c.WaitDelay == 0 {
		c.WaitDelay = 5 * time.Second
	}
	c.Dir = filepath.FromSlash(inv.Dir())
	c.Env = commandEnv(inv)
	stdout := &cappedBuffer{max: maxOutput}
	stderr := &cappedBuffer{max: maxOutput}
	c.Stdout = stdout
	c.Stderr = stderr
	stdin, err := c.StdinPipe()
	if err != nil {
		return res, &ExitError{Code: exitcode.DistccFailed, Err: err}
	}

	log.Debugf(ctx, "Running %s in %s", compilerPath, c.Dir)
	if err := c.Start(); err != nil {
		stdin.Close()
		return res, &ExitError{Code: exitcode.CompilerMissing, Err: err}
	}
	if inv.MemoryLimit > 0 {
		if err := limitMemory(c.Process.Pid, inv.MemoryLimit); err != nil {
			log.Warnf(ctx, "Could not limit compiler memory: %v", err)
		}
	}

	recvErr := feedSource(stdin, inv.Source, &res.Stats)
	if recvErr != nil {
		c.Process.Kill()
	}
	waitErr := c.Wait()

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Stats.Set(jobstats.RealMsec, uint64(time.Since(start).Milliseconds()))
	fillUsage(&res.Stats, c.ProcessState)

	if recvErr != nil {
		code := exitcode.ProtocolError
		if errors.Is(recvErr, io.ErrUnexpectedEOF) {
			code = exitcode.ClientDisconnect
		}
		return res, &ExitError{Code: code, Err: fmt.Errorf("receive source: %w", recvErr)}
	}
	if ctxErr := ctx.Err(); ctxErr != nil && waitErr != nil {
		return res, &ExitError{Code: exitcode.DistccFailed, Err: fmt.Errorf("compiler stopped: %w", ctxErr)}
	}
	if code := classifyOutput(res.Stderr); code != exitcode.OK && waitErr != nil {
		return res, &ExitError{Code: code, Err: waitErr}
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		if sig, killed := signaled(exitErr.ProcessState); killed {
			if inv.MemoryLimit > 0 && isMemorySignal(sig) {
				return res, &ExitError{Code: exitcode.OutOfMemory, Err: waitErr}
			}
			return res, &ExitError{Code: exitcode.CompilerCrashed, Err: waitErr}
		}
		res.Status = exitErr.ExitCode()
	default:
		return res, &ExitError{Code: exitcode.DistccFailed, Err: waitErr}
	}
	res.Stats.Set(jobstats.ExitCode, uint64(res.Status))
	return res, nil
}

func (e *Exec) find(inv *Invocation) (string, error) {
	name := inv.Job.Compiler
	if name == "" {
		name = DefaultCompiler
	}
	if strings.ContainsRune(name, '/') || name == "." || name == ".." {
		return "", fmt.Errorf("compiler %q is not a plain name", name)
	}
	searchDirs := e.SearchDirs
	if len(searchDirs) == 0 {
		searchDirs = []string{"usr/bin", "bin"}
	}
	return osutil.FirstPresentFile(func(yield func(string) bool) {
		for _, dir := range searchDirs {
			if !yield(filepath.Join(inv.EnvRoot, filepath.FromSlash(dir), name)) {
				return
			}
		}
	})
}

// commandArgs returns the compiler arguments.
// The source is read from standard input.
func commandArgs(inv *Invocation) []string {
	args := slices.Clone(inv.Job.Args)
	if inv.Root != "" {
		// Record client paths in debug information.
		args = append(args, "-fdebug-prefix-map="+inv.Root+"=")
	}
	args = append(args, "-o", inv.OutputPath)
	args = append(args, "-x", language(inv.Job.Language, inv.Job.Compiler), "-")
	return args
}

func language(lang, compiler string) string {
	if lang != "" {
		return lang
	}
	if strings.HasSuffix(compiler, "++") {
		return "c++-cpp-output"
	}
	return "cpp-output"
}

func commandEnv(inv *Invocation) []string {
	env := []string{
		"PATH=" + filepath.Join(inv.EnvRoot, "usr", "bin") + string(filepath.ListSeparator) + filepath.Join(inv.EnvRoot, "bin"),
		"LANG=C",
		"LC_ALL=C",
	}
	if inv.TempDir != "" {
		env = append(env, "TMPDIR="+inv.TempDir)
	}
	return env
}

// feedSource copies the job's source to the compiler's standard input.
// The client's chunks are always drained,
// even if the compiler stops reading early.
func feedSource(stdin io.WriteCloser, src artifact.Receiver, stats *jobstats.Stats) error {
	if src == nil {
		return stdin.Close()
	}
	w := &drainWriter{w: stdin}
	s, err := artifact.Receive(w, src)
	stats.Add(jobstats.InCompressed, uint64(s.WireSize))
	stats.Add(jobstats.InUncompressed, uint64(s.Size))
	stdin.Close()
	return err
}

// drainWriter forwards writes to w until the first error,
// then silently discards the rest.
type drainWriter struct {
	w   io.Writer
	err error
}

func (dw *drainWriter) Write(p []byte) (int, error) {
	if dw.err == nil {
		_, dw.err = dw.w.Write(p)
	}
	return len(p), nil
}

// classifyOutput inspects compiler diagnostics for resource exhaustion.
// It returns [exitcode.OK] if none is found.
func classifyOutput(stderr string) int {
	switch {
	case strings.Contains(stderr, "virtual memory exhausted"),
		strings.Contains(stderr, "out of memory"),
		strings.Contains(stderr, "Cannot allocate memory"):
		return exitcode.OutOfMemory
	case strings.Contains(stderr, "No space left on device"):
		return exitcode.IOError
	default:
		return exitcode.OK
	}
}

// cappedBuffer is a [bytes.Buffer] that stops growing at max bytes.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (cb *cappedBuffer) Write(p []byte) (int, error) {
	if room := cb.max - cb.buf.Len(); room > 0 {
		cb.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (cb *cappedBuffer) String() string {
	return cb.buf.String()
}
