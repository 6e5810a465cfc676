// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package spawn starts compile jobs in isolated worker processes.
//
// The parent calls [Spawner.Spawn], which re-executes a program
// (by default, the running executable) with the client connection
// and the write end of a notification pipe as inherited descriptors.
// The job and any bytes already read from the client
// are sent to the worker on its standard input.
// The worker calls [Attach] to recover them.
package spawn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	jsonv2 "github.com/go-json-experiment/json"
	"zb.256lights.llc/dcc/internal/dccproto"
	"zb.256lights.llc/dcc/internal/exitcode"
	"zb.256lights.llc/dcc/internal/jobstats"
	"zombiezen.com/go/log"
)

// Environment variables set for the worker process.
const (
	NotifyFDEnv = "DCCD_WORKER_NOTIFY_FD"
	ClientFDEnv = "DCCD_WORKER_CLIENT_FD"
	NiceEnv     = "DCCD_WORKER_NICE"
)

// Descriptor numbers of the inherited files in the worker.
// They follow standard input, output, and error.
const (
	notifyFD = 3
	clientFD = 4
)

// setup is the payload written to the worker's standard input.
type setup struct {
	Job     *dccproto.CompileJob `json:"job"`
	Pending []byte               `json:"pending,omitzero"`
}

// A Spawner starts worker processes.
type Spawner struct {
	// Path is the program to run.
	// If empty, the running executable is used.
	Path string
	// Args are the arguments passed to the program.
	Args []string
	// Env holds additional environment variables for the worker
	// in "key=value" form.
	// The worker otherwise inherits the current environment.
	Env []string
	// Nice is the scheduling niceness the worker should run at.
	// Zero leaves the priority unchanged.
	Nice int
	// Stderr receives the worker's standard error.
	// If nil, the worker shares the current process's standard error.
	Stderr io.Writer
}

// Worker is a handle to a running worker process.
type Worker struct {
	// Notify is the read end of the worker's notification pipe.
	// It is closed by [*Worker.Wait].
	Notify *os.File

	cmd       *exec.Cmd
	waitOnce  sync.Once
	waitCode  int
	waitError error
}

// Spawn starts a worker process for j.
// client is the connection to the requesting client
// and pending holds any bytes already read from it past the job message.
// The worker receives its own copy of client;
// the caller should close its copy once Spawn returns.
func (s *Spawner) Spawn(ctx context.Context, j *dccproto.CompileJob, client *os.File, pending []byte) (*Worker, error) {
	payload, err := jsonv2.Marshal(&setup{Job: j, Pending: pending})
	if err != nil {
		return nil, fmt.Errorf("spawn worker for job %d: %v", j.JobID, err)
	}
	path := s.Path
	if path == "" {
		path, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("spawn worker for job %d: %v", j.JobID, err)
		}
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spawn worker for job %d: %v", j.JobID, err)
	}

	c := exec.Command(path, s.Args...)
	c.Env = append(os.Environ(), s.Env...)
	c.Env = append(c.Env,
		NotifyFDEnv+"="+strconv.Itoa(notifyFD),
		ClientFDEnv+"="+strconv.Itoa(clientFD),
	)
	if s.Nice != 0 {
		c.Env = append(c.Env, NiceEnv+"="+strconv.Itoa(s.Nice))
	}
	c.Stdin = bytes.NewReader(payload)
	c.Stderr = s.Stderr
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	c.ExtraFiles = []*os.File{pw, client}
	startErr := c.Start()
	// The worker holds the only write end from here on,
	// so the read end sees EOF when the worker exits.
	pw.Close()
	if startErr != nil {
		pr.Close()
		return nil, fmt.Errorf("spawn worker for job %d: %w", j.JobID, startErr)
	}
	log.Debugf(ctx, "Started worker process %d for job %d", c.Process.Pid, j.JobID)
	return &Worker{
		Notify: pr,
		cmd:    c,
	}, nil
}

// Pid returns the worker's process ID.
func (w *Worker) Pid() int {
	return w.cmd.Process.Pid
}

// ReadStats reads the job statistics from the notification pipe.
// If the worker exited without reporting statistics,
// ReadStats returns (nil, nil).
func (w *Worker) ReadStats() (*jobstats.Stats, error) {
	s, err := jobstats.Read(w.Notify)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read statistics from worker %d: %w", w.Pid(), err)
	}
	return s, nil
}

// Wait waits for the worker to exit and returns its exit status.
// A worker that was terminated by a signal
// reports [exitcode.DistccFailed] along with an error.
// Wait may be called multiple times.
func (w *Worker) Wait() (int, error) {
	w.waitOnce.Do(func() {
		err := w.cmd.Wait()
		w.Notify.Close()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			w.waitCode = exitcode.OK
		case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
			w.waitCode = exitErr.ExitCode()
		default:
			w.waitCode = exitcode.DistccFailed
			w.waitError = fmt.Errorf("worker %d: %w", w.Pid(), err)
		}
	})
	return w.waitCode, w.waitError
}
