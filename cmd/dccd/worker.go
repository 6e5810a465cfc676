// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"zb.256lights.llc/dcc/internal/compiler"
	"zb.256lights.llc/dcc/internal/dccproto"
	"zb.256lights.llc/dcc/internal/exitcode"
	"zb.256lights.llc/dcc/internal/jobenv"
	"zb.256lights.llc/dcc/internal/osutil"
	"zb.256lights.llc/dcc/internal/spawn"
	"zb.256lights.llc/dcc/internal/tempfile"
	"zb.256lights.llc/dcc/internal/worker"
	"zombiezen.com/go/log"
)

func newWorkerCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "worker",
		Short:                 "run a single job handed off by serve",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		Hidden:                true,
		SilenceErrors:         true,
		SilenceUsage:          true,
		// Logging is initialized once the job is known.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		os.Exit(runWorker(cmd.Context(), g))
		return nil
	}
	return c
}

// runWorker runs the job passed by the parent and returns the process exit status.
func runWorker(ctx context.Context, g *globalConfig) int {
	if !spawn.IsWorker() {
		initLogging(g.Debug, "dccd worker: ")
		log.Errorf(ctx, "worker must be started by dccd serve")
		return exitcode.BadArguments
	}
	att, err := spawn.Attach(os.Stdin)
	if err != nil {
		initLogging(g.Debug, "dccd worker: ")
		log.Errorf(ctx, "%v", err)
		return exitcode.DistccFailed
	}
	initLogging(g.Debug, fmt.Sprintf("dccd[job %d]: ", att.Job.JobID))
	if err := spawn.SetNice(att.Nice); err != nil {
		log.Warnf(ctx, "%v", err)
	}

	conn := dccproto.NewConn(att.Client, &dccproto.ConnOptions{
		Pending:        att.Pending,
		CompressChunks: g.CompressChunks,
	})
	opts, err := g.workerOptions()
	if err != nil {
		log.Errorf(ctx, "%v", err)
		conn.Close()
		att.Notify.Close()
		return exitcode.SetuidFailed
	}
	opts.Notify = att.Notify
	err = worker.Run(ctx, att.Job, conn, opts)
	code := exitcode.Of(err)
	var werr *worker.Error
	switch {
	case err == nil:
		log.Debugf(ctx, "Job finished")
	case errors.As(err, &werr) && werr.Kind == worker.CompilerFailure && !exitcode.IsSentinel(code):
		log.Infof(ctx, "%v", err)
	default:
		log.Errorf(ctx, "%v", err)
	}
	return code
}

func (g *globalConfig) workerOptions() (*worker.Options, error) {
	opts := &worker.Options{
		BaseDir:       g.EnvironmentDirectory,
		Allocator:     &tempfile.Allocator{Root: g.TempDirectory},
		Runner:        new(compiler.Exec),
		MemoryLimit:   g.MemoryLimit << 20,
		TimeLimit:     g.TimeLimit,
		KeepOnSuccess: g.KeepOnSuccess,
	}
	if osutil.IsRoot() {
		uid, gid, err := g.buildUserIDs()
		if err != nil {
			return nil, err
		}
		opts.Environment = jobenv.Chroot{UID: uid, GID: gid}
	} else {
		opts.Environment = jobenv.Chdir{}
	}
	return opts, nil
}
