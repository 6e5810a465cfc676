// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// dccd is a distributed compile daemon.
// It accepts preprocessed compile jobs from clients over the network,
// runs each job in its own worker process inside an installed toolchain environment,
// and streams the resulting object files back.
package main

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "dccd",
		Short:         "distributed compile daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	err := g.mergeFiles(slices.Values(configSearchPaths()))
	if err == nil {
		err = g.mergeEnvironment()
	}
	if err != nil {
		initLogging(false, "dccd: ")
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().Var(configFileFlag{g}, "config", "merge configuration from `path` (can be passed multiple times)")
	rootCommand.PersistentFlags().BoolVar(&g.Debug, "debug", g.Debug, "show debugging output")
	rootCommand.PersistentFlags().StringVar(&g.EnvironmentDirectory, "environment-directory", g.EnvironmentDirectory, "`dir`ectory containing installed toolchain environments")
	rootCommand.PersistentFlags().StringVar(&g.TempDirectory, "temp-directory", g.TempDirectory, "`dir`ectory to compile in (default is the system temporary directory)")
	rootCommand.PersistentFlags().Int64Var(&g.MemoryLimit, "memory-limit", g.MemoryLimit, "maximum compiler address space in `MiB` (0 for no limit)")
	rootCommand.PersistentFlags().DurationVar(&g.TimeLimit, "time-limit", g.TimeLimit, "maximum `duration` of a compiler run (0 for no limit)")
	rootCommand.PersistentFlags().StringVar(&g.BuildUser, "build-user", g.BuildUser, "`user` to run jobs as when running as root")
	rootCommand.PersistentFlags().BoolVar(&g.KeepOnSuccess, "keep-on-success", g.KeepOnSuccess, "leave output files on disk after successful jobs")
	rootCommand.PersistentFlags().BoolVar(&g.CompressChunks, "compress-chunks", g.CompressChunks, "compress file chunks with bzip2")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug, "dccd: ")
		return nil
	}

	rootCommand.AddCommand(
		newServeCommand(g),
		newWorkerCommand(g),
		newCompileCommand(g),
		newVersionCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err = rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(g.Debug, "dccd: ")
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool, prefix string) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, prefix, log.StdFlags, nil),
		})
	})
}
