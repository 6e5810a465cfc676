// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"zb.256lights.llc/dcc/internal/daemon"
	"zb.256lights.llc/dcc/internal/dccproto"
	"zb.256lights.llc/dcc/internal/ledger"
	"zb.256lights.llc/dcc/internal/osutil"
	"zb.256lights.llc/dcc/internal/spawn"
	"zombiezen.com/go/log"
)

func newServeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve [options]",
		Short:                 "accept compile jobs",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringVar(&g.Listen, "listen", g.Listen, "TCP `address` to accept jobs on (ignored with socket activation)")
	c.Flags().StringVar(&g.StatusListen, "status-listen", g.StatusListen, "TCP `address` to serve status on (empty to disable)")
	c.Flags().StringVar(&g.Database, "db", g.Database, "`path` to job ledger database (empty to disable)")
	c.Flags().IntVar(&g.MaxJobs, "max-jobs", g.MaxJobs, "maximum `number` of concurrent jobs (default is the number of CPUs)")
	c.Flags().IntVar(&g.Nice, "nice", g.Nice, "scheduling `niceness` of workers")
	c.Flags().DurationVar(&g.JobRetention, "job-retention", g.JobRetention, "`duration` before deleting finished jobs from the ledger (0 to keep forever)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g)
	}
	return c
}

func runServe(ctx context.Context, g *globalConfig) error {
	if err := g.validate(); err != nil {
		return err
	}
	if osutil.IsRoot() {
		// Fail early rather than in every worker.
		if _, _, err := g.buildUserIDs(); err != nil {
			return err
		}
	}
	jobListener, statusListener, err := listen(g)
	if err != nil {
		return err
	}
	defer func() {
		if statusListener != nil {
			statusListener.Close()
		}
	}()

	var jobLedger *ledger.Ledger
	if g.Database != "" {
		if err := os.MkdirAll(filepath.Dir(g.Database), 0o755); err != nil {
			jobListener.Close()
			return err
		}
		jobLedger = ledger.Open(g.Database)
		defer func() {
			if err := jobLedger.Close(); err != nil {
				log.Errorf(ctx, "%v", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	spawner := &spawn.Spawner{
		Args: g.workerArgs(),
		Nice: g.Nice,
	}
	opts := &daemon.Options{
		Spawn: func(ctx context.Context, j *dccproto.CompileJob, client *os.File, pending []byte) (daemon.Process, error) {
			w, err := spawner.Spawn(ctx, j, client, pending)
			if err != nil {
				return nil, err
			}
			return w, nil
		},
		MaxJobs: g.MaxJobs,
		Metrics: daemon.NewMetrics(reg),
	}
	if jobLedger != nil {
		opts.Recorder = jobLedger
	}
	srv := daemon.New(opts)

	var wg sync.WaitGroup
	bgCtx, cancelBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		cancelBackground()
		wg.Wait()
	}()
	if jobLedger != nil && g.JobRetention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneLedger(bgCtx, jobLedger, g.JobRetention)
		}()
	}
	if statusListener != nil {
		httpServer := &http.Server{
			Handler: &statusServer{
				daemon:   srv,
				ledger:   jobLedger,
				gatherer: reg,
				started:  time.Now(),
			},
			BaseContext: func(net.Listener) context.Context { return bgCtx },
		}
		log.Infof(ctx, "Serving status on http://%s/", statusListener.Addr())
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := httpServer.Serve(statusListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf(ctx, "Status server: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			<-bgCtx.Done()
			if err := httpServer.Close(); err != nil {
				log.Errorf(ctx, "Status server: %v", err)
			}
		}()
		statusListener = nil
	}

	log.Infof(ctx, "Accepting jobs on %s (max %d concurrent)", jobListener.Addr(), srv.MaxJobs())
	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		log.Warnf(ctx, "Notify service manager: %v", err)
	}
	err = srv.Serve(ctx, jobListener)
	if ctx.Err() != nil {
		log.Infof(ctx, "Shutting down (signal received)...")
	}
	sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
	if n := len(srv.Active()); n > 0 {
		log.Infof(ctx, "Waiting for %d running jobs...", n)
	}
	srv.Wait()
	return err
}

// listen returns the listeners for jobs and status.
// Listeners passed by the service manager take precedence over the configured addresses:
// the first is used for jobs and the second, if present, for status.
// The status listener is nil if status is disabled.
func listen(g *globalConfig) (jobs, status net.Listener, err error) {
	activated, err := activation.Listeners()
	if err != nil {
		return nil, nil, fmt.Errorf("socket activation: %v", err)
	}
	switch {
	case len(activated) > 2:
		for _, l := range activated {
			if l != nil {
				l.Close()
			}
		}
		return nil, nil, fmt.Errorf("socket activation: got %d sockets (want at most 2)", len(activated))
	case len(activated) == 2:
		if activated[0] == nil || activated[1] == nil {
			return nil, nil, fmt.Errorf("socket activation: non-listening socket passed")
		}
		return activated[0], activated[1], nil
	case len(activated) == 1:
		if activated[0] == nil {
			return nil, nil, fmt.Errorf("socket activation: non-listening socket passed")
		}
		jobs = activated[0]
	default:
		jobs, err = net.Listen("tcp", g.Listen)
		if err != nil {
			return nil, nil, err
		}
	}
	if g.StatusListen != "" {
		status, err = net.Listen("tcp", g.StatusListen)
		if err != nil {
			jobs.Close()
			return nil, nil, err
		}
	}
	return jobs, status, nil
}

// pruneLedger periodically deletes jobs that ended longer than window ago.
func pruneLedger(ctx context.Context, l *ledger.Ledger, window time.Duration) {
	ticker := time.NewTicker(min(time.Hour, window))
	defer ticker.Stop()

	t := time.Now()
	for {
		cutoff := t.Add(-window)
		log.Debugf(ctx, "Pruning jobs older than %v...", cutoff.UTC())
		if n, err := l.Prune(ctx, cutoff); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf(ctx, "Failed to prune job ledger: %v", err)
		} else if n > 0 {
			log.Infof(ctx, "Deleted %d jobs older than %v", n, cutoff.Truncate(time.Millisecond).UTC())
		}

		select {
		case t = <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
