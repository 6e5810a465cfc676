// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package daemon accepts compile jobs from clients
// and runs each one in its own worker process.
package daemon

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"zb.256lights.llc/dcc/internal/dccproto"
	"zb.256lights.llc/dcc/internal/exitcode"
	"zb.256lights.llc/dcc/internal/jobstats"
	"zb.256lights.llc/dcc/internal/ledger"
	"zb.256lights.llc/dcc/internal/system"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

// DefaultJobTimeout is the default time allowed for a client
// to send its job after connecting.
const DefaultJobTimeout = 30 * time.Second

// Process is a running worker.
// [*spawn.Worker] implements Process.
type Process interface {
	Pid() int
	// ReadStats returns the job statistics reported by the worker,
	// or (nil, nil) if the worker exited without reporting any.
	ReadStats() (*jobstats.Stats, error)
	// Wait waits for the worker to exit and returns its exit status.
	Wait() (int, error)
}

// SpawnFunc starts a worker for a job.
// client is the daemon's copy of the client connection,
// which the daemon closes after SpawnFunc returns.
// pending holds bytes that were read from the client past the job message.
type SpawnFunc func(ctx context.Context, j *dccproto.CompileJob, client *os.File, pending []byte) (Process, error)

// Recorder stores finished jobs.
// [*ledger.Ledger] implements Recorder.
type Recorder interface {
	Record(ctx context.Context, e *ledger.Entry) error
}

// Options is the set of parameters to [New].
type Options struct {
	// Spawn starts worker processes. It must not be nil.
	Spawn SpawnFunc
	// MaxJobs is the maximum number of concurrent jobs.
	// If zero or negative, the number of CPUs is used.
	MaxJobs int
	// JobTimeout bounds the time a client has to send its job.
	// If zero, DefaultJobTimeout is used.
	JobTimeout time.Duration
	// Recorder, if not nil, receives every finished job.
	Recorder Recorder
	// Metrics, if not nil, is updated as jobs run.
	Metrics *Metrics
}

// ActiveJob describes a job that is running.
type ActiveJob struct {
	ID        uuid.UUID
	Job       *dccproto.CompileJob
	Client    string
	Pid       int
	StartedAt time.Time
}

// Server runs compile jobs for clients.
type Server struct {
	spawn      SpawnFunc
	sem        *semaphore.Weighted
	maxJobs    int
	jobTimeout time.Duration
	recorder   Recorder
	metrics    *Metrics

	wg       sync.WaitGroup
	activeMu sync.Mutex
	active   map[uuid.UUID]*ActiveJob
}

// New returns a new server.
func New(opts *Options) *Server {
	s := &Server{
		spawn:      opts.Spawn,
		maxJobs:    opts.MaxJobs,
		jobTimeout: cmp.Or(opts.JobTimeout, DefaultJobTimeout),
		recorder:   opts.Recorder,
		metrics:    opts.Metrics,
		active:     make(map[uuid.UUID]*ActiveJob),
	}
	if s.maxJobs <= 0 {
		s.maxJobs = system.NumCPU()
	}
	s.sem = semaphore.NewWeighted(int64(s.maxJobs))
	return s
}

// MaxJobs returns the maximum number of concurrent jobs.
func (s *Server) MaxJobs() int {
	return s.maxJobs
}

// Serve accepts connections on l until ctx is done, then closes l.
// A new connection is only accepted once a job slot is free.
// Serve returns nil if it stopped because ctx is done.
// Jobs that have already started keep running;
// call [*Server.Wait] to wait for them.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	closer := xcontext.CloseWhenDone(ctx, l)
	defer closer.Close()
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := l.Accept()
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("serve: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handle(ctx, conn)
		}()
	}
}

// Wait waits for all jobs started by [*Server.Serve] to finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Active returns the running jobs, oldest first.
func (s *Server) Active() []ActiveJob {
	s.activeMu.Lock()
	jobs := make([]ActiveJob, 0, len(s.active))
	for _, j := range s.active {
		jobs = append(jobs, *j)
	}
	s.activeMu.Unlock()
	slices.SortFunc(jobs, func(a, b ActiveJob) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), slices.Compare(a.ID[:], b.ID[:]))
	})
	return jobs
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	id := uuid.New()
	start := time.Now()
	client := conn.RemoteAddr().String()
	// The connection is closed early if the server stops
	// before the job is handed off.
	closer := xcontext.CloseWhenDone(ctx, conn)
	defer closer.Close()

	j, pending, err := s.readJob(conn)
	if err != nil {
		log.Warnf(ctx, "Rejected connection from %s: %v", client, err)
		s.metrics.jobRejected()
		return
	}
	log.Debugf(ctx, "Job %v: received job %d from %s (%s, %s)", id, j.JobID, client, j.TargetPlatform, j.EnvironmentVersion)

	entry := &ledger.Entry{
		ID:           id,
		JobID:        j.JobID,
		Client:       client,
		Platform:     j.TargetPlatform,
		Environment:  j.EnvironmentVersion,
		Compiler:     j.Compiler,
		OutputFile:   j.OutputFile,
		DWARFFission: j.DWARFFission,
		StartedAt:    start,
	}
	s.metrics.jobStarted()
	entry.Status, entry.Stats = s.run(ctx, id, entry, conn, closer, j, pending)
	entry.EndedAt = time.Now()
	s.metrics.jobFinished(entry.Status, entry.EndedAt.Sub(start), entry.Stats)
	log.Infof(ctx, "Job %v: job %d from %s finished with status %d in %v",
		id, j.JobID, client, entry.Status, entry.EndedAt.Sub(start).Round(time.Millisecond))

	if s.recorder != nil {
		if err := s.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
			log.Warnf(ctx, "%v", err)
		}
	}
}

// run hands the connection to a new worker and waits for it to finish.
func (s *Server) run(ctx context.Context, id uuid.UUID, entry *ledger.Entry, conn net.Conn, closer io.Closer, j *dccproto.CompileJob, pending []byte) (int, *jobstats.Stats) {
	f, err := connFile(conn)
	if err != nil {
		log.Errorf(ctx, "Job %v: %v", id, err)
		reject(ctx, conn, "could not start worker")
		return exitcode.DistccFailed, nil
	}
	proc, err := s.spawn(ctx, j, f, pending)
	f.Close()
	if err != nil {
		log.Errorf(ctx, "Job %v: %v", id, err)
		reject(ctx, conn, "could not start worker")
		closer.Close()
		return exitcode.DistccFailed, nil
	}
	// The worker owns the connection from here on.
	closer.Close()

	s.activeMu.Lock()
	s.active[id] = &ActiveJob{
		ID:        id,
		Job:       j,
		Client:    entry.Client,
		Pid:       proc.Pid(),
		StartedAt: entry.StartedAt,
	}
	s.activeMu.Unlock()
	defer func() {
		s.activeMu.Lock()
		delete(s.active, id)
		s.activeMu.Unlock()
	}()

	stats, err := proc.ReadStats()
	if err != nil {
		log.Warnf(ctx, "Job %v: %v", id, err)
	}
	code, err := proc.Wait()
	if err != nil {
		log.Warnf(ctx, "Job %v: %v", id, err)
	}
	return code, stats
}

// reject tells the client that its job will not run.
func reject(ctx context.Context, conn net.Conn, text string) {
	if err := dccproto.NewConn(conn, nil).Send(&dccproto.StatusText{Text: text}); err != nil {
		log.Debugf(ctx, "Send rejection to %v: %v", conn.RemoteAddr(), err)
	}
}

// readJob reads the job message from a new connection.
// It returns the job along with any bytes read past it.
func (s *Server) readJob(conn net.Conn) (*dccproto.CompileJob, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.jobTimeout)); err != nil {
		return nil, nil, fmt.Errorf("read job: %v", err)
	}
	dc := dccproto.NewConn(conn, nil)
	msg, err := dc.Receive()
	if err != nil {
		return nil, nil, fmt.Errorf("read job: %w", err)
	}
	j, ok := msg.(*dccproto.CompileJob)
	if !ok {
		dc.Send(&dccproto.StatusText{Text: "expected compile job, got " + msg.ContentType()})
		return nil, nil, fmt.Errorf("read job: unexpected %s message", msg.ContentType())
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, nil, fmt.Errorf("read job: %v", err)
	}
	return j, dc.Buffered(), nil
}

// connFile returns a duplicate of the connection's file descriptor.
func connFile(conn net.Conn) (*os.File, error) {
	fc, ok := conn.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("%T connection cannot be passed to a worker", conn)
	}
	f, err := fc.File()
	if err != nil {
		return nil, fmt.Errorf("pass connection to worker: %v", err)
	}
	return f, nil
}
