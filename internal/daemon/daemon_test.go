// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"zb.256lights.llc/dcc/internal/artifact"
	"zb.256lights.llc/dcc/internal/dccproto"
	"zb.256lights.llc/dcc/internal/exitcode"
	"zb.256lights.llc/dcc/internal/jobstats"
	"zb.256lights.llc/dcc/internal/ledger"
	"zb.256lights.llc/dcc/internal/testcontext"
	"zombiezen.com/go/log/testlog"
)

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}

type fakeProcess struct {
	pid   int
	done  chan struct{}
	stats *jobstats.Stats
	code  int
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) ReadStats() (*jobstats.Stats, error) {
	<-p.done
	return p.stats, nil
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

// echoSpawner runs jobs in goroutines.
// Each job echoes its source back as the object file.
type echoSpawner struct {
	// release, if not nil, is waited on before a job replies.
	release chan struct{}

	mu   sync.Mutex
	jobs []*dccproto.CompileJob
}

func (es *echoSpawner) spawn(ctx context.Context, j *dccproto.CompileJob, client *os.File, pending []byte) (Process, error) {
	c, err := net.FileConn(client)
	if err != nil {
		return nil, err
	}
	es.mu.Lock()
	es.jobs = append(es.jobs, j)
	p := &fakeProcess{pid: 1000 + len(es.jobs), done: make(chan struct{})}
	es.mu.Unlock()

	go func() {
		defer close(p.done)
		defer c.Close()
		if es.release != nil {
			<-es.release
		}
		dc := dccproto.NewConn(c, &dccproto.ConnOptions{Pending: pending})
		src := new(bytes.Buffer)
		in, err := artifact.Receive(src, dc)
		if err != nil {
			p.code = exitcode.ProtocolError
			return
		}
		if err := dc.Send(&dccproto.CompileResult{}); err != nil {
			p.code = exitcode.DistccFailed
			return
		}
		out, err := artifact.SendReader(dc, src, nil)
		if err != nil {
			p.code = exitcode.DistccFailed
			return
		}
		p.stats = new(jobstats.Stats)
		p.stats.Set(jobstats.InUncompressed, uint64(in.Size))
		p.stats.Set(jobstats.InCompressed, uint64(in.WireSize))
		p.stats.Set(jobstats.OutUncompressed, uint64(out.Size))
	}()
	return p, nil
}

func (es *echoSpawner) count() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.jobs)
}

type memRecorder struct {
	mu      sync.Mutex
	entries []*ledger.Entry
}

func (r *memRecorder) Record(ctx context.Context, e *ledger.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

type testServer struct {
	srv      *Server
	addr     string
	recorder *memRecorder
	metrics  *Metrics
	cancel   context.CancelFunc
	done     chan error
}

func startServer(ctx context.Context, t *testing.T, opts *Options) *testServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ts := &testServer{
		recorder: new(memRecorder),
		metrics:  NewMetrics(prometheus.NewRegistry()),
		done:     make(chan error, 1),
		addr:     l.Addr().String(),
	}
	opts.Recorder = ts.recorder
	opts.Metrics = ts.metrics
	ts.srv = New(opts)
	ctx, ts.cancel = context.WithCancel(ctx)
	go func() {
		ts.done <- ts.srv.Serve(ctx, l)
	}()
	t.Cleanup(func() { ts.stop(t) })
	return ts
}

// stop stops accepting connections and waits for running jobs.
func (ts *testServer) stop(t *testing.T) {
	t.Helper()
	if ts.cancel == nil {
		return
	}
	ts.cancel()
	ts.cancel = nil
	if err := <-ts.done; err != nil {
		t.Error("Serve:", err)
	}
	ts.srv.Wait()
}

func dial(t *testing.T, addr string) *dccproto.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	dc := dccproto.NewConn(c, nil)
	t.Cleanup(func() { dc.Close() })
	return dc
}

// submit sends a job with its source without waiting for a reply.
func submit(t *testing.T, dc *dccproto.Conn, j *dccproto.CompileJob, source string) {
	t.Helper()
	if err := dc.Send(j); err != nil {
		t.Fatal(err)
	}
	if _, err := artifact.SendReader(dc, bytes.NewReader([]byte(source)), nil); err != nil {
		t.Fatal(err)
	}
}

func receiveObject(t *testing.T, dc *dccproto.Conn) string {
	t.Helper()
	msg, err := dc.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if res, ok := msg.(*dccproto.CompileResult); !ok || res.Status != 0 {
		t.Fatalf("first reply = %#v; want successful result", msg)
	}
	obj := new(bytes.Buffer)
	if _, err := artifact.Receive(obj, dc); err != nil {
		t.Fatal(err)
	}
	return obj.String()
}

func TestServe(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	es := new(echoSpawner)
	ts := startServer(ctx, t, &Options{Spawn: es.spawn, MaxJobs: 2})

	const source = "int main(void) { return 0; }\n"
	j := &dccproto.CompileJob{
		JobID:              9,
		TargetPlatform:     "x86_64",
		EnvironmentVersion: "env.tar.gz",
		WorkingDirectory:   "/src",
		OutputFile:         "main.o",
	}
	dc := dial(t, ts.addr)
	// The source follows the job immediately,
	// so some of it is likely buffered by the daemon.
	submit(t, dc, j, source)
	if got := receiveObject(t, dc); got != source {
		t.Errorf("object = %q; want %q", got, source)
	}
	ts.stop(t)

	if diff := cmp.Diff([]*dccproto.CompileJob{j}, es.jobs); diff != "" {
		t.Errorf("spawned jobs (-want +got):\n%s", diff)
	}
	if len(ts.recorder.entries) != 1 {
		t.Fatalf("recorded %d jobs; want 1", len(ts.recorder.entries))
	}
	e := ts.recorder.entries[0]
	if e.JobID != 9 || e.Platform != "x86_64" || e.Environment != "env.tar.gz" || e.OutputFile != "main.o" {
		t.Errorf("recorded entry = %+v", e)
	}
	if e.Status != 0 {
		t.Errorf("recorded status = %d; want 0", e.Status)
	}
	if e.Stats == nil {
		t.Fatal("recorded entry has no statistics")
	}
	if got := e.Stats.Get(jobstats.OutUncompressed); got != uint32(len(source)) {
		t.Errorf("OutUncompressed = %d; want %d", got, len(source))
	}
	if e.EndedAt.Before(e.StartedAt) {
		t.Errorf("EndedAt (%v) before StartedAt (%v)", e.EndedAt, e.StartedAt)
	}

	if got := testutil.ToFloat64(ts.metrics.jobs.WithLabelValues(outcomeSuccess)); got != 1 {
		t.Errorf("successful jobs metric = %g; want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.active); got != 0 {
		t.Errorf("active jobs metric = %g; want 0", got)
	}
	if got := testutil.ToFloat64(ts.metrics.outBytes); got != float64(len(source)) {
		t.Errorf("output bytes metric = %g; want %d", got, len(source))
	}
}

func TestServeRejectsNonJob(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	es := new(echoSpawner)
	ts := startServer(ctx, t, &Options{Spawn: es.spawn})

	dc := dial(t, ts.addr)
	if err := dc.Send(&dccproto.StatusText{Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	msg, err := dc.Receive()
	if err != nil {
		t.Fatal(err)
	}
	want := &dccproto.StatusText{Text: "expected compile job, got " + dccproto.StatusTextType}
	if diff := cmp.Diff(want, msg); diff != "" {
		t.Errorf("reply (-want +got):\n%s", diff)
	}
	if _, err := dc.Receive(); err != io.EOF {
		t.Errorf("Receive() after rejection = _, %v; want _, %v", err, io.EOF)
	}
	ts.stop(t)

	if n := es.count(); n != 0 {
		t.Errorf("spawned %d workers; want 0", n)
	}
	if n := len(ts.recorder.entries); n != 0 {
		t.Errorf("recorded %d jobs; want 0", n)
	}
	if got := testutil.ToFloat64(ts.metrics.jobs.WithLabelValues(outcomeRejected)); got != 1 {
		t.Errorf("rejected jobs metric = %g; want 1", got)
	}
}

func TestServeSpawnFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	spawn := func(ctx context.Context, j *dccproto.CompileJob, client *os.File, pending []byte) (Process, error) {
		return nil, errors.New("fork: resource temporarily unavailable")
	}
	ts := startServer(ctx, t, &Options{Spawn: spawn})

	dc := dial(t, ts.addr)
	if err := dc.Send(&dccproto.CompileJob{JobID: 3, OutputFile: "main.o"}); err != nil {
		t.Fatal(err)
	}
	msg, err := dc.Receive()
	if err != nil {
		t.Fatal(err)
	}
	want := &dccproto.StatusText{Text: "could not start worker"}
	if diff := cmp.Diff(want, msg); diff != "" {
		t.Errorf("reply (-want +got):\n%s", diff)
	}
	if _, err := dc.Receive(); err != io.EOF {
		t.Errorf("Receive() after spawn failure = _, %v; want _, %v", err, io.EOF)
	}
	ts.stop(t)

	if len(ts.recorder.entries) != 1 {
		t.Fatalf("recorded %d jobs; want 1", len(ts.recorder.entries))
	}
	if e := ts.recorder.entries[0]; e.Status != exitcode.DistccFailed || e.Stats != nil {
		t.Errorf("recorded status, stats = %d, %v; want %d, <nil>", e.Status, e.Stats, exitcode.DistccFailed)
	}
}

func TestServeMaxJobs(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	es := &echoSpawner{release: make(chan struct{})}
	ts := startServer(ctx, t, &Options{Spawn: es.spawn, MaxJobs: 1})

	dc1 := dial(t, ts.addr)
	submit(t, dc1, &dccproto.CompileJob{JobID: 1, OutputFile: "a.o"}, "a")
	for es.count() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal(ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	active := ts.srv.Active()
	if len(active) != 1 || active[0].Job.JobID != 1 {
		t.Errorf("Active() = %+v; want job 1", active)
	}

	dc2 := dial(t, ts.addr)
	submit(t, dc2, &dccproto.CompileJob{JobID: 2, OutputFile: "b.o"}, "b")
	time.Sleep(100 * time.Millisecond)
	if n := es.count(); n != 1 {
		t.Errorf("%d workers running with MaxJobs=1", n)
	}

	close(es.release)
	if got := receiveObject(t, dc1); got != "a" {
		t.Errorf("job 1 object = %q; want %q", got, "a")
	}
	if got := receiveObject(t, dc2); got != "b" {
		t.Errorf("job 2 object = %q; want %q", got, "b")
	}
	ts.stop(t)
	if n := es.count(); n != 2 {
		t.Errorf("spawned %d workers; want 2", n)
	}
	if n := len(ts.recorder.entries); n != 2 {
		t.Errorf("recorded %d jobs; want 2", n)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{exitcode.OK, outcomeSuccess},
		{1, outcomeCompileError},
		{exitcode.OutOfMemory, outcomeOutOfMemory},
		{exitcode.DistccFailed, outcomeFailed},
		{exitcode.ClientDisconnect, outcomeFailed},
	}
	for _, test := range tests {
		if got := outcome(test.code); got != test.want {
			t.Errorf("outcome(%d) = %q; want %q", test.code, got, test.want)
		}
	}
}
