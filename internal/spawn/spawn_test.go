// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package spawn

import (
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
	"zb.256lights.llc/dcc/internal/dccproto"
	"zb.256lights.llc/dcc/internal/exitcode"
	"zb.256lights.llc/dcc/internal/jobstats"
	"zb.256lights.llc/dcc/internal/testcontext"
	"zombiezen.com/go/log/testlog"
)

// helperEnv makes the test binary act as a worker.
const helperEnv = "DCC_SPAWN_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		os.Exit(runWorker())
	}
	testlog.Main(nil)
	os.Exit(m.Run())
}

// runWorker is the worker side of the tests.
// The job's first argument selects its behavior.
func runWorker() int {
	att, err := Attach(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		return 90
	}
	defer att.Client.Close()
	defer att.Notify.Close()

	flags, err := unix.FcntlInt(att.Notify.Fd(), unix.F_GETFD, 0)
	if err != nil || flags&unix.FD_CLOEXEC == 0 {
		fmt.Fprintln(os.Stderr, "worker: notification pipe is inherited by subprocesses")
		return 91
	}
	if os.Getenv(NotifyFDEnv) != "" || os.Getenv(ClientFDEnv) != "" {
		fmt.Fprintln(os.Stderr, "worker: spawn variables still in environment")
		return 92
	}

	switch att.Job.Args[0] {
	case "echo":
		fmt.Fprintf(att.Client, "%s|%s", att.Pending, att.Job.OutputFile)
		var s jobstats.Stats
		s.Set(jobstats.ExitCode, 7)
		if _, err := s.WriteTo(att.Notify); err != nil {
			fmt.Fprintln(os.Stderr, "worker:", err)
			return 93
		}
		return 7
	case "silent":
		return exitcode.DistccFailed
	case "nice":
		if att.Nice != 19 {
			fmt.Fprintf(os.Stderr, "worker: Nice = %d; want 19\n", att.Nice)
			return 94
		}
		if err := SetNice(att.Nice); err != nil {
			fmt.Fprintln(os.Stderr, "worker:", err)
			return 95
		}
		return 0
	case "renice":
		// Nicing twice checks that each call is relative to the last.
		before, err := niceness(0)
		if err != nil {
			fmt.Fprintln(os.Stderr, "worker:", err)
			return 97
		}
		for range 2 {
			if err := SetNice(att.Nice); err != nil {
				fmt.Fprintln(os.Stderr, "worker:", err)
				return 95
			}
		}
		after, err := niceness(0)
		if err != nil {
			fmt.Fprintln(os.Stderr, "worker:", err)
			return 97
		}
		fmt.Fprintf(att.Client, "%d %d", before, after)
		return 0
	case "crash":
		unix.Kill(os.Getpid(), unix.SIGKILL)
		select {}
	default:
		return 96
	}
}

func socketPair(t *testing.T) (parent, child *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	parent = os.NewFile(uintptr(fds[0]), "parent")
	child = os.NewFile(uintptr(fds[1]), "child")
	t.Cleanup(func() {
		parent.Close()
		child.Close()
	})
	return parent, child
}

func newSpawner() *Spawner {
	return &Spawner{
		Env:    []string{helperEnv + "=1"},
		Stderr: os.Stderr,
	}
}

func TestSpawn(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	parent, child := socketPair(t)

	j := &dccproto.CompileJob{
		JobID:      5,
		OutputFile: "foo.o",
		Args:       []string{"echo"},
	}
	w, err := newSpawner().Spawn(ctx, j, child, []byte("leftover"))
	if err != nil {
		t.Fatal(err)
	}
	child.Close()

	got, err := io.ReadAll(parent)
	if err != nil {
		t.Error(err)
	}
	if want := "leftover|foo.o"; string(got) != want {
		t.Errorf("client received %q; want %q", got, want)
	}
	s, err := w.ReadStats()
	if err != nil {
		t.Error(err)
	} else if s == nil {
		t.Error("ReadStats() = <nil>, <nil>; want statistics")
	} else if got := s.Get(jobstats.ExitCode); got != 7 {
		t.Errorf("ExitCode statistic = %d; want 7", got)
	}
	code, err := w.Wait()
	if code != 7 || err != nil {
		t.Errorf("Wait() = %d, %v; want 7, <nil>", code, err)
	}
}

func TestSpawnWithoutStats(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	_, child := socketPair(t)

	w, err := newSpawner().Spawn(ctx, &dccproto.CompileJob{Args: []string{"silent"}}, child, nil)
	if err != nil {
		t.Fatal(err)
	}
	child.Close()
	s, err := w.ReadStats()
	if s != nil || err != nil {
		t.Errorf("ReadStats() = %v, %v; want <nil>, <nil>", s, err)
	}
	code, err := w.Wait()
	if code != exitcode.DistccFailed || err != nil {
		t.Errorf("Wait() = %d, %v; want %d, <nil>", code, err, exitcode.DistccFailed)
	}
}

func TestSpawnNice(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	_, child := socketPair(t)

	sp := newSpawner()
	sp.Nice = 19
	w, err := sp.Spawn(ctx, &dccproto.CompileJob{Args: []string{"nice"}}, child, nil)
	if err != nil {
		t.Fatal(err)
	}
	child.Close()
	if code, err := w.Wait(); code != 0 || err != nil {
		t.Errorf("Wait() = %d, %v; want 0, <nil>", code, err)
	}
}

func TestSpawnRenice(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	parent, child := socketPair(t)
	parentNice, err := niceness(0)
	if err != nil {
		t.Fatal(err)
	}

	sp := newSpawner()
	sp.Nice = 3
	w, err := sp.Spawn(ctx, &dccproto.CompileJob{Args: []string{"renice"}}, child, nil)
	if err != nil {
		t.Fatal(err)
	}
	child.Close()
	out, err := io.ReadAll(parent)
	if err != nil {
		t.Error(err)
	}
	if code, err := w.Wait(); code != 0 || err != nil {
		t.Fatalf("Wait() = %d, %v; want 0, <nil>", code, err)
	}

	var before, after int
	if _, err := fmt.Sscanf(string(out), "%d %d", &before, &after); err != nil {
		t.Fatalf("worker output %q: %v", out, err)
	}
	if before != parentNice {
		t.Errorf("worker started with niceness %d; want %d (inherited)", before, parentNice)
	}
	if want := clampNice(parentNice + 2*sp.Nice); after != want {
		t.Errorf("niceness after SetNice(%d) twice = %d; want %d", sp.Nice, after, want)
	}
}

func TestSpawnKilled(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	_, child := socketPair(t)

	w, err := newSpawner().Spawn(ctx, &dccproto.CompileJob{Args: []string{"crash"}}, child, nil)
	if err != nil {
		t.Fatal(err)
	}
	child.Close()
	if s, err := w.ReadStats(); s != nil || err != nil {
		t.Errorf("ReadStats() = %v, %v; want <nil>, <nil>", s, err)
	}
	code, err := w.Wait()
	if code != exitcode.DistccFailed || err == nil {
		t.Errorf("Wait() = %d, %v; want %d, <error>", code, err, exitcode.DistccFailed)
	}
	// Wait is idempotent.
	if code2, err2 := w.Wait(); code2 != code || err2 != err {
		t.Errorf("second Wait() = %d, %v; want %d, %v", code2, err2, code, err)
	}
}

func TestAttachErrors(t *testing.T) {
	tests := []struct {
		name      string
		notify    string
		client    string
		setup     string
		wantError string
	}{
		{
			name:      "NotWorker",
			wantError: NotifyFDEnv + " not set",
		},
		{
			name:      "BadDescriptor",
			notify:    "three",
			wantError: "invalid descriptor",
		},
		{
			name:      "ClosedDescriptor",
			notify:    "1000",
			wantError: "descriptor 1000",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Setenv(NotifyFDEnv, test.notify)
			t.Setenv(ClientFDEnv, test.client)
			if IsWorker() != (test.notify != "") {
				t.Errorf("IsWorker() = %t", IsWorker())
			}
			_, err := Attach(strings.NewReader(test.setup))
			if err == nil || !strings.Contains(err.Error(), test.wantError) {
				t.Errorf("Attach(...) = _, %v; want error containing %q", err, test.wantError)
			}
		})
	}
}
