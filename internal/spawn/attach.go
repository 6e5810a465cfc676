// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package spawn

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
	"golang.org/x/sys/unix"
	"zb.256lights.llc/dcc/internal/dccproto"
)

// Attachment is the state a worker process inherits from its parent.
type Attachment struct {
	Job *dccproto.CompileJob
	// Client is the connection to the requesting client.
	Client io.ReadWriteCloser
	// Pending holds bytes the parent had already read from Client.
	Pending []byte
	// Notify is the write end of the notification pipe.
	Notify *os.File
	// Nice is the niceness requested by the parent.
	Nice int
}

// IsWorker reports whether the current process was started by [Spawner.Spawn].
func IsWorker() bool {
	return os.Getenv(NotifyFDEnv) != ""
}

// Attach recovers the state passed by [Spawner.Spawn].
// It reads the job from setupReader (normally [os.Stdin]),
// marks the inherited descriptors close-on-exec
// so that processes the worker starts do not inherit them,
// and removes the spawn variables from the environment.
// Attach does not change the process's priority;
// call [SetNice] with the returned Nice value to do so.
func Attach(setupReader io.Reader) (*Attachment, error) {
	notify, err := inheritFile(NotifyFDEnv, "notify")
	if err != nil {
		return nil, fmt.Errorf("attach to parent: %v", err)
	}
	clientFile, err := inheritFile(ClientFDEnv, "client")
	if err != nil {
		notify.Close()
		return nil, fmt.Errorf("attach to parent: %v", err)
	}
	att := &Attachment{
		Notify: notify,
		Client: clientFile,
	}
	// Use the network connection interface if the descriptor is a socket.
	if conn, err := net.FileConn(clientFile); err == nil {
		clientFile.Close()
		att.Client = conn
	}

	if s := os.Getenv(NiceEnv); s != "" {
		att.Nice, err = strconv.Atoi(s)
		if err != nil {
			att.close()
			return nil, fmt.Errorf("attach to parent: %s: %v", NiceEnv, err)
		}
	}
	var payload setup
	if err := jsonv2.UnmarshalRead(setupReader, &payload); err != nil {
		att.close()
		return nil, fmt.Errorf("attach to parent: read setup: %v", err)
	}
	if payload.Job == nil {
		att.close()
		return nil, fmt.Errorf("attach to parent: setup missing job")
	}
	att.Job = payload.Job
	att.Pending = payload.Pending

	for _, k := range []string{NotifyFDEnv, ClientFDEnv, NiceEnv} {
		os.Unsetenv(k)
	}
	return att, nil
}

func (att *Attachment) close() {
	att.Notify.Close()
	att.Client.Close()
}

func inheritFile(envKey, name string) (*os.File, error) {
	s := os.Getenv(envKey)
	if s == "" {
		return nil, fmt.Errorf("%s not set", envKey)
	}
	fd, err := strconv.Atoi(s)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("%s: invalid descriptor %q", envKey, s)
	}
	// Check the descriptor is open before wrapping it.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("%s: descriptor %d: %w", envKey, fd, err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), name), nil
}
