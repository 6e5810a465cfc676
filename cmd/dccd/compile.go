// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zb.256lights.llc/dcc/internal/artifact"
	"zb.256lights.llc/dcc/internal/dccproto"
	"zb.256lights.llc/dcc/internal/system"
	"zombiezen.com/go/log"
)

type compileOptions struct {
	server       string
	platform     string
	environment  string
	compiler     string
	language     string
	output       string
	dwarfFission bool
	source       string
	args         []string
}

func newCompileCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "compile [options] SOURCE [-- COMPILER_ARGS...]",
		Short:                 "submit a preprocessed source file to a daemon",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(compileOptions)
	c.Flags().StringVar(&opts.server, "server", "localhost"+defaultListen, "daemon `address`")
	c.Flags().StringVar(&opts.platform, "platform", "", "target `platform` (default is this machine's)")
	c.Flags().StringVar(&opts.environment, "environment", "", "`name` of the installed toolchain environment")
	c.Flags().StringVar(&opts.compiler, "compiler", "", "`name` of the compiler in the environment")
	c.Flags().StringVarP(&opts.language, "language", "x", "", "source `language`")
	c.Flags().StringVarP(&opts.output, "output", "o", "", "object file `path` (\"-\" for stdout)")
	c.Flags().BoolVar(&opts.dwarfFission, "split-dwarf", false, "request a separate .dwo file")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.source = args[0]
		opts.args = args[1:]
		return runCompile(cmd.Context(), g, opts)
	}
	return c
}

func runCompile(ctx context.Context, g *globalConfig, opts *compileOptions) error {
	if opts.output == "" {
		opts.output = strings.TrimSuffix(filepath.Base(opts.source), filepath.Ext(opts.source)) + ".o"
	}
	if opts.output == "-" && opts.dwarfFission {
		return fmt.Errorf("--split-dwarf requires an output file")
	}
	if opts.output == "-" && term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("refusing to write object file to a terminal")
	}
	if opts.platform == "" {
		var err error
		opts.platform, err = system.Platform()
		if err != nil {
			return err
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	src, err := os.Open(opts.source)
	if err != nil {
		return err
	}
	defer src.Close()

	outputFile := opts.output
	if outputFile == "-" {
		outputFile = "stdout.o"
	}
	j := &dccproto.CompileJob{
		JobID:              uint32(os.Getpid()),
		TargetPlatform:     opts.platform,
		EnvironmentVersion: opts.environment,
		WorkingDirectory:   wd,
		OutputFile:         outputFile,
		DWARFFission:       opts.dwarfFission,
		Compiler:           opts.compiler,
		Language:           opts.language,
		Args:               opts.args,
		InputFile:          opts.source,
	}

	c, err := new(net.Dialer).DialContext(ctx, "tcp", opts.server)
	if err != nil {
		return err
	}
	conn := dccproto.NewConn(c, &dccproto.ConnOptions{CompressChunks: g.CompressChunks})
	defer conn.Close()
	if err := conn.Send(j); err != nil {
		return fmt.Errorf("send job: %w", err)
	}
	sent, err := artifact.SendReader(conn, src, nil)
	if err != nil {
		return fmt.Errorf("send %s: %w", opts.source, err)
	}
	log.Debugf(ctx, "Sent %s (%d bytes, %d on wire)", opts.source, sent.Size, sent.WireSize)

	result, err := receiveResult(ctx, conn)
	if err != nil {
		return err
	}
	os.Stdout.WriteString(result.Stdout)
	os.Stderr.WriteString(result.Stderr)
	switch {
	case result.WasOutOfMemory:
		return fmt.Errorf("%s: server ran out of resources", opts.source)
	case result.Status != 0:
		return fmt.Errorf("%s: compiler exited with status %d", opts.source, result.Status)
	}

	if err := receiveFile(conn, opts.output); err != nil {
		return err
	}
	if result.HaveDWOFile {
		dwo := strings.TrimSuffix(opts.output, filepath.Ext(opts.output)) + ".dwo"
		if err := receiveFile(conn, dwo); err != nil {
			return err
		}
	}
	return nil
}

// receiveResult waits for the job's result,
// logging any diagnostics the daemon sends first.
func receiveResult(ctx context.Context, conn *dccproto.Conn) (*dccproto.CompileResult, error) {
	var lastStatus string
	for {
		msg, err := conn.Receive()
		if errors.Is(err, io.EOF) {
			if lastStatus != "" {
				return nil, fmt.Errorf("job failed: %s", lastStatus)
			}
			return nil, fmt.Errorf("daemon closed connection before sending a result")
		}
		if err != nil {
			return nil, fmt.Errorf("receive result: %w", err)
		}
		switch msg := msg.(type) {
		case *dccproto.CompileResult:
			return msg, nil
		case *dccproto.StatusText:
			lastStatus = msg.Text
			log.Infof(ctx, "daemon: %s", msg.Text)
		default:
			return nil, fmt.Errorf("receive result: unexpected %s message", msg.ContentType())
		}
	}
}

func receiveFile(conn *dccproto.Conn, path string) (err error) {
	if path == "-" {
		_, err := artifact.Receive(os.Stdout, conn)
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	if _, err := artifact.Receive(f, conn); err != nil {
		return fmt.Errorf("receive %s: %w", path, err)
	}
	return nil
}
