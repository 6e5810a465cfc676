// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"zb.256lights.llc/dcc/internal/system"
	"zombiezen.com/go/log"
)

// dccdVersion is the version string filled in by the linker (e.g. "1.2.3").
var dccdVersion string

func newVersionCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "version",
		Short:                 "show version information",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runVersion(cmd.Context(), g)
	}
	return c
}

func runVersion(ctx context.Context, g *globalConfig) error {
	firstLine := "dccd"
	if dccdVersion == "" {
		firstLine += " (version unknown)"
	} else {
		firstLine += " version " + dccdVersion
	}

	platform, err := system.Platform()
	if err != nil {
		log.Errorf(ctx, "%v", err)
		platform = "unknown"
	}
	fmt.Printf("%s\nPlatform:     %s\nCPUs:         %d\nEnvironments: %s\n",
		firstLine, platform, system.NumCPU(), g.EnvironmentDirectory)

	switch runtime.GOOS {
	case "linux":
		output, err := exec.CommandContext(ctx, "uname", "-srv").Output()
		if err != nil {
			log.Errorf(ctx, "uname: %v", err)
		} else {
			output = bytes.TrimSuffix(output, []byte("\n"))
			fmt.Printf("OS:           %s\n", output)
		}

		output, err = exec.CommandContext(ctx, "lsb_release", "-ds").Output()
		if errors.Is(err, exec.ErrNotFound) {
			log.Debugf(ctx, "lsb_release: %v", err)
		} else if err != nil {
			log.Errorf(ctx, "lsb_release: %v", err)
		} else {
			output = bytes.TrimSuffix(output, []byte("\n"))
			fmt.Printf("Distribution: %s\n", output)
		}

	case "darwin":
		productVersion, err := exec.CommandContext(ctx, "sw_vers", "--productVersion").Output()
		if err != nil {
			log.Errorf(ctx, "sw_vers --productVersion: %v", err)
		}
		productVersion = bytes.TrimSuffix(productVersion, []byte("\n"))
		if len(productVersion) > 0 {
			fmt.Printf("OS:           macOS %s\n", productVersion)
		}
	}

	return nil
}
