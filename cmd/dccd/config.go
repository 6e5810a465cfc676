// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"
	"zb.256lights.llc/dcc/internal/osutil"
)

const (
	defaultListen       = ":10245"
	defaultStatusListen = "localhost:10246"
	defaultNice         = 5
	defaultJobRetention = 7 * 24 * time.Hour
)

type globalConfig struct {
	Debug                bool          `json:"debug"`
	EnvironmentDirectory string        `json:"environmentDirectory"`
	Listen               string        `json:"listen"`
	StatusListen         string        `json:"statusListen"`
	Database             string        `json:"database"`
	MaxJobs              int           `json:"maxJobs"`
	Nice                 int           `json:"nice"`
	MemoryLimit          int64         `json:"memoryLimit"`
	TimeLimit            time.Duration `json:"timeLimit"`
	TempDirectory        string        `json:"tempDirectory"`
	BuildUser            string        `json:"buildUser"`
	KeepOnSuccess        bool          `json:"keepOnSuccess"`
	CompressChunks       bool          `json:"compressChunks"`
	JobRetention         time.Duration `json:"jobRetention"`
}

func defaultGlobalConfig() *globalConfig {
	g := &globalConfig{
		EnvironmentDirectory: "/var/cache/dccd",
		Listen:               defaultListen,
		StatusListen:         defaultStatusListen,
		Database:             defaultDatabasePath(),
		Nice:                 defaultNice,
		JobRetention:         defaultJobRetention,
	}
	if osutil.IsRoot() {
		g.BuildUser = "nobody"
	}
	return g
}

func (g *globalConfig) mergeEnvironment() error {
	if dir := os.Getenv("DCCD_ENVIRONMENT_DIRECTORY"); dir != "" {
		g.EnvironmentDirectory = dir
	}
	if addr := os.Getenv("DCCD_LISTEN"); addr != "" {
		g.Listen = addr
	}
	if addr := os.Getenv("DCCD_STATUS_LISTEN"); addr != "" {
		g.StatusListen = addr
	}
	if path := os.Getenv("DCCD_DATABASE"); path != "" {
		g.Database = path
	}
	if dir := os.Getenv("DCCD_TEMP_DIRECTORY"); dir != "" {
		g.TempDirectory = dir
	}
	if s := os.Getenv("DCCD_MAX_JOBS"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("DCCD_MAX_JOBS: %v", err)
		}
		g.MaxJobs = n
	}
	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		if err := g.mergeFile(path, false); err != nil {
			return err
		}
	}
	return nil
}

// mergeFile merges the configuration file at path.
// A missing file is skipped unless mustExist is true.
func (g *globalConfig) mergeFile(path string, mustExist bool) error {
	huJSONData, err := os.ReadFile(path)
	if err != nil {
		if !mustExist && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	jsonData, err := hujson.Standardize(huJSONData)
	if err != nil {
		return fmt.Errorf("read %s: %v", path, err)
	}
	if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
		return fmt.Errorf("read %s: %v", path, err)
	}
	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON decoder,
// merging any fields in the JSON object with existing values.
func (g *globalConfig) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
			// Keep going.
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		var dst any
		switch k := keyToken.String(); k {
		case "debug":
			dst = &g.Debug
		case "environmentDirectory":
			dst = &g.EnvironmentDirectory
		case "listen":
			dst = &g.Listen
		case "statusListen":
			dst = &g.StatusListen
		case "database":
			dst = &g.Database
		case "maxJobs":
			dst = &g.MaxJobs
		case "nice":
			dst = &g.Nice
		case "memoryLimit":
			dst = &g.MemoryLimit
		case "timeLimit":
			if err := unmarshalDuration(in, &g.TimeLimit); err != nil {
				return fmt.Errorf("unmarshal config.timeLimit: %w", err)
			}
			continue
		case "tempDirectory":
			dst = &g.TempDirectory
		case "buildUser":
			dst = &g.BuildUser
		case "keepOnSuccess":
			dst = &g.KeepOnSuccess
		case "compressChunks":
			dst = &g.CompressChunks
		case "jobRetention":
			if err := unmarshalDuration(in, &g.JobRetention); err != nil {
				return fmt.Errorf("unmarshal config.jobRetention: %w", err)
			}
			continue
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
			if err := in.SkipValue(); err != nil {
				return err
			}
			continue
		}
		if err := jsonv2.UnmarshalDecode(in, dst); err != nil {
			return fmt.Errorf("unmarshal config.%s: %w", keyToken.String(), err)
		}
	}
}

// unmarshalDuration decodes a duration string like "90s".
func unmarshalDuration(in *jsontext.Decoder, d *time.Duration) error {
	var s string
	if err := jsonv2.UnmarshalDecode(in, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %s", s)
	}
	*d = parsed
	return nil
}

func (g *globalConfig) validate() error {
	if !filepath.IsAbs(g.EnvironmentDirectory) {
		return fmt.Errorf("environment directory %q is not absolute", g.EnvironmentDirectory)
	}
	if g.TempDirectory != "" && !filepath.IsAbs(g.TempDirectory) {
		return fmt.Errorf("temporary directory %q is not absolute", g.TempDirectory)
	}
	if g.MemoryLimit < 0 {
		return fmt.Errorf("negative memory limit")
	}
	return nil
}

// buildUserIDs returns the user and group IDs of the build user.
func (g *globalConfig) buildUserIDs() (uid, gid int, err error) {
	if g.BuildUser == "" {
		return 0, 0, fmt.Errorf("running as root and no build user set")
	}
	u, err := user.Lookup(g.BuildUser)
	if err != nil {
		return 0, 0, err
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("build user %s: uid: %v", g.BuildUser, err)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("build user %s: gid: %v", g.BuildUser, err)
	}
	return uid, gid, nil
}

// workerArgs returns the arguments that reproduce
// the job-related configuration in a worker process.
func (g *globalConfig) workerArgs() []string {
	return []string{
		"worker",
		"--debug=" + strconv.FormatBool(g.Debug),
		"--environment-directory=" + g.EnvironmentDirectory,
		"--temp-directory=" + g.TempDirectory,
		"--memory-limit=" + strconv.FormatInt(g.MemoryLimit, 10),
		"--time-limit=" + g.TimeLimit.String(),
		"--build-user=" + g.BuildUser,
		"--keep-on-success=" + strconv.FormatBool(g.KeepOnSuccess),
		"--compress-chunks=" + strconv.FormatBool(g.CompressChunks),
	}
}

// configFileFlag merges a configuration file when the flag is parsed,
// so that flags after it take precedence.
type configFileFlag struct {
	g *globalConfig
}

func (f configFileFlag) Type() string   { return "string" }
func (f configFileFlag) String() string { return "" }

func (f configFileFlag) Set(path string) error {
	return f.g.mergeFile(path, true)
}
