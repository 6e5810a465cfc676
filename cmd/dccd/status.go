// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"zb.256lights.llc/dcc/internal/daemon"
	"zb.256lights.llc/dcc/internal/ledger"
	"zb.256lights.llc/dcc/internal/system"
	"zb.256lights.llc/dcc/internal/ui"
	"zombiezen.com/go/bass/action"
	"zombiezen.com/go/log"
	"zombiezen.com/go/uritemplate"
)

const (
	defaultRecentLimit = 25
	maxRecentLimit     = 1000
)

const jobLinkTemplate = "/jobs/{id}"

// statusServer serves the daemon's status page, job API, and metrics.
type statusServer struct {
	daemon *daemon.Server
	// ledger is nil if finished jobs are not recorded.
	ledger   *ledger.Ledger
	gatherer prometheus.Gatherer
	started  time.Time
}

func (srv *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	cfg := &action.Config[*http.Request]{
		MaxRequestSize: 1 << 20,
		TemplateFiles:  ui.TemplateFiles(),
		ReportError: func(ctx context.Context, err error) {
			log.Errorf(ctx, "%v", err)
		},
	}
	mux.Handle("/{$}", handlers.MethodHandler{
		http.MethodGet:  cfg.NewHandler(srv.home),
		http.MethodHead: cfg.NewHandler(srv.home),
	})
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServerFS(ui.StaticAssets())))
	mux.Handle("/jobs/{$}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.listJobs),
		http.MethodHead: http.HandlerFunc(srv.listJobs),
	})
	mux.Handle("/jobs/{id}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.showJob),
		http.MethodHead: http.HandlerFunc(srv.showJob),
	})
	mux.Handle("/metrics", handlers.MethodHandler{
		http.MethodGet: promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}),
	})
	mux.ServeHTTP(w, r)
}

func (srv *statusServer) home(ctx context.Context, r *http.Request) (*action.Response, error) {
	var data struct {
		Hostname string
		Platform string
		Started  time.Time
		MaxJobs  int
		Active   []daemon.ActiveJob
		Recent   []*ledger.Entry
	}
	data.Hostname, _ = os.Hostname()
	data.Platform, _ = system.Platform()
	data.Started = srv.started
	data.MaxJobs = srv.daemon.MaxJobs()
	data.Active = srv.daemon.Active()
	if srv.ledger != nil {
		var err error
		data.Recent, err = srv.ledger.Recent(ctx, defaultRecentLimit)
		if err != nil {
			return nil, err
		}
	}
	return &action.Response{
		HTMLTemplate: "index.html",
		TemplateData: data,
	}, nil
}

type jobListJSON struct {
	Active []*jobJSON          `json:"active"`
	Recent []*jobJSON          `json:"recent"`
	Links  map[string]linkJSON `json:"_links"`
}

type jobJSON struct {
	ID           uuid.UUID           `json:"id"`
	JobID        uint32              `json:"jobID"`
	Client       string              `json:"client"`
	Platform     string              `json:"targetPlatform"`
	Environment  string              `json:"environmentVersion"`
	Compiler     string              `json:"compiler,omitzero"`
	OutputFile   string              `json:"outputFile"`
	DWARFFission bool                `json:"dwarfFission,omitzero"`
	Pid          int                 `json:"pid,omitzero"`
	Running      bool                `json:"running"`
	StartedAt    time.Time           `json:"startedAt"`
	EndedAt      time.Time           `json:"endedAt,omitzero"`
	Status       *int                `json:"status,omitzero"`
	Stats        map[string]uint32   `json:"stats,omitempty"`
	Links        map[string]linkJSON `json:"_links"`
}

type linkJSON struct {
	HRef string `json:"href"`
}

func (srv *statusServer) listJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := defaultRecentLimit
	if s := r.FormValue("limit"); s != "" {
		var err error
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = min(limit, maxRecentLimit)
	}

	resp := &jobListJSON{
		Active: []*jobJSON{},
		Recent: []*jobJSON{},
		Links: map[string]linkJSON{
			"self": {HRef: "/jobs/"},
		},
	}
	for _, a := range srv.daemon.Active() {
		resp.Active = append(resp.Active, activeJobJSON(&a))
	}
	if srv.ledger != nil {
		recent, err := srv.ledger.Recent(ctx, limit)
		if err != nil {
			log.Errorf(ctx, "%v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		for _, e := range recent {
			resp.Recent = append(resp.Recent, entryJSON(e))
		}
	}
	writeJSON(ctx, w, resp)
}

func (srv *statusServer) showJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	for _, a := range srv.daemon.Active() {
		if a.ID == id {
			writeJSON(ctx, w, activeJobJSON(&a))
			return
		}
	}
	if srv.ledger == nil {
		http.NotFound(w, r)
		return
	}
	e, err := srv.ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Errorf(ctx, "%v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(ctx, w, entryJSON(e))
}

func activeJobJSON(a *daemon.ActiveJob) *jobJSON {
	return &jobJSON{
		ID:           a.ID,
		JobID:        a.Job.JobID,
		Client:       a.Client,
		Platform:     a.Job.TargetPlatform,
		Environment:  a.Job.EnvironmentVersion,
		Compiler:     a.Job.Compiler,
		OutputFile:   a.Job.OutputFile,
		DWARFFission: a.Job.DWARFFission,
		Pid:          a.Pid,
		Running:      true,
		StartedAt:    a.StartedAt,
		Links:        jobLinks(a.ID),
	}
}

func entryJSON(e *ledger.Entry) *jobJSON {
	j := &jobJSON{
		ID:           e.ID,
		JobID:        e.JobID,
		Client:       e.Client,
		Platform:     e.Platform,
		Environment:  e.Environment,
		Compiler:     e.Compiler,
		OutputFile:   e.OutputFile,
		DWARFFission: e.DWARFFission,
		StartedAt:    e.StartedAt,
		EndedAt:      e.EndedAt,
		Status:       &e.Status,
		Links:        jobLinks(e.ID),
	}
	if e.Stats != nil {
		j.Stats = e.Stats.Map()
	}
	return j
}

func jobLinks(id uuid.UUID) map[string]linkJSON {
	href, err := uritemplate.Expand(jobLinkTemplate, map[string]string{"id": id.String()})
	if err != nil {
		panic(err)
	}
	return map[string]linkJSON{
		"self": {HRef: href},
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, v any) {
	data, err := jsonv2.Marshal(v)
	if err != nil {
		log.Errorf(ctx, "%v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)+1))
	w.Write(data)
	w.Write([]byte("\n"))
}
