// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"zb.256lights.llc/dcc/internal/exitcode"
	"zb.256lights.llc/dcc/internal/jobstats"
)

// Job outcomes used as metric labels.
const (
	outcomeSuccess      = "success"
	outcomeCompileError = "compile_error"
	outcomeOutOfMemory  = "out_of_memory"
	outcomeFailed       = "failed"
	outcomeRejected     = "rejected"
)

// Metrics is the set of Prometheus collectors updated by a [Server].
type Metrics struct {
	jobs      *prometheus.CounterVec
	active    prometheus.Gauge
	duration  prometheus.Histogram
	inBytes   prometheus.Counter
	wireBytes prometheus.Counter
	outBytes  prometheus.Counter
}

// NewMetrics creates the daemon's collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dccd_jobs_total",
				Help: "Total number of compile jobs by outcome",
			},
			[]string{"outcome"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dccd_jobs_active",
				Help: "Number of compile jobs currently running",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dccd_job_duration_seconds",
				Help:    "Compile job duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		inBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dccd_job_input_bytes_total",
				Help: "Total uncompressed bytes of source received",
			},
		),
		wireBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dccd_job_input_wire_bytes_total",
				Help: "Total bytes of source received on the wire",
			},
		),
		outBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dccd_job_output_bytes_total",
				Help: "Total bytes of object files produced",
			},
		),
	}
	reg.MustRegister(m.jobs, m.active, m.duration, m.inBytes, m.wireBytes, m.outBytes)
	return m
}

func (m *Metrics) jobStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) jobFinished(code int, d time.Duration, stats *jobstats.Stats) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.jobs.WithLabelValues(outcome(code)).Inc()
	m.duration.Observe(d.Seconds())
	if stats != nil {
		m.inBytes.Add(float64(stats.Get(jobstats.InUncompressed)))
		m.wireBytes.Add(float64(stats.Get(jobstats.InCompressed)))
		m.outBytes.Add(float64(stats.Get(jobstats.OutUncompressed)))
	}
}

func (m *Metrics) jobRejected() {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcomeRejected).Inc()
}

func outcome(code int) string {
	switch {
	case code == exitcode.OK:
		return outcomeSuccess
	case code == exitcode.OutOfMemory:
		return outcomeOutOfMemory
	case exitcode.IsSentinel(code):
		return outcomeFailed
	default:
		return outcomeCompileError
	}
}
