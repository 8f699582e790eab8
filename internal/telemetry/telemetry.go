// Copyright 2026 The Polygen Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry exposes the engine's Prometheus metrics and a small
// running-average loop-timing helper used to log per-tick duration.
package telemetry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ViolationsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polygen_violations_emitted_total",
		Help: "Total violation lines handed to outbound dispatch, by category",
	}, []string{"category"})

	ScanKeysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polygen_scan_keys_total",
		Help: "Total usage keys observed by a scan loop",
	}, []string{"loop"})

	QueueDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polygen_queue_dropped_total",
		Help: "Total outbound messages dropped because a proxy's queue was full",
	}, []string{"endpoint"})

	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polygen_reconnects_total",
		Help: "Total TCP reconnect attempts to a proxy instance",
	}, []string{"endpoint"})

	FairShareBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polygen_fair_share_bytes_total",
		Help: "Total bytes/second of bandwidth share granted across all users, by direction",
	}, []string{"direction"})

	BlockedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "polygen_blocked_users",
		Help: "Current number of users in the blocked state",
	})

	ScriptReloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polygen_script_reloads_total",
		Help: "Total times the Redis fetch-fields script was re-uploaded after a NOSCRIPT reply",
	})
)

func init() {
	prometheus.MustRegister(
		ViolationsEmittedTotal,
		ScanKeysTotal,
		QueueDroppedTotal,
		ReconnectsTotal,
		FairShareBytesTotal,
		BlockedUsers,
		ScriptReloadsTotal,
	)
}

// ServeMetrics starts a dedicated HTTP server exposing /metrics in a
// background goroutine. addr is typically ":9090" or similar.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}

// LoopTiming keeps a running average of loop-iteration durations, the
// lightweight "@avg_time"-style instrumentation the generator's detector
// loops carry: every sampleSize observations it logs the mean duration over
// that window and resets, the same clear-and-restart cadence as the
// original's avg_run_time_list.
type LoopTiming struct {
	logger     *slog.Logger
	name       string
	sampleSize int64

	count int64
	total time.Duration
}

// NewLoopTiming names the loop being timed and sets how many observations
// are averaged together before a log line is emitted.
func NewLoopTiming(logger *slog.Logger, name string, sampleSize int64) *LoopTiming {
	if sampleSize <= 0 {
		sampleSize = 1
	}
	return &LoopTiming{logger: logger, name: name, sampleSize: sampleSize}
}

// Observe records the duration of one iteration, logging and resetting the
// running average once sampleSize observations have accumulated.
func (l *LoopTiming) Observe(d time.Duration) {
	l.count++
	l.total += d
	if l.count >= l.sampleSize {
		l.logger.Info("loop average time", "loop", l.name, "average", l.Average(), "samples", l.count)
		l.count = 0
		l.total = 0
	}
}

// Average returns the running average duration across observations recorded
// since the last log/reset, or zero if none have been recorded.
func (l *LoopTiming) Average() time.Duration {
	if l.count == 0 {
		return 0
	}
	return l.total / time.Duration(l.count)
}

// Name returns the loop's label.
func (l *LoopTiming) Name() string {
	return l.name
}
