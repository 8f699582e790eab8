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

// Package detect implements the two periodic scan loops that compare
// observed usage against configured limits and feed violations to the
// bookkeeper: the per-epoch verb/throughput loop and the hysteretic
// connection (block/unblock) loop.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"polygen/internal/bookkeeper"
	"polygen/internal/model"
	"polygen/internal/qos"
	"polygen/internal/store"
	"polygen/internal/telemetry"
)

const bytesPerMB = 1_048_576

// verbLoopTimingSampleSize matches the original generator's violation-check
// averaging window (its highest-frequency loop, hence the largest sample).
const verbLoopTimingSampleSize = 5000

// Dispatcher is the minimal surface detect needs from outbound dispatch: hand
// a rendered message to the queue for a given endpoint.
type Dispatcher interface {
	Enqueue(endpoint model.Endpoint, line string)
}

// VerbLoop runs the per-epoch scan: enumerate "verb_<epoch>_*" keys, fetch
// their fields, compare against limits, and dispatch violations.
type VerbLoop struct {
	logger     *slog.Logger
	store      *store.Store
	registry   *qos.Registry
	bookkeeper *bookkeeper.Bookkeeper
	dispatch   Dispatcher
	timing     *telemetry.LoopTiming

	batchSize  int64
	workers    int
	sleep      time.Duration
}

// NewVerbLoop builds a VerbLoop. bk is owned exclusively by this loop (the
// bookkeeper is thread-confined to its detector).
func NewVerbLoop(logger *slog.Logger, st *store.Store, registry *qos.Registry, bk *bookkeeper.Bookkeeper, dispatch Dispatcher, batchSize int64, workers int, sleep time.Duration) *VerbLoop {
	return &VerbLoop{
		logger:     logger,
		store:      st,
		registry:   registry,
		bookkeeper: bk,
		dispatch:   dispatch,
		timing:     telemetry.NewLoopTiming(logger, "verb", verbLoopTimingSampleSize),
		batchSize:  batchSize,
		workers:    workers,
		sleep:      sleep,
	}
}

// Run blocks, ticking every v.sleep until ctx is done.
func (v *VerbLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		v.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(v.sleep):
		}
	}
}

func (v *VerbLoop) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		v.timing.Observe(time.Since(start))
		if r := recover(); r != nil {
			v.logger.Error("verb loop tick panicked", "panic", r)
		}
	}()

	if v.registry.ReloadRequested() {
		v.registry.Reload()
	}
	v.registry.ReportUnknownUsers()

	epochSec := time.Now().Unix()
	pattern := fmt.Sprintf("verb_%d_*", epochSec)

	keys, err := v.store.ScanAll(ctx, pattern, v.batchSize)
	if err != nil {
		v.logger.Error("verb loop scan failed, aborting this tick", "error", err)
		return
	}
	if time.Now().Unix() != epochSec {
		v.logger.Debug("epoch rolled over mid-scan, aborting this tick")
		return
	}
	if len(keys) == 0 {
		return
	}
	telemetry.ScanKeysTotal.WithLabelValues("verb").Add(float64(len(keys)))

	v.processBatch(ctx, keys, float64(epochSec))

	epochTime := float64(epochSec)
	for _, msg := range v.bookkeeper.PrepareAndDispatch(epochTime) {
		v.dispatch.Enqueue(msg.Endpoint, msg.Line)
		telemetry.ViolationsEmittedTotal.WithLabelValues("verb").Inc()
	}
}

func (v *VerbLoop) processBatch(ctx context.Context, keys []string, epochTime float64) {
	chunks := chunk(keys, max64(1, int64(len(keys))/int64(max(1, v.workers))+1))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for _, ch := range chunks {
		ch := ch
		g.Go(func() error {
			fields, err := v.store.FetchFields(gctx, ch)
			if err != nil {
				v.logger.Error("verb loop script error, skipping batch", "error", err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, key := range ch {
				v.processKey(key, fields[key], epochTime)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (v *VerbLoop) processKey(key string, fields []store.FieldValue, epochTime float64) {
	epoch, user, endpoint, err := model.ParseVerbKey(key)
	if err != nil {
		v.logger.Warn("could not parse verb key, skipping", "key", key, "error", err)
		return
	}
	_ = epoch

	for _, fv := range fields {
		category := model.VerbCategory(fv.Field)
		limit := v.registry.Get(category, user)

		value := float64(fv.Value)
		effectiveLimit := limit
		if category.IsBandwidth() {
			effectiveLimit = limit * bytesPerMB
		}
		if value < effectiveLimit {
			continue
		}
		diffRatio := round1(value / effectiveLimit)
		v.bookkeeper.AddViolation(epochTime, endpoint, category, user, diffRatio)
	}
}

// round1 rounds f to one decimal place the same way the original generator's
// "{:.1f}".format(diff_ratio) does: a correctly-rounded decimal conversion,
// which resolves exact binary ties to even rather than away from zero.
// strconv's float formatter is correctly rounded the same way, so formatting
// and reparsing reproduces that behavior exactly; math.Round(f*10)/10 does
// not, since it always rounds ties away from zero.
func round1(f float64) float64 {
	out, err := strconv.ParseFloat(strconv.FormatFloat(f, 'f', 1, 64), 64)
	if err != nil {
		return f
	}
	return out
}

func chunk(items []string, size int64) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for i := int64(0); i < int64(len(items)); i += size {
		end := i + size
		if end > int64(len(items)) {
			end = int64(len(items))
		}
		out = append(out, items[i:end])
	}
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
