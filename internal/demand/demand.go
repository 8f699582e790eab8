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

// Package demand implements the demand aggregator and fair-share loop: it
// reads "conn_v2_*" keys, builds per-(user, direction) demand across proxy
// instances, and computes each instance's proportional share of the user's
// configured bandwidth quota.
package demand

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"polygen/internal/model"
	"polygen/internal/qos"
	"polygen/internal/store"
	"polygen/internal/telemetry"
)

const bytesPerMB = 1_048_576

// loopTimingSampleSize matches the original generator's policy send
// averaging window.
const loopTimingSampleSize = 100

// Sender is the minimal surface demand needs from outbound dispatch: the
// fair-share block bypasses the per-proxy queue and goes straight through
// the synchronous writer.
type Sender interface {
	SendToAll(block string) error
}

// Loop runs the slower-cadence fair-share computation.
type Loop struct {
	logger   *slog.Logger
	store    *store.Store
	registry *qos.Registry
	sender   Sender
	timing   *telemetry.LoopTiming

	batchSize int64
	sleep     time.Duration
}

func NewLoop(logger *slog.Logger, st *store.Store, registry *qos.Registry, sender Sender, batchSize int64, sleepTimeMs int64, demandSleepMultiplier int64) *Loop {
	sleep := time.Duration(sleepTimeMs) * time.Millisecond * time.Duration(demandSleepMultiplier)
	return &Loop{
		logger:    logger,
		store:     st,
		registry:  registry,
		sender:    sender,
		timing:    telemetry.NewLoopTiming(logger, "demand", loopTimingSampleSize),
		batchSize: batchSize,
		sleep:     sleep,
	}
}

func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.sleep):
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		l.timing.Observe(time.Since(start))
		if r := recover(); r != nil {
			l.logger.Error("demand loop tick panicked", "panic", r)
		}
	}()

	keys, err := l.store.ScanAll(ctx, "conn_v2_*", l.batchSize)
	if err != nil {
		l.logger.Error("demand loop scan failed, aborting this tick", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	telemetry.ScanKeysTotal.WithLabelValues("demand").Add(float64(len(keys)))

	counts, err := l.store.MGetCounts(ctx, keys)
	if err != nil {
		l.logger.Error("demand loop fetch failed, aborting this tick", "error", err)
		return
	}

	demand := model.DemandMap{}
	for _, key := range keys {
		ck, err := model.ParseConnKey(key)
		if err != nil || ck.Version != model.ConnV2 {
			l.logger.Warn("could not parse v2 connection key, skipping", "key", key, "error", err)
			continue
		}
		dk := model.DemandKey{User: ck.User, Direction: ck.Direction}
		if demand[dk] == nil {
			demand[dk] = map[string]int64{}
		}
		demand[dk][ck.InstanceID] += counts[key]
	}

	block := l.renderBlock(demand)
	if block == "" {
		return
	}
	if err := l.sender.SendToAll(block); err != nil {
		l.logger.Error("failed to send fair-share block", "error", err)
	}
}

func (l *Loop) renderBlock(demand model.DemandMap) string {
	lines := l.computeLines(demand)
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("limit_share\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("end_limit_share\n")
	return b.String()
}

// computeLines implements the fair-share computation, grouping by user
// (both directions share one line per user, with one
// instance_direction_share triple per instance+direction pair observed).
func (l *Loop) computeLines(demand model.DemandMap) []string {
	nowMs := time.Now().UnixMilli()

	type userShares struct {
		user  model.UserKey
		parts []string
	}
	byUser := map[model.UserKey]*userShares{}
	var userOrder []model.UserKey

	keys := make([]model.DemandKey, 0, len(demand))
	for k := range demand {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].User != keys[j].User {
			return keys[i].User < keys[j].User
		}
		return keys[i].Direction < keys[j].Direction
	})

	for _, dk := range keys {
		instanceDemand := demand[dk]
		var total int64
		for _, c := range instanceDemand {
			total += c
		}
		if total == 0 {
			continue
		}

		category := model.VerbCategory("bnd_" + directionSuffix(dk.Direction))
		quotaMB := l.registry.Get(category, dk.User)
		quotaBytes := quotaMB * bytesPerMB

		us, ok := byUser[dk.User]
		if !ok {
			us = &userShares{user: dk.User}
			byUser[dk.User] = us
			userOrder = append(userOrder, dk.User)
		}

		instances := make([]string, 0, len(instanceDemand))
		for inst := range instanceDemand {
			instances = append(instances, inst)
		}
		sort.Strings(instances)

		for _, inst := range instances {
			share := int64(math.Floor(quotaBytes * float64(instanceDemand[inst]) / float64(total)))
			if share == 0 {
				continue
			}
			us.parts = append(us.parts, fmt.Sprintf("%s_%s_%d", inst, dk.Direction, share))
			telemetry.FairShareBytesTotal.WithLabelValues(dk.Direction.String()).Add(float64(share))
		}
	}

	sort.Slice(userOrder, func(i, j int) bool { return userOrder[i] < userOrder[j] })

	var lines []string
	for _, user := range userOrder {
		us := byUser[user]
		if len(us.parts) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d,%s,%s", nowMs, user, strings.Join(us.parts, ",")))
	}
	return lines
}

func directionSuffix(d model.Direction) string {
	if d == model.Up {
		return "up"
	}
	return "dwn"
}
