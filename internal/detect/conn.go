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

package detect

import (
	"context"
	"log/slog"
	"time"

	"polygen/internal/bookkeeper"
	"polygen/internal/model"
	"polygen/internal/qos"
	"polygen/internal/store"
	"polygen/internal/telemetry"
)

// BlockedUserTable tracks which users are currently blocked and when they
// were last told so. It is touched only by the connection detector task
// (single writer) — no lock required.
type BlockedUserTable struct {
	lastDecisionEpoch map[model.UserKey]float64
}

func NewBlockedUserTable() *BlockedUserTable {
	return &BlockedUserTable{lastDecisionEpoch: map[model.UserKey]float64{}}
}

func (t *BlockedUserTable) isBlocked(user model.UserKey) bool {
	_, ok := t.lastDecisionEpoch[user]
	return ok
}

func (t *BlockedUserTable) mark(user model.UserKey, epochTime float64) {
	t.lastDecisionEpoch[user] = epochTime
}

func (t *BlockedUserTable) clear(user model.UserKey) {
	delete(t.lastDecisionEpoch, user)
}

// Len reports the current number of blocked users, for telemetry.
func (t *BlockedUserTable) Len() int {
	return len(t.lastDecisionEpoch)
}

// connLoopTimingSampleSize matches the original generator's fair-share/policy
// send averaging window.
const connLoopTimingSampleSize = 100

// connDecision is the outcome of the hysteretic block/unblock state machine
// for one user.
type connDecision int

const (
	decisionNone connDecision = iota
	decisionBlock
	decisionUnblock
)

// decideConnTransition evaluates the combined BLOCK condition first and
// UNBLOCK only as a fallback, so a user who is both eligible to unblock and
// still within its backoff-heartbeat window is never double-reported: UNBLOCK
// wins once ratio <= unblockRatio, regardless of heartbeat timing.
func decideConnTransition(ratio float64, isBlocked bool, lastDecisionEpoch, epochTime float64, backoffSeconds, unblockRatio float64) connDecision {
	limitReached := ratio >= 1
	readyForHeartbeat := !isBlocked || (lastDecisionEpoch+backoffSeconds < epochTime)

	switch {
	case limitReached && !isBlocked:
		return decisionBlock
	case limitReached && readyForHeartbeat:
		return decisionBlock
	case !limitReached && isBlocked && readyForHeartbeat && ratio > unblockRatio:
		return decisionBlock
	case isBlocked && ratio <= unblockRatio:
		return decisionUnblock
	default:
		return decisionNone
	}
}

// ConnLoop runs the connection scan: enumerate "conn_*" keys (v1 and v2),
// merge per-user totals, and evaluate the block/unblock state machine.
type ConnLoop struct {
	logger     *slog.Logger
	store      *store.Store
	registry   *qos.Registry
	bookkeeper *bookkeeper.Bookkeeper
	dispatch   Dispatcher
	blocked    *BlockedUserTable
	timing     *telemetry.LoopTiming

	batchSize            int64
	sleep                time.Duration
	unblockBackoffSeconds float64
	unblockRatio         float64
}

func NewConnLoop(logger *slog.Logger, st *store.Store, registry *qos.Registry, bk *bookkeeper.Bookkeeper, dispatch Dispatcher, batchSize int64, sleep time.Duration, unblockBackoffMs int64, unblockRatio float64) *ConnLoop {
	return &ConnLoop{
		logger:                logger,
		store:                 st,
		registry:              registry,
		bookkeeper:            bk,
		dispatch:              dispatch,
		blocked:               NewBlockedUserTable(),
		timing:                telemetry.NewLoopTiming(logger, "conn", connLoopTimingSampleSize),
		batchSize:             batchSize,
		sleep:                 sleep,
		unblockBackoffSeconds: float64(unblockBackoffMs) / 1000.0,
		unblockRatio:          unblockRatio,
	}
}

func (c *ConnLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.sleep):
		}
	}
}

func (c *ConnLoop) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		c.timing.Observe(time.Since(start))
		telemetry.BlockedUsers.Set(float64(c.blocked.Len()))
		if r := recover(); r != nil {
			c.logger.Error("connection loop tick panicked", "panic", r)
		}
	}()

	epochTime := float64(time.Now().UnixNano()) / 1e9

	keys, err := c.store.ScanAll(ctx, "conn_*", c.batchSize)
	if err != nil {
		c.logger.Error("connection loop scan failed, aborting this tick", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	telemetry.ScanKeysTotal.WithLabelValues("conn").Add(float64(len(keys)))

	fields, err := c.store.FetchFields(ctx, keys)
	if err != nil {
		c.logger.Error("connection loop script error, skipping batch", "error", err)
		return
	}

	var usage []model.ActiveRequestsUsage
	epochInt := int64(epochTime)
	for _, key := range keys {
		ck, err := model.ParseConnKey(key)
		if err != nil {
			c.logger.Warn("could not parse connection key, skipping", "key", key, "error", err)
			continue
		}
		count, err := firstIntValue(fields[key])
		if err != nil {
			c.logger.Warn("could not read connection count, skipping", "key", key, "error", err)
			continue
		}
		usage = append(usage, model.ActiveRequestsUsage{
			Epoch:    epochInt,
			User:     ck.User,
			Endpoint: ck.Endpoint,
			Count:    count,
		})
	}

	merged := model.MergeActiveRequests(usage)
	for _, rec := range merged {
		limit := c.registry.Get(model.CategoryConns, rec.User)
		if limit <= 0 {
			limit = 1
		}
		ratio := float64(rec.Count) / limit

		isBlocked := c.blocked.isBlocked(rec.User)
		last := c.blocked.lastDecisionEpoch[rec.User]

		switch decideConnTransition(ratio, isBlocked, last, epochTime, c.unblockBackoffSeconds, c.unblockRatio) {
		case decisionBlock:
			c.bookkeeper.AddViolation(epochTime, rec.Endpoint, "user_reqs_block", rec.User, 0)
			c.blocked.mark(rec.User, epochTime)
		case decisionUnblock:
			c.bookkeeper.AddViolation(epochTime, rec.Endpoint, "user_reqs_unblock", rec.User, 0)
			c.blocked.clear(rec.User)
		}
	}

	for _, msg := range c.bookkeeper.PrepareAndDispatch(epochTime) {
		c.dispatch.Enqueue(msg.Endpoint, msg.Line)
		telemetry.ViolationsEmittedTotal.WithLabelValues("conn").Inc()
	}
}

func firstIntValue(fields []store.FieldValue) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	return fields[0].Value, nil
}
