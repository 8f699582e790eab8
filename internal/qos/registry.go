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

// Package qos implements the Limit Registry: layered per-(user, category)
// limit lookup with hot-reload from an on-disk cache-limits file.
//
// LimitConfig is swapped wholesale on reload behind an atomic pointer:
// readers never take a lock, and a reload never blocks a lookup.
package qos

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"polygen/internal/model"
)

// NotConfigured is the sentinel limit value meaning "category not configured
// for this class".
const NotConfigured = -1

const defaultQoSID = "common"

// Hard-coded fallbacks applied when neither the user's class nor the default
// class configures a category.
const (
	HardCodedBandwidthMBPerSec = 250
	HardCodedVerbReqPerSec     = 1000
)

// QoSClass is a named bundle mapping category -> numeric limit.
type QoSClass map[model.UsageCategory]float64

// LimitConfig is the two-mapping shape loaded from the cache-limits file.
type LimitConfig struct {
	UserToQoSID map[string]string  `json:"user_to_qos_id"`
	QoS         map[string]QoSClass `json:"qos"`
}

func emptyLimitConfig() *LimitConfig {
	return &LimitConfig{UserToQoSID: map[string]string{}, QoS: map[string]QoSClass{}}
}

// Registry answers get_limit queries and exposes a reload trigger observed
// by the detector loops.
type Registry struct {
	logger *slog.Logger
	path   string

	cfg atomic.Pointer[LimitConfig]

	defaultActiveRequestLimit float64

	reloadRequested atomic.Bool

	unknown *UnknownUsers
}

// NewRegistry loads the initial LimitConfig from path (tolerating a missing
// file) and returns a ready Registry.
func NewRegistry(logger *slog.Logger, path string, defaultActiveRequestLimit float64, unknownReportInterval time.Duration) *Registry {
	r := &Registry{
		logger:                    logger,
		path:                      path,
		defaultActiveRequestLimit: defaultActiveRequestLimit,
		unknown:                   NewUnknownUsers(logger, unknownReportInterval),
	}
	cfg, _ := loadLimitConfig(logger, path)
	r.cfg.Store(cfg)
	return r
}

// loadLimitConfig reads the limits file at path. On a read or parse failure
// it logs, and returns an empty LimitConfig together with the error.
func loadLimitConfig(logger *slog.Logger, path string) (*LimitConfig, error) {
	logger.Info("loading limits from file", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Error("limits cache file does not exist, nothing was cached", "path", path)
		} else {
			logger.Error("failed to read limits cache file", "path", path, "error", err)
		}
		return emptyLimitConfig(), err
	}
	var cfg LimitConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		logger.Error("failed to parse limits cache file", "path", path, "error", err)
		return emptyLimitConfig(), err
	}
	if cfg.UserToQoSID == nil {
		cfg.UserToQoSID = map[string]string{}
	}
	if cfg.QoS == nil {
		cfg.QoS = map[string]QoSClass{}
	}
	return &cfg, nil
}

// RequestReload sets a flag observed by the owning detector loop's next
// iteration; the actual reload happens on that thread (no concurrent
// mutation with lookups).
func (r *Registry) RequestReload() {
	r.reloadRequested.Store(true)
}

// ReloadRequested reports and does not clear the reload flag.
func (r *Registry) ReloadRequested() bool {
	return r.reloadRequested.Load()
}

// Reload reloads the LimitConfig from disk and clears the reload flag. On
// failure to read or parse, the previous limits remain in effect.
func (r *Registry) Reload() {
	r.logger.Info("reloading limits from config file", "path", r.path)
	r.reloadRequested.Store(false)
	cfg, err := loadLimitConfig(r.logger, r.path)
	if err != nil {
		r.logger.Error("reload failed, keeping previous limits", "path", r.path, "error", err)
		return
	}
	r.cfg.Store(cfg)
}

// Get resolves the most specific configured limit for (category, user),
// following the registry's layered precedence. It never fails.
func (r *Registry) Get(category model.UsageCategory, user model.UserKey) float64 {
	cfg := r.cfg.Load()

	if qosID, ok := cfg.UserToQoSID[string(user)]; ok {
		if class, ok := cfg.QoS[qosID]; ok {
			if limit, ok := class[category]; ok && limit != NotConfigured {
				r.logger.Debug("limit found in user class", "user", user, "category", category, "limit", limit)
				return limit
			}
		}
	}

	r.unknown.Add(user)
	defaultClassName, ok := cfg.UserToQoSID[defaultQoSID]
	if !ok {
		defaultClassName = "DEFAULT"
	}
	if class, ok := cfg.QoS[defaultClassName]; ok {
		if limit, ok := class[category]; ok && limit != NotConfigured {
			r.logger.Debug("limit using default class", "user", user, "category", category, "limit", limit, "class", defaultClassName)
			return limit
		}
	}

	limit := r.hardCodedLimit(category)
	r.logger.Warn("using hard-coded limit", "user", user, "category", category, "limit", limit)
	return limit
}

func (r *Registry) hardCodedLimit(category model.UsageCategory) float64 {
	switch {
	case category.IsBandwidth():
		return HardCodedBandwidthMBPerSec
	case category.IsConns():
		return r.defaultActiveRequestLimit
	default:
		return HardCodedVerbReqPerSec
	}
}

// ReportUnknownUsers flushes the accumulated unknown-user warning if its
// interval has elapsed. Call once per detector tick.
func (r *Registry) ReportUnknownUsers() {
	r.unknown.Report()
}

// UnknownUsers accumulates users with no configured QoS class and flushes a
// single warning every report interval.
type UnknownUsers struct {
	logger   *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	users      map[model.UserKey]struct{}
	lastReport time.Time
}

func NewUnknownUsers(logger *slog.Logger, interval time.Duration) *UnknownUsers {
	return &UnknownUsers{logger: logger, interval: interval, users: map[model.UserKey]struct{}{}}
}

func (u *UnknownUsers) Add(user model.UserKey) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[user] = struct{}{}
}

func (u *UnknownUsers) Report() {
	if u.interval <= 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	now := time.Now()
	if now.Sub(u.lastReport) <= u.interval {
		return
	}
	u.lastReport = now
	if len(u.users) == 0 {
		return
	}
	names := make([]string, 0, len(u.users))
	for user := range u.users {
		names = append(names, string(user))
	}
	u.logger.Warn("users with no QoS limits", "users", strings.Join(names, ","))
	u.users = map[model.UserKey]struct{}{}
}

// CacheLimitsPath returns the per-zone path of the on-disk limits cache file,
// ~/weir_<zone>_cache_limits.json.
func CacheLimitsPath(homeDir, zone string) string {
	return fmt.Sprintf("%s/weir_%s_cache_limits.json", homeDir, zone)
}
