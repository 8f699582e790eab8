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

// Package config loads the engine's bootstrap configuration from a JSON file
// on disk and builds the proxy topology from it.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"polygen/internal/model"
)

// Config is the full set of values the engine reads at startup.
type Config struct {
	Zone        string `json:"zone"`
	LogLevel    string `json:"log_level"`
	LogFileName string `json:"log_file_name"`

	SleepTimeMilliseconds int64 `json:"sleep_time"`
	DemandSleepMultiplier int64 `json:"demand_sleep_multiplier"`

	RedisServer     string `json:"redis_server"`
	RedisKeysBatch  int64  `json:"redis_keys_batch"`
	PolygenLuaPath  string `json:"polygen_lua_path"`

	HaproxyServers map[string][]string `json:"haproxy_servers"`

	PolicyMsgQueueSize        int `json:"policy_msg_queue_size"`
	ViolationCheckThreadNum   int `json:"violation_check_thread_num"`

	RequestsUnblockBackoffTimeMs               int64   `json:"requests_unblock_backoff_time_ms"`
	RequestsUnblockRatio                       float64 `json:"requests_unblock_ratio"`
	DefaultActiveRequestIfQoSNotConfigured     float64 `json:"default_active_request_if_qos_not_configured"`
	UnknownUsersReportTimeSeconds              int64   `json:"unknown_users_report_time_seconds"`

	MetricsAddr string `json:"metrics_addr"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SleepTimeMilliseconds <= 0 {
		c.SleepTimeMilliseconds = 250
	}
	if c.DemandSleepMultiplier <= 0 {
		c.DemandSleepMultiplier = 100
	}
	if c.RedisKeysBatch <= 0 {
		c.RedisKeysBatch = 500
	}
	if c.PolicyMsgQueueSize <= 0 {
		c.PolicyMsgQueueSize = 1000
	}
	if c.ViolationCheckThreadNum <= 0 {
		c.ViolationCheckThreadNum = 8
	}
	if c.RequestsUnblockBackoffTimeMs <= 0 {
		c.RequestsUnblockBackoffTimeMs = 5000
	}
	if c.RequestsUnblockRatio <= 0 {
		c.RequestsUnblockRatio = 0.95
	}
	if c.DefaultActiveRequestIfQoSNotConfigured <= 0 {
		c.DefaultActiveRequestIfQoSNotConfigured = 5000
	}
	if c.UnknownUsersReportTimeSeconds <= 0 {
		c.UnknownUsersReportTimeSeconds = 60
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if c.Zone == "" {
		return fmt.Errorf("zone is required")
	}
	if c.RedisServer == "" {
		return fmt.Errorf("redis_server is required")
	}
	if c.PolygenLuaPath == "" {
		return fmt.Errorf("polygen_lua_path is required")
	}
	if len(c.HaproxyServers) == 0 {
		return fmt.Errorf("haproxy_servers must name at least one endpoint")
	}
	return nil
}

// ProxyInstances expands HaproxyServers into a flat list of model.ProxyInstance.
func (c *Config) ProxyInstances() ([]model.ProxyInstance, error) {
	var out []model.ProxyInstance
	for endpoint, addrs := range c.HaproxyServers {
		for _, addr := range addrs {
			host, port, err := splitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("haproxy_servers[%s]: %w", endpoint, err)
			}
			out = append(out, model.ProxyInstance{Endpoint: model.Endpoint(endpoint), Host: host, Port: port})
		}
	}
	return out, nil
}

func splitHostPort(addr string) (string, int, error) {
	idx := lastColon(addr)
	if idx < 0 {
		return "", 0, fmt.Errorf("address %q is not host:port", addr)
	}
	host := addr[:idx]
	var port int
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("address %q has a non-numeric port: %w", addr, err)
	}
	return host, port, nil
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
