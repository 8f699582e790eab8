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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polygen.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"zone": "dev",
		"redis_server": "127.0.0.1:6379",
		"polygen_lua_path": "/etc/polygen/fetch_fields.lua",
		"haproxy_servers": {"dev.dc": ["10.0.0.1:9000"]}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SleepTimeMilliseconds != 250 {
		t.Fatalf("expected default sleep_time, got %d", cfg.SleepTimeMilliseconds)
	}
	if cfg.RequestsUnblockRatio != 0.95 {
		t.Fatalf("expected default unblock ratio, got %v", cfg.RequestsUnblockRatio)
	}
	if cfg.DefaultActiveRequestIfQoSNotConfigured != 5000 {
		t.Fatalf("expected default active request limit, got %v", cfg.DefaultActiveRequestIfQoSNotConfigured)
	}
}

func TestLoad_RejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `{"zone": "dev"}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing redis_server/polygen_lua_path/haproxy_servers")
	}
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestProxyInstances_ExpandsHostPort(t *testing.T) {
	path := writeConfig(t, `{
		"zone": "dev",
		"redis_server": "127.0.0.1:6379",
		"polygen_lua_path": "/etc/polygen/fetch_fields.lua",
		"haproxy_servers": {"dev.dc": ["10.0.0.1:9000", "10.0.0.2:9001"]}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	instances, err := cfg.ProxyInstances()
	if err != nil {
		t.Fatalf("ProxyInstances: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}
	for _, inst := range instances {
		if inst.Endpoint != "dev.dc" {
			t.Fatalf("unexpected endpoint %q", inst.Endpoint)
		}
	}
}

func TestProxyInstances_RejectsBadAddress(t *testing.T) {
	path := writeConfig(t, `{
		"zone": "dev",
		"redis_server": "127.0.0.1:6379",
		"polygen_lua_path": "/etc/polygen/fetch_fields.lua",
		"haproxy_servers": {"dev.dc": ["not-an-address"]}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.ProxyInstances(); err == nil {
		t.Fatalf("expected error for malformed address")
	}
}
