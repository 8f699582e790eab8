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

// Package store wraps the Redis counter backend: paginated, deduplicated key
// scanning and a content-hashed server-side script for bulk hash-field
// fetches, with transparent fallback when the script isn't cached.
package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"polygen/internal/telemetry"
)

// ScriptRunner abstracts the minimal Redis surface the store needs.
// Implementations may wrap github.com/redis/go-redis/v9 or any equivalent.
type ScriptRunner interface {
	EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) (interface{}, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	ScriptLoad(ctx context.Context, script string) (string, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, nextCursor uint64, err error)
	MGet(ctx context.Context, keys []string) ([]interface{}, error)
}

// FieldValue is one hash field and its raw counter value, as returned by the
// bulk-fetch script for a single key.
type FieldValue struct {
	Field string
	Value int64
}

// Store is the engine's view of the Redis counter backend.
type Store struct {
	logger *slog.Logger
	runner ScriptRunner

	scriptBody string
	// scriptSHA is the content-addressed SHA1 of scriptBody, set once in New
	// and never mutated: it is exactly the digest Redis computes for EVALSHA,
	// so it never needs refreshing from a SCRIPT LOAD reply, and many
	// goroutines can read it concurrently without synchronization.
	scriptSHA string
}

// New builds a Store that fetches hash fields using the Lua script read from
// luaPath (the polygen_lua_path configuration entry). scriptSHA is derived
// from the script's content once here, up front, since Redis's EVALSHA
// digest is always SHA1(script).
func New(logger *slog.Logger, runner ScriptRunner, luaPath string) (*Store, error) {
	body, err := os.ReadFile(luaPath)
	if err != nil {
		return nil, fmt.Errorf("reading lua script %s: %w", luaPath, err)
	}
	sum := sha1.Sum(body)
	return &Store{
		logger:     logger,
		runner:     runner,
		scriptBody: string(body),
		scriptSHA:  hex.EncodeToString(sum[:]),
	}, nil
}

// ContentHash returns the sha1 hex digest of the loaded script body: useful
// for logging/telemetry to confirm all engine instances share one script
// version.
func (s *Store) ContentHash() string {
	return s.scriptSHA
}

// ScanAll enumerates every key matching pattern via paginated, deduplicated
// SCAN, using the given per-call COUNT hint (redis_keys_batch). It returns as
// soon as the cursor reports completion (cursor 0) or ctx is done.
func (s *Store) ScanAll(ctx context.Context, pattern string, batchSize int64) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	var cursor uint64
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		keys, next, err := s.runner.Scan(ctx, cursor, pattern, batchSize)
		if err != nil {
			return nil, fmt.Errorf("scan pattern %q: %w", pattern, err)
		}
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// FetchFields runs the bulk hash-fetch script over keys and returns, for
// each key present in the result, its list of (field, value) pairs. It
// transparently re-uploads the script via SCRIPT LOAD and retries EVALSHA
// when Redis reports NOSCRIPT (e.g. after a Redis restart flushed the
// script cache); any other script error is returned to the caller so it can
// skip the batch. s.scriptSHA itself is never changed: SCRIPT LOAD always
// reports back the same content-addressed digest computed in New.
func (s *Store) FetchFields(ctx context.Context, keys []string) (map[string][]FieldValue, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := s.runner.EvalSha(ctx, s.scriptSHA, keys)
	if err != nil && isNoScript(err) {
		if _, loadErr := s.runner.ScriptLoad(ctx, s.scriptBody); loadErr != nil {
			return nil, fmt.Errorf("loading fetch-fields script: %w", loadErr)
		}
		telemetry.ScriptReloadsTotal.Inc()
		raw, err = s.runner.EvalSha(ctx, s.scriptSHA, keys)
	}
	if err != nil {
		return nil, fmt.Errorf("evaluating fetch-fields script: %w", err)
	}

	return decodeFieldValues(keys, raw)
}

func isNoScript(err error) bool {
	return strings.Contains(err.Error(), "NOSCRIPT")
}

// decodeFieldValues interprets the script's reply shape: a flat array with
// one element per input key, each element itself a flat [field, value,
// field, value, ...] array (or nil/empty for a missing key).
func decodeFieldValues(keys []string, raw interface{}) (map[string][]FieldValue, error) {
	rows, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected fetch-fields script reply shape %T", raw)
	}
	if len(rows) != len(keys) {
		return nil, fmt.Errorf("fetch-fields script returned %d rows for %d keys", len(rows), len(keys))
	}

	out := make(map[string][]FieldValue, len(keys))
	for i, row := range rows {
		if row == nil {
			continue
		}
		flat, ok := row.([]interface{})
		if !ok || len(flat) == 0 {
			continue
		}
		if len(flat)%2 != 0 {
			return nil, fmt.Errorf("key %q: odd-length field/value row", keys[i])
		}
		fvs := make([]FieldValue, 0, len(flat)/2)
		for j := 0; j+1 < len(flat); j += 2 {
			field, ok := flat[j].(string)
			if !ok {
				return nil, fmt.Errorf("key %q: non-string field name", keys[i])
			}
			value, err := toInt64(flat[j+1])
			if err != nil {
				return nil, fmt.Errorf("key %q field %q: %w", keys[i], field, err)
			}
			fvs = append(fvs, FieldValue{Field: field, Value: value})
		}
		out[keys[i]] = fvs
	}
	return out, nil
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		var n int64
		if _, err := fmt.Sscanf(t, "%d", &n); err != nil {
			return 0, fmt.Errorf("not an integer: %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}

// MGetCounts bulk-fetches a set of plain-integer keys (the conn_v2_* demand
// counters) with MGET. Keys whose reply is nil (missing, or not a string
// value, such as a set) or not an integer are left out of the result.
func (s *Store) MGetCounts(ctx context.Context, keys []string) (map[string]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.runner.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}
	out := make(map[string]int64, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		n, err := toInt64(v)
		if err != nil {
			s.logger.Warn("mget value not an integer", "key", keys[i], "error", err)
			continue
		}
		out[keys[i]] = n
	}
	return out, nil
}
