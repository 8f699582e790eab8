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

package store

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

// GoRedisRunner implements ScriptRunner on top of github.com/redis/go-redis/v9.
type GoRedisRunner struct {
	client *redis.Client
}

// NewGoRedisRunner dials addr ("host:port", the redis_server configuration
// entry) lazily: go-redis connects on first command.
func NewGoRedisRunner(addr string) *GoRedisRunner {
	return &GoRedisRunner{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisRunner) Close() error {
	return g.client.Close()
}

func (g *GoRedisRunner) EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) (interface{}, error) {
	return g.client.EvalSha(ctx, sha, keys, args...).Result()
}

func (g *GoRedisRunner) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.client.Eval(ctx, script, keys, args...).Result()
}

func (g *GoRedisRunner) ScriptLoad(ctx context.Context, script string) (string, error) {
	return g.client.ScriptLoad(ctx, script).Result()
}

func (g *GoRedisRunner) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return g.client.Scan(ctx, cursor, match, count).Result()
}

func (g *GoRedisRunner) MGet(ctx context.Context, keys []string) ([]interface{}, error) {
	return g.client.MGet(ctx, keys...).Result()
}
