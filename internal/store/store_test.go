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
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

type fakeRunner struct {
	scanPages   [][]string
	scanCalls   int
	evalShaErr  error
	evalShaHits int
	loadedSHA   string
	evalCalls   int
	evalReply   interface{}
	mgetReply   []interface{}
}

func (f *fakeRunner) EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) (interface{}, error) {
	f.evalShaHits++
	if f.evalShaErr != nil {
		return nil, f.evalShaErr
	}
	return f.evalReply, nil
}

func (f *fakeRunner) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	f.evalCalls++
	return f.evalReply, nil
}

func (f *fakeRunner) ScriptLoad(ctx context.Context, script string) (string, error) {
	f.loadedSHA = "deadbeef"
	f.evalShaErr = nil // simulates Redis now having the script cached
	return f.loadedSHA, nil
}

func (f *fakeRunner) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	idx := int(cursor)
	if idx >= len(f.scanPages) {
		return nil, 0, nil
	}
	f.scanCalls++
	next := uint64(idx + 1)
	if next >= uint64(len(f.scanPages)) {
		next = 0
	}
	return f.scanPages[idx], next, nil
}

func (f *fakeRunner) MGet(ctx context.Context, keys []string) ([]interface{}, error) {
	return f.mgetReply, nil
}

func newTestStore(t *testing.T, runner ScriptRunner) *Store {
	t.Helper()
	dir := t.TempDir()
	luaPath := filepath.Join(dir, "script.lua")
	if err := os.WriteFile(luaPath, []byte("return {}"), 0o644); err != nil {
		t.Fatalf("writing lua script: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(logger, runner, luaPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestScanAll_DeduplicatesAcrossPages(t *testing.T) {
	runner := &fakeRunner{scanPages: [][]string{
		{"verb_1_user_A$ep", "verb_1_user_B$ep"},
		{"verb_1_user_A$ep", "verb_1_user_C$ep"}, // A repeated across pages
	}}
	s := newTestStore(t, runner)
	keys, err := s.ScanAll(context.Background(), "verb_1_*", 100)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 deduplicated keys, got %d: %v", len(keys), keys)
	}
}

func TestFetchFields_FallsBackOnNoScript(t *testing.T) {
	runner := &fakeRunner{
		evalShaErr: errors.New("NOSCRIPT No matching script"),
		evalReply:  []interface{}{[]interface{}{"GET", int64(5)}},
	}
	s := newTestStore(t, runner)
	out, err := s.FetchFields(context.Background(), []string{"verb_1_user_A$ep"})
	if err != nil {
		t.Fatalf("FetchFields: %v", err)
	}
	if runner.loadedSHA == "" {
		t.Fatalf("expected script to be (re)loaded after NOSCRIPT")
	}
	fvs, ok := out["verb_1_user_A$ep"]
	if !ok || len(fvs) != 1 || fvs[0].Field != "GET" || fvs[0].Value != 5 {
		t.Fatalf("unexpected decode: %+v", out)
	}

	// Second call should use the cached SHA directly (no NOSCRIPT this time).
	runner.evalShaErr = nil
	runner.evalReply = []interface{}{[]interface{}{"GET", int64(9)}}
	out2, err := s.FetchFields(context.Background(), []string{"verb_1_user_A$ep"})
	if err != nil {
		t.Fatalf("FetchFields second call: %v", err)
	}
	if out2["verb_1_user_A$ep"][0].Value != 9 {
		t.Fatalf("expected updated value via evalsha, got %+v", out2)
	}
}

func TestFetchFields_SkipsMissingKeys(t *testing.T) {
	runner := &fakeRunner{
		evalReply: []interface{}{nil, []interface{}{"bnd_up", int64(12)}},
	}
	s := newTestStore(t, runner)
	out, err := s.FetchFields(context.Background(), []string{"missing", "present"})
	if err != nil {
		t.Fatalf("FetchFields: %v", err)
	}
	if _, ok := out["missing"]; ok {
		t.Fatalf("expected missing key to be absent from result")
	}
	if out["present"][0].Field != "bnd_up" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestMGetCounts_SkipsNilAndNonInteger(t *testing.T) {
	runner := &fakeRunner{mgetReply: []interface{}{int64(3), nil, "not-a-number"}}
	s := newTestStore(t, runner)
	out, err := s.MGetCounts(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("MGetCounts: %v", err)
	}
	if len(out) != 1 || out["a"] != 3 {
		t.Fatalf("unexpected result: %+v", out)
	}
}
