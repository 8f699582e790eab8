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

import "testing"

const backoffSeconds = 5.0
const unblockRatio = 0.95

func TestDecideConnTransition_NewBlock(t *testing.T) {
	d := decideConnTransition(1.2, false, 0, 100, backoffSeconds, unblockRatio)
	if d != decisionBlock {
		t.Fatalf("expected block for newly over-limit user, got %v", d)
	}
}

func TestDecideConnTransition_HeartbeatWhileStillOver(t *testing.T) {
	// blocked at epoch 90, backoff 5s, now 100 -> 10s since last decision > 5s: heartbeat.
	d := decideConnTransition(1.2, true, 90, 100, backoffSeconds, unblockRatio)
	if d != decisionBlock {
		t.Fatalf("expected heartbeat block, got %v", d)
	}
}

func TestDecideConnTransition_NoHeartbeatWithinBackoff(t *testing.T) {
	// blocked at epoch 98, now 100, backoff 5s not yet elapsed, still over limit but
	// no need to re-emit since the proxy already knows.
	d := decideConnTransition(1.2, true, 98, 100, backoffSeconds, unblockRatio)
	if d != decisionNone {
		t.Fatalf("expected no emission within backoff window, got %v", d)
	}
}

func TestDecideConnTransition_UnblockTakesPrecedence(t *testing.T) {
	// blocked, ratio dropped to exactly the unblock threshold: unblock, regardless
	// of whether the heartbeat backoff has elapsed.
	d := decideConnTransition(unblockRatio, true, 99, 100, backoffSeconds, unblockRatio)
	if d != decisionUnblock {
		t.Fatalf("expected unblock at exact threshold tie-break, got %v", d)
	}
}

func TestDecideConnTransition_CloseToLimitHeartbeatsBlock(t *testing.T) {
	// blocked, ratio above unblock threshold but below 1: heartbeat the block
	// once backoff elapses, don't unblock yet.
	d := decideConnTransition(0.97, true, 90, 100, backoffSeconds, unblockRatio)
	if d != decisionBlock {
		t.Fatalf("expected heartbeat block while still close to limit, got %v", d)
	}
}

func TestDecideConnTransition_NeverBlockedUnderLimit(t *testing.T) {
	d := decideConnTransition(0.5, false, 0, 100, backoffSeconds, unblockRatio)
	if d != decisionNone {
		t.Fatalf("expected no emission, got %v", d)
	}
}

func TestDecideConnTransition_RatioExactlyOneCountsAsReached(t *testing.T) {
	d := decideConnTransition(1.0, false, 0, 100, backoffSeconds, unblockRatio)
	if d != decisionBlock {
		t.Fatalf("expected ratio==1 to count as over limit, got %v", d)
	}
}

func TestBlockedUserTable_MarkIsBlockedClear(t *testing.T) {
	tbl := NewBlockedUserTable()
	if tbl.isBlocked("KEY1") {
		t.Fatalf("expected not blocked initially")
	}
	tbl.mark("KEY1", 100)
	if !tbl.isBlocked("KEY1") {
		t.Fatalf("expected blocked after mark")
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 blocked user, got %d", tbl.Len())
	}
	tbl.clear("KEY1")
	if tbl.isBlocked("KEY1") {
		t.Fatalf("expected cleared")
	}
}
