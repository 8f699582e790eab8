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

package bookkeeper

import (
	"testing"

	"polygen/internal/model"
)

func TestBookkeeper_DeduplicatesWithinEpoch(t *testing.T) {
	b := New()
	b.AddViolation(1000.5, "dev.dc", "user_GET", "KEY1", 0)
	b.AddViolation(1000.6, "dev.dc", "user_GET", "KEY1", 0) // same epoch, duplicate

	msgs := b.PrepareAndDispatch(1000.7)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d: %+v", len(msgs), msgs)
	}

	// Second call before any new AddViolation produces no further message
	// for the same group since new_keys was cleared on the prior dispatch.
	if msgs2 := b.PrepareAndDispatch(1000.8); len(msgs2) != 0 {
		t.Fatalf("expected no messages on redundant dispatch, got %+v", msgs2)
	}
}

func TestBookkeeper_BandwidthResendOnSignificantChange(t *testing.T) {
	b := New()
	b.AddViolation(2000.0, "dev.dc", model.CategoryBndUp, "KEY1", 1.0)
	if msgs := b.PrepareAndDispatch(2000.1); len(msgs) != 1 {
		t.Fatalf("expected initial message, got %+v", msgs)
	}

	// Small change: below resend threshold, should be suppressed.
	b.AddViolation(2000.2, "dev.dc", model.CategoryBndUp, "KEY1", 1.1)
	if msgs := b.PrepareAndDispatch(2000.3); len(msgs) != 0 {
		t.Fatalf("expected suppressed resend, got %+v", msgs)
	}

	// Large change: above resend threshold (0.15), should re-arm.
	b.AddViolation(2000.4, "dev.dc", model.CategoryBndUp, "KEY1", 1.3)
	msgs := b.PrepareAndDispatch(2000.5)
	if len(msgs) != 1 {
		t.Fatalf("expected re-armed message, got %+v", msgs)
	}
	if msgs[0].Line == "" {
		t.Fatalf("expected non-empty line")
	}
}

func TestBookkeeper_EpochResetClearsAllState(t *testing.T) {
	b := New()
	b.AddViolation(3000.0, "dev.dc", "user_GET", "KEY1", 0)
	b.PrepareAndDispatch(3000.1)

	// New whole-second epoch: sent_keys are discarded, so the same user can
	// be reported again immediately.
	b.AddViolation(3001.0, "dev.dc", "user_GET", "KEY1", 0)
	msgs := b.PrepareAndDispatch(3001.1)
	if len(msgs) != 1 {
		t.Fatalf("expected message after epoch reset, got %+v", msgs)
	}
}

func TestBookkeeper_MessageFormats(t *testing.T) {
	b := New()
	b.AddViolation(1609459200.0, "dev.dc", "user_GET", "KEY1", 0)
	b.AddViolation(1609459200.0, "dev.dc", "user_GET", "KEY2", 0)
	msgs := b.PrepareAndDispatch(1609459200.0)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	want := "1609459200000000,user_GET,KEY1,KEY2"
	if msgs[0].Line != want {
		t.Fatalf("got %q want %q", msgs[0].Line, want)
	}

	b2 := New()
	b2.AddViolation(1609459200.0, "dev.dc", model.CategoryBndUp, "KEY1", 1.25)
	msgs2 := b2.PrepareAndDispatch(1609459200.0)
	wantBw := "1609459200000000,user_bnd_up,KEY1:1.2"
	if msgs2[0].Line != wantBw {
		t.Fatalf("got %q want %q", msgs2[0].Line, wantBw)
	}

	b3 := New()
	b3.AddViolation(1609459200.0, "dev.dc", "user_reqs_block", "KEY1", 0)
	msgs3 := b3.PrepareAndDispatch(1609459200.0)
	wantBlock := "user_reqs_block,KEY1"
	if msgs3[0].Line != wantBlock {
		t.Fatalf("got %q want %q", msgs3[0].Line, wantBlock)
	}
}

func TestBookkeeper_CategoryEnumerationOrderDeterminesMessageOrder(t *testing.T) {
	b := New()
	b.AddViolation(1.0, "dev.dc", model.CategoryBndUp, "KEY1", 0.5)
	b.AddViolation(1.0, "dev.dc", "user_GET", "KEY1", 0)
	msgs := b.PrepareAndDispatch(1.0)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Line == "" {
		t.Fatalf("sanity")
	}
	// user_GET precedes user_bnd_up in CategoryEnumerationOrder.
	if !containsCategory(msgs[0].Line, "user_GET") {
		t.Fatalf("expected first message to be user_GET, got %q", msgs[0].Line)
	}
	if !containsCategory(msgs[1].Line, "user_bnd_up") {
		t.Fatalf("expected second message to be user_bnd_up, got %q", msgs[1].Line)
	}
}

func containsCategory(line, category string) bool {
	for _, part := range []string{category} {
		if len(line) >= len(part) {
			for i := 0; i+len(part) <= len(line); i++ {
				if line[i:i+len(part)] == part {
					return true
				}
			}
		}
	}
	return false
}
