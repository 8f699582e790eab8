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
	"testing"

	"polygen/internal/model"
	"polygen/internal/store"
)

type recordingDispatcher struct {
	lines []string
}

func (r *recordingDispatcher) Enqueue(endpoint model.Endpoint, line string) {
	r.lines = append(r.lines, line)
}

func TestRoundOneDecimal(t *testing.T) {
	cases := map[float64]float64{
		2.0:   2.0,
		2.04:  2.0,
		2.049: 2.0,
		// 2.05 is not exactly representable: the nearest float64 is
		// 2.049999999999999822..., which a correctly-rounded decimal
		// conversion rounds down to 2.0, matching Python's
		// "{:.1f}".format(2.05) rather than naive round-half-away.
		2.05:   2.0,
		0.9999: 1.0,
	}
	for in, want := range cases {
		if got := round1(in); got != want {
			t.Errorf("round1(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestChunk_SplitsEvenly(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	chunks := chunk(items, 2)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != len(items) {
		t.Fatalf("expected all items preserved, got %d", total)
	}
}

func TestFirstIntValue_EmptyFieldsReturnsZero(t *testing.T) {
	n, err := firstIntValue(nil)
	if err != nil || n != 0 {
		t.Fatalf("expected zero value for empty fields, got %d, %v", n, err)
	}
	n, err = firstIntValue([]store.FieldValue{{Field: "", Value: 7}})
	if err != nil || n != 7 {
		t.Fatalf("expected 7, got %d, %v", n, err)
	}
}
