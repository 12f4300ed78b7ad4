// Copyright 2024 The UVM Authors.
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

package memtrack

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOutstanding(t *testing.T) {
	tr := NewTracker(ModeBytes)
	tr.Account("a", 100)
	tr.Account("b", 50)
	tr.Release("a", 100)
	if got := tr.Outstanding(); got != 50 {
		t.Errorf("Outstanding: got %d, want 50", got)
	}
	tr.Release("b", 50)
	if got := tr.Outstanding(); got != 0 {
		t.Errorf("Outstanding after full release: got %d, want 0", got)
	}
}

func TestLeaksByOrigin(t *testing.T) {
	tr := NewTracker(ModeOrigin)
	tr.Account("wrapper", 16)
	tr.Account("wrapper", 16)
	tr.Account("range", 64)
	tr.Account("context", 32)
	tr.Release("context", 32)

	want := []Record{
		{Origin: "range", Bytes: 64, Count: 1},
		{Origin: "wrapper", Bytes: 32, Count: 2},
	}
	if diff := cmp.Diff(want, tr.Leaks()); diff != "" {
		t.Errorf("Leaks() mismatch (-want +got):\n%s", diff)
	}
}

func TestModeBytesHasNoOrigins(t *testing.T) {
	tr := NewTracker(ModeBytes)
	tr.Account("a", 10)
	if leaks := tr.Leaks(); leaks != nil {
		t.Errorf("Leaks() in ModeBytes: got %v, want nil", leaks)
	}
}

func TestModeNone(t *testing.T) {
	tr := NewTracker(ModeNone)
	tr.Account("a", 10)
	if got := tr.Outstanding(); got != 0 {
		t.Errorf("Outstanding in ModeNone: got %d, want 0", got)
	}
}

func TestNilTracker(t *testing.T) {
	var tr *Tracker
	tr.Account("a", 10)
	tr.Release("a", 10)
	if got := tr.Outstanding(); got != 0 {
		t.Errorf("nil tracker Outstanding: got %d, want 0", got)
	}
	if leaks := tr.Leaks(); leaks != nil {
		t.Errorf("nil tracker Leaks: got %v, want nil", leaks)
	}
}
