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

// Package memtrack accounts for long-lived allocations made by the UVM core,
// so that subsystem teardown can detect leaks.
//
// Tracking is by origin: a short string naming the allocation site category
// (for example "vma_wrapper" or "va_range"). Origin records are consulted at
// teardown; an outstanding byte count above zero is a leak.
package memtrack

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Mode selects how much leak checking is performed.
type Mode int

const (
	// ModeNone disables leak checking entirely.
	ModeNone Mode = iota

	// ModeBytes counts total outstanding bytes only.
	ModeBytes

	// ModeOrigin additionally tracks outstanding bytes per origin.
	ModeOrigin
)

// Record describes outstanding allocations for one origin.
type Record struct {
	Origin string
	Bytes  int64
	Count  int64
}

type originInfo struct {
	bytes atomic.Int64
	count atomic.Int64
}

// Tracker is a process-wide allocation ledger.
type Tracker struct {
	mode Mode

	bytesAllocated atomic.Int64

	mu      sync.Mutex
	origins map[string]*originInfo
}

// NewTracker returns a Tracker operating in the given mode.
func NewTracker(mode Mode) *Tracker {
	t := &Tracker{mode: mode}
	if mode >= ModeOrigin {
		t.origins = make(map[string]*originInfo)
	}
	return t
}

func (t *Tracker) origin(origin string) *originInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.origins[origin]
	if info == nil {
		info = &originInfo{}
		t.origins[origin] = info
	}
	return info
}

// Account records an allocation of size bytes attributed to origin.
func (t *Tracker) Account(origin string, bytes int64) {
	if t == nil || t.mode == ModeNone {
		return
	}
	t.bytesAllocated.Add(bytes)
	if t.mode >= ModeOrigin {
		info := t.origin(origin)
		info.bytes.Add(bytes)
		info.count.Add(1)
	}
}

// Release records the release of an allocation previously passed to Account.
func (t *Tracker) Release(origin string, bytes int64) {
	if t == nil || t.mode == ModeNone {
		return
	}
	t.bytesAllocated.Add(-bytes)
	if t.mode >= ModeOrigin {
		info := t.origin(origin)
		info.bytes.Add(-bytes)
		info.count.Add(-1)
	}
}

// Outstanding returns the total outstanding byte count.
func (t *Tracker) Outstanding() int64 {
	if t == nil {
		return 0
	}
	return t.bytesAllocated.Load()
}

// Leaks returns the origins with outstanding allocations, sorted by origin.
// It returns nil unless the tracker runs in ModeOrigin.
func (t *Tracker) Leaks() []Record {
	if t == nil || t.mode < ModeOrigin {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var records []Record
	for origin, info := range t.origins {
		if b := info.bytes.Load(); b > 0 {
			records = append(records, Record{
				Origin: origin,
				Bytes:  b,
				Count:  info.count.Load(),
			})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Origin < records[j].Origin })
	return records
}
