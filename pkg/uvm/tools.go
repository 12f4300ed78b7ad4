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

package uvm

import (
	"sync"
	"sync/atomic"
	"time"

	"uvm.dev/uvm/pkg/hostarch"
	"uvm.dev/uvm/pkg/nvstatus"
)

// FatalReason describes why a fault could not be serviced. Recorded for
// external tooling when a CPU fault ends in a bus error.
type FatalReason int

// Fatal fault reasons.
const (
	FatalReasonInvalid FatalReason = iota
	FatalReasonInvalidAddress
	FatalReasonOutOfMemory
	FatalReasonInternalError
)

// statusToFatalFaultReason translates a terminal fault status to a reason
// code. Never returns FatalReasonInvalid for a non-nil error.
func statusToFatalFaultReason(err error) FatalReason {
	switch err {
	case nil:
		return FatalReasonInvalid
	case nvstatus.ErrNoMemory:
		return FatalReasonOutOfMemory
	case nvstatus.ErrInvalidAddress:
		return FatalReasonInvalidAddress
	default:
		return FatalReasonInternalError
	}
}

// EventKind enumerates tools event types.
type EventKind int

// Tools event kinds.
const (
	EventThrottlingStart EventKind = iota
	EventThrottlingEnd
	EventCPUFatalFault
)

// Event is one buffered tools event.
type Event struct {
	Kind      EventKind
	Addr      hostarch.Addr
	Write     bool
	Reason    FatalReason
	Timestamp time.Time
}

// toolsState buffers telemetry events for one VA space. Events accumulate in
// the buffer and become visible to consumers on flush.
type toolsState struct {
	enabled atomic.Bool

	mu       sync.Mutex
	buffered []Event
	flushed  []Event
}

func (t *toolsState) record(ev Event) {
	ev.Timestamp = time.Now()
	t.mu.Lock()
	t.buffered = append(t.buffered, ev)
	t.mu.Unlock()
}

func (t *toolsState) recordThrottlingStart(addr hostarch.Addr) {
	t.record(Event{Kind: EventThrottlingStart, Addr: addr})
}

func (t *toolsState) recordThrottlingEnd(addr hostarch.Addr) {
	t.record(Event{Kind: EventThrottlingEnd, Addr: addr})
}

func (t *toolsState) recordCPUFatalFault(addr hostarch.Addr, write bool, reason FatalReason) {
	t.record(Event{Kind: EventCPUFatalFault, Addr: addr, Write: write, Reason: reason})
}

// flushEvents moves buffered events to the flushed log.
func (t *toolsState) flushEvents() {
	t.mu.Lock()
	t.flushed = append(t.flushed, t.buffered...)
	t.buffered = nil
	t.mu.Unlock()
}

// flushedEvents returns a copy of the flushed log.
func (t *toolsState) flushedEvents() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.flushed...)
}
