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
	"unsafe"

	"uvm.dev/uvm/pkg/memtrack"
	"uvm.dev/uvm/pkg/nvstatus"
)

// serviceContextPreallocCount is the number of fault service contexts
// preallocated at Init to absorb warm-path allocations.
const serviceContextPreallocCount = 4

// ServiceContext holds scratch state for one CPU fault resolution attempt.
// Contexts are pooled; all fields are reset by acquire.
type ServiceContext struct {
	// wakeupTimeStamp is the absolute time before which the fault path
	// should not retry resolution. The zero value means no throttling.
	wakeupTimeStamp time.Time

	// didMigrate is set by the resolver if servicing the fault moved data
	// between processors. It classifies the fault as major.
	didMigrate bool

	// gpusToCheckForECC accumulates the processors whose ECC state must be
	// checked after the fault resolves, outside the VA space lock.
	gpusToCheckForECC ProcessorMask
}

func (sc *ServiceContext) reset() {
	sc.wakeupTimeStamp = time.Time{}
	sc.didMigrate = false
	sc.gpusToCheckForECC = ProcessorMask(0)
}

const serviceContextOrigin = "service_context"

var serviceContextBytes = int64(unsafe.Sizeof(ServiceContext{}))

// serviceContextPool is a free list of fault service contexts. The mutex is
// held only for the list splice, never across fault-handling work.
type serviceContextPool struct {
	mu      sync.Mutex
	free    []*ServiceContext
	tracker *memtrack.Tracker

	// injectAcquireError fails the next N acquires with ErrNoMemory.
	// Exercised by the builtin tests.
	injectAcquireError atomic.Int32
}

func newServiceContextPool(tracker *memtrack.Tracker, prealloc int) *serviceContextPool {
	p := &serviceContextPool{tracker: tracker}
	for i := 0; i < prealloc; i++ {
		p.tracker.Account(serviceContextOrigin, serviceContextBytes)
		p.free = append(p.free, &ServiceContext{})
	}
	return p
}

// acquire removes and returns a context from the free list, or allocates a
// new one if the list is empty.
func (p *serviceContextPool) acquire() (*ServiceContext, error) {
	if n := p.injectAcquireError.Load(); n > 0 && p.injectAcquireError.CompareAndSwap(n, n-1) {
		return nil, nvstatus.ErrNoMemory
	}

	var sc *ServiceContext
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		sc = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if sc == nil {
		p.tracker.Account(serviceContextOrigin, serviceContextBytes)
		sc = &ServiceContext{}
	}
	sc.reset()
	return sc, nil
}

// release pushes the context back onto the free list. Pooled contexts are
// only freed by drain.
func (p *serviceContextPool) release(sc *ServiceContext) {
	p.mu.Lock()
	p.free = append(p.free, sc)
	p.mu.Unlock()
}

// drain frees every pooled context, resetting the pool to empty.
func (p *serviceContextPool) drain() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()
	for range free {
		p.tracker.Release(serviceContextOrigin, serviceContextBytes)
	}
}

// size returns the current free-list length.
func (p *serviceContextPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
