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

// Package uvm implements the virtual-memory management core of a unified
// CPU/GPU memory subsystem: the lifecycle state machine binding OS mapping
// regions to managed virtual address ranges, and the CPU fault resolution
// engine servicing accesses against them.
//
// Lock order: power-management lock (outer, read mode for all normal
// operations, write mode only across suspend/resume), then the per-VA-space
// lock. The process mapping lock is OS-owned and only tracked for
// diagnostics.
package uvm

import (
	"sync"
	"sync/atomic"

	"uvm.dev/uvm/pkg/log"
	"uvm.dev/uvm/pkg/memtrack"
	"uvm.dev/uvm/pkg/nvstatus"
)

// checkInvariants enables defensive assertions. Violations are driver bugs,
// never recovered.
const checkInvariants = true

// Unload-state bits written to the registered diagnostic buffer at Exit.
const (
	// UnloadStateMemoryLeak is set when allocations are still outstanding
	// at subsystem teardown.
	UnloadStateMemoryLeak uint64 = 1 << 0
)

// GlobalOpts configures the subsystem.
type GlobalOpts struct {
	// EnableBuiltinTests exposes the test-only ioctl table, including the
	// unload diagnostic buffer and failure injection.
	EnableBuiltinTests bool

	// LeakCheckMode selects allocation leak checking.
	LeakCheckMode memtrack.Mode
}

// Global is the process-wide subsystem state. It is created by Init and
// destroyed by Exit; all device files hang off one Global.
type Global struct {
	opts GlobalOpts

	// fatalError, once set, fails all entry points. Analogous to a global
	// fatal channel or ECC error stopping the driver.
	fatalError atomic.Pointer[nvstatus.Error]

	// pmLock is the power-management lock: read-held by every operation
	// touching device state, write-held only during suspend/resume.
	pmLock sync.RWMutex

	// mu guards the unload diagnostic state.
	mu          sync.Mutex
	unloadState *uint64

	tracker    *memtrack.Tracker
	svcCtxPool *serviceContextPool

	// Global GPU table.
	gpuMu        sync.Mutex
	gpus         map[string]*GPU
	gpuByIndex   [maxGPUs]*GPU
	nextGPUIndex int

	// Deferred VA space destruction, for Release calls that hit
	// power-management lock contention. The queue is unbounded and
	// enqueueing never blocks; Release must return immediately even while
	// the worker is stalled against a suspend.
	deferredReleaseMu     sync.Mutex
	deferredReleaseCond   *sync.Cond
	deferredReleaseQueue  []*VASpace
	deferredReleaseClosed bool
	deferredReleaseWG     sync.WaitGroup

	// injectWrapperAllocError fails the next N wrapper allocations.
	// Exercised by the builtin tests.
	injectWrapperAllocError atomic.Int32
}

// Init initializes the subsystem.
func Init(opts GlobalOpts) (*Global, error) {
	g := &Global{
		opts:    opts,
		tracker: memtrack.NewTracker(opts.LeakCheckMode),
		gpus:    make(map[string]*GPU),
	}
	g.deferredReleaseCond = sync.NewCond(&g.deferredReleaseMu)
	g.svcCtxPool = newServiceContextPool(g.tracker, serviceContextPreallocCount)

	g.deferredReleaseWG.Add(1)
	go g.deferredReleaseWorker()

	if opts.EnableBuiltinTests {
		log.Infof("builtin tests are enabled, this is a security risk")
	}
	return g, nil
}

// Exit tears the subsystem down: the deferred release worker is drained, the
// service context pool freed, and the unload diagnostic buffer written.
// All device files must have been released.
func (g *Global) Exit() {
	g.deferredReleaseMu.Lock()
	g.deferredReleaseClosed = true
	g.deferredReleaseMu.Unlock()
	g.deferredReleaseCond.Broadcast()
	g.deferredReleaseWG.Wait()

	g.svcCtxPool.drain()

	if outstanding := g.tracker.Outstanding(); outstanding > 0 {
		log.Warningf("memory leak of %d bytes detected", outstanding)
		for _, rec := range g.tracker.Leaks() {
			log.Warningf("  %s: %d bytes in %d allocations", rec.Origin, rec.Bytes, rec.Count)
		}
		g.mu.Lock()
		if g.unloadState != nil {
			*g.unloadState |= UnloadStateMemoryLeak
		}
		g.mu.Unlock()
	}
}

// globalGetStatus returns the global fatal error, if any.
func (g *Global) globalGetStatus() error {
	if err := g.fatalError.Load(); err != nil {
		return err
	}
	return nil
}

// setFatalError moves the subsystem to a global error state; every entry
// point fails from here on. The first error sticks.
func (g *Global) setFatalError(err *nvstatus.Error) {
	g.fatalError.CompareAndSwap(nil, err)
}

// Suspend blocks until all in-flight operations drain, then holds the
// power-management lock across the power transition until Resume.
func (g *Global) Suspend() {
	g.pmLock.Lock()
}

// Resume releases the lock taken by Suspend. Deferred releases that blocked
// against the suspend proceed now.
func (g *Global) Resume() {
	g.pmLock.Unlock()
}

// deferredReleaseWorker destroys VA spaces whose Release hit
// power-management lock contention. The blocking read acquisition below is
// the one place this lock is deliberately held across an indefinite wait: a
// suspend in progress stalls the worker until Resume, but never enqueueing.
// The worker drains the queue before exiting on shutdown.
func (g *Global) deferredReleaseWorker() {
	defer g.deferredReleaseWG.Done()
	for {
		g.deferredReleaseMu.Lock()
		for len(g.deferredReleaseQueue) == 0 && !g.deferredReleaseClosed {
			g.deferredReleaseCond.Wait()
		}
		if len(g.deferredReleaseQueue) == 0 {
			g.deferredReleaseMu.Unlock()
			return
		}
		vs := g.deferredReleaseQueue[0]
		g.deferredReleaseQueue = g.deferredReleaseQueue[1:]
		g.deferredReleaseMu.Unlock()

		g.pmLock.RLock()
		vs.destroy()
		g.pmLock.RUnlock()
	}
}

func (g *Global) queueDeferredRelease(vs *VASpace) {
	if !vs.deferredReleaseQueued.CompareAndSwap(false, true) {
		return
	}
	g.deferredReleaseMu.Lock()
	g.deferredReleaseQueue = append(g.deferredReleaseQueue, vs)
	g.deferredReleaseMu.Unlock()
	g.deferredReleaseCond.Signal()
}

// registerUnloadStateBuffer pins the caller-supplied diagnostic word that
// Exit writes unload-state bits into. Registering twice fails and leaves the
// first registration in place.
func (g *Global) registerUnloadStateBuffer(buf *uint64) error {
	if buf == nil {
		return nvstatus.ErrInvalidAddress
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.unloadState != nil {
		return nvstatus.ErrInUse
	}
	g.unloadState = buf
	*g.unloadState = 0
	return nil
}
