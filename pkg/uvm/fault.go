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
	"fmt"
	"math/rand/v2"
	"time"

	"uvm.dev/uvm/pkg/hostarch"
	"uvm.dev/uvm/pkg/nvstatus"
)

// FaultOutcome is the terminal classification of one CPU fault, reported
// back to the OS fault mechanism.
type FaultOutcome int

const (
	// FaultResolved means the fault was serviced without data migration
	// (a minor fault).
	FaultResolved FaultOutcome = iota

	// FaultResolvedMajor means servicing the fault migrated data between
	// processors. The distinction only feeds OS fault accounting.
	FaultResolvedMajor

	// FaultRetry means a transient condition (lock contention) prevented
	// servicing; the OS is expected to re-invoke the fault.
	FaultRetry

	// FaultOOM maps memory exhaustion to the OS's own memory-pressure
	// handling.
	FaultOOM

	// FaultSigBus delivers a bus error to the faulting thread.
	FaultSigBus
)

// Resolved returns true if the fault was serviced.
func (o FaultOutcome) Resolved() bool {
	return o == FaultResolved || o == FaultResolvedMajor
}

// String implements fmt.Stringer.String.
func (o FaultOutcome) String() string {
	switch o {
	case FaultResolved:
		return "resolved"
	case FaultResolvedMajor:
		return "resolved_major"
	case FaultRetry:
		return "retry"
	case FaultOOM:
		return "oom"
	case FaultSigBus:
		return "sigbus"
	default:
		return fmt.Sprintf("FaultOutcome(%d)", int(o))
	}
}

func outcomeFromStatus(err error, major bool) FaultOutcome {
	switch err {
	case nil:
		if major {
			return FaultResolvedMajor
		}
		return FaultResolved
	case nvstatus.ErrBusyRetry:
		return FaultRetry
	case nvstatus.ErrNoMemory:
		return FaultOOM
	default:
		return FaultSigBus
	}
}

// throttleSleep sleeps for the remaining delay d, stretched by up to half
// again so nearby wakeups can coalesce. The deadline is a throughput hint,
// not a precise timer.
func throttleSleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d + rand.N(d/2+1))
}

// cpuFault resolves a CPU access fault against the VA space: the retry loop
// of the managed fault path, including thrashing back-off and ECC
// propagation.
func (r *Region) cpuFault(addr hostarch.Addr, write bool) FaultOutcome {
	g := r.file.g
	vs := r.vaSpace()
	major := false

	err := g.globalGetStatus()
	if err != nil {
		return outcomeFromStatus(err, major)
	}

	// Lock-order tracking is off for this acquisition: the fault path
	// legitimately re-enters under the power-management lock during power
	// transitions, and those nestings are tracked separately.
	if !g.pmLock.TryRLock() {
		return outcomeFromStatus(nvstatus.ErrBusyRetry, major)
	}

	sc, err := g.svcCtxPool.acquire()
	if err != nil {
		g.pmLock.RUnlock()
		return outcomeFromStatus(err, major)
	}

	r.mm.recordLockMmapLock()

	// Loop until thrashing goes away. The VA space lock is held in read
	// mode from the acquisition below to the release after the loop,
	// except across the throttle sleep.
	for {
		doSleep := false
		if err != nil { // only MoreProcessingRequired reaches here
			now := time.Now()
			if now.Before(sc.wakeupTimeStamp) {
				doSleep = true
				vs.tools.recordThrottlingStart(addr)
			}

			// Drop the VA space lock while we sleep.
			vs.lock.RUnlock()
			if doSleep {
				throttleSleep(sc.wakeupTimeStamp.Sub(now))
			}
		}

		vs.lock.RLock()

		if doSleep {
			vs.tools.recordThrottlingEnd(addr)
		}

		var block *vaRange
		block, err = vs.blockFindCreateManagedLocked(addr)
		if err != nil {
			if checkInvariants && err != nvstatus.ErrNoMemory {
				panic(fmt.Sprintf("unexpected block lookup failure: %v", err))
			}
			break
		}

		err = block.serviceCPUFaultLocked(addr, write, sc)
		if err != nvstatus.MoreProcessingRequired {
			break
		}
	}

	if err != nil {
		reason := statusToFatalFaultReason(err)
		if checkInvariants && reason == FatalReasonInvalid {
			panic(fmt.Sprintf("no fatal reason for %v", err))
		}
		vs.tools.recordCPUFatalFault(addr, write, reason)
	}

	toolsEnabled := vs.tools.enabled.Load()

	// ECC checking can block, so only compute and retain the GPU set
	// under the lock; the check itself runs after the release.
	var gpusToCheckForECC []*GPU
	if err == nil {
		gpusToCheckForECC = vs.gpusInMaskLocked(sc.gpusToCheckForECC)
		g.retainGPUs(gpusToCheckForECC)
	}

	vs.lock.RUnlock()
	r.mm.recordUnlockMmapLock()

	if err == nil {
		err = g.checkECCErrors(gpusToCheckForECC)
		g.releaseGPUs(gpusToCheckForECC)
	}

	if toolsEnabled {
		vs.tools.flushEvents()
	}

	// Major faults involve I/O: any migration between processors while
	// servicing makes this a major fault for OS accounting.
	major = sc.didMigrate
	g.svcCtxPool.release(sc)

	g.pmLock.RUnlock()

	return outcomeFromStatus(err, major)
}
