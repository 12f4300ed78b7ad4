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
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"uvm.dev/uvm/pkg/hostarch"
	"uvm.dev/uvm/pkg/log"
	"uvm.dev/uvm/pkg/nvstatus"
)

// MM identifies one OS process address space. Mapping regions carry the MM
// they belong to; a region cloned into a different MM is a fork child.
type MM struct {
	id uint64

	// mmapLockDepth tracks the simulated process mapping lock for
	// lock-ordering diagnostics. The lock itself is OS-owned and not
	// managed here.
	mmapLockDepth atomic.Int64
}

var lastMMID atomic.Uint64

// NewMM returns a fresh process address space identity.
func NewMM() *MM {
	return &MM{id: lastMMID.Add(1)}
}

func (mm *MM) recordLockMmapLock() {
	mm.mmapLockDepth.Add(1)
}

func (mm *MM) recordUnlockMmapLock() {
	if mm.mmapLockDepth.Add(-1) < 0 {
		panic("mmap lock recorded unlocked more times than locked")
	}
}

// RegionFlags are mapping region access and behavior flags.
type RegionFlags uint32

// Region flags.
const (
	RegionShared RegionFlags = 1 << iota
	RegionRead
	RegionWrite
	RegionDontExpand
	RegionMixedMap
)

const regionSharedRW = RegionShared | RegionRead | RegionWrite

// regionWrapper is the device's private attachment to a mapping region. It
// records the region it was allocated for; during the Open transition the
// new region's copied private-data slot still points at the original
// region's wrapper, which is the only reliable way to recover the parent
// mid-split.
type regionWrapper struct {
	region *Region
}

const wrapperOrigin = "vma_wrapper"

var wrapperBytes = int64(unsafe.Sizeof(regionWrapper{}))

// wrapperAlloc allocates a wrapper recording region as its original.
// Installing it as the region's private data is the caller's job.
func (g *Global) wrapperAlloc(region *Region) (*regionWrapper, error) {
	if n := g.injectWrapperAllocError.Load(); n > 0 && g.injectWrapperAllocError.CompareAndSwap(n, n-1) {
		return nil, nvstatus.ErrNoMemory
	}
	g.tracker.Account(wrapperOrigin, wrapperBytes)
	return &regionWrapper{region: region}, nil
}

// wrapperDestroy releases the wrapper. It does not touch the region or any
// VA range; callers must have unbound them already.
func (g *Global) wrapperDestroy(w *regionWrapper) {
	g.tracker.Release(wrapperOrigin, wrapperBytes)
}

// regionOps is the per-kind lifecycle and fault dispatch of a mapping
// region: managed, semaphore pool, or disabled.
type regionOps interface {
	// open is invoked on the new region when the OS clones region state:
	// fork, split, or move. The new region's fields, including the
	// private-data slot, have been copied from the original.
	open(new *Region)

	// close is invoked when the region is unmapped. teardown is true when
	// the whole process is exiting.
	close(r *Region, teardown bool)

	// fault services a CPU access fault against the region.
	fault(r *Region, addr hostarch.Addr, write bool) FaultOutcome
}

// Region models an OS mapping region (vma) established against the device
// file. Its lifetime is OS-driven; the core reacts through ops callbacks.
type Region struct {
	file *File
	mm   *MM

	start, end hostarch.Addr // end is exclusive
	pgoff      hostarch.Addr // file offset of start, in bytes
	flags      RegionFlags

	ops regionOps

	// private is the device's slot on the region: a *regionWrapper for
	// managed regions, the origin *Region for semaphore pool regions, or
	// nil.
	private any

	// ptes simulates the OS page table entries backing this region.
	// Guarded by pteMu, a leaf lock.
	pteMu sync.Mutex
	ptes  map[hostarch.Addr]struct{}
}

func (r *Region) vmRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.start, End: r.end}
}

func (r *Region) length() uint64 {
	return uint64(r.end - r.start)
}

func (r *Region) vaSpace() *VASpace {
	return r.file.vaSpace
}

func (r *Region) String() string {
	return fmt.Sprintf("region %v", r.vmRange())
}

func (r *Region) hasPTE(addr hostarch.Addr) bool {
	r.pteMu.Lock()
	defer r.pteMu.Unlock()
	_, ok := r.ptes[addr.RoundDown()]
	return ok
}

func (r *Region) installPTE(addr hostarch.Addr) {
	r.pteMu.Lock()
	defer r.pteMu.Unlock()
	r.ptes[addr.RoundDown()] = struct{}{}
}

// disableRegion moves a region to the permanent sigbus state.
//
// The page table entries are torn down by file offset, not virtual address,
// so this also unmaps any other region sharing the offset range: stale
// fork-child mappings, and the old region during a move. A disabled region
// never services a fault again; failing visibly beats silently falling back
// to anonymous-memory behavior, which would hide the bug.
func disableRegion(r *Region) {
	r.file.unmapRange(r.pgoff, r.pgoff+hostarch.Addr(r.length()))

	r.ops = disabledOps{}

	if w, ok := r.private.(*regionWrapper); ok {
		r.file.g.wrapperDestroy(w)
	}
	r.private = nil
}

// destroyRegionManagedLocked destroys (or zombifies) every VA range tiling
// the region, then destroys the region's wrapper. The ranges must exactly
// tile the region.
//
// Preconditions: vs.lock must be locked for writing.
func destroyRegionManagedLocked(r *Region, makeZombie bool) {
	vs := r.vaSpace()
	var size uint64
	var ranges []*vaRange
	vs.rangesInRegionLocked(r, func(vr *vaRange) bool {
		ranges = append(ranges, vr)
		return true
	})
	for _, vr := range ranges {
		if checkInvariants {
			if vr.region() != r && !makeZombie {
				// On process teardown the region association
				// may already be stale; anywhere else it must
				// point back at us.
				panic(fmt.Sprintf("%s not bound to %s", vr, r))
			}
			if vr.start < r.start || vr.end >= r.end {
				panic(fmt.Sprintf("%s not contained in %s", vr, r))
			}
		}
		size += vr.size()
		if makeZombie {
			vs.rangeZombifyLocked(vr)
		} else {
			vs.rangeDestroyLocked(vr)
		}
	}

	if w, ok := r.private.(*regionWrapper); ok {
		vs.g.wrapperDestroy(w)
		r.private = nil
	}
	if checkInvariants && size != r.length() {
		panic(fmt.Sprintf("ranges covered %#x bytes of %s", size, r))
	}
}

// openFailureLocked rolls back a split that cannot be completed: the
// original region's ranges are destroyed and both regions are disabled. A
// partially split range set cannot be left in place; later splits or closes
// of either region would over- or under-cover addresses.
//
// Preconditions: vs.lock must be locked for writing.
func openFailureLocked(original, new *Region) {
	if checkInvariants && original.file != new.file {
		panic("split regions disagree on backing file")
	}
	destroyRegionManagedLocked(original, false)
	disableRegion(original)
	disableRegion(new)
}

// managedOps is the operation set of a bound managed region.
//
// open cases:
//
//  1. The parent region is duplicated (fork). Undefined behavior in the
//     programming model: the parent keeps operating, the child is disabled.
//
//  2. The original region is split (unmap, protection change, bind). The VA
//     range covering the split point is split to match. The OS never merges
//     the pieces back: the regions carry the mixed-map flag and a close
//     callback.
//
//  3. The original region is moved. Undefined behavior: the new region is
//     disabled, then the old region is closed.
//
// The regions also carry the no-expand flag, so a region only ever shrinks
// or splits.
type managedOps struct{}

func (managedOps) open(new *Region) {
	g := new.file.g
	vs := new.vaSpace()

	// The region tree cannot be used to look up the parent here: during a
	// move it would miss, and during a split the original still has its
	// old bounds. The copied private-data slot still points at the
	// original's wrapper.
	original := new.private.(*regionWrapper).region
	new.private = nil

	// Fork or move: only the new region is disabled.
	if new.mm != original.mm ||
		(new.start != original.start && new.end != original.end) {
		disableRegion(new)
		return
	}

	new.mm.recordLockMmapLock()
	defer new.mm.recordUnlockMmapLock()

	if checkInvariants {
		if new.start < original.start || new.end > original.end {
			panic(fmt.Sprintf("split %s outside original %s", new, original))
		}
	}

	// The OS splits in the middle by splitting twice, so exactly one
	// boundary is shared. The split point is the unshared one; VA range
	// ends are inclusive.
	var newEnd hostarch.Addr
	if new.start == original.start {
		newEnd = new.end - 1 // left split
	} else {
		newEnd = new.start - 1 // right split
	}

	vs.lock.Lock()
	defer vs.lock.Unlock()

	w, err := g.wrapperAlloc(new)
	if err != nil {
		openFailureLocked(original, new)
		return
	}
	new.private = w

	// Multiple VA ranges may already sit under the original region. If
	// one spans the split point, split it there.
	vr := vs.rangeFindLocked(newEnd)
	if checkInvariants {
		if vr == nil {
			panic(fmt.Sprintf("no VA range at split point %#x", newEnd))
		}
		if vr.region() != original {
			panic(fmt.Sprintf("%s bound to %s, not original %s", vr, vr.region(), original))
		}
	}
	if vr.end != newEnd {
		if err := vs.rangeSplitLocked(vr, newEnd); err != nil {
			log.Warningf("failed to split VA range, disabling both: %v. original %v new %v",
				err, original.vmRange(), new.vmRange())
			openFailureLocked(original, new)
			return
		}
	}

	// Point the ranges under the new region at its wrapper.
	vs.rangesInRegionLocked(new, func(vr *vaRange) bool {
		if checkInvariants && vr.region() != original {
			panic(fmt.Sprintf("%s bound to %s, not original %s", vr, vr.region(), original))
		}
		vr.managed.wrapper = w
		return true
	})
}

func (managedOps) close(r *Region, teardown bool) {
	vs := r.vaSpace()

	if !teardown {
		r.mm.recordLockMmapLock()
		defer r.mm.recordUnlockMmapLock()
	}

	makeZombie := false
	if teardown {
		makeZombie = vs.initFlags&InitFlagsMultiProcessSharingMode != 0
		if !makeZombie && !vs.channelsStopped.Load() {
			// Stop outstanding device work before the ranges go
			// away, to avoid spurious MMU faults against freed
			// state. A broader shutdown may have done it already.
			vs.stopAllUserChannels()
		}
	}

	vs.lock.Lock()
	defer vs.lock.Unlock()

	destroyRegionManagedLocked(r, makeZombie)

	// The GPU fault buffers must be flushed before these addresses are
	// reused, or stale entries would be misattributed to new ranges.
	vs.markFaultBufferFlushNeededLocked()
}

func (managedOps) fault(r *Region, addr hostarch.Addr, write bool) FaultOutcome {
	return r.cpuFault(addr, write)
}

// semaphorePoolOps only manages the CPU mapping of a pool allocation that an
// earlier ioctl created. GPU mappings, freeing the allocation, and
// destroying the VA range belong to the Free operation, not these callbacks.
type semaphorePoolOps struct{}

func (semaphorePoolOps) open(new *Region) {
	// Pool regions carry the origin region itself in the private slot,
	// not a wrapper.
	origin := new.private.(*Region)
	vs := origin.vaSpace()
	isFork := new.mm != origin.mm

	new.mm.recordLockMmapLock()
	defer new.mm.recordUnlockMmapLock()

	vs.lock.Lock()
	defer vs.lock.Unlock()

	vr := vs.rangeFindLocked(origin.start)
	if checkInvariants {
		if vr == nil || vr.kind != rangeKindSemaphorePool ||
			vr.start != origin.start || vr.end+1 != origin.end {
			panic(fmt.Sprintf("origin %v does not match pool range %v", origin.vmRange(), vr))
		}
	}

	new.private = nil

	if isFork {
		// Leave the parent alone, but disabling the child unmaps by
		// file offset and so tears down the parent's mapping too.
		// Rebuild it.
		disableRegion(new)

		vr.sempool.mem.unmapCPUUser()
		if err := vr.sempool.mem.mapCPUUser(origin); err != nil {
			log.Warningf("failed to remap semaphore pool for parent after fork: %v", err)
			origin.ops = disabledOps{}
		}
	} else {
		// Split or move. CPU access must route through the canonical
		// mapping only, so both regions stop servicing faults.
		origin.private = nil
		origin.ops = disabledOps{}
		new.ops = disabledOps{}
		vr.sempool.mem.unmapCPUUser()
	}
}

func (semaphorePoolOps) close(r *Region, teardown bool) {
	vs := r.vaSpace()

	if !teardown {
		r.mm.recordLockMmapLock()
		defer r.mm.recordUnlockMmapLock()
	}

	// Write mode: unmapCPUUser mutates the pool's mapping binding.
	vs.lock.Lock()
	defer vs.lock.Unlock()

	vr := vs.rangeFindLocked(r.start)
	if checkInvariants {
		if vr == nil || vr.kind != rangeKindSemaphorePool ||
			vr.start != r.start || vr.end+1 != r.end {
			panic(fmt.Sprintf("%s does not match a pool range", r))
		}
	}
	vr.sempool.mem.unmapCPUUser()
}

func (semaphorePoolOps) fault(r *Region, addr hostarch.Addr, write bool) FaultOutcome {
	return sigbusFault(r, addr)
}

// disabledOps unconditionally reports a bus error. If no fault handler were
// installed, an access would be treated as anonymous memory and silently
// succeed, which would make this failure much harder to debug.
type disabledOps struct{}

func (disabledOps) open(new *Region)        {}
func (disabledOps) close(r *Region, _ bool) {}

func (disabledOps) fault(r *Region, addr hostarch.Addr, _ bool) FaultOutcome {
	return sigbusFault(r, addr)
}

var sigbusLog = log.BasicRateLimitedLogger(time.Second)

func sigbusFault(r *Region, addr hostarch.Addr) FaultOutcome {
	sigbusLog.Debugf("fault to address %#x in disabled %s", addr, r)
	return FaultSigBus
}

// Access simulates a CPU access to addr through the region, invoking the
// fault path if no page table entry backs it.
func (r *Region) Access(addr hostarch.Addr, write bool) FaultOutcome {
	if !r.vmRange().Contains(addr) {
		return FaultSigBus
	}
	if r.hasPTE(addr) {
		return FaultResolved
	}
	out := r.ops.fault(r, addr, write)
	if out.Resolved() {
		r.installPTE(addr)
	}
	return out
}

// SplitAt simulates the OS splitting the region at addr. The region keeps
// one side and a new region covering the other is returned; newBelow selects
// whether the new region is the lower half. The open callback runs on the
// new region before the original's bounds are adjusted, as the OS does.
//
// Preconditions: addr is page-aligned and strictly inside the region.
func (r *Region) SplitAt(addr hostarch.Addr, newBelow bool) *Region {
	if !addr.IsPageAligned() || addr <= r.start || addr >= r.end {
		panic(fmt.Sprintf("bad split address %#x for %s", addr, r))
	}

	var newStart, newEnd hostarch.Addr
	if newBelow {
		newStart, newEnd = r.start, addr
	} else {
		newStart, newEnd = addr, r.end
	}
	new := &Region{
		file:    r.file,
		mm:      r.mm,
		start:   newStart,
		end:     newEnd,
		pgoff:   r.pgoff + (newStart - r.start),
		flags:   r.flags,
		ops:     r.ops,
		private: r.private,
		ptes:    make(map[hostarch.Addr]struct{}),
	}
	r.file.addRegion(new)

	new.ops.open(new)

	// The OS adjusts the original's bounds and page tables after the
	// open callback.
	r.pteMu.Lock()
	for addr := range r.ptes {
		if new.vmRange().Contains(addr) {
			new.ptes[addr] = struct{}{}
			delete(r.ptes, addr)
		}
	}
	r.pteMu.Unlock()
	if newBelow {
		r.pgoff += newEnd - r.start
		r.start = newEnd
	} else {
		r.end = newStart
	}
	return new
}

// Fork simulates the OS duplicating the region into a child process address
// space, page table entries included.
func (r *Region) Fork(childMM *MM) *Region {
	child := &Region{
		file:    r.file,
		mm:      childMM,
		start:   r.start,
		end:     r.end,
		pgoff:   r.pgoff,
		flags:   r.flags,
		ops:     r.ops,
		private: r.private,
		ptes:    make(map[hostarch.Addr]struct{}),
	}
	r.pteMu.Lock()
	for addr := range r.ptes {
		child.ptes[addr] = struct{}{}
	}
	r.pteMu.Unlock()
	r.file.addRegion(child)

	child.ops.open(child)
	return child
}

// MoveTo simulates the OS moving the region to newStart: the new region's
// open callback runs first, then the old region is closed. The file offset
// does not move with the region.
func (r *Region) MoveTo(newStart hostarch.Addr) *Region {
	new := &Region{
		file:    r.file,
		mm:      r.mm,
		start:   newStart,
		end:     newStart + hostarch.Addr(r.length()),
		pgoff:   r.pgoff,
		flags:   r.flags,
		ops:     r.ops,
		private: r.private,
		ptes:    make(map[hostarch.Addr]struct{}),
	}
	r.file.addRegion(new)

	new.ops.open(new)
	r.Close()
	return new
}

// Close simulates a plain unmap of the region.
func (r *Region) Close() {
	r.ops.close(r, false)
	r.file.removeRegion(r)
}

// CloseTeardown simulates the OS unmapping the region during process
// teardown.
func (r *Region) CloseTeardown() {
	r.ops.close(r, true)
	r.file.removeRegion(r)
}
