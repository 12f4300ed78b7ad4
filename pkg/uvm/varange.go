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
	"time"
	"unsafe"

	"uvm.dev/uvm/pkg/hostarch"
	"uvm.dev/uvm/pkg/nvstatus"
)

// rangeKind tags the backing policy of a VA range.
type rangeKind int

const (
	rangeKindManaged rangeKind = iota
	rangeKindSemaphorePool
	rangeKindExternal
)

func (k rangeKind) String() string {
	switch k {
	case rangeKindManaged:
		return "managed"
	case rangeKindSemaphorePool:
		return "semaphore_pool"
	case rangeKindExternal:
		return "external"
	default:
		return fmt.Sprintf("rangeKind(%d)", int(k))
	}
}

// Thrashing mitigation parameters for the default resolver: a page faulted
// more than thrashFaultThreshold times within thrashWindow is throttled for
// thrashNap.
const (
	thrashFaultThreshold = 3
	thrashWindow         = 10 * time.Millisecond
	thrashNap            = 500 * time.Microsecond
)

// pageState tracks the simulated backing of one page within a managed range.
type pageState struct {
	// residentOn is the GPU the page currently resides on; nil means the
	// page is in system memory.
	residentOn *GPU

	populated bool

	// Thrashing detection.
	burstFaults int
	burstStart  time.Time
}

// vaRange is a node in the VA space's ordered range tree. end is inclusive,
// matching the tree's internal convention; conversions to exclusive-end
// hostarch.AddrRange happen at the boundary.
//
// All fields except the managed page maps are guarded by the VA space lock;
// page maps have a dedicated mutex so concurrent faults under the read lock
// do not race.
type vaRange struct {
	vaSpace *VASpace
	kind    rangeKind

	start, end hostarch.Addr

	// isZombie marks a tombstoned range retained after process teardown in
	// multi-process sharing mode.
	isZombie bool

	// group is the range group this range belongs to, if any.
	group *rangeGroup

	managed struct {
		// wrapper is the mapping-region wrapper this range is bound
		// to. Re-pointed on region split.
		wrapper *regionWrapper

		// Page servicing state. mu guards pages; it is acquired with
		// the VA space lock held (in either mode) and never held
		// across blocking work.
		mu    sync.Mutex
		pages map[hostarch.Addr]*pageState

		// resolveHook, if set, replaces the default resolver. Used by
		// the builtin tests to drive thrashing and failure paths.
		resolveHook func(addr hostarch.Addr, write bool, sc *ServiceContext) error
	}

	sempool struct {
		mem *semaphorePoolMem
	}
}

const vaRangeOrigin = "va_range"

var vaRangeBytes = int64(unsafe.Sizeof(vaRange{}))

// size returns the range length in bytes.
func (r *vaRange) size() uint64 {
	return uint64(r.end-r.start) + 1
}

// addrRange returns the range as an exclusive-end hostarch.AddrRange.
func (r *vaRange) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.start, End: r.end + 1}
}

// region returns the mapping region a managed range is bound to, or nil.
func (r *vaRange) region() *Region {
	if r.kind != rangeKindManaged || r.managed.wrapper == nil {
		return nil
	}
	return r.managed.wrapper.region
}

func (r *vaRange) String() string {
	return fmt.Sprintf("va_range %s %v", r.kind, r.addrRange())
}

func newVARange(vs *VASpace, kind rangeKind, start, end hostarch.Addr) *vaRange {
	r := &vaRange{vaSpace: vs, kind: kind, start: start, end: end}
	if kind == rangeKindManaged {
		r.managed.pages = make(map[hostarch.Addr]*pageState)
	}
	vs.g.tracker.Account(vaRangeOrigin, vaRangeBytes)
	return r
}

// rangeFindLocked returns the range containing addr, or nil.
//
// Preconditions: vs.lock must be locked.
func (vs *VASpace) rangeFindLocked(addr hostarch.Addr) *vaRange {
	var found *vaRange
	vs.ranges.DescendLessOrEqual(&vaRange{start: addr}, func(r *vaRange) bool {
		found = r
		return false
	})
	if found != nil && found.end >= addr {
		return found
	}
	return nil
}

// rangeInsertLocked inserts r into the tree, failing with ErrAddressInUse if
// any existing range overlaps it.
//
// Preconditions: vs.lock must be locked for writing.
func (vs *VASpace) rangeInsertLocked(r *vaRange) error {
	collision := false
	vs.ranges.DescendLessOrEqual(&vaRange{start: r.end}, func(other *vaRange) bool {
		collision = other.end >= r.start
		return false
	})
	if collision {
		return nvstatus.ErrAddressInUse
	}
	vs.ranges.ReplaceOrInsert(r)
	return nil
}

// rangeCreateMMapLocked creates a managed range covering exactly the
// wrapper's region and binds it to the wrapper. A collision with any existing
// range fails with ErrAddressInUse and creates nothing.
//
// Preconditions: vs.lock must be locked for writing.
func (vs *VASpace) rangeCreateMMapLocked(wrapper *regionWrapper) (*vaRange, error) {
	region := wrapper.region
	r := newVARange(vs, rangeKindManaged, region.start, region.end-1)
	r.managed.wrapper = wrapper
	if err := vs.rangeInsertLocked(r); err != nil {
		vs.g.tracker.Release(vaRangeOrigin, vaRangeBytes)
		return nil, err
	}
	return r, nil
}

// rangeCreateSemaphorePoolLocked creates a semaphore pool range with backing
// memory of the range's size.
//
// Preconditions: vs.lock must be locked for writing.
func (vs *VASpace) rangeCreateSemaphorePoolLocked(ar hostarch.AddrRange) (*vaRange, error) {
	mem, err := newSemaphorePoolMem(ar.Length())
	if err != nil {
		return nil, err
	}
	r := newVARange(vs, rangeKindSemaphorePool, ar.Start, ar.End-1)
	r.sempool.mem = mem
	if err := vs.rangeInsertLocked(r); err != nil {
		mem.free()
		vs.g.tracker.Release(vaRangeOrigin, vaRangeBytes)
		return nil, err
	}
	return r, nil
}

// rangeCreateExternalLocked creates an external range.
//
// Preconditions: vs.lock must be locked for writing.
func (vs *VASpace) rangeCreateExternalLocked(ar hostarch.AddrRange) (*vaRange, error) {
	r := newVARange(vs, rangeKindExternal, ar.Start, ar.End-1)
	if err := vs.rangeInsertLocked(r); err != nil {
		vs.g.tracker.Release(vaRangeOrigin, vaRangeBytes)
		return nil, err
	}
	return r, nil
}

// rangeSplitLocked splits r at newEnd: r keeps [r.start, newEnd] and a new
// range takes (newEnd, r.end]. Managed page state moves with its half. On
// failure r is unchanged.
//
// Preconditions: vs.lock must be locked for writing. r.start <= newEnd <
// r.end. newEnd+1 must be page-aligned.
func (vs *VASpace) rangeSplitLocked(r *vaRange, newEnd hostarch.Addr) error {
	if checkInvariants {
		if r.kind != rangeKindManaged {
			panic(fmt.Sprintf("split of non-managed %s", r))
		}
		if newEnd < r.start || newEnd >= r.end || !(newEnd + 1).IsPageAligned() {
			panic(fmt.Sprintf("bad split point %#x for %s", newEnd, r))
		}
	}

	if n := vs.injectRangeSplitError.Load(); n > 0 && vs.injectRangeSplitError.CompareAndSwap(n, n-1) {
		return nvstatus.ErrNoMemory
	}

	newRange := newVARange(vs, rangeKindManaged, newEnd+1, r.end)
	newRange.managed.wrapper = r.managed.wrapper
	newRange.group = r.group

	r.managed.mu.Lock()
	for addr, ps := range r.managed.pages {
		if addr > newEnd {
			newRange.managed.pages[addr] = ps
			delete(r.managed.pages, addr)
		}
	}
	r.managed.mu.Unlock()

	// Shrinking r does not change its start, so its tree position is
	// stable.
	r.end = newEnd
	vs.ranges.ReplaceOrInsert(newRange)
	return nil
}

// rangeDestroyLocked removes r from the tree and releases its resources.
//
// Preconditions: vs.lock must be locked for writing.
func (vs *VASpace) rangeDestroyLocked(r *vaRange) {
	vs.ranges.Delete(r)
	if r.kind == rangeKindSemaphorePool && r.sempool.mem != nil {
		r.sempool.mem.unmapCPUUser()
		r.sempool.mem.free()
		r.sempool.mem = nil
	}
	r.managed.wrapper = nil
	vs.g.tracker.Release(vaRangeOrigin, vaRangeBytes)
}

// rangeZombifyLocked converts r to its tombstone form: the OS-side region is
// gone but the range stays in the tree for inspection until
// CleanUpZombieResources.
//
// Preconditions: vs.lock must be locked for writing. r is managed.
func (vs *VASpace) rangeZombifyLocked(r *vaRange) {
	if checkInvariants && r.kind != rangeKindManaged {
		panic(fmt.Sprintf("zombify of non-managed %s", r))
	}
	r.isZombie = true
	r.managed.wrapper = nil
	r.managed.mu.Lock()
	r.managed.pages = make(map[hostarch.Addr]*pageState)
	r.managed.mu.Unlock()
}

// rangesInRegionLocked calls fn for each range intersecting the region's
// interval, in ascending order, until fn returns false. fn must not mutate
// the tree; collect first when destroying.
//
// Preconditions: vs.lock must be locked.
func (vs *VASpace) rangesInRegionLocked(region *Region, fn func(r *vaRange) bool) {
	vs.ranges.AscendGreaterOrEqual(&vaRange{start: region.start}, func(r *vaRange) bool {
		if r.start >= region.end {
			return false
		}
		return fn(r)
	})
}

// assertRangesTileRegionLocked checks the tiling invariant: the managed
// ranges bound to region exactly tile [region.start, region.end).
//
// Preconditions: vs.lock must be locked.
func (vs *VASpace) assertRangesTileRegionLocked(region *Region) {
	if !checkInvariants {
		return
	}
	expect := region.start
	vs.rangesInRegionLocked(region, func(r *vaRange) bool {
		if r.kind != rangeKindManaged {
			panic(fmt.Sprintf("%s under managed region %v", r, region.vmRange()))
		}
		if r.start != expect {
			panic(fmt.Sprintf("tiling gap at %#x: next range %s under region %v", expect, r, region.vmRange()))
		}
		expect = r.end + 1
		return true
	})
	if expect != region.end {
		panic(fmt.Sprintf("tiling ends at %#x, region %v", expect, region.vmRange()))
	}
}

// blockFindCreateManagedLocked locates the managed block servicing addr,
// creating block state on demand. Fails with ErrInvalidAddress if no managed
// range covers addr; the fault path treats anything but ErrNoMemory as a
// driver bug.
//
// Preconditions: vs.lock must be locked.
func (vs *VASpace) blockFindCreateManagedLocked(addr hostarch.Addr) (*vaRange, error) {
	r := vs.rangeFindLocked(addr)
	if r == nil || r.kind != rangeKindManaged || r.isZombie {
		return nil, nvstatus.ErrInvalidAddress
	}
	return r, nil
}

// serviceCPUFaultLocked resolves one CPU access to a page of a managed
// range: places the page, migrating it back from a GPU if needed, and
// applies thrashing mitigation.
//
// Returns MoreProcessingRequired to request another resolution pass after
// the throttling delay recorded in sc.
//
// Preconditions: vs.lock must be locked (reading suffices).
func (r *vaRange) serviceCPUFaultLocked(addr hostarch.Addr, write bool, sc *ServiceContext) error {
	if hook := r.managed.resolveHook; hook != nil {
		return hook(addr, write, sc)
	}

	page := addr.RoundDown()
	r.managed.mu.Lock()
	defer r.managed.mu.Unlock()

	ps := r.managed.pages[page]
	if ps == nil {
		ps = &pageState{}
		r.managed.pages[page] = ps
	}

	now := time.Now()
	if now.Sub(ps.burstStart) > thrashWindow {
		ps.burstStart = now
		ps.burstFaults = 0
	}
	ps.burstFaults++
	if ps.burstFaults > thrashFaultThreshold {
		ps.burstFaults = 0
		sc.wakeupTimeStamp = now.Add(thrashNap)
		return nvstatus.MoreProcessingRequired
	}

	if ps.residentOn != nil {
		// Migration back to system memory; the source GPU must be
		// checked for ECC errors once the locks are dropped.
		sc.didMigrate = true
		sc.gpusToCheckForECC.Set(ps.residentOn.index)
		ps.residentOn = nil
	}
	ps.populated = true
	return nil
}

// migrateLocked moves the pages of [ar.Start, ar.End) resident in this range
// to the given GPU. Fails with ErrInvalidState if the range's group has
// migration prevented.
//
// Preconditions: vs.lock must be locked for writing. r is managed.
func (r *vaRange) migrateLocked(ar hostarch.AddrRange, gpu *GPU) error {
	if r.group != nil && !r.group.migratable.Load() {
		return nvstatus.ErrInvalidState
	}
	sub := r.addrRange().Intersect(ar)
	r.managed.mu.Lock()
	defer r.managed.mu.Unlock()
	for addr := sub.Start; addr < sub.End; addr += hostarch.PageSize {
		ps := r.managed.pages[addr]
		if ps == nil {
			ps = &pageState{}
			r.managed.pages[addr] = ps
		}
		ps.populated = true
		ps.residentOn = gpu
	}
	return nil
}
