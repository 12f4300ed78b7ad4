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
	"uvm.dev/uvm/pkg/log"
	"uvm.dev/uvm/pkg/nvstatus"
)

var mmapLog = log.BasicRateLimitedLogger(time.Second)

// File is one open of the device, owning a VA space bound to the opening
// process.
type File struct {
	g  *Global
	mm *MM

	vaSpace  *VASpace
	released atomic.Bool

	// regions is the set of live mapping regions backed by this file,
	// fork children included. Unmap-by-offset walks it.
	regionMu sync.Mutex
	regions  map[*Region]struct{}
}

// OpenDevice opens the device, creating a VA space for the calling process.
// Fails with ErrBusyRetry if the power-management lock cannot be acquired
// immediately.
func (g *Global) OpenDevice() (*File, error) {
	if err := g.globalGetStatus(); err != nil {
		return nil, err
	}
	if !g.pmLock.TryRLock() {
		return nil, nvstatus.ErrBusyRetry
	}
	defer g.pmLock.RUnlock()

	f := &File{
		g:       g,
		mm:      NewMM(),
		regions: make(map[*Region]struct{}),
	}
	f.vaSpace = newVASpace(g, f.mm)
	return f, nil
}

// VASpace returns the file's VA space, or nil after release.
func (f *File) VASpace() *VASpace {
	return f.vaSpace
}

// MM returns the process address space identity the file was opened by.
func (f *File) MM() *MM {
	return f.mm
}

// Release destroys the file's VA space. The OS discards release status, so
// this never fails: on power-management lock contention the destruction is
// handed to the deferred release worker instead, which may stall until a
// suspend in progress resumes. Idempotent.
func (f *File) Release() {
	if !f.released.CompareAndSwap(false, true) {
		return
	}
	vs := f.vaSpace
	f.vaSpace = nil

	if f.g.pmLock.TryRLock() {
		vs.destroy()
		f.g.pmLock.RUnlock()
	} else {
		f.g.queueDeferredRelease(vs)
	}
}

func (f *File) addRegion(r *Region) {
	f.regionMu.Lock()
	f.regions[r] = struct{}{}
	f.regionMu.Unlock()
}

func (f *File) removeRegion(r *Region) {
	f.regionMu.Lock()
	delete(f.regions, r)
	f.regionMu.Unlock()
}

// unmapRange removes simulated page table entries for the file offset range
// [offStart, offEnd) in every region backed by this file. Operating on file
// offsets rather than addresses is what invalidates stale fork-child
// mappings along with the primary one.
func (f *File) unmapRange(offStart, offEnd hostarch.Addr) {
	f.regionMu.Lock()
	defer f.regionMu.Unlock()
	for r := range f.regions {
		rOff := hostarch.AddrRange{Start: r.pgoff, End: r.pgoff + hostarch.Addr(r.length())}
		sub := rOff.Intersect(hostarch.AddrRange{Start: offStart, End: offEnd})
		if sub.Length() == 0 {
			continue
		}
		r.pteMu.Lock()
		for off := sub.Start; off < sub.End; off += hostarch.PageSize {
			delete(r.ptes, r.start+(off-r.pgoff))
		}
		r.pteMu.Unlock()
	}
}

// MMap establishes a mapping of the device at [addr, addr+length). pgoff is
// the file offset in bytes; the programming model requires it to equal the
// mapping's start address, which keeps unmap-by-offset simple and rules out
// address aliasing outside of fork.
//
// On power-management lock contention the region is created disabled and
// success is reported: the map call must complete atomically to preserve
// fixed-address placement, and the caller discovers the state through a
// later explicit initialization call.
func (f *File) MMap(addr hostarch.Addr, length uint64, pgoff hostarch.Addr, flags RegionFlags) (*Region, error) {
	g := f.g
	if err := g.globalGetStatus(); err != nil {
		return nil, err
	}
	vs := f.vaSpace
	if vs == nil {
		return nil, nvstatus.ErrBadFileState
	}
	if err := vs.checkInitialized(); err != nil {
		return nil, err
	}

	end, ok := addr.AddLength(length)
	if !ok || length == 0 || !addr.IsPageAligned() || !end.IsPageAligned() {
		return nil, nvstatus.ErrInvalidArgument
	}
	if pgoff != addr {
		mmapLog.Debugf("mmap offset %#x != start %#x", pgoff, addr)
		return nil, nvstatus.ErrInvalidArgument
	}

	// Shared read/write is required so every fault is observed, with no
	// copy-on-write behind our backs.
	if flags&regionSharedRW != regionSharedRW {
		mmapLog.Debugf("mmap requested non-shared or non-writable mapping")
		return nil, nvstatus.ErrInvalidArgument
	}

	r := &Region{
		file:  f,
		mm:    f.mm,
		start: addr,
		end:   end,
		pgoff: pgoff,
		flags: flags,
		ptes:  make(map[hostarch.Addr]struct{}),
	}
	f.addRegion(r)

	if !g.pmLock.TryRLock() {
		disableRegion(r)
		return r, nil
	}
	defer g.pmLock.RUnlock()

	f.mm.recordLockMmapLock()
	defer f.mm.recordUnlockMmapLock()

	// The mixed-map flag and the presence of a close callback keep the OS
	// from ever merging these regions; the no-expand flag keeps them from
	// growing without a callback. Both are load-bearing for the tiling
	// invariant.
	r.flags |= RegionMixedMap | RegionDontExpand
	r.ops = managedOps{}

	w, err := g.wrapperAlloc(r)
	if err != nil {
		f.removeRegion(r)
		return nil, err
	}
	r.private = w

	vs.lock.Lock()
	defer vs.lock.Unlock()

	_, err = vs.rangeCreateMMapLocked(w)
	if err == nvstatus.ErrAddressInUse {
		// A semaphore pool allocated by an earlier ioctl owns this
		// interval; the mmap only creates its CPU mapping.
		if vr := vs.rangeFindLocked(r.start); vr != nil &&
			vr.kind == rangeKindSemaphorePool &&
			vr.start == r.start && vr.end+1 == r.end {
			g.wrapperDestroy(w)
			r.private = r
			r.ops = semaphorePoolOps{}
			err = vr.sempool.mem.mapCPUUser(r)
			if err == nil {
				return r, nil
			}
			r.private = nil
			r.ops = nil
			f.removeRegion(r)
			return nil, err
		}
	}
	if err != nil {
		mmapLog.Debugf("failed to create or map VA range for region %v: %v", r.vmRange(), err)
		g.wrapperDestroy(w)
		r.private = nil
		r.ops = nil
		f.removeRegion(r)
		return nil, err
	}

	vs.assertRangesTileRegionLocked(r)
	return r, nil
}
