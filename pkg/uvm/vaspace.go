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

	"github.com/google/btree"

	"uvm.dev/uvm/pkg/log"
	"uvm.dev/uvm/pkg/nvstatus"
)

// InitFlags are the per-VA-space initialization flags passed to the
// Initialize ioctl.
type InitFlags uint32

// Initialization flags.
const (
	// InitFlagsMultiProcessSharingMode keeps driver-side range bookkeeping
	// alive after process teardown, for inspection by other processes
	// sharing the file.
	InitFlagsMultiProcessSharingMode InitFlags = 1 << iota

	initFlagsMask = InitFlagsMultiProcessSharingMode
)

// gpuVASpace is the GPU-facing mirror of a VA space for one registered GPU.
type gpuVASpace struct {
	gpu *GPU

	// needsFaultBufferFlush is set when ranges under this VA space are
	// torn down, so the replay engine discards stale fault entries that
	// could be misattributed to reallocated addresses.
	needsFaultBufferFlush atomic.Bool
}

// rangeGroup is a named group of VA ranges sharing migration policy.
type rangeGroup struct {
	id         uint64
	migratable atomic.Bool
}

// userChannel is a device work unit registered against a VA space.
type userChannel struct {
	gpu     *GPU
	id      uint64
	stopped atomic.Bool
}

// VASpace is the per-open-file virtual address space. It owns the VA range
// tree and the lock serializing all mutation of range state.
//
// Lock order: the global power-management lock is always acquired before the
// VA space lock; they are never reversed.
type VASpace struct {
	g *Global

	// mm is the process address space identity this VA space was opened
	// by. Regions whose mm differs (fork children) are never bound.
	mm *MM

	// lock serializes range-tiling mutations (held for writing) against
	// fault resolution reads (held for reading).
	lock sync.RWMutex

	// ranges is the ordered VA range tree, keyed by start address.
	// Guarded by lock.
	ranges *btree.BTreeG[*vaRange]

	initialized atomic.Bool
	initFlags   InitFlags

	// registered maps each registered GPU to its VA space mirror.
	// Guarded by lock.
	registered map[*GPU]*gpuVASpace

	// Range groups. Guarded by groupMu.
	groupMu     sync.Mutex
	rangeGroups map[uint64]*rangeGroup
	nextGroupID uint64

	// peerPairs records enabled peer access between GPU pairs.
	// Guarded by groupMu.
	peerPairs map[[2]*GPU]bool

	// channels are the registered device work units. channelsStopped is
	// set once all of them have been stopped.
	channelMu       sync.Mutex
	channels        []*userChannel
	channelsStopped atomic.Bool

	tools toolsState

	// deferredReleaseQueued guards against double-enqueueing this VA
	// space on the deferred release queue.
	deferredReleaseQueued atomic.Bool

	// injectRangeSplitError fails the next N range splits with
	// ErrNoMemory. Exercised by the builtin tests.
	injectRangeSplitError atomic.Int32
}

func newVASpace(g *Global, mm *MM) *VASpace {
	return &VASpace{
		g:  g,
		mm: mm,
		ranges: btree.NewG[*vaRange](8, func(a, b *vaRange) bool {
			return a.start < b.start
		}),
		registered:  make(map[*GPU]*gpuVASpace),
		rangeGroups: make(map[uint64]*rangeGroup),
		peerPairs:   make(map[[2]*GPU]bool),
	}
}

// initialize applies the Initialize ioctl. Repeated initialization must carry
// the same flags.
func (vs *VASpace) initialize(flags InitFlags) error {
	if flags&^initFlagsMask != 0 {
		return nvstatus.ErrInvalidArgument
	}
	vs.lock.Lock()
	defer vs.lock.Unlock()
	if vs.initialized.Load() {
		if flags != vs.initFlags {
			return nvstatus.ErrInvalidArgument
		}
		return nil
	}
	vs.initFlags = flags
	vs.initialized.Store(true)
	return nil
}

func (vs *VASpace) checkInitialized() error {
	if !vs.initialized.Load() {
		return nvstatus.ErrBadFileState
	}
	return nil
}

// registerGPU adds gpu to the VA space, creating its mirror. Registering the
// same GPU twice fails with ErrInUse.
func (vs *VASpace) registerGPU(gpu *GPU) error {
	vs.lock.Lock()
	defer vs.lock.Unlock()
	if _, ok := vs.registered[gpu]; ok {
		return nvstatus.ErrInUse
	}
	vs.registered[gpu] = &gpuVASpace{gpu: gpu}
	return nil
}

// unregisterGPU removes gpu from the VA space.
func (vs *VASpace) unregisterGPU(gpu *GPU) error {
	vs.lock.Lock()
	defer vs.lock.Unlock()
	if _, ok := vs.registered[gpu]; !ok {
		return nvstatus.ErrInvalidArgument
	}
	delete(vs.registered, gpu)
	return nil
}

// registeredGPUMaskLocked returns the mask of registered GPUs.
//
// Preconditions: vs.lock must be locked.
func (vs *VASpace) registeredGPUMaskLocked() ProcessorMask {
	var mask ProcessorMask
	for gpu := range vs.registered {
		mask.Set(gpu.index)
	}
	return mask
}

// gpusInMaskLocked intersects mask with the registered GPU set and resolves
// it against the global table.
//
// Preconditions: vs.lock must be locked.
func (vs *VASpace) gpusInMaskLocked(mask ProcessorMask) []*GPU {
	return vs.g.gpusInMask(mask & vs.registeredGPUMaskLocked())
}

// stopAllUserChannels stops every registered device work unit. Idempotent.
func (vs *VASpace) stopAllUserChannels() {
	vs.channelMu.Lock()
	for _, ch := range vs.channels {
		ch.stopped.Store(true)
	}
	vs.channelMu.Unlock()
	vs.channelsStopped.Store(true)
}

// createRangeGroup allocates a new range group and returns its id.
func (vs *VASpace) createRangeGroup() uint64 {
	vs.groupMu.Lock()
	defer vs.groupMu.Unlock()
	vs.nextGroupID++
	rg := &rangeGroup{id: vs.nextGroupID}
	rg.migratable.Store(true)
	vs.rangeGroups[rg.id] = rg
	return rg.id
}

func (vs *VASpace) destroyRangeGroup(id uint64) error {
	vs.groupMu.Lock()
	defer vs.groupMu.Unlock()
	if _, ok := vs.rangeGroups[id]; !ok {
		return nvstatus.ErrInvalidArgument
	}
	delete(vs.rangeGroups, id)
	return nil
}

func (vs *VASpace) findRangeGroup(id uint64) *rangeGroup {
	vs.groupMu.Lock()
	defer vs.groupMu.Unlock()
	return vs.rangeGroups[id]
}

func peerPairKey(a, b *GPU) [2]*GPU {
	if a.index > b.index {
		a, b = b, a
	}
	return [2]*GPU{a, b}
}

func (vs *VASpace) setPeerAccess(a, b *GPU, enable bool) error {
	if a == b {
		return nvstatus.ErrInvalidArgument
	}
	vs.groupMu.Lock()
	defer vs.groupMu.Unlock()
	key := peerPairKey(a, b)
	if enable {
		if vs.peerPairs[key] {
			return nvstatus.ErrInUse
		}
		vs.peerPairs[key] = true
		return nil
	}
	if !vs.peerPairs[key] {
		return nvstatus.ErrInvalidArgument
	}
	delete(vs.peerPairs, key)
	return nil
}

// markFaultBufferFlushNeededLocked marks every registered GPU's fault buffer
// as needing a flush.
//
// Preconditions: vs.lock must be locked for writing.
func (vs *VASpace) markFaultBufferFlushNeededLocked() {
	for _, gvs := range vs.registered {
		gvs.needsFaultBufferFlush.Store(true)
	}
}

// cleanUpZombies destroys all zombie ranges.
func (vs *VASpace) cleanUpZombies() {
	vs.lock.Lock()
	defer vs.lock.Unlock()
	var zombies []*vaRange
	vs.ranges.Ascend(func(r *vaRange) bool {
		if r.isZombie {
			zombies = append(zombies, r)
		}
		return true
	})
	for _, r := range zombies {
		vs.rangeDestroyLocked(r)
	}
}

// destroy tears down the VA space: all remaining ranges (zombie or not) are
// destroyed and registered GPUs dropped. Called with the power-management
// lock held for reading, either synchronously from Release or from the
// deferred release worker.
func (vs *VASpace) destroy() {
	vs.stopAllUserChannels()

	vs.lock.Lock()
	var all []*vaRange
	vs.ranges.Ascend(func(r *vaRange) bool {
		all = append(all, r)
		return true
	})
	for _, r := range all {
		vs.rangeDestroyLocked(r)
	}
	for gpu := range vs.registered {
		delete(vs.registered, gpu)
	}
	vs.lock.Unlock()

	log.Debugf("destroyed VA space %p", vs)
}

// String implements fmt.Stringer.String.
func (vs *VASpace) String() string {
	return fmt.Sprintf("va_space %p", vs)
}
