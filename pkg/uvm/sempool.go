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
	"sync/atomic"

	"golang.org/x/sys/unix"

	"uvm.dev/uvm/pkg/hostarch"
	"uvm.dev/uvm/pkg/log"
	"uvm.dev/uvm/pkg/nvstatus"
)

// semaphorePoolMem is the CPU-visible backing memory of a semaphore pool
// range. The backing pages are an anonymous host mapping; GPU mappings are
// outside this core.
type semaphorePoolMem struct {
	data []byte

	// mappedRegion is the mapping region the pool is currently bound
	// into, if any. Guarded by the VA space lock, held for writing.
	mappedRegion *Region

	// injectMapError fails the next N mapCPUUser calls. Exercised by the
	// builtin tests for the fork-remap failure path.
	injectMapError atomic.Int32
}

func newSemaphorePoolMem(size uint64) (*semaphorePoolMem, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		log.Warningf("semaphore pool backing allocation of %d bytes failed: %v", size, err)
		return nil, nvstatus.ErrNoMemory
	}
	return &semaphorePoolMem{data: data}, nil
}

// mapCPUUser binds the pool's pages into region, making every page of the
// region immediately accessible.
//
// Preconditions: the VA space lock must be locked for writing. The pool must
// not already be mapped.
func (m *semaphorePoolMem) mapCPUUser(region *Region) error {
	if n := m.injectMapError.Load(); n > 0 && m.injectMapError.CompareAndSwap(n, n-1) {
		return nvstatus.ErrNoMemory
	}
	if m.mappedRegion != nil {
		return nvstatus.ErrInvalidState
	}
	m.mappedRegion = region
	region.pteMu.Lock()
	for addr := region.start; addr < region.end; addr += hostarch.PageSize {
		region.ptes[addr] = struct{}{}
	}
	region.pteMu.Unlock()
	return nil
}

// unmapCPUUser tears down the pool's CPU mapping. No-op if not mapped.
//
// Preconditions: the VA space lock must be locked for writing.
func (m *semaphorePoolMem) unmapCPUUser() {
	region := m.mappedRegion
	if region == nil {
		return
	}
	m.mappedRegion = nil
	region.pteMu.Lock()
	for addr := region.start; addr < region.end; addr += hostarch.PageSize {
		delete(region.ptes, addr)
	}
	region.pteMu.Unlock()
}

// free releases the backing memory.
func (m *semaphorePoolMem) free() {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			log.Warningf("semaphore pool backing unmap failed: %v", err)
		}
		m.data = nil
	}
}
