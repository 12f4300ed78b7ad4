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
	"uvm.dev/uvm/pkg/hostarch"
	"uvm.dev/uvm/pkg/nvstatus"
)

// IoctlCmd numbers the operations dispatched through Ioctl.
type IoctlCmd uint32

// Ioctl commands.
const (
	IoctlInitialize IoctlCmd = iota + 1
	IoctlDeinitialize
	IoctlPageableMemAccess
	IoctlRegisterGPU
	IoctlUnregisterGPU
	IoctlRegisterChannel
	IoctlUnregisterChannel
	IoctlCreateRangeGroup
	IoctlDestroyRangeGroup
	IoctlSetRangeGroup
	IoctlPreventMigrationRangeGroups
	IoctlAllowMigrationRangeGroups
	IoctlEnablePeerAccess
	IoctlDisablePeerAccess
	IoctlCreateExternalRange
	IoctlAllocSemaphorePool
	IoctlMigrate
	IoctlFree
	IoctlCleanUpZombieResources
	IoctlToolsInitEventTracker
	IoctlToolsFlushEvents
	IoctlValidateVARange
)

// Test-only commands, dispatched through the secondary table.
const (
	IoctlTestRegisterUnloadStateBuffer IoctlCmd = iota + 1000
	IoctlTestInjectRangeSplitError
	IoctlTestInjectWrapperAllocError
	IoctlTestSetECCErrorPending
)

// Ioctl parameter blocks.
type (
	// InitializeParams carries the VA space initialization flags.
	InitializeParams struct {
		Flags InitFlags
	}

	// PageableMemAccessParams reports whether pageable memory access is
	// supported. Always false in this core.
	PageableMemAccessParams struct {
		PageableMemAccess bool // out
	}

	// GPUParams names a GPU by identifier.
	GPUParams struct {
		UUID string
	}

	// ChannelParams names a device work unit on a GPU.
	ChannelParams struct {
		UUID      string
		ChannelID uint64
	}

	// RangeGroupParams carries a range group id; out for creation.
	RangeGroupParams struct {
		ID uint64
	}

	// SetRangeGroupParams assigns the ranges of [Base, Base+Length) to a
	// group. A zero ID clears the assignment.
	SetRangeGroupParams struct {
		ID     uint64
		Base   hostarch.Addr
		Length uint64
	}

	// PeerAccessParams names a GPU pair.
	PeerAccessParams struct {
		UUIDA string
		UUIDB string
	}

	// RangeParams addresses an interval of the VA space.
	RangeParams struct {
		Base   hostarch.Addr
		Length uint64
	}

	// MigrateParams asks for [Base, Base+Length) to be migrated to the
	// named GPU.
	MigrateParams struct {
		Base   hostarch.Addr
		Length uint64
		UUID   string
	}

	// TestRegisterUnloadStateBufferParams supplies the word Exit writes
	// unload-state bits into.
	TestRegisterUnloadStateBufferParams struct {
		Buffer *uint64
	}

	// TestInjectErrorParams arms a failure injection point.
	TestInjectErrorParams struct {
		Count int32
	}

	// TestSetECCErrorPendingParams simulates an uncorrected ECC error on
	// a GPU.
	TestSetECCErrorPendingParams struct {
		UUID    string
		Pending bool
	}
)

// Ioctl dispatches cmd against the file. Every dispatched call runs under a
// non-blocking read acquisition of the power-management lock.
func (f *File) Ioctl(cmd IoctlCmd, params any) error {
	if !f.g.pmLock.TryRLock() {
		return nvstatus.ErrBusyRetry
	}
	defer f.g.pmLock.RUnlock()

	return f.ioctl(cmd, params)
}

func (f *File) ioctl(cmd IoctlCmd, params any) error {
	vs := f.vaSpace
	if vs == nil {
		return nvstatus.ErrBadFileState
	}

	// Initialize and Deinitialize are the only commands exempt from the
	// initialization check.
	switch cmd {
	case IoctlInitialize:
		p, ok := params.(*InitializeParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		return vs.initialize(p.Flags)
	case IoctlDeinitialize:
		return nil
	}

	if err := vs.checkInitialized(); err != nil {
		return err
	}

	switch cmd {
	case IoctlPageableMemAccess:
		p, ok := params.(*PageableMemAccessParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		p.PageableMemAccess = false
		return nil

	case IoctlRegisterGPU:
		p, ok := params.(*GPUParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		gpu, err := f.g.findOrCreateGPU(p.UUID)
		if err != nil {
			return err
		}
		return vs.registerGPU(gpu)

	case IoctlUnregisterGPU:
		p, ok := params.(*GPUParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		gpu, err := f.registeredGPU(p.UUID)
		if err != nil {
			return err
		}
		return vs.unregisterGPU(gpu)

	case IoctlRegisterChannel:
		p, ok := params.(*ChannelParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		gpu, err := f.registeredGPU(p.UUID)
		if err != nil {
			return err
		}
		vs.channelMu.Lock()
		vs.channels = append(vs.channels, &userChannel{gpu: gpu, id: p.ChannelID})
		vs.channelMu.Unlock()
		vs.channelsStopped.Store(false)
		return nil

	case IoctlUnregisterChannel:
		p, ok := params.(*ChannelParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		vs.channelMu.Lock()
		defer vs.channelMu.Unlock()
		for i, ch := range vs.channels {
			if ch.id == p.ChannelID && ch.gpu.uuid == p.UUID {
				vs.channels = append(vs.channels[:i], vs.channels[i+1:]...)
				return nil
			}
		}
		return nvstatus.ErrInvalidArgument

	case IoctlCreateRangeGroup:
		p, ok := params.(*RangeGroupParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		p.ID = vs.createRangeGroup()
		return nil

	case IoctlDestroyRangeGroup:
		p, ok := params.(*RangeGroupParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		return vs.destroyRangeGroup(p.ID)

	case IoctlSetRangeGroup:
		p, ok := params.(*SetRangeGroupParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		return f.setRangeGroup(p)

	case IoctlPreventMigrationRangeGroups, IoctlAllowMigrationRangeGroups:
		p, ok := params.(*RangeGroupParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		rg := vs.findRangeGroup(p.ID)
		if rg == nil {
			return nvstatus.ErrInvalidArgument
		}
		rg.migratable.Store(cmd == IoctlAllowMigrationRangeGroups)
		return nil

	case IoctlEnablePeerAccess, IoctlDisablePeerAccess:
		p, ok := params.(*PeerAccessParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		a, err := f.registeredGPU(p.UUIDA)
		if err != nil {
			return err
		}
		b, err := f.registeredGPU(p.UUIDB)
		if err != nil {
			return err
		}
		return vs.setPeerAccess(a, b, cmd == IoctlEnablePeerAccess)

	case IoctlCreateExternalRange:
		p, ok := params.(*RangeParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		ar, err := checkedRange(p.Base, p.Length)
		if err != nil {
			return err
		}
		vs.lock.Lock()
		defer vs.lock.Unlock()
		_, err = vs.rangeCreateExternalLocked(ar)
		return err

	case IoctlAllocSemaphorePool:
		p, ok := params.(*RangeParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		ar, err := checkedRange(p.Base, p.Length)
		if err != nil {
			return err
		}
		vs.lock.Lock()
		defer vs.lock.Unlock()
		_, err = vs.rangeCreateSemaphorePoolLocked(ar)
		return err

	case IoctlMigrate:
		p, ok := params.(*MigrateParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		return f.migrate(p)

	case IoctlFree:
		p, ok := params.(*RangeParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		return f.freeRange(p)

	case IoctlCleanUpZombieResources:
		vs.cleanUpZombies()
		return nil

	case IoctlToolsInitEventTracker:
		vs.tools.enabled.Store(true)
		return nil

	case IoctlToolsFlushEvents:
		vs.tools.flushEvents()
		return nil

	case IoctlValidateVARange:
		p, ok := params.(*RangeParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		return f.validateVARange(p)
	}

	// Try the test table if nothing above matched.
	if f.g.opts.EnableBuiltinTests {
		return f.testIoctl(cmd, params)
	}
	return nvstatus.ErrInvalidArgument
}

func (f *File) testIoctl(cmd IoctlCmd, params any) error {
	switch cmd {
	case IoctlTestRegisterUnloadStateBuffer:
		p, ok := params.(*TestRegisterUnloadStateBufferParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		return f.g.registerUnloadStateBuffer(p.Buffer)

	case IoctlTestInjectRangeSplitError:
		p, ok := params.(*TestInjectErrorParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		f.vaSpace.injectRangeSplitError.Store(p.Count)
		return nil

	case IoctlTestInjectWrapperAllocError:
		p, ok := params.(*TestInjectErrorParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		f.g.injectWrapperAllocError.Store(p.Count)
		return nil

	case IoctlTestSetECCErrorPending:
		p, ok := params.(*TestSetECCErrorPendingParams)
		if !ok {
			return nvstatus.ErrInvalidArgument
		}
		gpu, err := f.registeredGPU(p.UUID)
		if err != nil {
			return err
		}
		gpu.eccErrorPending.Store(p.Pending)
		return nil
	}
	return nvstatus.ErrInvalidArgument
}

// registeredGPU resolves uuid against the global table and checks it is
// registered with this VA space.
func (f *File) registeredGPU(uuid string) (*GPU, error) {
	f.g.gpuMu.Lock()
	gpu := f.g.gpus[uuid]
	f.g.gpuMu.Unlock()
	if gpu == nil {
		return nil, nvstatus.ErrInvalidArgument
	}
	vs := f.vaSpace
	vs.lock.RLock()
	_, ok := vs.registered[gpu]
	vs.lock.RUnlock()
	if !ok {
		return nil, nvstatus.ErrInvalidArgument
	}
	return gpu, nil
}

func checkedRange(base hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	end, ok := base.AddLength(length)
	if !ok || length == 0 || !base.IsPageAligned() || !end.IsPageAligned() {
		return hostarch.AddrRange{}, nvstatus.ErrInvalidAddress
	}
	return hostarch.AddrRange{Start: base, End: end}, nil
}

func (f *File) setRangeGroup(p *SetRangeGroupParams) error {
	vs := f.vaSpace
	ar, err := checkedRange(p.Base, p.Length)
	if err != nil {
		return err
	}
	var rg *rangeGroup
	if p.ID != 0 {
		rg = vs.findRangeGroup(p.ID)
		if rg == nil {
			return nvstatus.ErrInvalidArgument
		}
	}
	vs.lock.Lock()
	defer vs.lock.Unlock()
	for addr := ar.Start; addr < ar.End; {
		r := vs.rangeFindLocked(addr)
		if r == nil || r.kind != rangeKindManaged {
			return nvstatus.ErrInvalidAddress
		}
		r.group = rg
		addr = r.end + 1
	}
	return nil
}

func (f *File) migrate(p *MigrateParams) error {
	vs := f.vaSpace
	ar, err := checkedRange(p.Base, p.Length)
	if err != nil {
		return err
	}
	gpu, err := f.registeredGPU(p.UUID)
	if err != nil {
		return err
	}
	vs.lock.Lock()
	defer vs.lock.Unlock()
	for addr := ar.Start; addr < ar.End; {
		r := vs.rangeFindLocked(addr)
		if r == nil || r.kind != rangeKindManaged || r.isZombie {
			return nvstatus.ErrInvalidAddress
		}
		if err := r.migrateLocked(ar, gpu); err != nil {
			return err
		}
		addr = r.end + 1
	}
	return nil
}

// freeRange destroys the range starting exactly at Base: the free-resource
// operation that owns semaphore pool and external range teardown.
func (f *File) freeRange(p *RangeParams) error {
	vs := f.vaSpace
	ar, err := checkedRange(p.Base, p.Length)
	if err != nil {
		return err
	}
	vs.lock.Lock()
	defer vs.lock.Unlock()
	r := vs.rangeFindLocked(ar.Start)
	if r == nil || r.start != ar.Start || r.end+1 != ar.End {
		return nvstatus.ErrInvalidAddress
	}
	if r.kind == rangeKindManaged && !r.isZombie {
		// Managed ranges are torn down by unmapping the region, not by
		// Free.
		return nvstatus.ErrInvalidArgument
	}
	vs.rangeDestroyLocked(r)
	return nil
}

// validateVARange checks that [Base, Base+Length) is fully covered by live
// managed ranges. This is the explicit check callers use after an mmap that
// may have been disabled by power-management lock contention.
func (f *File) validateVARange(p *RangeParams) error {
	vs := f.vaSpace
	ar, err := checkedRange(p.Base, p.Length)
	if err != nil {
		return err
	}
	vs.lock.RLock()
	defer vs.lock.RUnlock()
	for addr := ar.Start; addr < ar.End; {
		r := vs.rangeFindLocked(addr)
		if r == nil || r.kind != rangeKindManaged || r.isZombie {
			return nvstatus.ErrInvalidAddress
		}
		addr = r.end + 1
	}
	return nil
}
